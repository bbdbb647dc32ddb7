package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verdict/internal/gate"
)

func (c *cli) routeCmd() *cobra.Command {
	var (
		sig         gate.Signal
		confidences map[string]string
		file        string
	)
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a decision signal through the confidence gate",
		Long: `Route a decision signal through the confidence gate.

Signals that do not route AUTO are admitted to the audit queue.

Examples:
  # Route from flags
  verdictctl route --id ticket-42 --confidence routing=0.8,urgency=0.95

  # Route a signal document from stdin
  cat signal.json | verdictctl route --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				if err := readJSON(cmd, file, &sig); err != nil {
					return err
				}
			} else {
				scores, err := parseScores("confidence", confidences)
				if err != nil {
					return err
				}
				sig.Confidences = scores
			}
			if len(sig.Confidences) == 0 {
				return fmt.Errorf("at least one --confidence is required")
			}

			out, err := c.client().Route(cmd.Context(), sig)
			if err != nil {
				return err
			}
			return c.render(cmd, out, func(w io.Writer) error {
				fmt.Fprintf(w, "%s routed %s (category %s, baselines v%d)\n",
					out.SignalID, out.Route, out.Decision.Category, out.Decision.BaselineVersion)
				for _, r := range out.Decision.Reasons {
					fmt.Fprintf(w, "  - %s\n", r)
				}
				for _, m := range out.Decision.Compliance {
					fmt.Fprintf(w, "  compliance: %q (%s, %s)\n", m.Term, m.ModuleID, m.Tier)
				}
				if out.Audit != nil {
					fmt.Fprintf(w, "Audit %s: %s\n", out.Audit.SignalID, out.Audit.State)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sig.ID, "id", "", "Signal id (generated when empty)")
	cmd.Flags().StringVar(&sig.Category, "category", "", "Primary category (defaults to the lowest scored)")
	cmd.Flags().StringToStringVar(&confidences, "confidence", nil, "Per-category confidence, e.g. routing=0.8")
	cmd.Flags().StringSliceVar(&sig.Governance, "governance", nil, "Categories with governance impact")
	cmd.Flags().BoolVar(&sig.PublishBound, "publish", false, "Signal output leaves the system")
	cmd.Flags().StringVar(&sig.Payload, "payload", "", "Decision payload checked by the compliance scanner")
	cmd.Flags().StringVar(&file, "file", "", "Read the signal as JSON from a file, or - for stdin")
	return cmd
}

func (c *cli) baselinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baselines",
		Short: "Show the current gate baselines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := c.client().Baselines(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd, snap, func(w io.Writer) error {
				fmt.Fprintf(w, "Baselines v%d (default %.3f)\n", snap.Version, snap.Default)
				if len(snap.Categories) == 0 {
					return nil
				}
				cats := make([]string, 0, len(snap.Categories))
				for cat := range snap.Categories {
					cats = append(cats, cat)
				}
				sort.Strings(cats)
				return table(w, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "CATEGORY\tVALUE\tACCURACY\tSAMPLES\tADJUSTMENT")
					fmt.Fprintln(tw, strings.Repeat("-", 8)+"\t-----\t--------\t-------\t----------")
					for _, cat := range cats {
						b := snap.Categories[cat]
						fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%d\t%+.3f\n", b.Category, b.Value, b.Accuracy, b.Samples, b.Adjustment)
					}
				})
			})
		},
	}
}
