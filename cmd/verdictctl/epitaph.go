package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	httpserver "github.com/fyrsmithlabs/verdict/internal/http"
	"github.com/fyrsmithlabs/verdict/internal/monitor"
)

func (c *cli) epitaphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epitaph",
		Short: "Record and list epitaphs",
	}
	cmd.AddCommand(c.epitaphRecordCmd(), c.epitaphListCmd())
	return cmd
}

func (c *cli) epitaphRecordCmd() *cobra.Command {
	var (
		req    epitaph.RecordRequest
		weight float64
	)
	cmd := &cobra.Command{
		Use:   "record <message>",
		Short: "Record a lesson from a failure",
		Long: `Record a lesson from a failure.

An epitaph with the same failure code, context shape and collapse mode as
an earlier one supersedes it and raises its recurrence count.

Examples:
  verdictctl epitaph record "verify ticket references before citing them" \
    --failure-code HALLUCINATION --collapse-mode "invented citation"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = strings.Join(args, " ")
			if cmd.Flags().Changed("weight") {
				w := weight
				req.BaseWeight = &w
			}
			if req.Source == "" {
				req.Source = "cli"
			}
			e, err := c.client().RecordEpitaph(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.render(cmd, e, func(w io.Writer) error {
				fmt.Fprintf(w, "Recorded epitaph %s (weight %s, recurrence %d)\n",
					e.ID, monitor.FormatWeight(e.EffectiveWeight()), e.RecurrenceCount)
				if e.Supersedes != "" {
					fmt.Fprintf(w, "Supersedes %s\n", e.Supersedes)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Motivation, "motivation", "", "What the decision was trying to do")
	cmd.Flags().StringVar(&req.Outcome, "outcome", "", "What actually happened")
	cmd.Flags().StringVar(&req.Regret, "regret", "", "What should have happened instead")
	cmd.Flags().Float64Var(&weight, "weight", 0, "Base weight override in [0, 1]")
	cmd.Flags().StringVar(&req.FailureCode, "failure-code", "", "Failure classification")
	cmd.Flags().StringVar(&req.ContextShape, "context-shape", "", "Shape of the context the failure happened in")
	cmd.Flags().StringVar(&req.CollapseMode, "collapse-mode", "", "How the decision collapsed")
	cmd.Flags().StringVar(&req.Source, "source", "", "Origin of the epitaph (default cli)")
	return cmd
}

func (c *cli) epitaphListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List epitaphs with their current weight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eps, err := c.client().Epitaphs(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd, eps, func(w io.Writer) error {
				if len(eps) == 0 {
					fmt.Fprintln(w, "No epitaphs.")
					return nil
				}
				return table(w, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tWEIGHT\tUSES\tCODE\tMESSAGE")
					for _, e := range eps {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
							e.ID, monitor.FormatWeight(e.EffectiveWeight()), e.UsesCount, e.FailureCode, truncate(e.Message, 60))
					}
				})
			})
		},
	}
}

func (c *cli) chorusCmd() *cobra.Command {
	var (
		mode    string
		signals chorus.Signals
	)
	cmd := &cobra.Command{
		Use:   "chorus <context>",
		Short: "Compose the chorus for a decision context",
		Long: `Compose the chorus for a decision context.

With --mode the chorus is voiced in that mode. Otherwise the mode is
detected from --feedback, --retries, --novelty and the context text.

Examples:
  verdictctl chorus "replying to a billing dispute" --retries 2
  verdictctl chorus "routine triage" --mode steady_state`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpserver.ChorusRequest{Text: strings.Join(args, " ")}
			if mode != "" {
				m, err := chorus.ParseMode(mode)
				if err != nil {
					return err
				}
				req.Mode = string(m)
			} else {
				req.Signals = &signals
			}

			comp, err := c.client().Chorus(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.render(cmd, comp, func(w io.Writer) error {
				fmt.Fprintf(w, "Mode: %s\n", comp.Mode)
				if comp.Silent() {
					fmt.Fprintln(w, "(silent)")
					return nil
				}
				fmt.Fprintf(w, "\n%s\n", comp.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Explicit chorus mode")
	cmd.Flags().BoolVar(&signals.Feedback, "feedback", false, "The previous attempt just failed a check")
	cmd.Flags().IntVar(&signals.Retries, "retries", 0, "Attempts in progress")
	cmd.Flags().Float64Var(&signals.Novelty, "novelty", 0, "Topic novelty in [0, 1]")
	return cmd
}

func (c *cli) volumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "volume",
		Short: "Summarize the epitaph pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := c.client().Volume(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd, v, func(w io.Writer) error {
				fmt.Fprintf(w, "Epitaphs: %d (%d active, %d dormant)\n", v.Total, v.Active, v.Dormant)
				fmt.Fprintf(w, "Mean weight: %s\n", monitor.FormatWeight(v.MeanWeight))
				fmt.Fprintf(w, "Below half weight: %d\n", v.BelowHalf)
				fmt.Fprintf(w, "Mean age: %.1f days\n", v.MeanAgeDays)
				return nil
			})
		},
	}
}

// truncate shortens s to maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
