package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

func (c *cli) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run a meta-learning analysis pass now",
		Long: `Run a meta-learning analysis pass over the feedback ledger.

A run already in progress is reported as skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := c.client().RunAnalysis(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd, report, func(w io.Writer) error {
				return printReport(w, report)
			})
		},
	}
}

func (c *cli) reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show the last analysis report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := c.client().LastReport(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd, report, func(w io.Writer) error {
				return printReport(w, report)
			})
		},
	}
}

func printReport(w io.Writer, r *metalearning.Report) error {
	fmt.Fprintf(w, "Status: %s\n", r.Status)
	if r.Status == metalearning.StatusSkipped {
		fmt.Fprintln(w, "Another analysis run is in progress.")
		return nil
	}
	fmt.Fprintf(w, "Window: %s to %s\n", r.WindowStart.Format("2006-01-02 15:04"), r.WindowEnd.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "Entries: %d\n", r.Entries)
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
	if len(r.Systematic) > 0 {
		fmt.Fprintf(w, "Systematic errors: %d\n", len(r.Systematic))
	}
	if len(r.Proposals) == 0 {
		fmt.Fprintln(w, "No adjustments proposed.")
		return nil
	}
	fmt.Fprintln(w)
	return table(w, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tCATEGORY\tSIGNATURE\tDELTA\tPROPOSED\tEVIDENCE")
		for _, a := range r.Proposals {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%+.3f\t%.3f\t%d/%d\n",
				a.ID, a.Category, a.Signature, a.Delta, a.ProposedValue, a.EvidenceCount, a.CategoryTotal)
		}
	})
}

func (c *cli) adjustmentsCmd() *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "adjustments",
		Short: "List proposed baseline adjustments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := c.client().Adjustments(cmd.Context(), pendingOnly)
			if err != nil {
				return err
			}
			return c.render(cmd, ps, func(w io.Writer) error {
				if len(ps) == 0 {
					fmt.Fprintln(w, "No adjustments.")
					return nil
				}
				return table(w, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tCATEGORY\tSIGNATURE\tDELTA\tSTATE\tDECIDED BY")
					for _, p := range ps {
						by := ""
						if p.Decision != nil {
							by = p.Decision.DecidedBy
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%+.3f\t%s\t%s\n", p.ID, p.Category, p.Signature, p.Delta, p.State, by)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Only list undecided proposals")
	return cmd
}

func (c *cli) decideCmd() *cobra.Command {
	var (
		verdict  string
		modified float64
		req      approval.DecisionRequest
	)
	cmd := &cobra.Command{
		Use:   "decide <adjustment-id>...",
		Short: "Approve, reject or modify proposed adjustments",
		Long: `Record a decision for one or more proposed adjustments.

Every id gets the same verdict. Approved and modified adjustments are
applied to the gate baselines immediately.

Examples:
  verdictctl decide 3f2a9c --verdict approved --by ana
  verdictctl decide 3f2a9c --verdict modified --value -0.05 --reason "halve it"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Verdict = approval.Verdict(verdict)
			if cmd.Flags().Changed("value") {
				v := modified
				req.ModifiedValue = &v
			}
			reqs := make([]approval.DecisionRequest, 0, len(args))
			for _, id := range args {
				r := req
				r.AdjustmentID = id
				reqs = append(reqs, r)
			}

			results, err := c.client().Decide(cmd.Context(), reqs)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Error != "" && !r.AlreadyDone {
					failed++
				}
			}
			err = c.render(cmd, results, func(w io.Writer) error {
				for _, r := range results {
					switch {
					case r.AlreadyDone:
						fmt.Fprintf(w, "%s: already decided\n", r.AdjustmentID)
					case r.Error != "":
						fmt.Fprintf(w, "%s: failed: %s\n", r.AdjustmentID, r.Error)
					case r.Decision == nil:
						fmt.Fprintf(w, "%s: no decision recorded\n", r.AdjustmentID)
					case r.Applied && r.Decision.AppliedDelta != nil:
						fmt.Fprintf(w, "%s: %s, applied %+.3f\n", r.AdjustmentID, r.Decision.Verdict, *r.Decision.AppliedDelta)
					default:
						fmt.Fprintf(w, "%s: %s\n", r.AdjustmentID, r.Decision.Verdict)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d decisions failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&verdict, "verdict", "", "approved, rejected or modified (required)")
	cmd.Flags().Float64Var(&modified, "value", 0, "Replacement delta for a modified verdict")
	cmd.Flags().StringVar(&req.Rationale, "reason", "", "Decision rationale")
	cmd.Flags().StringVar(&req.DecidedBy, "by", "", "Reviewer name")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}
