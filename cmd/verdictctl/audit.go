package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
	"github.com/fyrsmithlabs/verdict/internal/monitor"
)

func (c *cli) pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List audits awaiting review, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := c.client().Pending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return c.render(cmd, recs, func(w io.Writer) error {
				if len(recs) == 0 {
					fmt.Fprintln(w, "No pending audits.")
					return nil
				}
				now := time.Now()
				return table(w, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "SIGNAL\tCATEGORY\tROUTE\tAGE")
					for i := range recs {
						r := &recs[i]
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.SignalID, r.Category, r.Decision.Route, monitor.FormatAge(r.Age(now)))
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of audits to return (0 for all)")
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and resolve audits",
		Long: `Inspect and resolve audits.

Examples:
  # Show one audit with its review prompt
  verdictctl audit show ticket-42

  # Confirm the decision was right
  verdictctl audit submit ticket-42 --score routing=1

  # Record a correction
  verdictctl audit submit ticket-42 --delta urgency=-0.3 --signature "urgency over-estimated"`,
	}
	cmd.AddCommand(c.auditShowCmd(), c.auditSubmitCmd())
	return cmd
}

func (c *cli) auditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <signal-id>",
		Short: "Show one audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := c.client().Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.render(cmd, rec, func(w io.Writer) error {
				printAudit(w, rec)
				return nil
			})
		},
	}
}

func printAudit(w io.Writer, rec audit.Record) {
	fmt.Fprintf(w, "Signal: %s\n", rec.SignalID)
	fmt.Fprintf(w, "Category: %s\n", rec.Category)
	fmt.Fprintf(w, "Route: %s\n", rec.Decision.Route)
	fmt.Fprintf(w, "State: %s\n", rec.State)
	fmt.Fprintf(w, "Created: %s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.ResolvedAt != nil {
		fmt.Fprintf(w, "Resolved: %s\n", rec.ResolvedAt.Format(time.RFC3339))
	}
	if rec.Resolution != nil {
		fmt.Fprintf(w, "Resolution: %s (ledger #%d)\n", rec.Resolution.Status, rec.Resolution.LedgerSeq)
	}
	if rec.Prompt != "" {
		fmt.Fprintf(w, "\n%s\n", rec.Prompt)
	}
}

func (c *cli) auditSubmitCmd() *cobra.Command {
	var (
		sub    audit.Submission
		corr   ledger.Correction
		deltas map[string]string
		scores map[string]string
		file   string
	)
	cmd := &cobra.Command{
		Use:   "submit <signal-id>",
		Short: "Resolve a pending audit",
		Long: `Resolve a pending audit with a confirmation or a correction.

Without correction flags the original decision is confirmed. Submitting
an audit that is already resolved reports the stored resolution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if err := readJSON(cmd, file, &sub); err != nil {
					return err
				}
			} else {
				var err error
				if corr.Deltas, err = parseScores("delta", deltas); err != nil {
					return err
				}
				if sub.AccuracyScores, err = parseScores("score", scores); err != nil {
					return err
				}
				if !corr.IsEmpty() || corr.Note != "" {
					sub.Correction = &corr
				}
			}

			cl := c.client()
			rec, err := cl.Submit(cmd.Context(), args[0], sub)
			if alreadyDone(err) {
				if rec, err = cl.Audit(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "audit %s was already resolved\n", args[0])
			}
			if err != nil {
				return err
			}
			return c.render(cmd, rec, func(w io.Writer) error {
				printAudit(w, rec)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&corr.Signature, "signature", "", "Coarse error signature, e.g. \"urgency under-estimated\"")
	cmd.Flags().StringVar(&corr.From, "from", "", "Classification the decision made")
	cmd.Flags().StringVar(&corr.To, "to", "", "Classification it should have made")
	cmd.Flags().StringToStringVar(&deltas, "delta", nil, "Per-category confidence correction, e.g. urgency=-0.3")
	cmd.Flags().StringVar(&corr.FailureCode, "failure-code", "", "Failure code recorded as an epitaph")
	cmd.Flags().StringVar(&corr.Note, "note", "", "Reviewer note on the correction")
	cmd.Flags().StringToStringVar(&scores, "score", nil, "Per-category accuracy score, e.g. routing=1")
	cmd.Flags().StringVar(&sub.Rationale, "rationale", "", "Reviewer rationale")
	cmd.Flags().StringVar(&sub.ReviewedBy, "reviewer", "", "Reviewer name")
	cmd.Flags().StringVar(&file, "file", "", "Read the submission as JSON from a file, or - for stdin")
	return cmd
}
