package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/verdict/internal/escalation"
)

func (c *cli) escalationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"esc"},
		Short:   "List and update escalation signals",
	}
	cmd.AddCommand(c.escalationsListCmd(), c.escalationsUpdateCmd())
	return cmd
}

func (c *cli) escalationsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs, err := c.client().Escalations(cmd.Context(), escalation.Status(status))
			if err != nil {
				return err
			}
			return c.render(cmd, sigs, func(w io.Writer) error {
				if len(sigs) == 0 {
					fmt.Fprintln(w, "No escalations.")
					return nil
				}
				return table(w, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tVOLUME\tSUMMARY")
					for _, s := range sigs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
							s.ID, s.Kind, s.Status, s.EffectiveVolume(), truncate(s.Payload.Summary, 60))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, acknowledged, working, resolved, expired, warranted)")
	return cmd
}

func (c *cli) escalationsUpdateCmd() *cobra.Command {
	var (
		status string
		note   string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Move an escalation signal to a new status",
		Long: `Move an escalation signal to a new status.

Examples:
  verdictctl escalations update esc-1f3a --status acknowledged
  verdictctl escalations update esc-1f3a --status resolved --note "baseline fixed"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client().UpdateEscalation(cmd.Context(), args[0], escalation.Status(status), note)
			if err != nil {
				return err
			}
			return c.render(cmd, s, func(w io.Writer) error {
				fmt.Fprintf(w, "%s is now %s\n", s.ID, s.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(escalation.StatusAcknowledged), "Target status")
	cmd.Flags().StringVar(&note, "note", "", "Resolution note")
	return cmd
}
