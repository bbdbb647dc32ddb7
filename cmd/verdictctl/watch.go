package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/events"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		cfg     events.Config
		subject string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream kernel events from NATS",
		Long: `Stream kernel events from the NATS server verdictd publishes to.

Examples:
  # Everything
  verdictctl watch --nats-url nats://localhost:4222

  # Only audit transitions
  verdictctl watch --subject "verdict.audit.>"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Name == "" {
				cfg.Name = "verdictctl"
			}
			bus, err := events.Connect(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				mu   sync.Mutex
				seen int
			)
			out := cmd.OutOrStdout()
			sub, err := bus.Subscribe(subject, func(env events.Envelope) {
				mu.Lock()
				defer mu.Unlock()
				if limit > 0 && seen >= limit {
					return
				}
				seen++
				if c.jsonOut {
					data, _ := json.Marshal(env)
					fmt.Fprintln(out, string(data))
				} else {
					fmt.Fprintf(out, "%s  %-28s %s\n", env.At.Format(time.RFC3339), env.Subject, string(env.Data))
				}
				if limit > 0 && seen == limit {
					stop()
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s on %s\n", subject, cfg.URL)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.URL, "nats-url", "nats://localhost:4222", "NATS server URL")
	cmd.Flags().StringVar(&cfg.Token, "nats-token", "", "NATS auth token")
	cmd.Flags().StringVar(&subject, "subject", events.SubjectAll, "Subject filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "Exit after this many events (0 streams until interrupted)")
	return cmd
}
