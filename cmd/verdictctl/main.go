// Package main implements verdictctl, the operator CLI for the verdictd
// review API.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/verdict/internal/http"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every command.
type cli struct {
	server  string
	timeout time.Duration
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "verdictctl",
		Short: "CLI for verdictd review operations",
		Long: `verdictctl talks to a running verdictd over its HTTP API.

It routes signals, works the audit queue, runs analysis, reviews proposed
baseline adjustments, records epitaphs and watches the event stream.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&c.server, "server", "http://localhost:9191", "verdictd server URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Output results as JSON")

	root.AddCommand(
		c.healthCmd(),
		c.routeCmd(),
		c.baselinesCmd(),
		c.pendingCmd(),
		c.auditCmd(),
		c.analyzeCmd(),
		c.reportCmd(),
		c.adjustmentsCmd(),
		c.decideCmd(),
		c.epitaphCmd(),
		c.chorusCmd(),
		c.volumeCmd(),
		c.escalationsCmd(),
		c.monitorCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) client() *httpserver.Client {
	return httpserver.NewClient(c.server, c.timeout)
}

// render writes v as indented JSON with --json, otherwise calls text.
func (c *cli) render(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	out := cmd.OutOrStdout()
	if c.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(out)
}

// table runs fn against a tabwriter and flushes it.
func table(w io.Writer, fn func(tw *tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fn(tw)
	return tw.Flush()
}

// alreadyDone reports whether err is the server refusing a repeated
// terminal transition.
func alreadyDone(err error) bool {
	var apiErr *httpserver.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.AlreadyDone
}

// parseScores converts key=value flag pairs into float scores.
func parseScores(flag string, pairs map[string]string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for k, v := range pairs {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("--%s %s=%q: %w", flag, k, v, err)
		}
		out[k] = f
	}
	return out, nil
}

// readJSON decodes a file, or stdin for "-", into v.
func readJSON(cmd *cobra.Command, path string, v any) error {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check verdictd health",
		Long: `Check the health of the verdictd daemon.

Examples:
  verdictctl health
  verdictctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd, h, func(w io.Writer) error {
				fmt.Fprintf(w, "Server Status: %s\n", h.Status)
				if h.Version != "" {
					fmt.Fprintf(w, "Version: %s\n", h.Version)
				}
				fmt.Fprintf(w, "Baselines: v%d\n", h.BaselineVersion)
				fmt.Fprintf(w, "Analysis running: %t\n", h.AnalysisRunning)
				if len(h.ComplianceModules) > 0 {
					fmt.Fprintf(w, "Compliance modules: %v\n", h.ComplianceModules)
				}
				fmt.Fprintf(w, "Events: %d published, %d failed\n", h.EventsPublished, h.EventsFailed)
				if h.Telemetry != nil && h.Telemetry.Degraded {
					fmt.Fprintf(w, "Telemetry: degraded %s\n", h.Telemetry.Error)
				}
				return nil
			})
		},
	}
}
