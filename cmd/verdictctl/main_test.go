package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/config"
	httpserver "github.com/fyrsmithlabs/verdict/internal/http"
	"github.com/fyrsmithlabs/verdict/internal/kernel"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupServer starts a review API backed by a real kernel.
func setupServer(t *testing.T) (string, *testClock) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Analyzer.DisableScheduler = true

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	k, err := kernel.New(context.Background(), cfg, nil, kernel.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })

	srv, err := httpserver.NewServer(k, zap.NewNop(), &httpserver.Config{Host: "localhost", Port: 9090, Version: "test"})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, clock
}

// execute runs verdictctl against server and returns stdout and stderr.
func execute(t *testing.T, server string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func mustExecute(t *testing.T, server string, args ...string) string {
	t.Helper()
	out, stderr, err := execute(t, server, args...)
	if err != nil {
		t.Fatalf("verdictctl %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr)
	}
	return out
}

func assertContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("output %q does not contain %q", got, want)
	}
}

func TestHealth(t *testing.T) {
	server, _ := setupServer(t)

	out := mustExecute(t, server, "health")
	assertContains(t, out, "Server Status: ok")
	assertContains(t, out, "Version: test")

	out = mustExecute(t, server, "health", "--json")
	var h httpserver.HealthResponse
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		t.Fatalf("health --json is not JSON: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("Status = %q, want ok", h.Status)
	}
}

func TestHealth_Unreachable(t *testing.T) {
	_, _, err := execute(t, "http://127.0.0.1:1", "health", "--timeout", "1s")
	if err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
}

func TestReviewFlow(t *testing.T) {
	server, clock := setupServer(t)

	for _, id := range []string{"sig-0", "sig-1", "sig-2"} {
		out := mustExecute(t, server, "route", "--id", id, "--confidence", "routing=0.8")
		assertContains(t, out, id+" routed REVIEW")
		assertContains(t, out, "pending")
	}

	out := mustExecute(t, server, "pending", "--json")
	var pending []audit.Record
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("pending --json: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	assertContains(t, mustExecute(t, server, "pending"), "sig-0")

	for _, id := range []string{"sig-0", "sig-1", "sig-2"} {
		out = mustExecute(t, server, "audit", "submit", id,
			"--signature", "urgency under-estimated", "--delta", "routing=-0.2", "--reviewer", "ana")
		assertContains(t, out, "State: resolved")
	}

	// A repeated submission reports the stored resolution.
	out, stderr, err := execute(t, server, "audit", "submit", "sig-0")
	if err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	assertContains(t, stderr, "already resolved")
	assertContains(t, out, "Resolution: corrected")

	clock.Advance(time.Minute)

	out = mustExecute(t, server, "analyze")
	assertContains(t, out, "Status: complete")
	assertContains(t, out, "urgency under-estimated")

	out = mustExecute(t, server, "adjustments", "--pending", "--json")
	var proposals []approval.Proposal
	if err := json.Unmarshal([]byte(out), &proposals); err != nil {
		t.Fatalf("adjustments --json: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(proposals))
	}
	id := proposals[0].ID

	out = mustExecute(t, server, "decide", id, "--verdict", "approved", "--by", "ana")
	assertContains(t, out, "approved, applied -0.100")

	out = mustExecute(t, server, "decide", id, "--verdict", "rejected")
	assertContains(t, out, "already decided")

	assertContains(t, mustExecute(t, server, "baselines"), "0.800")
	assertContains(t, mustExecute(t, server, "report"), "Status: complete")
	assertContains(t, mustExecute(t, server, "escalations", "list", "--status", "active"), "LESSON")
}

func TestRoute_Errors(t *testing.T) {
	server, _ := setupServer(t)

	_, _, err := execute(t, server, "route", "--id", "sig-x")
	if err == nil || !strings.Contains(err.Error(), "--confidence") {
		t.Errorf("route without confidence error = %v", err)
	}

	_, _, err = execute(t, server, "route", "--confidence", "routing=high")
	if err == nil {
		t.Error("expected a parse error for a non-numeric confidence")
	}

	_, _, err = execute(t, server, "route", "--confidence", "routing=1.5")
	var apiErr *httpserver.APIError
	if err == nil {
		t.Fatal("expected the server to reject an out of range confidence")
	}
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("error = %v, want a 400 api error", err)
	}
}

func TestRoute_FromStdin(t *testing.T) {
	server, _ := setupServer(t)

	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetIn(strings.NewReader(`{"id":"sig-in","confidences":{"routing":0.99}}`))
	root.SetArgs([]string{"--server", server, "route", "--file", "-"})
	if err := root.Execute(); err != nil {
		t.Fatalf("route --file -: %v", err)
	}
	assertContains(t, stdout.String(), "sig-in routed AUTO")
}

func TestEpitaphAndChorus(t *testing.T) {
	server, _ := setupServer(t)

	out := mustExecute(t, server, "epitaph", "record", "verify ticket references before citing them",
		"--failure-code", "HALLUCINATION", "--collapse-mode", "invented citation")
	assertContains(t, out, "Recorded epitaph")

	out = mustExecute(t, server, "epitaph", "record", "verify ticket references before citing them",
		"--failure-code", "HALLUCINATION", "--collapse-mode", "invented citation")
	assertContains(t, out, "recurrence 2")
	assertContains(t, out, "Supersedes")

	assertContains(t, mustExecute(t, server, "epitaph", "list"), "HALLUCINATION")
	assertContains(t, mustExecute(t, server, "volume"), "Epitaphs: 2")

	out = mustExecute(t, server, "chorus", "citing", "a", "ticket", "--retries", "2")
	assertContains(t, out, "Mode: under_pressure")

	out = mustExecute(t, server, "chorus", "routine triage", "--mode", "steady_state")
	assertContains(t, out, "Mode: steady_state")

	if _, _, err := execute(t, server, "chorus", "x", "--mode", "panic"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestEscalations_Empty(t *testing.T) {
	server, _ := setupServer(t)
	assertContains(t, mustExecute(t, server, "escalations", "list"), "No escalations.")

	if _, _, err := execute(t, server, "esc", "update", "missing", "--status", "resolved"); err == nil {
		t.Error("expected an error updating a missing escalation")
	}
}

func TestParseScores(t *testing.T) {
	got, err := parseScores("delta", map[string]string{"routing": "-0.2", "billing": "1"})
	if err != nil {
		t.Fatalf("parseScores() error = %v", err)
	}
	if got["routing"] != -0.2 || got["billing"] != 1 {
		t.Errorf("parseScores() = %v", got)
	}

	if got, err := parseScores("delta", nil); err != nil || got != nil {
		t.Errorf("parseScores(nil) = %v, %v", got, err)
	}

	if _, err := parseScores("delta", map[string]string{"routing": "lots"}); err == nil {
		t.Error("expected an error for a non-numeric value")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"longer", "hello world", 8, "hello..."},
		{"collapses whitespace", "a\n  b", 10, "a b"},
		{"tiny max", "hello", 2, "he"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
