package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/fyrsmithlabs/verdict/internal/events"
)

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestWatch(t *testing.T) {
	srv := startNATS(t)

	pub, err := events.Connect(events.Config{URL: srv.ClientURL(), Name: "test-publisher"}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pub.Close()

	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{"watch", "--nats-url", srv.ClientURL(), "--subject", "verdict.audit.>", "--limit", "1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	// Publish until the subscription is live and the watcher exits.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("watch: %v", err)
			}
			out := stdout.String()
			if !strings.Contains(out, events.SubjectAuditPending) || !strings.Contains(out, `"signal_id":"sig-1"`) {
				t.Errorf("watch output = %q", out)
			}
			if strings.Count(strings.TrimSpace(out), "\n") != 0 {
				t.Errorf("watch printed more than one event: %q", out)
			}
			return
		case <-ticker.C:
			pub.Publish(ctx, events.SubjectSignalRouted, map[string]string{"signal_id": "ignored"})
			pub.Publish(ctx, events.SubjectAuditPending, map[string]string{"signal_id": "sig-1"})
		case <-ctx.Done():
			t.Fatal("watch did not exit")
		}
	}
}

func TestMonitor_RejectsShortInterval(t *testing.T) {
	_, _, err := execute(t, "http://127.0.0.1:1", "monitor", "--interval", "10ms")
	if err == nil || !strings.Contains(err.Error(), "--interval") {
		t.Errorf("monitor error = %v", err)
	}
}
