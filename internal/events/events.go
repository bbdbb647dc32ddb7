// Package events publishes kernel state changes on NATS.
//
// Publishing is best-effort: a failed publish is logged and counted, and
// never fails the operation that produced the event. A nil *Bus is a valid
// no-op bus for deployments without NATS.
//
// Subjects:
//
//	verdict.signal.routed
//	verdict.audit.{pending,resolved,expired,blocked}
//	verdict.analysis.completed
//	verdict.adjustment.{decided,applied}
//	verdict.epitaph.recorded
//	verdict.escalation.emitted
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects.
const (
	SubjectSignalRouted      = "verdict.signal.routed"
	SubjectAuditPending      = "verdict.audit.pending"
	SubjectAuditResolved     = "verdict.audit.resolved"
	SubjectAuditExpired      = "verdict.audit.expired"
	SubjectAuditBlocked      = "verdict.audit.blocked"
	SubjectAnalysisCompleted = "verdict.analysis.completed"
	SubjectAdjustmentDecided = "verdict.adjustment.decided"
	SubjectAdjustmentApplied = "verdict.adjustment.applied"
	SubjectEpitaphRecorded   = "verdict.epitaph.recorded"
	SubjectEscalationEmitted = "verdict.escalation.emitted"
	SubjectAll               = "verdict.>"
)

// Config configures the NATS connection.
type Config struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	Token         string        `koanf:"-"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// Envelope wraps every published payload.
type Envelope struct {
	Subject string          `json:"subject"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// Bus publishes envelopes to NATS.
type Bus struct {
	conn   *nats.Conn
	owned  bool
	logger *zap.Logger
	now    func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials cfg.URL.
func Connect(cfg Config, logger *zap.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "verdictd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	b := New(nc, logger)
	b.owned = true
	return b, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{conn: nc, logger: logger, now: time.Now}
}

// Publish sends v on subject. Errors are logged, never returned.
func (b *Bus) Publish(ctx context.Context, subject string, v any) {
	if b == nil || b.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.fail(subject, fmt.Errorf("marshal payload: %w", err))
		return
	}
	msg, err := json.Marshal(Envelope{Subject: subject, At: b.now().UTC(), Data: data})
	if err != nil {
		b.fail(subject, fmt.Errorf("marshal envelope: %w", err))
		return
	}
	if err := b.conn.Publish(subject, msg); err != nil {
		b.fail(subject, err)
		return
	}
	b.published.Add(1)
	b.logger.Debug("event published", zap.String("subject", subject))
}

func (b *Bus) fail(subject string, err error) {
	b.failed.Add(1)
	b.logger.Warn("event not published", zap.String("subject", subject), zap.Error(err))
}

// Stats returns how many publishes succeeded and failed.
func (b *Bus) Stats() (published, failed uint64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.failed.Load()
}

// Subscribe delivers envelopes matching subject to fn until the returned
// subscription is drained or the bus closes.
func (b *Bus) Subscribe(subject string, fn func(Envelope)) (*nats.Subscription, error) {
	if b == nil || b.conn == nil {
		return nil, fmt.Errorf("event bus is not connected")
	}
	return b.conn.Subscribe(subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			b.logger.Warn("malformed event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(env)
	})
}

// Flush waits until the server has processed everything published so far.
func (b *Bus) Flush(timeout time.Duration) error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.FlushTimeout(timeout)
}

// Close drains and closes a connection opened by Connect.
func (b *Bus) Close() error {
	if b == nil || b.conn == nil || !b.owned {
		return nil
	}
	return b.conn.Drain()
}
