// Package kernel assembles the verdict components and exposes the
// end-to-end operations every surface (HTTP, MCP, CLI) calls.
//
// A signal flows Route → gate → audit → ledger; the analyzer reads the
// ledger and proposes adjustments; approved adjustments move the gate
// baselines. Corrections that name a failure code become epitaphs, which
// the chorus injector voices into later decision contexts.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/compliance"
	"github.com/fyrsmithlabs/verdict/internal/config"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/eventlog"
	"github.com/fyrsmithlabs/verdict/internal/events"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/verdict/internal/kernel")

// Kernel owns every component. All methods are safe for concurrent use.
type Kernel struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *events.Bus
	now    func() time.Time

	gate        *gate.Gate
	baselines   *gate.Baselines
	ledger      *ledger.Ledger
	accuracy    *ledger.AccuracyCache
	audits      *audit.Manager
	approvals   *approval.Store
	workflow    *approval.Workflow
	analyzer    *metalearning.Analyzer
	scheduler   *metalearning.Scheduler
	epitaphs    *epitaph.Store
	chorusLog   *chorus.Telemetry
	chorus      *chorus.Injector
	escalations *escalation.Emitter
	scanner     *compliance.PatternScanner
	signals     *eventlog.Log

	// closers release the embedding model and remote index.
	closers []io.Closer

	stopWatch context.CancelFunc
	closeOnce sync.Once
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithBus publishes kernel events on bus. Without it events are dropped.
func WithBus(bus *events.Bus) Option {
	return func(k *Kernel) { k.bus = bus }
}

// WithClock overrides the clock of the kernel and every component.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) {
		if now != nil {
			k.now = now
		}
	}
}

// New opens every store under cfg.DataDir and brings the in-memory state
// up to date: stale audits are recovered, baselines are refreshed from
// the ledger and approved adjustments are replayed. It starts no
// goroutines; call Start for the scheduler and the compliance watcher.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		return nil, errors.New("kernel: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &Kernel{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(k)
	}

	if err := k.open(ctx); err != nil {
		k.closeIndex()
		_ = k.closeStores()
		return nil, err
	}
	if err := k.recover(ctx); err != nil {
		k.closeIndex()
		_ = k.closeStores()
		return nil, err
	}
	return k, nil
}

func (k *Kernel) open(ctx context.Context) error {
	var err error
	cfg := k.cfg

	if k.gate, err = gate.New(cfg.Gate); err != nil {
		return err
	}
	k.baselines = gate.NewBaselines(cfg.Gate, k.logger.Named("baselines"))

	if k.ledger, err = ledger.Open(cfg.LedgerDir(),
		ledger.WithLogger(k.logger.Named("ledger")),
		ledger.WithClock(k.now),
	); err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	k.accuracy = ledger.NewAccuracyCache(k.ledger, cfg.Ledger.AccuracyWindow.Duration(), cfg.Ledger.Staleness.Duration())

	if k.audits, err = audit.NewManager(
		audit.Config{Dir: cfg.AuditDir(), MaxAge: cfg.Audit.MaxAge.Duration()},
		k.ledger,
		audit.WithLogger(k.logger.Named("audit")),
		audit.WithClock(k.now),
		audit.WithListener(k.onAudit),
	); err != nil {
		return fmt.Errorf("opening audit manager: %w", err)
	}

	if k.approvals, err = approval.OpenStore(cfg.ApprovalDB()); err != nil {
		return fmt.Errorf("opening approval store: %w", err)
	}
	if k.workflow, err = approval.NewWorkflow(k.approvals, k.baselines,
		approval.WithLogger(k.logger.Named("approval")),
		approval.WithClock(k.now),
		approval.WithListener(k.onDecision),
	); err != nil {
		return err
	}

	if k.analyzer, err = metalearning.NewAnalyzer(
		metalearning.Config{
			Dir:            cfg.AnalyzerDir(),
			Window:         cfg.Analyzer.Window.Duration(),
			MinOccurrences: cfg.Analyzer.MinOccurrences,
			MaxStep:        cfg.Analyzer.MaxStep,
		},
		k.ledger,
		metalearning.WithLogger(k.logger.Named("analyzer")),
		metalearning.WithClock(k.now),
		metalearning.WithBaselines(k.baselines),
		metalearning.WithProposer(k.workflow),
		metalearning.WithReportListener(k.onReport),
	); err != nil {
		return err
	}

	if k.chorusLog, err = chorus.NewTelemetry(cfg.ChorusDir(), k.logger.Named("chorus"),
		chorus.WithSilenceSampleRate(cfg.Chorus.SilenceSampleRate),
		chorus.WithTelemetryClock(k.now),
	); err != nil {
		return fmt.Errorf("opening chorus telemetry: %w", err)
	}

	index, err := k.openIndex(ctx)
	if err != nil {
		return err
	}
	if k.epitaphs, err = epitaph.Open(ctx,
		epitaph.Config{Dir: cfg.EpitaphDir(), Overfetch: cfg.Epitaph.Overfetch},
		epitaph.WithLogger(k.logger.Named("epitaph")),
		epitaph.WithClock(k.now),
		epitaph.WithIndex(index),
		epitaph.WithListener(k.onEpitaph),
	); err != nil {
		return fmt.Errorf("opening epitaph store: %w", err)
	}
	if k.chorus, err = chorus.NewInjector(
		chorus.Config{TopN: cfg.Chorus.TopN, Floor: cfg.Chorus.Floor},
		k.epitaphs, k.chorusLog, k.logger.Named("chorus"),
	); err != nil {
		return err
	}

	if k.escalations, err = escalation.Open(cfg.EscalationDir(),
		escalation.WithLogger(k.logger.Named("escalation")),
		escalation.WithClock(k.now),
	); err != nil {
		return fmt.Errorf("opening escalation log: %w", err)
	}

	if k.scanner, err = compliance.NewPatternScanner(compliance.Config{
		Dir:           cfg.Compliance.Dir,
		DetectSecrets: cfg.Compliance.DetectSecrets,
	}, k.logger.Named("compliance")); err != nil {
		return err
	}

	if k.signals, err = eventlog.Open(cfg.SignalsDir(), eventlog.Options{Now: k.now, Logger: k.logger}); err != nil {
		return fmt.Errorf("opening signal log: %w", err)
	}

	if !cfg.Analyzer.DisableScheduler {
		if k.scheduler, err = metalearning.NewScheduler(k.analyzer, k.logger.Named("scheduler"),
			metalearning.WithInterval(cfg.Analyzer.Interval.Duration()),
			metalearning.WithStatePath(filepath.Join(cfg.AnalyzerDir(), "state.json")),
			metalearning.WithRunTimeout(cfg.Analyzer.RunTimeout.Duration()),
			metalearning.WithSchedulerClock(k.now),
		); err != nil {
			return err
		}
	}
	return nil
}

// recover brings derived state up to date after a restart.
func (k *Kernel) recover(ctx context.Context) error {
	recovered, err := k.audits.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering audits: %w", err)
	}
	if err := k.baselines.Refresh(ctx, k.accuracy); err != nil {
		return fmt.Errorf("refreshing baselines: %w", err)
	}
	replayed, err := k.workflow.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replaying adjustments: %w", err)
	}
	BaselineVersion.Set(float64(k.baselines.Snapshot().Version))

	k.logger.Info("kernel ready",
		zap.String("data_dir", k.cfg.DataDir),
		zap.Int("audits_recovered", recovered),
		zap.Int("adjustments_replayed", replayed),
		zap.Strings("compliance_modules", k.scanner.Modules()),
		zap.Bool("scheduler", k.scheduler != nil),
	)
	return nil
}

// Start launches the analysis scheduler and, when configured, the
// compliance module watcher. Both stop on Close.
func (k *Kernel) Start(ctx context.Context) error {
	if k.cfg.Compliance.Watch && k.cfg.Compliance.Dir != "" {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := k.scanner.Watch(watchCtx); err != nil {
			cancel()
			return fmt.Errorf("watching compliance modules: %w", err)
		}
		k.stopWatch = cancel
	}
	if k.scheduler != nil {
		if err := k.scheduler.Start(); err != nil {
			return fmt.Errorf("starting analysis scheduler: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases the stores.
func (k *Kernel) Close() error {
	var err error
	k.closeOnce.Do(func() {
		if k.scheduler != nil {
			if serr := k.scheduler.Stop(); serr != nil {
				k.logger.Warn("stopping scheduler", zap.Error(serr))
			}
		}
		if k.stopWatch != nil {
			k.stopWatch()
		}
		k.closeIndex()
		err = k.closeStores()
	})
	return err
}

func (k *Kernel) closeStores() error {
	if k.approvals != nil {
		return k.approvals.Close()
	}
	return nil
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() *config.Config { return k.cfg }
