// Verdictd is the verdict decision-audit daemon.
//
// It routes decision signals through the confidence gate, keeps the audit
// queue and feedback ledger, runs scheduled meta-learning passes and serves
// the review API over HTTP. With -mcp it also serves the kernel as MCP tools
// on stdio.
//
// Configuration is loaded from ~/.config/verdict/config.yaml overlaid with
// VERDICT_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	verdictd
//
//	# Serve MCP on stdio alongside HTTP
//	verdictd -mcp
//
//	# Configure via environment
//	VERDICT_SERVER_HTTP_PORT=9191 VERDICT_NATS_URL=nats://localhost:4222 verdictd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/config"
	"github.com/fyrsmithlabs/verdict/internal/events"
	httpserver "github.com/fyrsmithlabs/verdict/internal/http"
	"github.com/fyrsmithlabs/verdict/internal/kernel"
	"github.com/fyrsmithlabs/verdict/internal/logging"
	"github.com/fyrsmithlabs/verdict/internal/mcp"
	"github.com/fyrsmithlabs/verdict/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// options are the command-line settings of one daemon run.
type options struct {
	configPath string
	mcp        bool

	// ready, when set, receives the kernel once the HTTP server is starting.
	ready chan<- *kernel.Kernel
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to config.yaml (default ~/.config/verdict/config.yaml)")
	flag.BoolVar(&opts.mcp, "mcp", false, "serve MCP tools on stdio; logs go to stderr")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion(os.Stdout)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  verdictd [-config path] [-mcp]   Start the verdict daemon\n")
			fmt.Fprintf(os.Stderr, "  verdictd version                 Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "verdictd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled or a server
// fails.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Connects to NATS when configured
//  4. Opens the kernel and starts its background work
//  5. Starts the HTTP server and, with -mcp, the stdio MCP server
//  6. Shuts everything down in reverse order
func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel, opts.mcp)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "Starting verdictd",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("mcp", opts.mcp),
		zap.Bool("telemetry", tel.IsEnabled()))

	bus, err := initBus(cfg, zl)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return err
	}

	k, err := kernel.New(ctx, cfg, zl, kernel.WithBus(bus))
	if err != nil {
		closeBus(bus, zl)
		_ = tel.Shutdown(ctx)
		return fmt.Errorf("failed to open kernel: %w", err)
	}
	if err := k.Start(ctx); err != nil {
		_ = k.Close()
		closeBus(bus, zl)
		_ = tel.Shutdown(ctx)
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	srv, err := httpserver.NewServer(k, zl, &httpserver.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Version:     version,
		SubmitRate:  cfg.Server.SubmitRate,
		SubmitBurst: cfg.Server.SubmitBurst,
	},
		httpserver.WithTelemetry(tel),
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(tel.Meter(httpserver.InstrumentationName), zl)),
	)
	if err != nil {
		_ = k.Close()
		closeBus(bus, zl)
		_ = tel.Shutdown(ctx)
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()

	if opts.mcp {
		mcpSrv, err := mcp.NewServer(&mcp.Config{Name: "verdict", Version: version, Logger: zl}, k)
		if err != nil {
			errCh <- fmt.Errorf("failed to create mcp server: %w", err)
		} else {
			go func() {
				errCh <- mcpSrv.Run(ctx)
			}()
		}
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	if opts.ready != nil {
		opts.ready <- k
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "Shutdown requested")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error(context.Background(), "Server stopped", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := k.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kernel close: %w", err))
	}
	closeBus(bus, zl)
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if runErr != nil {
		errs = append([]error{runErr}, errs...)
	}
	return errors.Join(errs...)
}

// initLogger builds the daemon logger. In MCP mode stdout carries the
// protocol, so console output moves to stderr.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry, mcpMode bool) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Output.OTEL = tel.IsEnabled()

	var out io.Writer = os.Stdout
	if mcpMode {
		out = os.Stderr
	}
	return logging.NewLoggerTo(logCfg, tel.LoggerProvider(), out)
}

// initBus connects to NATS when a URL is configured. A nil bus drops
// events.
func initBus(cfg *config.Config, logger *zap.Logger) (*events.Bus, error) {
	if cfg.NATS.URL == "" {
		logger.Info("NATS not configured, events disabled")
		return nil, nil
	}
	bus, err := events.Connect(events.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		Token:         cfg.NATS.Token.Value(),
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait.Duration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	return bus, nil
}

func closeBus(bus *events.Bus, logger *zap.Logger) {
	if bus == nil {
		return
	}
	if err := bus.Flush(2 * time.Second); err != nil {
		logger.Warn("flushing events failed", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		logger.Warn("closing event bus failed", zap.Error(err))
	}
}
