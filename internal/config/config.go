// Package config loads verdict configuration.
//
// Configuration comes from an optional YAML file overlaid with VERDICT_*
// environment variables, then hardcoded defaults fill whatever is left.
// Every section validates itself; Validate reports the first problem.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/verdict/internal/embeddings"
	"github.com/fyrsmithlabs/verdict/internal/gate"
)

// Config holds the complete verdict configuration.
type Config struct {
	// DataDir is the root of all persisted state.
	DataDir string `koanf:"data_dir"`

	Gate          gate.Policy         `koanf:"gate"`
	Audit         AuditConfig         `koanf:"audit"`
	Ledger        LedgerConfig        `koanf:"ledger"`
	Analyzer      AnalyzerConfig      `koanf:"analyzer"`
	Epitaph       EpitaphConfig       `koanf:"epitaph"`
	Chorus        ChorusConfig        `koanf:"chorus"`
	Compliance    ComplianceConfig    `koanf:"compliance"`
	Server        ServerConfig        `koanf:"server"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// AuditConfig configures the audit lifecycle.
type AuditConfig struct {
	// MaxAge is how long a record may stay pending before it expires.
	MaxAge Duration `koanf:"max_age"`
}

// LedgerConfig configures accuracy derivation from the feedback ledger.
type LedgerConfig struct {
	AccuracyWindow Duration `koanf:"accuracy_window"`
	Staleness      Duration `koanf:"staleness"`
}

// AnalyzerConfig configures the meta-learning analyzer and its scheduler.
type AnalyzerConfig struct {
	// DisableScheduler leaves analysis to explicit runs.
	DisableScheduler bool     `koanf:"disable_scheduler"`
	Interval         Duration `koanf:"interval"`
	Window           Duration `koanf:"window"`
	MinOccurrences   int      `koanf:"min_occurrences"`
	MaxStep          float64  `koanf:"max_step"`
	RunTimeout       Duration `koanf:"run_timeout"`
}

// EpitaphConfig configures the epitaph store and its relevance index.
type EpitaphConfig struct {
	Overfetch int `koanf:"overfetch"`

	// Embedder is "hash" or "fastembed". Dimensions only applies to hash;
	// fastembed vectors are as wide as the model produces.
	Embedder      string `koanf:"embedder"`
	Dimensions    int    `koanf:"dimensions"`
	Model         string `koanf:"model"`
	ModelCacheDir string `koanf:"model_cache_dir"`

	// Index is "chromem" (in process, rebuilt on start) or "qdrant".
	Index  string       `koanf:"index"`
	Qdrant QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig locates the Qdrant collection backing the epitaph index.
type QdrantConfig struct {
	Host       string   `koanf:"host"`
	Port       int      `koanf:"port"`
	UseTLS     bool     `koanf:"use_tls"`
	APIKey     Secret   `koanf:"api_key"`
	Collection string   `koanf:"collection"`
	Timeout    Duration `koanf:"timeout"`
}

// ChorusConfig configures the chorus injector.
type ChorusConfig struct {
	TopN              int     `koanf:"top_n"`
	Floor             float64 `koanf:"floor"`
	SilenceSampleRate float64 `koanf:"silence_sample_rate"`
}

// ComplianceConfig configures the compliance scanner.
type ComplianceConfig struct {
	// Dir holds JSON or TOML pattern modules. Empty disables pattern checks.
	Dir           string `koanf:"dir"`
	DetectSecrets bool   `koanf:"detect_secrets"`
	Watch         bool   `koanf:"watch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// SubmitRate limits audit submissions per second across all clients.
	SubmitRate  float64 `koanf:"submit_rate"`
	SubmitBurst int     `koanf:"submit_burst"`
}

// NATSConfig configures the event bus. An empty URL disables it.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Name          string   `koanf:"name"`
	Token         Secret   `koanf:"token"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`

	// Fields are added to every entry, e.g. {"env": "prod"}.
	Fields map[string]string `koanf:"fields"`

	// Redact lists extra keys whose values are masked.
	Redact []string `koanf:"redact"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Path joins elem onto the data directory.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.DataDir}, elem...)...)
}

// Layout of the data directory.
func (c *Config) LedgerDir() string   { return c.Path("ledger") }
func (c *Config) AuditDir() string    { return c.Path("audit") }
func (c *Config) ApprovalDB() string  { return c.Path("approval.db") }
func (c *Config) AnalyzerDir() string { return c.Path("analyzer") }
func (c *Config) EpitaphDir() string  { return c.Path("epitaphs") }
func (c *Config) ChorusDir() string   { return c.Path("chorus") }
func (c *Config) SignalsDir() string  { return c.Path("signals") }
func (c *Config) EscalationDir() string {
	return c.Path("escalations")
}

// Epitaph embedders and indexes.
const (
	EmbedderHash      = "hash"
	EmbedderFastEmbed = "fastembed"

	IndexChromem = "chromem"
	IndexQdrant  = "qdrant"
)

func (c EpitaphConfig) validate() error {
	if c.Overfetch < 1 {
		return fmt.Errorf("epitaph.overfetch must be at least 1, got %d", c.Overfetch)
	}
	switch c.Embedder {
	case EmbedderHash:
		if c.Dimensions < 8 {
			return fmt.Errorf("epitaph.dimensions must be at least 8, got %d", c.Dimensions)
		}
	case EmbedderFastEmbed:
		if _, err := embeddings.Dimension(c.Model); err != nil {
			return fmt.Errorf("epitaph.model: %w", err)
		}
	default:
		return fmt.Errorf("epitaph.embedder must be %q or %q, got %q", EmbedderHash, EmbedderFastEmbed, c.Embedder)
	}
	switch c.Index {
	case IndexChromem:
	case IndexQdrant:
		if c.Qdrant.Host == "" || c.Qdrant.Collection == "" {
			return errors.New("epitaph.qdrant.host and epitaph.qdrant.collection are required")
		}
		if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid epitaph.qdrant.port: %d (must be 1-65535)", c.Qdrant.Port)
		}
	default:
		return fmt.Errorf("epitaph.index must be %q or %q, got %q", IndexChromem, IndexQdrant, c.Index)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if c.Audit.MaxAge.Duration() <= 0 {
		return errors.New("audit.max_age must be positive")
	}
	if c.Ledger.AccuracyWindow.Duration() <= 0 || c.Ledger.Staleness.Duration() <= 0 {
		return errors.New("ledger.accuracy_window and ledger.staleness must be positive")
	}
	if c.Analyzer.Interval.Duration() <= 0 || c.Analyzer.Window.Duration() <= 0 {
		return errors.New("analyzer.interval and analyzer.window must be positive")
	}
	if c.Analyzer.MinOccurrences < 1 {
		return fmt.Errorf("analyzer.min_occurrences must be at least 1, got %d", c.Analyzer.MinOccurrences)
	}
	if c.Analyzer.MaxStep <= 0 || c.Analyzer.MaxStep > 1 {
		return fmt.Errorf("analyzer.max_step must be in (0, 1], got %v", c.Analyzer.MaxStep)
	}
	if err := c.Epitaph.validate(); err != nil {
		return err
	}
	if c.Chorus.TopN < 1 {
		return fmt.Errorf("chorus.top_n must be at least 1, got %d", c.Chorus.TopN)
	}
	if c.Chorus.Floor < 0 || c.Chorus.Floor >= 1 {
		return fmt.Errorf("chorus.floor must be in [0, 1), got %v", c.Chorus.Floor)
	}
	if c.Chorus.SilenceSampleRate < 0 || c.Chorus.SilenceSampleRate > 1 {
		return fmt.Errorf("chorus.silence_sample_rate must be in [0, 1], got %v", c.Chorus.SilenceSampleRate)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.SubmitRate <= 0 || c.Server.SubmitBurst < 1 {
		return errors.New("server.submit_rate and server.submit_burst must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be in [0, 1], got %v", c.Observability.SampleRate)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "~/.local/share/verdict"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Compliance.Dir = expandHome(cfg.Compliance.Dir)

	def := gate.DefaultPolicy()
	if cfg.Gate.BlockThreshold == 0 {
		cfg.Gate.BlockThreshold = def.BlockThreshold
	}
	if cfg.Gate.AutoThreshold == 0 {
		cfg.Gate.AutoThreshold = def.AutoThreshold
	}
	if cfg.Gate.GovernanceThreshold == 0 {
		cfg.Gate.GovernanceThreshold = def.GovernanceThreshold
	}
	if cfg.Gate.AutoFloor == 0 {
		cfg.Gate.AutoFloor = def.AutoFloor
	}
	if cfg.Gate.BlockCeiling == 0 {
		cfg.Gate.BlockCeiling = def.BlockCeiling
	}
	if cfg.Gate.DefaultBaseline == 0 {
		cfg.Gate.DefaultBaseline = def.DefaultBaseline
	}
	if cfg.Gate.MinSamples == 0 {
		cfg.Gate.MinSamples = def.MinSamples
	}
	if cfg.Gate.Sensitivity == 0 {
		cfg.Gate.Sensitivity = def.Sensitivity
	}

	if cfg.Audit.MaxAge == 0 {
		cfg.Audit.MaxAge = Duration(72 * time.Hour)
	}
	if cfg.Ledger.AccuracyWindow == 0 {
		cfg.Ledger.AccuracyWindow = Duration(14 * 24 * time.Hour)
	}
	if cfg.Ledger.Staleness == 0 {
		cfg.Ledger.Staleness = Duration(5 * time.Minute)
	}

	if cfg.Analyzer.Interval == 0 {
		cfg.Analyzer.Interval = Duration(7 * 24 * time.Hour)
	}
	if cfg.Analyzer.Window == 0 {
		cfg.Analyzer.Window = Duration(14 * 24 * time.Hour)
	}
	if cfg.Analyzer.MinOccurrences == 0 {
		cfg.Analyzer.MinOccurrences = 3
	}
	if cfg.Analyzer.MaxStep == 0 {
		cfg.Analyzer.MaxStep = 0.1
	}
	if cfg.Analyzer.RunTimeout == 0 {
		cfg.Analyzer.RunTimeout = Duration(10 * time.Minute)
	}

	if cfg.Epitaph.Overfetch == 0 {
		cfg.Epitaph.Overfetch = 3
	}
	if cfg.Epitaph.Embedder == "" {
		cfg.Epitaph.Embedder = EmbedderHash
	}
	if cfg.Epitaph.Dimensions == 0 {
		cfg.Epitaph.Dimensions = 256
	}
	if cfg.Epitaph.Model == "" {
		cfg.Epitaph.Model = embeddings.DefaultModel
	}
	if cfg.Epitaph.ModelCacheDir == "" {
		cfg.Epitaph.ModelCacheDir = filepath.Join(cfg.DataDir, "models")
	}
	cfg.Epitaph.ModelCacheDir = expandHome(cfg.Epitaph.ModelCacheDir)
	if cfg.Epitaph.Index == "" {
		cfg.Epitaph.Index = IndexChromem
	}
	if cfg.Epitaph.Qdrant.Host == "" {
		cfg.Epitaph.Qdrant.Host = "localhost"
	}
	if cfg.Epitaph.Qdrant.Port == 0 {
		cfg.Epitaph.Qdrant.Port = 6334
	}
	if cfg.Epitaph.Qdrant.Collection == "" {
		cfg.Epitaph.Qdrant.Collection = "verdict_epitaphs"
	}
	if cfg.Epitaph.Qdrant.Timeout == 0 {
		cfg.Epitaph.Qdrant.Timeout = Duration(10 * time.Second)
	}
	if cfg.Chorus.TopN == 0 {
		cfg.Chorus.TopN = 5
	}
	if cfg.Chorus.Floor == 0 {
		cfg.Chorus.Floor = 0.1
	}
	if cfg.Chorus.SilenceSampleRate == 0 {
		cfg.Chorus.SilenceSampleRate = 0.1
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.SubmitRate == 0 {
		cfg.Server.SubmitRate = 5
	}
	if cfg.Server.SubmitBurst == 0 {
		cfg.Server.SubmitBurst = 20
	}

	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "verdictd"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "verdict"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
