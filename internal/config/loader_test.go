package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temporary directory and returns the
// allowed config directory inside it.
func setupTestHome(t *testing.T) (home, configDir string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	configDir = filepath.Join(home, ".config", "verdict")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return home, configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	home, configDir := setupTestHome(t)
	path := writeConfig(t, configDir, `data_dir: ~/verdict-data
gate:
  auto_threshold: 0.97
  governance_threshold: 0.85
audit:
  max_age: 48h
analyzer:
  interval: 24h
  min_occurrences: 4
chorus:
  top_n: 3
server:
  http_port: 9292
nats:
  url: nats://127.0.0.1:4222
  token: s3cr3t
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if want := filepath.Join(home, "verdict-data"); cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
	if cfg.Gate.AutoThreshold != 0.97 {
		t.Errorf("Gate.AutoThreshold = %v, want 0.97", cfg.Gate.AutoThreshold)
	}
	if cfg.Gate.BlockThreshold != 0.50 {
		t.Errorf("Gate.BlockThreshold = %v, want default 0.50", cfg.Gate.BlockThreshold)
	}
	if cfg.Audit.MaxAge.Duration() != 48*time.Hour {
		t.Errorf("Audit.MaxAge = %v, want 48h", cfg.Audit.MaxAge.Duration())
	}
	if cfg.Analyzer.Interval.Duration() != 24*time.Hour || cfg.Analyzer.MinOccurrences != 4 {
		t.Errorf("Analyzer = %+v", cfg.Analyzer)
	}
	if cfg.Chorus.TopN != 3 {
		t.Errorf("Chorus.TopN = %d, want 3", cfg.Chorus.TopN)
	}
	if cfg.Server.Port != 9292 {
		t.Errorf("Server.Port = %d, want 9292", cfg.Server.Port)
	}
	if cfg.NATS.Token.Value() != "s3cr3t" || cfg.NATS.Token.String() != "[REDACTED]" {
		t.Errorf("NATS.Token not loaded or not redacted")
	}
	if cfg.ApprovalDB() != filepath.Join(cfg.DataDir, "approval.db") {
		t.Errorf("ApprovalDB() = %q", cfg.ApprovalDB())
	}
}

// TestLoadWithFile_EnvironmentOverride tests that environment variables override YAML.
func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	_, configDir := setupTestHome(t)
	path := writeConfig(t, configDir, `server:
  http_port: 9292
gate:
  auto_threshold: 0.97
`, 0600)

	t.Setenv("VERDICT_SERVER_HTTP_PORT", "7777")
	t.Setenv("VERDICT_GATE_AUTO_THRESHOLD", "0.96")
	t.Setenv("VERDICT_DATA_DIR", "/var/lib/verdict")
	t.Setenv("VERDICT_AUDIT_MAX_AGE", "12h")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Gate.AutoThreshold != 0.96 {
		t.Errorf("Gate.AutoThreshold = %v, want 0.96 (from env override)", cfg.Gate.AutoThreshold)
	}
	if cfg.DataDir != "/var/lib/verdict" {
		t.Errorf("DataDir = %q, want /var/lib/verdict", cfg.DataDir)
	}
	if cfg.Audit.MaxAge.Duration() != 12*time.Hour {
		t.Errorf("Audit.MaxAge = %v, want 12h", cfg.Audit.MaxAge.Duration())
	}
}

// TestLoadWithFile_MissingFile tests that a missing file yields defaults.
func TestLoadWithFile_MissingFile(t *testing.T) {
	_, configDir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want default 9191", cfg.Server.Port)
	}
	if cfg.Audit.MaxAge.Duration() != 72*time.Hour {
		t.Errorf("Audit.MaxAge = %v, want 72h", cfg.Audit.MaxAge.Duration())
	}
}

// TestLoadWithFile_Rejections tests path, permission, size and validation failures.
func TestLoadWithFile_Rejections(t *testing.T) {
	_, configDir := setupTestHome(t)

	t.Run("outside allowed dirs", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "server:\n  http_port: 9292\n", 0600)
		_, err := LoadWithFile(path)
		if err == nil || !strings.Contains(err.Error(), "must be in ~/.config/verdict/") {
			t.Errorf("expected path error, got %v", err)
		}
	})

	t.Run("path traversal", func(t *testing.T) {
		if _, err := LoadWithFile("../../../../etc/passwd"); err == nil {
			t.Error("expected error for path traversal, got nil")
		}
	})

	t.Run("insecure permissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission model differs")
		}
		path := writeConfig(t, configDir, "server:\n  http_port: 9292\n", 0644)
		if err := os.Chmod(path, 0644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadWithFile(path)
		if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
			t.Errorf("expected permission error, got %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
		path := writeConfig(t, configDir, big, 0600)
		if err := os.Chmod(path, 0600); err != nil {
			t.Fatal(err)
		}
		_, err := LoadWithFile(path)
		if err == nil || !strings.Contains(err.Error(), "too large") {
			t.Errorf("expected size error, got %v", err)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, configDir, "gate:\n  block_threshold: 0.9\n  auto_threshold: 0.6\n", 0600)
		if err := os.Chmod(path, 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadWithFile(path); err == nil {
			t.Error("expected validation error for inverted thresholds, got nil")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, configDir, "server:\n  http_port: [\n", 0600)
		if err := os.Chmod(path, 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadWithFile(path); err == nil {
			t.Error("expected error on malformed YAML, got nil")
		}
	})
}

// TestEnvKey tests environment variable name mapping.
func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"VERDICT_SERVER_HTTP_PORT":          "server.http_port",
		"VERDICT_GATE_GOVERNANCE_THRESHOLD": "gate.governance_threshold",
		"VERDICT_CHORUS_TOP_N":              "chorus.top_n",
		"VERDICT_DATA_DIR":                  "data_dir",
		"VERDICT_NATS_URL":                  "nats.url",
		"VERDICT_EPITAPH_QDRANT_HOST":       "epitaph.qdrant.host",
		"VERDICT_EPITAPH_QDRANT_USE_TLS":    "epitaph.qdrant.use_tls",
		"VERDICT_EPITAPH_MODEL_CACHE_DIR":   "epitaph.model_cache_dir",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
