// Package compliance is the pattern-anchor scanner consulted by the gate
// before publish-bound signals are auto-processed.
//
// Pattern modules live in a directory as JSON or TOML files. Detect-tier
// terms annotate a signal with provenance; block-tier terms, and any
// credential found by the gitleaks rule set, force a block.
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

const maxModuleSize = 1 << 20

// Config configures a PatternScanner.
type Config struct {
	// Dir holds the pattern modules. Empty means no pattern modules.
	Dir string

	// DetectSecrets enables the gitleaks rule set.
	DetectSecrets bool

	// ReloadDebounce coalesces bursts of file events while watching.
	ReloadDebounce time.Duration
}

// PatternScanner scans text against the loaded modules. The compiled
// matcher is swapped atomically on reload, so Scan never blocks on I/O.
type PatternScanner struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	matcher *matcher
	modules []string
}

// NewPatternScanner loads the modules in cfg.Dir. A missing directory is
// not an error: the scanner starts empty and picks modules up on Reload.
func NewPatternScanner(cfg Config, logger *zap.Logger) (*PatternScanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReloadDebounce <= 0 {
		cfg.ReloadDebounce = 250 * time.Millisecond
	}
	s := &PatternScanner{cfg: cfg, logger: logger, matcher: compile(nil)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every module and swaps the matcher. On error the
// previous matcher stays active.
func (s *PatternScanner) Reload() error {
	modules, err := LoadModules(s.cfg.Dir)
	if err != nil {
		return err
	}
	m := compile(modules)

	ids := make([]string, len(modules))
	for i, mod := range modules {
		ids[i] = mod.ID
	}

	s.mu.Lock()
	s.matcher, s.modules = m, ids
	s.mu.Unlock()

	s.logger.Info("compliance modules loaded",
		zap.String("dir", s.cfg.Dir),
		zap.Int("modules", len(modules)),
		zap.Int("terms", m.size()),
	)
	return nil
}

// Modules returns the ids of the loaded modules.
func (s *PatternScanner) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.modules...)
}

// Scan checks text against the modules and, when enabled, the secret rules.
func (s *PatternScanner) Scan(text string) Result {
	s.mu.RLock()
	m := s.matcher
	s.mu.RUnlock()

	matches := m.find(text)
	if s.cfg.DetectSecrets {
		matches = append(matches, s.detectSecrets(text)...)
	}

	res := Result{Pass: true, Matches: matches}
	for _, match := range matches {
		if match.Tier.Hard() {
			res.Pass = false
			break
		}
	}
	return res
}

// detectSecrets runs the default gitleaks rules. A detector is built per
// call; the rule set is only consulted for publish-bound payloads.
func (s *PatternScanner) detectSecrets(text string) []Match {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		s.logger.Warn("secret detector unavailable", zap.Error(err))
		return nil
	}
	var out []Match
	for _, f := range detector.DetectString(text) {
		out = append(out, Match{
			Term:     f.RuleID,
			ModuleID: "gitleaks",
			Domain:   "secrets",
			Tier:     TierSecret,
			Position: f.StartColumn,
		})
	}
	return out
}

// Watch reloads the modules whenever the directory changes, until ctx is
// done. It returns once the watcher is running.
func (s *PatternScanner) Watch(ctx context.Context) error {
	if s.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrModuleDir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(s.cfg.Dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", s.cfg.Dir, err)
	}

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *PatternScanner) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isModuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.cfg.ReloadDebounce)
			} else {
				timer.Reset(s.cfg.ReloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("compliance reload failed, keeping previous modules", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("compliance watcher error", zap.Error(err))
		}
	}
}

// LoadModules reads every *.json and *.toml module in dir, sorted by file
// name. A missing directory yields no modules.
func LoadModules(dir string) ([]Module, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrModuleDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isModuleFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	modules := make([]Module, 0, len(names))
	for _, name := range names {
		mod, err := loadModule(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

func loadModule(path string) (Module, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Module{}, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	if info.Size() > maxModuleSize {
		return Module{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidModule, filepath.Base(path), maxModuleSize)
	}

	var mod Module
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &mod); err != nil {
			return Module{}, fmt.Errorf("%w: %s: %v", ErrInvalidModule, filepath.Base(path), err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return Module{}, fmt.Errorf("%w: %v", ErrInvalidModule, err)
		}
		if err := json.Unmarshal(data, &mod); err != nil {
			return Module{}, fmt.Errorf("%w: %s: %v", ErrInvalidModule, filepath.Base(path), err)
		}
	}

	base := filepath.Base(path)
	if err := mod.normalize(strings.TrimSuffix(base, filepath.Ext(base))); err != nil {
		return Module{}, err
	}
	return mod, nil
}

func isModuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".toml":
		return true
	}
	return false
}
