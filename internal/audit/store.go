package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/verdict/internal/atomicfile"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
)

const (
	pendingDir = "pending"
	archiveDir = "archive"
	recordExt  = ".json"
)

// store keeps one JSON artifact per record. Writes are atomic, so a reader
// never sees a half-written record.
type store struct {
	root string
}

func openStore(root string) (*store, error) {
	for _, dir := range []string{pendingDir, archiveDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, faults.Storage("audit.open", err)
		}
	}
	return &store{root: root}, nil
}

func (s *store) path(dir, id string) (string, error) {
	if !gate.ValidID(id) {
		return "", faults.Input("audit.path", fmt.Errorf("%w: %q", gate.ErrInvalidSignalID, id))
	}
	return filepath.Join(s.root, dir, id+recordExt), nil
}

func (s *store) read(dir, id string) (*Record, error) {
	path, err := s.path(dir, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, faults.Storage("audit.read", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, faults.Storage("audit.read", fmt.Errorf("decoding %s: %w", filepath.Base(path), err))
	}
	return &rec, nil
}

func (s *store) write(dir string, rec *Record) error {
	path, err := s.path(dir, rec.SignalID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return faults.Storage("audit.write", err)
	}

	if err := atomicfile.WriteFile(path, data, 0o600); err != nil {
		return faults.Storage("audit.write", err)
	}
	return nil
}

func (s *store) exists(dir, id string) (bool, error) {
	path, err := s.path(dir, id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, faults.Storage("audit.stat", err)
	}
}

// archive writes the terminal record to archive/ and then drops the
// pending artifact. A crash in between leaves both; load prefers the
// archive.
func (s *store) archive(rec *Record) error {
	if err := s.write(archiveDir, rec); err != nil {
		return err
	}
	path, err := s.path(pendingDir, rec.SignalID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return faults.Storage("audit.archive", err)
	}
	return nil
}

// pendingIDs lists the ids with a pending artifact. Leftover temp files
// are ignored.
func (s *store) pendingIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pendingDir))
	if err != nil {
		return nil, faults.Storage("audit.list", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || atomicfile.IsTemp(name) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	return ids, nil
}
