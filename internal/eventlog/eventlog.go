// Package eventlog implements the append-only, latest-entry-wins JSONL log
// shared by the feedback ledger, the epitaph store, escalation signals and
// chorus telemetry.
//
// A log is a directory of UTC day segments named YYYY-MM-DD.jsonl. Every
// line is one self-contained Record. Records are never edited: a correction
// is a new line with the same logical id, and readers that need current
// state reduce with Reduce, which keeps the last occurrence of each id.
//
// Appends take no lock. Each record is marshaled into a single buffer and
// written with one write call on an O_APPEND descriptor, so concurrent
// writers never interleave partial lines. Sequence ids come from an atomic
// counter recovered from the newest segment on Open. Open also cuts any
// unterminated tail left by a crash, so the next append starts a clean line.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/faults"
)

const (
	segmentLayout = "2006-01-02"
	segmentExt    = ".jsonl"

	// MaxRecordSize bounds one encoded line.
	MaxRecordSize = 1 << 20
)

// Errors returned by the log.
var (
	ErrEmptyID        = errors.New("record id is required")
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrNotFound       = errors.New("record not found")
)

// Record is one line of the log.
type Record struct {
	// Seq increases monotonically per append within a process.
	Seq uint64 `json:"seq"`

	// ID is the logical id. Later records with the same id supersede
	// earlier ones.
	ID string `json:"id"`

	// At is the append time (UTC).
	At time.Time `json:"at"`

	// Data is the caller's payload.
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: seq %d: %v", ErrCorruptRecord, r.Seq, err)
	}
	return nil
}

// Options configures a Log.
type Options struct {
	// Sync forces an fsync after every append.
	Sync bool

	// Now overrides the clock (tests).
	Now func() time.Time

	// Logger receives warnings about torn trailing lines.
	Logger *zap.Logger
}

// Log is an append-only record log rooted at a directory.
type Log struct {
	dir    string
	sync   bool
	now    func() time.Time
	logger *zap.Logger
	seq    atomic.Uint64
}

// Open opens (creating if needed) the log rooted at dir.
func Open(dir string, opts Options) (*Log, error) {
	if dir == "" {
		return nil, faults.Inputf("eventlog.open", "directory is required")
	}
	clean := filepath.Clean(dir)
	if err := os.MkdirAll(clean, 0o700); err != nil {
		return nil, faults.Storage("eventlog.open", err)
	}

	l := &Log{
		dir:    clean,
		sync:   opts.Sync,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}

	segments, err := l.segments()
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if err := l.repairTail(seg.path); err != nil {
			return nil, faults.Storage("eventlog.open", err)
		}
	}

	last, err := l.recoverSeq()
	if err != nil {
		return nil, err
	}
	l.seq.Store(last)
	return l, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

// Append writes one record for id with v as payload and returns it.
func (l *Log) Append(ctx context.Context, id string, v any) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Record{}, faults.Input("eventlog.append", ErrEmptyID)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, faults.Input("eventlog.append", fmt.Errorf("marshal payload: %w", err))
	}

	rec := Record{
		Seq:  l.seq.Add(1),
		ID:   id,
		At:   l.now().UTC(),
		Data: data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, faults.Input("eventlog.append", fmt.Errorf("marshal record: %w", err))
	}
	if len(line)+1 > MaxRecordSize {
		return Record{}, faults.Input("eventlog.append", ErrRecordTooLarge)
	}
	line = append(line, '\n')

	if err := l.write(l.segmentPath(rec.At), line); err != nil {
		return Record{}, faults.Storage("eventlog.append", err)
	}
	return rec, nil
}

func (l *Log) write(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	n, err := f.Write(line)
	if err == nil && n != len(line) {
		err = io.ErrShortWrite
	}
	if err == nil && l.sync {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write segment %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Scan returns the records appended in [since, until), in append order.
// A zero bound is open. The sequence is lazy: segments are opened as they
// are reached and cancellation is checked before every record. Iteration
// stops after the first error, which is yielded with a zero Record.
func (l *Log) Scan(ctx context.Context, since, until time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		segments, err := l.segments()
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, seg := range segments {
			if !seg.overlaps(since, until) {
				continue
			}
			if !l.scanSegment(ctx, seg.path, since, until, yield) {
				return
			}
		}
	}
}

// scanSegment streams one segment. It returns false when iteration must stop.
func (l *Log) scanSegment(ctx context.Context, path string, since, until time.Time, yield func(Record, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		yield(Record{}, faults.Storage("eventlog.scan", err))
		return false
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			yield(Record{}, err)
			return false
		}

		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			yield(Record{}, faults.Storage("eventlog.scan", readErr))
			return false
		}
		if errors.Is(readErr, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			// A line without its newline is a write still in flight or one
			// cut short by a crash. It is not part of the log yet.
			l.logger.Warn("skipping unterminated trailing record",
				zap.String("segment", filepath.Base(path)),
				zap.Int("line", lineNo),
			)
			return true
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec Record
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				yield(Record{}, faults.Storage("eventlog.scan",
					fmt.Errorf("%w: %s line %d: %v", ErrCorruptRecord, filepath.Base(path), lineNo, err)))
				return false
			}
			if inRange(rec.At, since, until) && !yield(rec, nil) {
				return false
			}
		}

		if errors.Is(readErr, io.EOF) {
			return true
		}
	}
}

// Latest reduces the whole log to the last record per id.
func (l *Log) Latest(ctx context.Context) (map[string]Record, error) {
	return Reduce(l.Scan(ctx, time.Time{}, time.Time{}))
}

// Get returns the last record for id.
func (l *Log) Get(ctx context.Context, id string) (Record, error) {
	var (
		found Record
		ok    bool
	)
	for rec, err := range l.Scan(ctx, time.Time{}, time.Time{}) {
		if err != nil {
			return Record{}, err
		}
		if rec.ID == id {
			found, ok = rec, true
		}
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// Reduce keeps the last occurrence of every id in records. It consumes the
// whole sequence and fails on the first error, returning no partial state.
func Reduce(records iter.Seq2[Record, error]) (map[string]Record, error) {
	latest := make(map[string]Record)
	for rec, err := range records {
		if err != nil {
			return nil, err
		}
		latest[rec.ID] = rec
	}
	return latest, nil
}

// Ordered returns the values of a reduced map sorted by sequence id.
func Ordered(latest map[string]Record) []Record {
	out := make([]Record, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

type segment struct {
	path string
	day  time.Time
}

func (s segment) overlaps(since, until time.Time) bool {
	if !until.IsZero() && !s.day.Before(until) {
		return false
	}
	if !since.IsZero() && !s.day.Add(24*time.Hour).After(since) {
		return false
	}
	return true
}

func (l *Log) segmentPath(at time.Time) string {
	return filepath.Join(l.dir, at.UTC().Format(segmentLayout)+segmentExt)
}

// segments lists day segments oldest first. Files that do not follow the
// naming scheme are ignored.
func (l *Log) segments() ([]segment, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, faults.Storage("eventlog.segments", err)
	}
	out := make([]segment, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		day, err := time.Parse(segmentLayout, strings.TrimSuffix(name, segmentExt))
		if err != nil {
			continue
		}
		out = append(out, segment{path: filepath.Join(l.dir, name), day: day})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out, nil
}

// repairTail truncates path back to its last newline. Bytes after it are a
// record whose write never completed.
func (l *Log) repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read segment %s: %w", filepath.Base(path), err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}
	if end == size {
		return nil
	}

	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("truncate segment %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync segment %s: %w", filepath.Base(path), err)
	}
	l.logger.Warn("truncated unterminated trailing record",
		zap.String("segment", filepath.Base(path)),
		zap.Int64("dropped_bytes", size-end),
	)
	return nil
}

// recoverSeq finds the highest sequence id in the newest non-empty segment.
func (l *Log) recoverSeq() (uint64, error) {
	segments, err := l.segments()
	if err != nil {
		return 0, err
	}
	ctx := context.Background()
	for i := len(segments) - 1; i >= 0; i-- {
		var (
			maxSeq uint64
			seen   bool
		)
		ok := l.scanSegment(ctx, segments[i].path, time.Time{}, time.Time{}, func(rec Record, err error) bool {
			if err != nil {
				return false
			}
			seen = true
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
			return true
		})
		if !ok {
			return 0, faults.Storage("eventlog.open",
				fmt.Errorf("%w: cannot recover sequence from %s", ErrCorruptRecord, filepath.Base(segments[i].path)))
		}
		if seen {
			return maxSeq, nil
		}
	}
	return 0, nil
}

func inRange(at, since, until time.Time) bool {
	if !since.IsZero() && at.Before(since) {
		return false
	}
	if !until.IsZero() && !at.Before(until) {
		return false
	}
	return true
}
