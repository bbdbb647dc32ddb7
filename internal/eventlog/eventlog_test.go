package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verdict/internal/faults"
)

type payload struct {
	Value string `json:"value"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestLog(t *testing.T, clock *fakeClock) *Log {
	t.Helper()
	l, err := Open(t.TempDir(), Options{Now: clock.Now})
	require.NoError(t, err)
	return l
}

func collect(t *testing.T, l *Log, since, until time.Time) []Record {
	t.Helper()
	var out []Record
	for rec, err := range l.Scan(context.Background(), since, until) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

// TestAppend_AssignsMonotonicSeq tests that sequence ids increase per append.
func TestAppend_AssignsMonotonicSeq(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := openTestLog(t, clock)
	ctx := context.Background()

	first, err := l.Append(ctx, "a", payload{Value: "1"})
	require.NoError(t, err)
	second, err := l.Append(ctx, "b", payload{Value: "2"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
}

// TestAppend_RejectsEmptyID tests that records need a logical id.
func TestAppend_RejectsEmptyID(t *testing.T) {
	l := openTestLog(t, &fakeClock{now: time.Now()})

	_, err := l.Append(context.Background(), " ", payload{})
	assert.ErrorIs(t, err, faults.ErrInput)
	assert.ErrorIs(t, err, ErrEmptyID)
}

// TestReduce_LatestWins tests that the last record per id supersedes earlier ones.
func TestReduce_LatestWins(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := openTestLog(t, clock)
	ctx := context.Background()

	_, err := l.Append(ctx, "sig-1", payload{Value: "draft"})
	require.NoError(t, err)
	_, err = l.Append(ctx, "sig-2", payload{Value: "other"})
	require.NoError(t, err)
	_, err = l.Append(ctx, "sig-1", payload{Value: "final"})
	require.NoError(t, err)

	latest, err := l.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	var got payload
	require.NoError(t, latest["sig-1"].Decode(&got))
	assert.Equal(t, "final", got.Value)

	all := collect(t, l, time.Time{}, time.Time{})
	assert.Len(t, all, 3, "superseded records stay in the log")
}

// TestScan_RangeAcrossSegments tests day segmentation and range filtering.
func TestScan_RangeAcrossSegments(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	l := openTestLog(t, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, fmt.Sprintf("id-%d", i), payload{Value: fmt.Sprint(i)})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	segments, err := l.segments()
	require.NoError(t, err)
	assert.Len(t, segments, 2)

	got := collect(t, l, start.Add(time.Hour), start.Add(3*time.Hour))
	require.Len(t, got, 2)
	assert.Equal(t, "id-1", got[0].ID)
	assert.Equal(t, "id-2", got[1].ID)
}

// TestScan_SkipsTornTail tests that an unterminated last line is ignored.
func TestScan_SkipsTornTail(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := openTestLog(t, clock)
	ctx := context.Background()

	_, err := l.Append(ctx, "ok", payload{Value: "x"})
	require.NoError(t, err)

	f, err := os.OpenFile(l.segmentPath(clock.Now()), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"id":"half","da`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := collect(t, l, time.Time{}, time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

// TestOpen_TruncatesTornTail tests that appends after a crash start on a
// clean line and the log stays readable across reopens.
func TestOpen_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	l, err := Open(dir, Options{Now: clock.Now})
	require.NoError(t, err)
	_, err = l.Append(ctx, "a", payload{Value: "a"})
	require.NoError(t, err)

	path := l.segmentPath(clock.Now())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"id":"b","at":"2026-04-01T10:00:00Z","da`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(dir, Options{Now: clock.Now})
	require.NoError(t, err)
	rec, err := reopened.Append(ctx, "c", payload{Value: "c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)

	latest, err := reopened.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Contains(t, latest, "a")
	assert.Contains(t, latest, "c")

	again, err := Open(dir, Options{Now: clock.Now})
	require.NoError(t, err)
	got := collect(t, again, time.Time{}, time.Time{})
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[1].ID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

// TestOpen_TruncatesHeadlessSegment tests a segment holding only a torn line.
func TestOpen_TruncatesHeadlessSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-04-01.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"seq":1,"id":"x"`), 0o600))

	l, err := Open(dir, Options{})
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Empty(t, collect(t, l, time.Time{}, time.Time{}))
}

// TestScan_CorruptInteriorLine tests that a damaged complete line is a storage error.
func TestScan_CorruptInteriorLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-03-01.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o600))

	_, err := Open(dir, Options{})
	assert.ErrorIs(t, err, faults.ErrStorage)
}

// TestScan_Cancellation tests that a canceled context stops iteration between records.
func TestScan_Cancellation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := openTestLog(t, clock)
	for i := 0; i < 5; i++ {
		_, err := l.Append(context.Background(), fmt.Sprintf("id-%d", i), payload{})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	var scanErr error
	for _, err := range l.Scan(ctx, time.Time{}, time.Time{}) {
		if err != nil {
			scanErr = err
			break
		}
		seen++
		if seen == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, seen)
	assert.ErrorIs(t, scanErr, context.Canceled)

	_, err := Reduce(l.Scan(ctx, time.Time{}, time.Time{}))
	assert.ErrorIs(t, err, context.Canceled, "reduce returns no partial state")
}

// TestOpen_RecoversSequence tests that reopening continues the sequence.
func TestOpen_RecoversSequence(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, err := Open(dir, Options{Now: clock.Now})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), "x", payload{})
		require.NoError(t, err)
	}

	reopened, err := Open(dir, Options{Now: clock.Now})
	require.NoError(t, err)
	rec, err := reopened.Append(context.Background(), "y", payload{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Seq)
}

// TestAppend_ConcurrentWriters tests that parallel appends never interleave lines.
func TestAppend_ConcurrentWriters(t *testing.T) {
	l := openTestLog(t, &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(ctx, fmt.Sprintf("w%d-%d", w, i), payload{Value: "concurrent"})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got := collect(t, l, time.Time{}, time.Time{})
	assert.Len(t, got, writers*perWriter)

	seqs := make(map[uint64]bool, len(got))
	for _, rec := range got {
		assert.False(t, seqs[rec.Seq], "duplicate seq %d", rec.Seq)
		seqs[rec.Seq] = true
	}
}

// TestGet tests single-id lookup.
func TestGet(t *testing.T) {
	l := openTestLog(t, &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	_, err := l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Append(ctx, "k", payload{Value: "v1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, "k", payload{Value: "v2"})
	require.NoError(t, err)

	rec, err := l.Get(ctx, "k")
	require.NoError(t, err)
	var got payload
	require.NoError(t, rec.Decode(&got))
	assert.Equal(t, "v2", got.Value)
}
