package multicast

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcast/internal/platform/metrics"
)

type recordingTransport struct {
	mu     sync.Mutex
	files  []File
	events []string
	rate   int
}

func (r *recordingTransport) record(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingTransport) Start() error {
	r.record("start")
	return nil
}

func (r *recordingTransport) Send(f File) *Delivery {
	r.mu.Lock()
	r.files = append(r.files, f)
	r.mu.Unlock()
	d := newDelivery(f)
	d.complete(nil)
	return d
}

func (r *recordingTransport) SetRateLimit(kbps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = kbps
}

func (r *recordingTransport) Clear() int {
	r.record("clear")
	return 0
}

func (r *recordingTransport) Stop() error {
	r.record("stop")
	return nil
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func writeFile(t *testing.T, p string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
}

func newTestScheduler(t *testing.T, cfg Config, tr Transport) (*Scheduler, *fakeClock, *metrics.Sink) {
	t.Helper()
	sink, err := metrics.New("")
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(cfg, tr, sink, log)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	s.sleep = clock.Sleep
	return s, clock, sink
}

func gauge(t *testing.T, sink *metrics.Sink, name string) float64 {
	t.Helper()
	g, ok := sink.Lookup(name)
	require.True(t, ok, name)
	return g.Get()
}

func TestScheduler_sendsSegmentsOnSchedule(t *testing.T) {
	base := t.TempDir()
	for i, size := range []int{100, 200, 300} {
		writeFile(t, filepath.Join(base, "alpha", "4", "5", segmentName(i+1)), size)
	}

	tr := &recordingTransport{}
	cfg := Config{
		BaseDir:         base,
		SegmentDuration: 4,
		Videos:          []Video{{Name: "alpha", RepID: "5", Extension: ".mp4", SleepTime: 2}},
		MaxRateKbps:     100000,
		HighLoss:        true,
	}
	s, clock, sink := newTestScheduler(t, cfg, tr)
	start := clock.Now()

	require.NoError(t, s.Run(context.Background()))

	require.Len(t, tr.files, 3)
	for i, f := range tr.files {
		want := filepath.Join(base, "alpha", "4", "5", segmentName(i+1))
		assert.Equal(t, want, f.Path)
		assert.Equal(t, want, f.Location)
		sent := start.Add(2*time.Second + time.Duration(i)*4*time.Second)
		assert.Equal(t, sent.Add(3400*time.Millisecond), f.Deadline, "deadline of file %d", i+1)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, clock.slept)
	assert.Equal(t, []string{"start", "clear", "stop"}, tr.events)
	assert.Equal(t, 100000, tr.rate)

	assert.Equal(t, float64(600), gauge(t, sink, MetricFileBytes))
	assert.Equal(t, float64(0), gauge(t, sink, MetricMulticasting))
}

func TestScheduler_alternateVideoKeepsOwnLocation(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "alpha", "4", "5", segmentName(1)), 10)

	tr := &recordingTransport{}
	cfg := Config{
		BaseDir:         base,
		SegmentDuration: 4,
		Videos:          []Video{{Name: "alpha_2", RepID: "5", Extension: ".mp4"}},
	}
	s, _, _ := newTestScheduler(t, cfg, tr)
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, tr.files, 1)
	assert.Equal(t, filepath.Join(base, "alpha", "4", "5", segmentName(1)), tr.files[0].Path)
	assert.Equal(t, filepath.Join(base, "alpha_2", "4", "5", segmentName(1)), tr.files[0].Location)
}

func TestScheduler_chunksRollOverSegments(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "alpha", "4", "5")
	writeFile(t, filepath.Join(dir, "00001", "chunk_00001_5_1.f4s"), 10)
	writeFile(t, filepath.Join(dir, "00001", "chunk_00001_5_2.f4s"), 10)
	writeFile(t, filepath.Join(dir, "00002", "chunk_00002_5_1.f4s"), 10)

	tr := &recordingTransport{}
	cfg := Config{
		BaseDir:          base,
		SegmentDuration:  4,
		LowLatencyChunks: 2,
		Videos:           []Video{{Name: "alpha", RepID: "5", Extension: ".f4s"}},
		HighLoss:         true,
	}
	s, clock, _ := newTestScheduler(t, cfg, tr)
	start := clock.Now()
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, tr.files, 3)
	assert.Equal(t, filepath.Join(dir, "00001", "chunk_00001_5_2.f4s"), tr.files[1].Path)
	assert.Equal(t, filepath.Join(dir, "00002", "chunk_00002_5_1.f4s"), tr.files[2].Path)
	// 2s chunks use the 4s bucket margin of 600ms.
	assert.Equal(t, start.Add(1400*time.Millisecond), tr.files[0].Deadline)
}

func TestScheduler_emptyFileEndsVideo(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "alpha", "4", "5")
	writeFile(t, filepath.Join(dir, segmentName(1)), 10)
	writeFile(t, filepath.Join(dir, segmentName(2)), 0)
	writeFile(t, filepath.Join(dir, segmentName(3)), 10)

	tr := &recordingTransport{}
	cfg := Config{BaseDir: base, SegmentDuration: 4, Videos: []Video{{Name: "alpha", RepID: "5", Extension: ".mp4"}}}
	s, _, _ := newTestScheduler(t, cfg, tr)
	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, tr.files, 1)
}

func TestScheduler_disabledDoesNotCountBytes(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "alpha", "4", "5", segmentName(1)), 50)

	cfg := Config{
		BaseDir:         base,
		SegmentDuration: 4,
		Videos:          []Video{{Name: "alpha", RepID: "5", Extension: ".mp4"}},
		Disabled:        true,
	}
	s, _, sink := newTestScheduler(t, cfg, NopTransport{})
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, float64(0), gauge(t, sink, MetricFileBytes))
}

func TestScheduler_multipleVideosRunIndependently(t *testing.T) {
	base := t.TempDir()
	for i := 1; i <= 3; i++ {
		writeFile(t, filepath.Join(base, "alpha", "4", "5", segmentName(i)), 10)
	}
	writeFile(t, filepath.Join(base, "beta", "4", "5", segmentName(1)), 10)

	tr := &recordingTransport{}
	cfg := Config{
		BaseDir:         base,
		SegmentDuration: 4,
		Videos: []Video{
			{Name: "alpha", RepID: "5", Extension: ".mp4"},
			{Name: "beta", RepID: "5", Extension: ".mp4"},
		},
	}
	s, _, sink := newTestScheduler(t, cfg, tr)
	require.NoError(t, s.Run(context.Background()))

	assert.Len(t, tr.files, 4)
	assert.Equal(t, float64(40), gauge(t, sink, MetricFileBytes))
}

func TestScheduler_canceledContextStopsTransport(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "alpha", "4", "5", segmentName(1)), 10)

	tr := &recordingTransport{}
	cfg := Config{BaseDir: base, SegmentDuration: 4, Videos: []Video{{Name: "alpha", RepID: "5", Extension: ".mp4"}}}
	s, _, _ := newTestScheduler(t, cfg, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Empty(t, tr.files)
	assert.Equal(t, []string{"clear", "stop"}, tr.events)
}

// holdingTransport completes deliveries only when they are cleared.
type holdingTransport struct {
	recordingTransport
	pending []*Delivery
	cleared bool
	late    []File
}

func (h *holdingTransport) Send(f File) *Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := newDelivery(f)
	if h.cleared {
		h.late = append(h.late, f)
		d.complete(ErrTransportStopped)
		return d
	}
	h.files = append(h.files, f)
	h.pending = append(h.pending, d)
	return d
}

func (h *holdingTransport) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = true
	h.events = append(h.events, "clear")
	n := len(h.pending)
	for _, d := range h.pending {
		d.complete(ErrCleared)
	}
	h.pending = nil
	return n
}

func TestScheduler_handsFilesToTransportBeforeClear(t *testing.T) {
	base := t.TempDir()
	for i := 1; i <= 4; i++ {
		writeFile(t, filepath.Join(base, "alpha", "4", "5", segmentName(i)), 10)
	}

	tr := &holdingTransport{}
	cfg := Config{BaseDir: base, SegmentDuration: 4, Videos: []Video{{Name: "alpha", RepID: "5", Extension: ".mp4"}}}
	s, _, _ := newTestScheduler(t, cfg, tr)
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, tr.files, 4)
	for i, f := range tr.files {
		assert.Equal(t, segmentName(i+1), filepath.Base(f.Location))
	}
	assert.Empty(t, tr.late)
	assert.Empty(t, tr.pending)
	assert.Equal(t, []string{"start", "clear", "stop"}, tr.events)
}

func TestScheduler_rejectsEmptySchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{SegmentDuration: 4}, &recordingTransport{})
	assert.Error(t, s.Run(context.Background()))
}

func segmentName(n int) string {
	return fmt.Sprintf("segment_%04d_5.mp4", n)
}
