package multicast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"hybridcast/internal/content"
	"hybridcast/internal/platform/metrics"
	"hybridcast/internal/platform/netstat"

	"github.com/dustin/go-humanize"
	"github.com/gammazero/workerpool"
	"golang.org/x/sync/errgroup"
)

// Metric names published by the scheduler.
const (
	MetricFileBytes      = "total_file_bytes_mc"
	MetricInterfaceBytes = "total_bytes_mc_interface"
	MetricMulticasting   = "is_multicasting"
)

// DefaultMaxInflight bounds deliveries handed to the transport and not yet
// completed.
const DefaultMaxInflight = 64

// Config is the schedule.
type Config struct {
	BaseDir          string
	SegmentDuration  int // seconds
	Videos           []Video
	FEC              bool
	LowLatencyChunks int
	Disabled         bool // files are scheduled but not counted as multicast
	MaxRateKbps      int
	HighLoss         bool
	Interface        string
	MaxInflight      int
}

// Scheduler sends every video's files at real-time pace, one goroutine per
// video, until each video runs out of files.
type Scheduler struct {
	cfg       Config
	transport Transport
	log       *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	pool     *workerpool.WorkerPool
	inflight chan struct{}

	fileBytes    *metrics.Gauge
	ifaceBytes   *metrics.Gauge
	multicasting *metrics.Gauge
}

// NewScheduler returns a scheduler for cfg. Run may be called once.
func NewScheduler(cfg Config, t Transport, sink *metrics.Sink, log *slog.Logger) *Scheduler {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	return &Scheduler{
		cfg:          cfg,
		transport:    t,
		log:          log,
		now:          time.Now,
		sleep:        sleepCtx,
		pool:         workerpool.New(max(1, len(cfg.Videos))),
		inflight:     make(chan struct{}, cfg.MaxInflight),
		fileBytes:    sink.Gauge(MetricFileBytes, "Total number of file bytes that need to be send over mc, incl FEC overhead"),
		ifaceBytes:   sink.Gauge(MetricInterfaceBytes, "Total number of bytes send over mc interface"),
		multicasting: sink.Gauge(MetricMulticasting, "Wether or not the server is multicasting"),
	}
}

// ClampRate caps kbps at limit. Negative rates become 0, which disables
// rate limiting.
func ClampRate(kbps, limit int) int {
	if kbps > limit {
		kbps = limit
	}
	if kbps < 0 {
		kbps = 0
	}
	return kbps
}

// SetRateLimit forwards a clamped rate to the transport.
func (s *Scheduler) SetRateLimit(kbps int) {
	s.transport.SetRateLimit(ClampRate(kbps, s.cfg.MaxRateKbps))
}

// Run sends all videos and returns once every video is exhausted, or ctx is
// done. Unsent files are cleared and the transport stopped before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.cfg.Videos) == 0 {
		return errors.New("no videos to multicast")
	}
	if s.cfg.SegmentDuration <= 0 {
		return fmt.Errorf("segment duration %d: must be positive", s.cfg.SegmentDuration)
	}
	start := s.now()
	s.SetRateLimit(s.cfg.MaxRateKbps)

	iface := netstat.NewCounter(s.cfg.Interface)
	s.ifaceBytes.Set(0)

	interval := IntervalDuration(s.cfg.SegmentDuration, s.cfg.LowLatencyChunks)
	margin := DeadlineMargin(interval, s.cfg.FEC, s.cfg.HighLoss)
	s.log.Info("multicast schedule starting",
		"videos", len(s.cfg.Videos),
		"interval", interval,
		"deadline_margin", margin,
		"max_rate_kbps", s.cfg.MaxRateKbps,
		"disabled", s.cfg.Disabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	for n, v := range s.cfg.Videos {
		n, v := n, v
		g.Go(func() error {
			return s.runVideo(gctx, n, v, start, interval, margin)
		})
	}
	err := g.Wait()

	s.recordInterfaceBytes(iface)
	s.log.Info("all segments have been queued for sending")

	if n := s.transport.Clear(); n > 0 {
		s.log.Info("unsent files cleared", "count", n)
	}
	s.pool.StopWait()
	stopErr := s.transport.Stop()

	s.multicasting.Set(0)
	s.recordInterfaceBytes(iface)
	s.log.Info("multicast schedule finished",
		"took", s.now().Sub(start),
		"file_bytes", humanize.Bytes(uint64(s.fileBytes.Get())),
		"interface_bytes", humanize.Bytes(uint64(s.ifaceBytes.Get())),
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("stop transport: %w", stopErr)
	}
	return nil
}

func (s *Scheduler) runVideo(ctx context.Context, n int, v Video, start time.Time, interval, margin time.Duration) error {
	log := s.log.With("video", v.Name, "rep_id", v.RepID)
	offset := v.StartOffset()
	log.Info("video scheduled", "interval", interval, "sleep", offset)
	if err := s.sleep(ctx, offset); err != nil {
		return err
	}

	// The reference excludes the start offset and is nudged per video so
	// videos sharing the link do not send in the same millisecond.
	ref := start.Add(offset).Add(stagger(n, s.cfg.SegmentDuration))

	s.multicasting.Set(1)
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	alt := AlternateVideo(v.Name)
	cur := Cursor{Segment: 1, Chunk: 1}
	for {
		src, ok := s.locate(v, alt, cur)
		if !ok {
			log.Info("video exhausted", "segment", cur.Segment, "chunk", cur.Chunk)
			return nil
		}

		f := File{Path: src.path, Location: src.location, Deadline: Deadline(s.now(), interval, margin)}
		if err := s.dispatch(ctx, f); err != nil {
			return err
		}
		if err := s.sleep(ctx, untilNextInterval(s.now(), ref, interval)); err != nil {
			return err
		}

		if !s.cfg.Disabled {
			s.fileBytes.Add(float64(src.size))
		}
		cur = cur.Next(s.cfg.LowLatencyChunks)
	}
}

// dispatch hands f to the transport from the calling video goroutine, so a
// video's files reach the transport in order and before any later Clear.
// Only the wait for completion runs on the worker pool.
func (s *Scheduler) dispatch(ctx context.Context, f File) error {
	select {
	case s.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	d := s.transport.Send(f)
	s.pool.Submit(func() {
		defer func() { <-s.inflight }()
		<-d.Done()
		if err := d.Err(); err != nil && !errors.Is(err, ErrCleared) {
			s.log.Debug("delivery incomplete", "location", f.Location, "error", err)
		}
	})
	return nil
}

func (s *Scheduler) recordInterfaceBytes(c *netstat.Counter) {
	s.ifaceBytes.Set(float64(c.Sent()))
}

type source struct {
	path     string
	location string
	size     int64
}

// locate finds the file at cur. A video named "<base>_<suffix>" whose own
// file is missing is served from <base>'s file under its own location. Empty
// files count as missing.
func (s *Scheduler) locate(v Video, alt string, cur Cursor) (source, bool) {
	location := path.Join(s.cfg.BaseDir, s.relPath(v.Name, v, cur))
	if size := fileSize(location); size > 0 {
		return source{path: location, location: location, size: size}, true
	}
	if alt == "" {
		return source{}, false
	}
	fallback := path.Join(s.cfg.BaseDir, s.relPath(alt, v, cur))
	if size := fileSize(fallback); size > 0 {
		return source{path: fallback, location: location, size: size}, true
	}
	return source{}, false
}

func (s *Scheduler) relPath(video string, v Video, cur Cursor) string {
	it := content.Item{
		Video:           video,
		SegmentDuration: s.cfg.SegmentDuration,
		RepID:           v.RepID,
		Segment:         cur.Segment,
		Chunk:           cur.Chunk,
		Ext:             v.Extension,
	}
	if s.cfg.LowLatencyChunks > 1 || strings.Contains(v.Extension, "m4s") {
		return it.ChunkPath()
	}
	return it.SegmentPath()
}

// Cursor is the position of the next file of a video.
type Cursor struct {
	Segment int
	Chunk   int
}

// Next advances by one chunk, rolling over to the next segment after the
// last chunk. Without chunking it advances by one segment.
func (c Cursor) Next(chunks int) Cursor {
	if chunks <= 0 {
		c.Segment++
		return c
	}
	c.Chunk++
	if c.Chunk > chunks {
		c.Chunk = 1
		c.Segment++
	}
	return c
}

// AlternateVideo returns the base video of a duplicated title, or "".
func AlternateVideo(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) > 1 {
		return parts[0]
	}
	return ""
}

// untilNextInterval measures elapsed time against a fixed reference so sleep
// error does not accumulate.
func untilNextInterval(now, ref time.Time, interval time.Duration) time.Duration {
	elapsed := max(0, now.Sub(ref))
	return interval - elapsed%interval
}

func stagger(n, segmentSeconds int) time.Duration {
	if segmentSeconds <= 0 {
		return 0
	}
	ms := ((n - n%segmentSeconds) / segmentSeconds) % 99
	return time.Duration(ms) * time.Millisecond
}

func fileSize(p string) int64 {
	fi, err := os.Stat(filepath.FromSlash(p))
	if err != nil || !fi.Mode().IsRegular() {
		return 0
	}
	return fi.Size()
}
