package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Names shared by the HTTP servers.
const (
	HTTPRequests       = "http_requests"
	HandleDuration     = "http_request_handle_duration"
	BrokenPipes        = "broken_pipes"
	ConnectionResets   = "connection_resets"
	FilesSent          = "files_sent"
	FilesNotFound      = "files_not_found"
	gaugeType          = "gauge"
	snapshotSeparator  = ";"
	defaultSnapshotDur = time.Second
)

// Gauge is a named float value guarded by its own mutex. Every mutation is
// mirrored to the sink's append-only log when one is configured.
type Gauge struct {
	name  string
	help  string
	log   *Log
	mu    sync.Mutex
	value float64
}

func (g *Gauge) Name() string { return g.name }
func (g *Gauge) Help() string { return g.help }
func (g *Gauge) Type() string { return gaugeType }

// Get returns the current value.
func (g *Gauge) Get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Set replaces the current value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
	g.log.Record(g.name, g.value)
}

// Add adds v (which may be negative) to the current value.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value += v
	g.log.Record(g.name, g.value)
}

func (g *Gauge) Inc()   { g.Add(1) }
func (g *Gauge) Reset() { g.Set(0) }

// SetDuration stores d in microseconds, the unit used by the duration gauges.
func (g *Gauge) SetDuration(d time.Duration) {
	g.Set(float64(d.Microseconds()))
}

// Sink owns the gauges of one process and exports them in the Prometheus text
// format through its own registry.
type Sink struct {
	registry *prometheus.Registry
	log      *Log

	mu     sync.Mutex
	gauges map[string]*Gauge
	order  []*Gauge
}

// New creates a sink. When logPath is non-empty every gauge mutation is
// appended to that file as "timestamp;name;value".
func New(logPath string) (*Sink, error) {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]*Gauge),
	}
	if logPath != "" {
		l, err := OpenLog(logPath)
		if err != nil {
			return nil, err
		}
		s.log = l
	}
	return s, nil
}

// Gauge returns the gauge registered under name, creating it on first use.
func (s *Sink) Gauge(name, help string) *Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, log: s.log}
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, g.Get))
	s.gauges[name] = g
	s.order = append(s.order, g)
	g.log.Record(name, 0)
	return g
}

// Lookup returns a previously created gauge.
func (s *Sink) Lookup(name string) (*Gauge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gauges[name]
	return g, ok
}

// Gauges returns all gauges in creation order.
func (s *Sink) Gauges() []*Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Gauge, len(s.order))
	copy(out, s.order)
	return out
}

// Handler returns an http.Handler that serves the exposition format.
// beforeScrape, when non-nil, runs before each scrape to refresh values.
func (s *Sink) Handler(beforeScrape func()) http.Handler {
	h := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if beforeScrape != nil {
			beforeScrape()
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		h.ServeHTTP(w, r)
	})
}

// WriteSnapshot overwrites path with one "name;value" line per gauge,
// sorted by name.
func (s *Sink) WriteSnapshot(path string) error {
	gauges := s.Gauges()
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })

	var b strings.Builder
	for _, g := range gauges {
		b.WriteString(g.name)
		b.WriteString(snapshotSeparator)
		b.WriteString(formatValue(g.Get()))
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write metric snapshot: %w", err)
	}
	return nil
}

// RunSnapshots rewrites the snapshot file every interval until ctx is done.
func (s *Sink) RunSnapshots(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultSnapshotDur
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.WriteSnapshot(path); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Close closes the metric log, if any.
func (s *Sink) Close() error {
	return s.log.Close()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
