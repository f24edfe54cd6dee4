// Package proxy implements the edge cache proxy: clock sync, manifest
// passthrough, cached file delivery and low-latency chunk streaming.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hybridcast/internal/cache"
	"hybridcast/internal/content"
	"hybridcast/internal/filelock"
	"hybridcast/internal/platform/bodylimit"
	"hybridcast/internal/platform/metrics"
)

// MaxBodyBytes bounds request bodies; larger ones are answered with 413.
const MaxBodyBytes = bodylimit.DefaultMax

// TimeLayout is the clock sync format, millisecond precision UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Config holds the proxy's start parameters.
type Config struct {
	ProxyID          int
	FEC              bool
	TLI              bool
	SegmentDuration  time.Duration
	LowLatencyChunks int
}

// Passthrough forwards uncached requests to the origin.
type Passthrough interface {
	Do(ctx context.Context, method, name string, body io.Reader, header http.Header) (*http.Response, error)
}

// Handler serves the proxy's HTTP endpoints.
type Handler struct {
	cfg     Config
	fetcher *cache.Fetcher
	store   *cache.DiskStore
	origin  Passthrough
	log     *slog.Logger

	filesSent     *metrics.Gauge
	filesNotFound *metrics.Gauge
	filesFetched  *metrics.Gauge
	peer          *metrics.PeerErrors

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	stable filelock.StableOptions
}

// NewHandler returns a Handler serving from store through fetcher, forwarding
// manifests and non-GET requests to origin.
func NewHandler(cfg Config, fetcher *cache.Fetcher, store *cache.DiskStore, origin Passthrough, sink *metrics.Sink, log *slog.Logger) *Handler {
	return &Handler{
		cfg:           cfg,
		fetcher:       fetcher,
		store:         store,
		origin:        origin,
		log:           log,
		filesSent:     sink.Gauge(metrics.FilesSent, "Number of files sent"),
		filesNotFound: sink.Gauge(metrics.FilesNotFound, "Number of files not found"),
		filesFetched:  sink.Gauge("files_fetched", "Number of files fetched from the server"),
		peer:          metrics.NewPeerErrors(sink),
		now:           time.Now,
		sleep:         sleepCtx,
		stable:        filelock.DefaultStableOptions,
	}
}

// Time handles GET /time.
func (h *Handler) Time(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	h.write(w, []byte(h.now().UTC().Format(TimeLayout)))
}

// Serve handles every other path: manifests and non-GET requests go to the
// origin, chunk-streamed segments are streamed, the rest comes from the cache.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if p == "/" {
		p = "/index.html"
	}

	if content.IsManifest(p) || r.Method != http.MethodGet {
		h.passthrough(w, r, p)
		return
	}
	if req, ok := content.ParseChunkRequest(p); ok && !strings.Contains(p, "init_") {
		h.stream(w, r, req)
		return
	}

	data, err := h.fetcher.Fetch(r.Context(), p)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrReconstructionExhausted):
			h.notFound(w)
		case errors.Is(err, context.Canceled):
			h.log.Debug("client gone during fetch", slog.String("path", p))
		default:
			h.log.Error("fetch failed", slog.String("path", p), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	h.sendFile(w, p, data)
}

// passthrough proxies the request to the origin without caching. With
// interleaving enabled the primary proxy asks for the higher quality sibling.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, p string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	name := p
	if r.URL.RawQuery != "" {
		name += "?" + r.URL.RawQuery
	}
	if h.cfg.TLI && h.cfg.ProxyID == 1 {
		name = RewriteInterleaved(name)
	}

	header := http.Header{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	resp, err := h.origin.Do(r.Context(), r.Method, name, bytes.NewReader(body), header)
	if err != nil {
		h.log.Error("origin request failed", slog.String("path", name), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.log.Error("read origin response", slog.String("path", name), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || len(data) == 0 {
		h.notFound(w)
		return
	}
	h.filesFetched.Inc()
	h.sendFile(w, p, data)
}

// RewriteInterleaved swaps representation tokens for their higher quality
// interleaved siblings.
func RewriteInterleaved(name string) string {
	name = strings.ReplaceAll(name, "_low_", "_lowmid_")
	return strings.ReplaceAll(name, "_mid_", "_midhigh_")
}

func (h *Handler) sendFile(w http.ResponseWriter, p string, data []byte) {
	w.Header().Set("Content-Type", content.MIMEType(p))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	if h.write(w, data) {
		h.filesSent.Inc()
	}
}

func (h *Handler) notFound(w http.ResponseWriter) {
	h.filesNotFound.Inc()
	w.WriteHeader(http.StatusNotFound)
	h.write(w, []byte("File Not Found"))
}

// write sends b and reports whether it succeeded. Client disconnects are
// counted and otherwise ignored.
func (h *Handler) write(w http.ResponseWriter, b []byte) bool {
	if _, err := w.Write(b); err != nil {
		if !h.peer.Observe(err) {
			h.log.Debug("response write failed", slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
