// Package origin implements the origin server: content delivery with
// directory aliasing, clock sync, metrics, the FDT of the running multicast
// session and partial repair.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"hybridcast/internal/alc"
	"hybridcast/internal/content"
	"hybridcast/internal/filelock"
	"hybridcast/internal/platform/bodylimit"
	"hybridcast/internal/platform/metrics"
	"hybridcast/internal/platform/netstat"
	"hybridcast/internal/repair"
)

const (
	// MaxBodyBytes bounds request bodies; larger ones are answered with 413.
	MaxBodyBytes = bodylimit.DefaultMax
	// TimeLayout is the clock sync format, millisecond precision UTC.
	TimeLayout = "2006-01-02T15:04:05.000Z"
)

// ErrFDTExpired is returned when the current FDT instance is past its
// Expires time.
var ErrFDTExpired = errors.New("fdt expired")

var fdtTrailer = []byte("\r\n\r\n")

// Handler serves the origin endpoints.
type Handler struct {
	resolver *Resolver
	codec    *repair.Codec
	fdtPath  string
	sink     *metrics.Sink
	iface    *netstat.Counter
	log      *slog.Logger
	now      func() time.Time

	filesSent       *metrics.Gauge
	segmentsSent    *metrics.Gauge
	chunksSent      *metrics.Gauge
	filesNotFound   *metrics.Gauge
	partialParts    *metrics.Gauge
	partialRequests *metrics.Gauge
	partialDuration *metrics.Gauge
	interfaceBytes  *metrics.Gauge
	fileBytes       *metrics.Gauge
	fdtBytes        *metrics.Gauge
	partialBytes    *metrics.Gauge
	peer            *metrics.PeerErrors
}

// NewHandler wires the origin handlers. iface may be nil when no interface
// counter is available.
func NewHandler(resolver *Resolver, codec *repair.Codec, fdtPath string, iface *netstat.Counter, sink *metrics.Sink, log *slog.Logger) *Handler {
	return &Handler{
		resolver:        resolver,
		codec:           codec,
		fdtPath:         fdtPath,
		sink:            sink,
		iface:           iface,
		log:             log,
		now:             time.Now,
		filesSent:       sink.Gauge(metrics.FilesSent, "Total number of files sent"),
		segmentsSent:    sink.Gauge("segments_sent", "Total number of segments sent"),
		chunksSent:      sink.Gauge("chunks_sent", "Total number of chunks sent"),
		partialParts:    sink.Gauge("partial_parts", "Total number of file symbols requested"),
		filesNotFound:   sink.Gauge(metrics.FilesNotFound, "Total number of 404s"),
		partialRequests: sink.Gauge("partial_requests", "Total number of partial requests"),
		partialDuration: sink.Gauge("partial_processing_duration", "Time it takes for one partial request to be processed"),
		interfaceBytes:  sink.Gauge("total_bytes_uc_interface", "Total number of bytes send over uc interface"),
		fileBytes:       sink.Gauge("total_file_bytes_uc", "Total number of file bytes that need to be send over uc, excl ALCs"),
		fdtBytes:        sink.Gauge("total_fdt_bytes_uc", "Total number of fdt bytes that need to be send over uc"),
		partialBytes:    sink.Gauge("total_partial_bytes_uc", "Total number of partial bytes that need to be send over uc"),
		peer:            metrics.NewPeerErrors(sink),
	}
}

// Time handles GET /time.
func (h *Handler) Time(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	h.write(w, []byte(h.now().UTC().Format(TimeLayout)))
}

// Metric handles GET /metric with the exposition of every gauge.
func (h *Handler) Metric(w http.ResponseWriter, r *http.Request) {
	h.sink.Handler(h.sampleInterface).ServeHTTP(w, r)
}

// FDT handles GET /fdt: the FDT instance of the running multicast session,
// unless it has expired.
func (h *Handler) FDT(w http.ResponseWriter, r *http.Request) {
	data, err := h.readFDT(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrFDTExpired):
			h.log.Debug("fdt unavailable", slog.String("error", err.Error()))
			h.notFound(w)
		default:
			h.log.Error("read fdt failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", content.MIMEType(h.fdtPath))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	if h.write(w, append(data, fdtTrailer...)) {
		h.filesSent.Inc()
		h.fdtBytes.Add(float64(len(data)))
	}
}

func (h *Handler) readFDT(ctx context.Context) ([]byte, error) {
	data, err := filelock.ReadFile(ctx, h.fdtPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty: %w", h.fdtPath, os.ErrNotExist)
	}
	fdt, err := alc.ParseFDT(data)
	if err != nil {
		h.log.Warn("fdt not parseable, serving as is", slog.String("error", err.Error()))
		return data, nil
	}
	if fdt.Expired(h.now()) {
		return nil, fmt.Errorf("expires %s: %w", fdt.Expires, ErrFDTExpired)
	}
	return data, nil
}

// Partial handles POST /partial. The body is a repair manifest; the response
// holds exactly the requested symbols.
func (h *Handler) Partial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) <= 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	h.partialRequests.Inc()
	start := time.Now()
	res, err := h.codec.Retrieve(r.Context(), body)
	h.partialParts.Add(float64(res.Symbols))
	if err != nil {
		switch {
		case errors.Is(err, repair.ErrInvalidManifest):
			h.log.Debug("invalid repair manifest", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
		case errors.Is(err, repair.ErrFileNotFound):
			h.log.Info("repair for unknown file", slog.String("error", err.Error()))
			h.notFound(w)
		default:
			h.log.Error("partial retrieval failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	h.partialBytes.Add(float64(len(res.Body)))

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	h.write(w, res.Body)
	h.partialDuration.SetDuration(time.Since(start))
}

// Content handles every other GET from the content root.
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if p == "/" {
		p = "/index.html"
	}
	name := h.resolver.Resolve(p)

	switch {
	case strings.HasSuffix(name, content.ChunkFileExt):
		h.chunksSent.Inc()
	case strings.HasSuffix(name, content.ChunkSegmentExt):
		h.segmentsSent.Inc()
	case strings.HasSuffix(name, ".mp4") && strings.Contains(name, "segment_"):
		h.segmentsSent.Inc()
	}

	data, err := filelock.ReadFile(r.Context(), h.resolver.Path(name))
	if err != nil || len(data) == 0 {
		if err != nil && !errors.Is(err, os.ErrNotExist) && !isDirectory(err) {
			h.log.Warn("read content failed", slog.String("file", name), slog.String("error", err.Error()))
		}
		h.notFound(w)
		return
	}

	w.Header().Set("Content-Type", content.MIMEType(name))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	if h.write(w, data) {
		h.filesSent.Inc()
		h.fileBytes.Add(float64(len(data)))
	}
}

// TrackInterface samples the unicast interface byte counter around every
// request.
func (h *Handler) TrackInterface(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.sampleInterface()
		next.ServeHTTP(w, r)
		h.sampleInterface()
	})
}

func (h *Handler) sampleInterface() {
	if h.iface != nil {
		h.interfaceBytes.Set(float64(h.iface.Sent()))
	}
}

func (h *Handler) notFound(w http.ResponseWriter) {
	h.filesNotFound.Inc()
	w.WriteHeader(http.StatusNotFound)
	h.write(w, []byte("File Not Found"))
}

func (h *Handler) write(w http.ResponseWriter, b []byte) bool {
	if _, err := w.Write(b); err != nil {
		if !h.peer.Observe(err) {
			h.log.Debug("response write failed", slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

func isDirectory(err error) bool {
	return errors.Is(err, syscall.EISDIR)
}
