package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"hybridcast/internal/cache"
	"hybridcast/internal/content"
	"hybridcast/internal/filelock"
)

// lastTestSegment is the final segment of the reference content, which is
// always cut into four chunks.
const lastTestSegment = "00025"

const listInterval = time.Millisecond

var errStreamIncomplete = errors.New("chunks missing after last deadline")

// stream delivers a chunked segment as chunk files show up in the cache. The
// HTTP server frames every flushed write as one chunk and terminates the body
// with the zero-length chunk when the handler returns.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req content.ChunkRequest) {
	w.Header().Set("Content-Type", content.MIMEType(content.ChunkSegmentExt))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	flush(w)

	err := h.streamChunks(r.Context(), w, req)
	switch {
	case err == nil:
		h.filesSent.Inc()
	case h.peer.Observe(err):
		h.log.Info("client connection closed while streaming", slog.String("segment", req.SegmentPath()))
	case errors.Is(err, context.Canceled):
		h.log.Debug("stream cancelled", slog.String("segment", req.SegmentPath()))
	default:
		h.log.Warn("stream ended early",
			slog.String("segment", req.SegmentPath()),
			slog.String("error", err.Error()))
	}
}

// streamChunks runs the per-request streaming loop. Only the contiguous
// prefix of chunk indices starting at 1 is ever sent; when the earliest
// missing chunk is overdue it is fetched from the origin into the cache.
func (h *Handler) streamChunks(ctx context.Context, w http.ResponseWriter, req content.ChunkRequest) error {
	n := h.cfg.LowLatencyChunks
	if req.Segment == lastTestSegment {
		n = 4
	}
	dir := "/" + req.ChunkDir()
	if n <= 0 || !h.store.IsDir(dir) {
		return h.sendWholeSegment(ctx, w, req)
	}

	segDur := h.cfg.SegmentDuration
	interval := segDur / time.Duration(n)
	start := h.now().Add(-h.startOffset())
	deadline := func(i int) time.Time { return start.Add(interval * time.Duration(i)) }
	giveUp := deadline(n).Add(segDur)

	sent := 0
	for sent < n {
		if err := ctx.Err(); err != nil {
			return err
		}

		names, err := h.store.List(dir)
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		ready := content.ContiguousPrefix(content.ParseChunks(names))
		if len(ready) > n {
			ready = ready[:n]
		}
		for sent < len(ready) {
			ok, err := h.sendChunk(ctx, w, h.store.Path(path.Join(dir, ready[sent].Name)))
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			sent++
		}
		if sent >= n {
			break
		}

		missing := sent + 1
		if h.now().After(deadline(missing)) {
			name := path.Join(dir, req.ChunkName(missing))
			_, err := h.fetcher.Fetch(ctx, name)
			switch {
			case err == nil:
				h.log.Debug("overdue chunk fetched", slog.String("chunk", name))
				continue
			case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrReconstructionExhausted):
				if h.now().After(giveUp) {
					return fmt.Errorf("%s: %w", name, errStreamIncomplete)
				}
			default:
				return err
			}
		}
		if err := h.sleep(ctx, listInterval); err != nil {
			return err
		}
	}
	return nil
}

// sendWholeSegment serves a chunked request from a single cached or fetched
// segment file when no chunk directory exists.
func (h *Handler) sendWholeSegment(ctx context.Context, w http.ResponseWriter, req content.ChunkRequest) error {
	data, err := h.fetcher.Fetch(ctx, "/"+req.SegmentPath())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrReconstructionExhausted) {
			h.log.Info("chunked segment not found", slog.String("segment", req.SegmentPath()))
			return nil
		}
		return err
	}
	return writeFragment(w, data)
}

// sendChunk waits for the chunk file to stop changing, then sends it as one
// fragment. An empty file has been created but not yet written; it reports
// false so the chunk is listed again later.
func (h *Handler) sendChunk(ctx context.Context, w http.ResponseWriter, file string) (bool, error) {
	data, changes, err := filelock.ReadStable(ctx, file, h.stable)
	switch {
	case errors.Is(err, filelock.ErrUnstable):
		h.log.Warn("chunk kept changing, sending latest read", slog.String("chunk", filepath.Base(file)))
	case err != nil:
		return false, err
	}
	if changes > 0 {
		h.log.Debug("chunk changed while reading", slog.String("chunk", filepath.Base(file)), slog.Int("changes", changes))
	}
	if len(data) == 0 {
		return false, nil
	}
	return true, writeFragment(w, data)
}

// startOffset backdates the stream start so deadlines account for the time
// the segment was already in flight over multicast.
func (h *Handler) startOffset() time.Duration {
	if h.cfg.FEC {
		return 750 * time.Millisecond
	}
	return time.Second
}

func writeFragment(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	flush(w)
	return nil
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
