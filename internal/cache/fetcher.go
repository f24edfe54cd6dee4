package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hybridcast/internal/content"
	"hybridcast/internal/platform/metrics"
)

const (
	// muxWaitFactor bounds how long a reconstruction waits for the muxer,
	// as a fraction of the segment duration.
	muxWaitFactor = 0.75
	muxPollStep   = time.Millisecond
)

// Fetcher resolves requests against the local cache, reconstructing full
// segments from partial artifacts, and falls back to the origin.
type Fetcher struct {
	store    Store
	origin   Origin
	registry *Registry
	log      *slog.Logger

	cacheUsed    *metrics.Gauge
	filesFetched *metrics.Gauge

	pollStep time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewFetcher wires a fetcher. A nil origin makes every cache miss a not-found.
func NewFetcher(store Store, origin Origin, registry *Registry, sink *metrics.Sink, log *slog.Logger) *Fetcher {
	return &Fetcher{
		store:        store,
		origin:       origin,
		registry:     registry,
		log:          log,
		cacheUsed:    sink.Gauge("cache_used", "Number of files served from the cache"),
		filesFetched: sink.Gauge("files_fetched", "Number of files fetched from the server"),
		pollStep:     muxPollStep,
		sleep:        sleepCtx,
	}
}

// Fetch returns the content for name. Concurrent calls for the same name are
// serialized so at most one of them reaches the origin; later callers find the
// first caller's result in the cache.
func (f *Fetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	unlock, err := f.registry.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, state, err := f.fromCache(ctx, name)
	switch {
	case err == nil:
		f.cacheUsed.Inc()
		return data, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrReconstructionExhausted):
		f.log.Debug("cache miss", "file", name, "state", state.String())
	default:
		return nil, err
	}

	if f.registry.IsNotFound(name) || f.origin == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	data, err = f.origin.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			f.registry.MarkNotFound(name)
			f.log.Warn("file not found at origin", "file", name)
		}
		return nil, err
	}
	f.filesFetched.Inc()
	if werr := f.store.Write(ctx, name, data); werr != nil {
		f.log.Warn("cache write failed", "file", name, "error", werr)
	}
	return data, nil
}

// fromCache walks the reconstruction states for name and returns the state it
// stopped in. The muxer is given one bounded wait; after that the cache is
// read once more and the lookup gives up.
func (f *Fetcher) fromCache(ctx context.Context, name string) ([]byte, reconstructState, error) {
	state := stateLocalHit
	attempt := 1
	for {
		switch state {
		case stateLocalHit:
			data, ok, err := f.store.Read(ctx, name)
			if err != nil {
				return nil, state, err
			}
			if ok {
				return data, state, nil
			}
			if attempt > 1 {
				state = stateExhausted
				continue
			}
			if !content.IsFullSegment(name) {
				return nil, state, ErrNotFound
			}
			state = stateNeedPieces

		case stateNeedPieces:
			found, err := f.locatePieces(ctx, name)
			if err != nil {
				return nil, state, err
			}
			if !found {
				return nil, state, ErrNotFound
			}
			state = stateAwaitingMux

		case stateAwaitingMux:
			if err := f.awaitMux(ctx, name); err != nil {
				return nil, state, err
			}
			attempt++
			state = stateLocalHit

		case stateExhausted:
			f.log.Warn("reconstruction exhausted", "file", name)
			return nil, state, ErrReconstructionExhausted
		}
	}
}

// locatePieces makes sure the artifacts the muxer needs for name are cached.
// A missing half of a split pair is fetched through Fetch, so it may come
// from the origin.
func (f *Fetcher) locatePieces(ctx context.Context, name string) (bool, error) {
	if _, ok, err := f.store.Read(ctx, name+content.SuffixCombined); err != nil || ok {
		return ok, err
	}

	var missing string
	if _, ok, err := f.store.Read(ctx, name+content.SuffixBase); err != nil {
		return false, err
	} else if ok {
		missing = name + content.SuffixAugmentation
	} else if _, ok, err := f.store.Read(ctx, name+content.SuffixAugmentation); err != nil {
		return false, err
	} else if ok {
		missing = name + content.SuffixBase
	} else {
		return false, nil
	}

	if _, err := f.Fetch(ctx, missing); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// awaitMux polls for the full segment until it appears or the wait budget,
// derived from the segment duration in name, runs out.
func (f *Fetcher) awaitMux(ctx context.Context, name string) error {
	budget := time.Duration(float64(content.SegmentDuration(name)) * muxWaitFactor)
	for waited := time.Duration(0); waited < budget; waited += f.pollStep {
		if f.store.Exists(name) {
			return nil
		}
		if err := f.sleep(ctx, f.pollStep); err != nil {
			return err
		}
	}
	return nil
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
