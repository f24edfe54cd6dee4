// Package filelock implements the advisory-lock contract shared with the
// multicast receiver and the external muxer: writers hold an exclusive lock
// for the whole write, readers take the same lock before reading, and
// readers that cannot trust a writer re-read until the content settles.
package filelock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// RetryInterval is how long a contended lock waits before trying again.
const RetryInterval = time.Millisecond

// ReadFile reads path while holding the advisory lock. A missing file is
// reported with an error satisfying errors.Is(err, os.ErrNotExist).
func ReadFile(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := acquire(ctx, f); err != nil {
		return nil, err
	}
	defer release(f)

	return io.ReadAll(f)
}

// WriteFile writes data to path while holding the advisory lock, creating
// parent directories as needed. Readers following the contract never see a
// partially written file.
func WriteFile(ctx context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := acquire(ctx, f); err != nil {
		return err
	}
	defer release(f)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

// StableOptions bounds ReadStable.
type StableOptions struct {
	Settle    time.Duration // wait before the first re-read
	Retry     time.Duration // wait after a read that differed
	MaxRounds int
}

// DefaultStableOptions mirrors the timings the receiver is known to need.
var DefaultStableOptions = StableOptions{
	Settle:    5 * time.Millisecond,
	Retry:     10 * time.Millisecond,
	MaxRounds: 100,
}

// ErrUnstable is returned alongside the latest content when it kept changing
// for MaxRounds reads.
var ErrUnstable = errors.New("content did not settle")

// ReadStable reads path under the lock, then keeps re-reading until two
// consecutive reads are byte-identical. It returns the settled content and
// the number of times the content changed.
func ReadStable(ctx context.Context, path string, opts StableOptions) ([]byte, int, error) {
	current, err := ReadFile(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	if err := sleep(ctx, opts.Settle); err != nil {
		return nil, 0, err
	}

	changes := 0
	for round := 0; opts.MaxRounds <= 0 || round < opts.MaxRounds; round++ {
		next, err := os.ReadFile(path)
		if err != nil {
			return nil, changes, err
		}
		if bytes.Equal(next, current) {
			return next, changes, nil
		}
		current = next
		changes++
		if err := sleep(ctx, opts.Retry); err != nil {
			return nil, changes, err
		}
	}
	return current, changes, ErrUnstable
}

func acquire(ctx context.Context, f *os.File) error {
	for {
		ok, err := tryLock(f)
		if err != nil {
			return fmt.Errorf("lock %s: %w", f.Name(), err)
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, RetryInterval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
