package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// logTimeLayout matches the asctime layout the analysis tooling parses.
const logTimeLayout = "2006-01-02 15:04:05,000"

// Log is an append-only "timestamp;name;value" text file shared by all
// gauges of a process. A nil *Log discards records.
type Log struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// OpenLog opens (or creates) path in append mode.
func OpenLog(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metric log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metric log: %w", err)
	}
	return &Log{f: f, now: time.Now}, nil
}

// Record appends one line. Write errors are dropped: the log is diagnostic
// and must never fail the operation being measured.
func (l *Log) Record(name string, value float64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	line := fmt.Sprintf("%s;%s;%s\n", l.now().Format(logTimeLayout), name, formatValue(value))
	_, _ = l.f.WriteString(line)
}

// Close closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
