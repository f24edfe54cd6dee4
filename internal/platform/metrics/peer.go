package metrics

import (
	"errors"
	"syscall"
)

// PeerErrors counts response writes that failed because the client went away.
type PeerErrors struct {
	brokenPipes *Gauge
	resets      *Gauge
}

// NewPeerErrors registers the broken pipe and connection reset gauges on s.
func NewPeerErrors(s *Sink) *PeerErrors {
	return &PeerErrors{
		brokenPipes: s.Gauge(BrokenPipes, "Number of broken pipes"),
		resets:      s.Gauge(ConnectionResets, "Number of connection resets"),
	}
}

// Observe reports whether err is a transient peer error and counts it if so.
func (p *PeerErrors) Observe(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, syscall.EPIPE):
		p.brokenPipes.Inc()
		return true
	case errors.Is(err, syscall.ECONNRESET):
		p.resets.Inc()
		return true
	default:
		return false
	}
}
