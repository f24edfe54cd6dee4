// Package multicast pushes stream segments and chunks to a multicast group on
// a real-time schedule. A Scheduler walks each configured video and hands
// every file to a Transport together with the deadline by which receivers
// must have it.
package multicast

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCleared completes deliveries discarded by Transport.Clear.
	ErrCleared = errors.New("delivery cleared")
	// ErrDeadlineExceeded completes deliveries whose deadline passed before
	// transmission began.
	ErrDeadlineExceeded = errors.New("delivery deadline exceeded")
	// ErrTransportStopped completes deliveries still pending at Stop, and any
	// delivery submitted afterwards.
	ErrTransportStopped = errors.New("transport stopped")
)

// File is one object to transmit. Path is read from disk; Location is the
// name receivers store it under.
type File struct {
	Path     string
	Location string
	Deadline time.Time
}

// Transport is the multicast binding. Send never blocks on the network: it
// queues the file and returns a handle that completes once the file has been
// transmitted or dropped.
type Transport interface {
	Start() error
	Send(f File) *Delivery
	// SetRateLimit sets the send rate in kbit/s. Zero disables limiting.
	SetRateLimit(kbps int)
	// Clear discards every file not yet fully transmitted and returns how
	// many were discarded.
	Clear() int
	Stop() error
}

// Delivery tracks one queued file.
type Delivery struct {
	File File
	TOI  uint32

	once sync.Once
	done chan struct{}
	err  error
}

func newDelivery(f File) *Delivery {
	return &Delivery{File: f, done: make(chan struct{})}
}

// Done is closed when the delivery finished, successfully or not.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err is nil for a transmitted file. It must only be read after Done.
func (d *Delivery) Err() error { return d.err }

func (d *Delivery) complete(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}
