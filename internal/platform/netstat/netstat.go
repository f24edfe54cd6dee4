// Package netstat reads per-interface transmit counters of the host.
package netstat

import (
	"fmt"

	"github.com/mackerelio/go-osstat/network"
)

// TxBytes returns the total number of bytes transmitted so far on iface.
// An unknown interface yields 0 so byte accounting degrades instead of failing.
func TxBytes(iface string) (uint64, error) {
	stats, err := network.Get()
	if err != nil {
		return 0, fmt.Errorf("read network stats: %w", err)
	}
	for _, s := range stats {
		if s.Name == iface {
			return s.TxBytes, nil
		}
	}
	return 0, nil
}

// Counter measures bytes transmitted on one interface since it was created.
type Counter struct {
	iface string
	start uint64
	read  func(string) (uint64, error)
}

// NewCounter samples the interface now; Sent reports the delta from here.
func NewCounter(iface string) *Counter {
	c := &Counter{iface: iface, read: TxBytes}
	c.start, _ = c.read(iface)
	return c
}

// Sent returns the bytes transmitted since the counter was created.
func (c *Counter) Sent() uint64 {
	now, err := c.read(c.iface)
	if err != nil || now < c.start {
		return 0
	}
	return now - c.start
}
