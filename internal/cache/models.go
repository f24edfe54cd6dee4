// Package cache serves content from the proxy's local cache directory,
// rebuilding full segments from partial artifacts and falling back to the
// origin server when content is missing.
package cache

import "errors"

var (
	// ErrNotFound is returned when content is neither cached nor available
	// at the origin.
	ErrNotFound = errors.New("content not found")

	// ErrReconstructionExhausted is returned when partial artifacts were
	// located but the muxed full segment did not appear in time.
	ErrReconstructionExhausted = errors.New("reconstruction exhausted")
)

// reconstructState is a step of the cache lookup for one filename.
type reconstructState int

const (
	stateLocalHit reconstructState = iota
	stateNeedPieces
	stateAwaitingMux
	stateExhausted
)

func (s reconstructState) String() string {
	switch s {
	case stateLocalHit:
		return "local-hit"
	case stateNeedPieces:
		return "need-pieces"
	case stateAwaitingMux:
		return "awaiting-mux"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
