// Package repair answers partial retrieval requests: given the symbols a
// receiver missed over multicast, it returns exactly those symbols framed as
// ALC packets.
package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	// ErrInvalidManifest is returned for a request body that is not a repair
	// manifest.
	ErrInvalidManifest = errors.New("invalid repair manifest")
	// ErrFileNotFound is returned when the manifest names an unknown file.
	ErrFileNotFound = errors.New("repair file not found")
)

// Manifest lists the missing encoding symbols of one object, keyed by source
// block number.
type Manifest struct {
	File    string
	TOI     uint32
	FEC     int
	Missing map[uint32][]uint32
}

// wireManifest accepts numbers either as JSON numbers or decimal strings.
type wireManifest struct {
	File    string                `json:"file"`
	TOI     flexUint              `json:"toi"`
	FEC     flexUint              `json:"fec"`
	Missing map[string][]flexUint `json:"missing"`
}

type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("number %s: %w", b, err)
	}
	*f = flexUint(v)
	return nil
}

// ParseManifest decodes a repair manifest.
func ParseManifest(b []byte) (*Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if w.File == "" {
		return nil, fmt.Errorf("%w: missing file", ErrInvalidManifest)
	}

	m := &Manifest{
		File:    w.File,
		TOI:     uint32(w.TOI),
		FEC:     int(w.FEC),
		Missing: make(map[uint32][]uint32, len(w.Missing)),
	}
	for key, esis := range w.Missing {
		sbn, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: block %q", ErrInvalidManifest, key)
		}
		list := make([]uint32, len(esis))
		for i, e := range esis {
			list[i] = uint32(e)
		}
		m.Missing[uint32(sbn)] = list
	}
	return m, nil
}

// SymbolCount is the number of symbols the manifest asks for.
func (m *Manifest) SymbolCount() int {
	n := 0
	for _, esis := range m.Missing {
		n += len(esis)
	}
	return n
}

// blocks returns the requested block numbers in ascending order.
func (m *Manifest) blocks() []uint32 {
	out := make([]uint32, 0, len(m.Missing))
	for sbn := range m.Missing {
		out = append(out, sbn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
