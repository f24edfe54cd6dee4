package alc

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Symbol is one encoding symbol of an object.
type Symbol struct {
	SBN  uint32
	ESI  uint32
	Data []byte
}

// SourceBlock is a run of consecutive source symbols. The last symbol of the
// last block may be shorter than the symbol length.
type SourceBlock struct {
	SBN     uint32
	Symbols [][]byte
}

// Partition splits data into source blocks following the block partitioning
// algorithm of RFC 5052 section 9.1: blocks differ in length by at most one
// symbol and never exceed the maximum source block length.
func Partition(data []byte, oti OTI) []SourceBlock {
	e := oti.SymbolLength
	b := oti.MaxSourceBlockLength
	if e <= 0 || b <= 0 || len(data) == 0 {
		return nil
	}

	t := divCeil(len(data), e)
	n := divCeil(t, b)
	aLarge := divCeil(t, n)
	aSmall := t / n
	nbLarge := t - aSmall*n

	blocks := make([]SourceBlock, 0, n)
	offset := 0
	for sbn := 0; sbn < n; sbn++ {
		k := aSmall
		if sbn < nbLarge {
			k = aLarge
		}
		block := SourceBlock{SBN: uint32(sbn), Symbols: make([][]byte, 0, k)}
		for i := 0; i < k && offset < len(data); i++ {
			end := min(offset+e, len(data))
			block.Symbols = append(block.Symbols, data[offset:end])
			offset = end
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// Encode returns every encoding symbol of block: its source symbols followed
// by repair symbols when the scheme produces them.
func (o OTI) Encode(block SourceBlock) ([]Symbol, error) {
	k := len(block.Symbols)
	out := make([]Symbol, 0, k+o.RepairSymbols(k))
	for i, s := range block.Symbols {
		out = append(out, Symbol{SBN: block.SBN, ESI: uint32(i), Data: s})
	}

	r := o.RepairSymbols(k)
	if r == 0 {
		return out, nil
	}
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon k=%d r=%d: %w", k, r, err)
	}
	shards := make([][]byte, k+r)
	for i, s := range block.Symbols {
		shard := make([]byte, o.SymbolLength)
		copy(shard, s)
		shards[i] = shard
	}
	for i := k; i < k+r; i++ {
		shards[i] = make([]byte, o.SymbolLength)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode block %d: %w", block.SBN, err)
	}
	for i := k; i < k+r; i++ {
		out = append(out, Symbol{SBN: block.SBN, ESI: uint32(i), Data: shards[i]})
	}
	return out, nil
}

// Reconstruct rebuilds the source symbols of a block of k symbols from any
// k of its encoding symbols. Missing entries in shards are nil. The last
// source symbol is returned at full symbol length.
func (o OTI) Reconstruct(k int, shards [][]byte) error {
	r := o.RepairSymbols(k)
	if r == 0 {
		for i := 0; i < k; i++ {
			if shards[i] == nil {
				return fmt.Errorf("source symbol %d missing without repair data", i)
			}
		}
		return nil
	}
	for i, s := range shards {
		if s != nil && len(s) < o.SymbolLength {
			padded := make([]byte, o.SymbolLength)
			copy(padded, s)
			shards[i] = padded
		}
	}
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return fmt.Errorf("reed-solomon k=%d r=%d: %w", k, r, err)
	}
	return enc.ReconstructData(shards)
}

func divCeil(a, b int) int {
	return (a + b - 1) / b
}
