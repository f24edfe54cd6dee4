// Package alc implements the object encoding shared by the multicast sender
// and the origin's repair endpoint: block partitioning, Reed-Solomon repair
// symbols, ALC/LCT packet framing and FDT instances.
package alc

import (
	"fmt"
	"math"
)

// Header overheads subtracted from the MTU to get the symbol budget.
const (
	ipv4HeaderLen   = 20
	udpHeaderLen    = 8
	alcHeaderLen    = 32
	payloadIDLen    = 4
	DefaultMTU      = 1500
	DefaultTSI      = 16
	MaxSourceBlock  = 64
	repairOverhead  = 0.15
	maxRSShardCount = 256
)

// FECScheme is the FEC Encoding ID carried in the LCT codepoint and the FDT.
type FECScheme uint8

const (
	// CompactNoCode sends source symbols only (RFC 5445).
	CompactNoCode FECScheme = 0
	// ReedSolomon adds GF(2^8) repair symbols per source block (RFC 5510).
	ReedSolomon FECScheme = 5
)

func (s FECScheme) String() string {
	switch s {
	case CompactNoCode:
		return "compact-no-code"
	case ReedSolomon:
		return "reed-solomon"
	default:
		return fmt.Sprintf("fec(%d)", uint8(s))
	}
}

// SchemeFor maps the numeric fec start parameter to a scheme.
func SchemeFor(fec int) FECScheme {
	if fec > 0 {
		return ReedSolomon
	}
	return CompactNoCode
}

// OTI is the FEC Object Transmission Information of one object.
type OTI struct {
	Scheme               FECScheme
	SymbolLength         int
	MaxSourceBlockLength int
}

// NewOTI returns the transmission parameters for a link with the given MTU.
func NewOTI(scheme FECScheme, mtu int) OTI {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return OTI{
		Scheme:               scheme,
		SymbolLength:         MaxPayload(mtu),
		MaxSourceBlockLength: MaxSourceBlock,
	}
}

// MaxPayload is the number of symbol bytes that fit in one packet.
func MaxPayload(mtu int) int {
	return mtu - ipv4HeaderLen - udpHeaderLen - alcHeaderLen - payloadIDLen
}

// RepairSymbols is the number of repair symbols generated for a source block
// of k symbols.
func (o OTI) RepairSymbols(k int) int {
	if o.Scheme != ReedSolomon || k <= 0 {
		return 0
	}
	r := int(math.Ceil(float64(k) * repairOverhead))
	if k+r > maxRSShardCount {
		r = maxRSShardCount - k
	}
	return r
}

// ForFDT returns the parameters FDT instances are sent with: no repair data,
// and symbols shortened by the FDT header extension carried on TOI 0.
func (o OTI) ForFDT() OTI {
	return OTI{
		Scheme:               CompactNoCode,
		SymbolLength:         o.SymbolLength - fdtExtLen,
		MaxSourceBlockLength: o.MaxSourceBlockLength,
	}
}

// MaxEncodingSymbols is the largest number of symbols any block can carry.
func (o OTI) MaxEncodingSymbols() int {
	return o.MaxSourceBlockLength + o.RepairSymbols(o.MaxSourceBlockLength)
}
