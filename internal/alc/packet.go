package alc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LCT header extension types.
const (
	extFTI = 64
	extFDT = 192

	lctVersion   = 1
	fdtVersion   = 2
	fixedHdrLen  = 16
	ftiExtLen    = 16
	fdtExtLen    = 4
	maxTransfer  = 1<<48 - 1
	maxPayloadID = 0xFFFF
)

// ErrMalformedPacket is returned when bytes do not decode as an ALC packet.
var ErrMalformedPacket = errors.New("malformed alc packet")

// Packet is one ALC packet: an LCT header with FTI (and FDT for TOI 0), a
// FEC payload ID and one or more consecutive encoding symbols.
type Packet struct {
	TSI            uint32
	TOI            uint32
	FDTInstanceID  uint32
	Scheme         FECScheme
	TransferLength uint64
	SymbolLength   uint16
	MaxSBL         uint32
	SBN            uint32
	ESI            uint32
	CloseObject    bool
	Payload        []byte
}

// MarshalBinary encodes the packet in network byte order.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if p.TransferLength > maxTransfer {
		return nil, fmt.Errorf("transfer length %d: %w", p.TransferLength, ErrMalformedPacket)
	}
	if p.SBN > maxPayloadID || p.ESI > maxPayloadID {
		return nil, fmt.Errorf("sbn %d esi %d out of range: %w", p.SBN, p.ESI, ErrMalformedPacket)
	}

	hdr := fixedHdrLen + ftiExtLen
	if p.TOI == 0 {
		hdr += fdtExtLen
	}
	buf := make([]byte, hdr+payloadIDLen+len(p.Payload))

	var word0 uint32 = lctVersion << 28
	word0 |= 1 << 23 // S: 32-bit TSI
	word0 |= 1 << 21 // O: 32-bit TOI
	if p.CloseObject {
		word0 |= 1 << 16
	}
	word0 |= uint32(hdr/4) << 8
	word0 |= uint32(p.Scheme)
	binary.BigEndian.PutUint32(buf[0:], word0)
	// buf[4:8] is the congestion control information, always zero.
	binary.BigEndian.PutUint32(buf[8:], p.TSI)
	binary.BigEndian.PutUint32(buf[12:], p.TOI)

	off := fixedHdrLen
	if p.TOI == 0 {
		binary.BigEndian.PutUint32(buf[off:], extFDT<<24|fdtVersion<<20|p.FDTInstanceID&0xFFFFF)
		off += fdtExtLen
	}
	buf[off] = extFTI
	buf[off+1] = ftiExtLen / 4
	putUint48(buf[off+2:], p.TransferLength)
	// buf[off+8:off+10] is the FEC instance id, unused by both schemes.
	binary.BigEndian.PutUint16(buf[off+10:], p.SymbolLength)
	binary.BigEndian.PutUint32(buf[off+12:], p.MaxSBL)
	off += ftiExtLen

	binary.BigEndian.PutUint16(buf[off:], uint16(p.SBN))
	binary.BigEndian.PutUint16(buf[off+2:], uint16(p.ESI))
	copy(buf[off+payloadIDLen:], p.Payload)
	return buf, nil
}

// UnmarshalBinary decodes b into p. Payload aliases b.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) < fixedHdrLen+payloadIDLen {
		return fmt.Errorf("short packet (%d bytes): %w", len(b), ErrMalformedPacket)
	}
	word0 := binary.BigEndian.Uint32(b[0:])
	if word0>>28 != lctVersion {
		return fmt.Errorf("lct version %d: %w", word0>>28, ErrMalformedPacket)
	}
	hdr := int(word0>>8&0xFF) * 4
	if hdr < fixedHdrLen || len(b) < hdr+payloadIDLen {
		return fmt.Errorf("header length %d: %w", hdr, ErrMalformedPacket)
	}

	*p = Packet{
		Scheme:      FECScheme(word0 & 0xFF),
		CloseObject: word0&(1<<16) != 0,
		TSI:         binary.BigEndian.Uint32(b[8:]),
		TOI:         binary.BigEndian.Uint32(b[12:]),
	}

	for off := fixedHdrLen; off < hdr; {
		het := b[off]
		if het >= 128 {
			if het == extFDT {
				p.FDTInstanceID = binary.BigEndian.Uint32(b[off:]) & 0xFFFFF
			}
			off += 4
			continue
		}
		hel := int(b[off+1]) * 4
		if hel == 0 || off+hel > hdr {
			return fmt.Errorf("extension %d length %d: %w", het, hel, ErrMalformedPacket)
		}
		if het == extFTI && hel >= ftiExtLen {
			p.TransferLength = uint48(b[off+2:])
			p.SymbolLength = binary.BigEndian.Uint16(b[off+10:])
			p.MaxSBL = binary.BigEndian.Uint32(b[off+12:])
		}
		off += hel
	}

	p.SBN = uint32(binary.BigEndian.Uint16(b[hdr:]))
	p.ESI = uint32(binary.BigEndian.Uint16(b[hdr+2:]))
	p.Payload = b[hdr+payloadIDLen:]
	return nil
}

func putUint48(b []byte, v uint64) {
	binary.BigEndian.PutUint16(b, uint16(v>>32))
	binary.BigEndian.PutUint32(b[2:], uint32(v))
}

func uint48(b []byte) uint64 {
	return uint64(binary.BigEndian.Uint16(b))<<32 | uint64(binary.BigEndian.Uint32(b[2:]))
}
