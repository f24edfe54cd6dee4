package repair

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"hybridcast/internal/alc"
	"hybridcast/internal/filelock"
)

var (
	framePrefix = []byte("ALC ")
	frameSuffix = []byte("\r\n\r\n")
)

// Resolver maps the file named in a manifest to a path on disk. ok is false
// when no such file exists.
type Resolver func(file string) (path string, ok bool)

// Result is the outcome of one repair request.
type Result struct {
	Body    []byte
	Symbols int // symbols requested
	Packets int
}

// Codec builds repair responses from the original files.
type Codec struct {
	mtu     int
	tsi     uint32
	resolve Resolver
	log     *slog.Logger
}

// NewCodec returns a codec for packets sized to mtu.
func NewCodec(mtu int, resolve Resolver, log *slog.Logger) *Codec {
	return &Codec{mtu: mtu, tsi: alc.DefaultTSI, resolve: resolve, log: log}
}

// Retrieve parses body as a manifest and returns the requested symbols as a
// concatenation of "ALC <packet>\r\n\r\n" frames. Symbols the object does not
// have are skipped.
func (c *Codec) Retrieve(ctx context.Context, body []byte) (Result, error) {
	m, err := ParseManifest(body)
	if err != nil {
		return Result{}, err
	}
	res := Result{Symbols: m.SymbolCount()}

	p, ok := c.resolve(m.File)
	if !ok {
		return res, fmt.Errorf("%s: %w", m.File, ErrFileNotFound)
	}
	data, err := filelock.ReadFile(ctx, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%s: %w", m.File, ErrFileNotFound)
		}
		return res, err
	}

	oti := alc.NewOTI(alc.SchemeFor(m.FEC), c.mtu)
	blocks := alc.Partition(data, oti)
	perPacket := max(1, alc.MaxPayload(c.mtu)/oti.SymbolLength)

	var out bytes.Buffer
	for _, sbn := range m.blocks() {
		if int(sbn) >= len(blocks) {
			continue
		}
		symbols, err := oti.Encode(blocks[sbn])
		if err != nil {
			return res, err
		}
		wanted := selectSymbols(symbols, m.Missing[sbn])
		for len(wanted) > 0 {
			run := consecutiveRun(wanted, perPacket, oti.SymbolLength)
			pkt := alc.Packet{
				TSI:            c.tsi,
				TOI:            m.TOI,
				Scheme:         oti.Scheme,
				TransferLength: uint64(len(data)),
				SymbolLength:   uint16(oti.SymbolLength),
				MaxSBL:         uint32(oti.MaxSourceBlockLength),
				SBN:            sbn,
				ESI:            run[0].ESI,
			}
			for _, s := range run {
				pkt.Payload = append(pkt.Payload, s.Data...)
			}
			b, err := pkt.MarshalBinary()
			if err != nil {
				return res, err
			}
			out.Write(framePrefix)
			out.Write(b)
			out.Write(frameSuffix)
			res.Packets++
			wanted = wanted[len(run):]
		}
	}

	res.Body = out.Bytes()
	c.log.Info("partial request served",
		slog.String("file", m.File),
		slog.Uint64("toi", uint64(m.TOI)),
		slog.Int("symbols", res.Symbols),
		slog.Int("packets", res.Packets))
	return res, nil
}

// selectSymbols returns the symbols whose ESI is listed, in ESI order.
func selectSymbols(symbols []alc.Symbol, esis []uint32) []alc.Symbol {
	want := make(map[uint32]struct{}, len(esis))
	for _, e := range esis {
		want[e] = struct{}{}
	}
	out := make([]alc.Symbol, 0, len(esis))
	for _, s := range symbols {
		if _, ok := want[s.ESI]; ok && len(s.Data) > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ESI < out[j].ESI })
	return out
}

// consecutiveRun returns the longest prefix of symbols with consecutive ESIs,
// capped at limit. Only a full-length symbol may be followed by another.
func consecutiveRun(symbols []alc.Symbol, limit, symbolLength int) []alc.Symbol {
	n := 1
	for n < len(symbols) && n < limit &&
		symbols[n].ESI == symbols[n-1].ESI+1 && len(symbols[n-1].Data) == symbolLength {
		n++
	}
	return symbols[:n]
}
