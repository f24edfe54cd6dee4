package multicast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"hybridcast/internal/alc"
	"hybridcast/internal/content"
	"hybridcast/internal/filelock"

	"github.com/dustin/go-humanize"
	"github.com/gammazero/deque"
	"go.uber.org/atomic"
)

// DefaultGroup is the multicast group and port files are sent to.
const DefaultGroup = "239.0.0.1:16000"

// fdtValidity is how long an FDT instance stays valid for a file sent
// without a deadline.
const fdtValidity = time.Minute

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	Group    string // host:port
	MTU      int
	TSI      uint32
	FEC      int    // > 0 adds Reed-Solomon repair symbols
	FDTPath  string // where the latest FDT instance is published; empty skips it
	RateKbps int
}

// UDPTransport sends files as ALC packets over UDP, one at a time in
// submission order. Each file is preceded by an FDT instance on TOI 0.
type UDPTransport struct {
	cfg UDPConfig
	oti alc.OTI
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	queue   deque.Deque[*Delivery]
	abort   context.CancelFunc // aborts the file being transmitted
	started bool
	stopped bool
	cancel  context.CancelFunc
	conn    *net.UDPConn

	wake chan struct{}
	wg   sync.WaitGroup

	rate     atomic.Int64 // kbit/s
	toi      atomic.Uint32
	fdtID    atomic.Uint32
	sent     atomic.Uint64
	nextSend time.Time // pacing state, owned by the send loop
}

// NewUDPTransport returns a stopped transport; call Start to open the socket.
func NewUDPTransport(cfg UDPConfig, log *slog.Logger) *UDPTransport {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.TSI == 0 {
		cfg.TSI = alc.DefaultTSI
	}
	t := &UDPTransport{
		cfg:  cfg,
		oti:  alc.NewOTI(alc.SchemeFor(cfg.FEC), cfg.MTU),
		log:  log,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	t.SetRateLimit(cfg.RateKbps)
	return t
}

// Start opens the socket and starts the send loop.
func (t *UDPTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTransportStopped
	}
	if t.started {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", t.cfg.Group)
	if err != nil {
		return fmt.Errorf("resolve group %s: %w", t.cfg.Group, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial group %s: %w", t.cfg.Group, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = cancel
	t.started = true
	t.wg.Add(1)
	go t.run(ctx)

	t.log.Info("multicast transport started",
		"group", t.cfg.Group,
		"tsi", t.cfg.TSI,
		"fec", t.oti.Scheme.String(),
		"symbol_length", t.oti.SymbolLength,
		"rate_kbps", t.rate.Load(),
	)
	return nil
}

// Send queues f for transmission.
func (t *UDPTransport) Send(f File) *Delivery {
	d := newDelivery(f)
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		d.complete(ErrTransportStopped)
		return d
	}
	t.queue.PushBack(d)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return d
}

// SetRateLimit sets the pacing rate. Values <= 0 disable pacing.
func (t *UDPTransport) SetRateLimit(kbps int) {
	t.rate.Store(int64(max(0, kbps)))
}

// Clear drops every queued file and aborts the one in transmission.
func (t *UDPTransport) Clear() int {
	t.mu.Lock()
	pending := t.drainLocked()
	n := len(pending)
	if t.abort != nil {
		t.abort()
		n++
	}
	t.mu.Unlock()

	for _, d := range pending {
		d.complete(ErrCleared)
	}
	return n
}

// Stop aborts any transmission, fails pending files and closes the socket.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	pending := t.drainLocked()
	cancel := t.cancel
	t.mu.Unlock()

	for _, d := range pending {
		d.complete(ErrTransportStopped)
	}
	if cancel == nil {
		return nil
	}
	cancel()
	t.wg.Wait()

	t.log.Info("multicast transport stopped", "sent", humanize.Bytes(t.sent.Load()))
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close multicast socket: %w", err)
	}
	return nil
}

func (t *UDPTransport) drainLocked() []*Delivery {
	out := make([]*Delivery, 0, t.queue.Len())
	for t.queue.Len() > 0 {
		out = append(out, t.queue.PopFront())
	}
	return out
}

func (t *UDPTransport) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if t.queue.Len() == 0 {
			t.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}
		d := t.queue.PopFront()
		fileCtx, abort := context.WithCancel(ctx)
		t.abort = abort
		t.mu.Unlock()

		err := t.transmit(fileCtx, d)
		if err != nil && fileCtx.Err() != nil {
			if ctx.Err() != nil {
				err = ErrTransportStopped
			} else {
				err = ErrCleared
			}
		}

		t.mu.Lock()
		t.abort = nil
		t.mu.Unlock()
		abort()

		t.report(d, err)
		d.complete(err)
	}
}

func (t *UDPTransport) report(d *Delivery, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrDeadlineExceeded):
		t.log.Warn("file dropped, deadline passed", "location", d.File.Location, "deadline", d.File.Deadline)
	case errors.Is(err, ErrCleared), errors.Is(err, ErrTransportStopped):
		t.log.Debug("file transmission aborted", "location", d.File.Location, "error", err)
	default:
		t.log.Error("file transmission failed", "location", d.File.Location, "error", err)
	}
}

func (t *UDPTransport) transmit(ctx context.Context, d *Delivery) error {
	f := d.File
	if !f.Deadline.IsZero() && !t.now().Before(f.Deadline) {
		return ErrDeadlineExceeded
	}
	data, err := filelock.ReadFile(ctx, f.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Path, err)
	}

	d.TOI = t.nextTOI()
	fdtID, err := t.announce(ctx, f, d.TOI, len(data))
	if err != nil {
		return err
	}
	if err := t.sendObject(ctx, d.TOI, fdtID, t.oti, data); err != nil {
		return err
	}
	t.log.Debug("object sent",
		"location", f.Location,
		"toi", d.TOI,
		"size", humanize.Bytes(uint64(len(data))),
	)
	return nil
}

// announce sends the FDT instance describing one object on TOI 0 and
// publishes it to the FDT path.
func (t *UDPTransport) announce(ctx context.Context, f File, toi uint32, size int) (uint32, error) {
	expires := f.Deadline
	if expires.IsZero() {
		expires = t.now().Add(fdtValidity)
	}
	fdt := alc.NewFDTInstance(expires, t.oti)
	fdt.Add(toi, f.Location, content.MIMEType(f.Location), uint64(size))
	doc, err := fdt.Marshal()
	if err != nil {
		return 0, err
	}

	if t.cfg.FDTPath != "" {
		if err := filelock.WriteFile(ctx, t.cfg.FDTPath, doc); err != nil {
			t.log.Warn("fdt publish failed", "path", t.cfg.FDTPath, "error", err)
		}
	}

	id := t.fdtID.Inc() & 0xFFFFF
	return id, t.sendObject(ctx, 0, id, t.oti.ForFDT(), doc)
}

func (t *UDPTransport) sendObject(ctx context.Context, toi, fdtID uint32, oti alc.OTI, data []byte) error {
	p := alc.Packet{
		TSI:            t.cfg.TSI,
		TOI:            toi,
		FDTInstanceID:  fdtID,
		Scheme:         oti.Scheme,
		TransferLength: uint64(len(data)),
		SymbolLength:   uint16(oti.SymbolLength),
		MaxSBL:         uint32(oti.MaxSourceBlockLength),
	}

	blocks := alc.Partition(data, oti)
	if len(blocks) == 0 {
		p.CloseObject = true
		return t.writePacket(ctx, &p)
	}
	for bi, b := range blocks {
		symbols, err := oti.Encode(b)
		if err != nil {
			return err
		}
		for i, s := range symbols {
			p.SBN, p.ESI, p.Payload = s.SBN, s.ESI, s.Data
			p.CloseObject = bi == len(blocks)-1 && i == len(symbols)-1
			if err := t.writePacket(ctx, &p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *UDPTransport) writePacket(ctx context.Context, p *alc.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := t.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("write to %s: %w", t.cfg.Group, err)
	}
	t.sent.Add(uint64(n))
	return t.pace(ctx, n)
}

// pace delays the next packet so the long-run rate stays at the limit.
func (t *UDPTransport) pace(ctx context.Context, n int) error {
	kbps := t.rate.Load()
	if kbps <= 0 {
		return nil
	}
	now := time.Now()
	if t.nextSend.Before(now) {
		t.nextSend = now
	}
	t.nextSend = t.nextSend.Add(time.Duration(n*8) * time.Millisecond / time.Duration(kbps))
	wait := t.nextSend.Sub(now)
	if wait < time.Millisecond {
		return nil
	}
	return sleepCtx(ctx, wait)
}

func (t *UDPTransport) nextTOI() uint32 {
	id := t.toi.Inc()
	if id == 0 {
		id = t.toi.Inc()
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
