package bip

import (
	"context"
	"time"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bvll"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// bbmdState is the Broadcast Distribution Master Device state of §4.3: the
// BDT of peer BBMDs and the FDT of registered Foreign Devices, plus the
// 1 Hz clock that ages FDT entries out.
type bbmdState struct {
	bdt    []bvll.BDTEntry
	fdt    []bvll.FDTEntry
	ticker *time.Ticker
	stop   chan struct{}
}

// startClock launches the 1 Hz FDT-clock task of §4.3/§5: it decrements
// every entry's remaining counter and deletes entries that reach zero. It
// runs on its own goroutine, guarded by the same mutex as every other BBMD
// mutation, and "does not preempt PDU handling" in the sense that it never
// blocks waiting on anything but the mutex.
func (b *bbmdState) startClock(a *Adapter) {
	b.ticker = time.NewTicker(1 * time.Second)
	b.stop = make(chan struct{})
	go func() {
		for {
			select {
			case <-b.ticker.C:
				a.bbmdTick()
			case <-b.stop:
				return
			}
		}
	}()
}

// StopClock halts the FDT clock; used by tests and by graceful shutdown.
func (a *Adapter) StopClock() {
	if a.bbmd.ticker == nil {
		return
	}
	a.bbmd.ticker.Stop()
	close(a.bbmd.stop)
}

func (a *Adapter) bbmdTick() {
	a.mu.Lock()
	kept := a.bbmd.fdt[:0]
	for _, e := range a.bbmd.fdt {
		if e.Remaining > 0 {
			e.Remaining--
		}
		if !e.Expired() {
			kept = append(kept, e)
		}
	}
	a.bbmd.fdt = kept
	n := len(a.bbmd.fdt)
	a.mu.Unlock()
	a.metrics.SetFDTEntries(n)
}

func (a *Adapter) bbmdWriteBDT(entries []bvll.BDTEntry) {
	a.mu.Lock()
	a.bbmd.bdt = append([]bvll.BDTEntry(nil), entries...)
	a.mu.Unlock()
}

// WriteBDT installs the Broadcast Distribution Table directly, bypassing
// the WriteBroadcastDistributionTable BVLL exchange. It is a no-op outside
// BBMD mode. Used by operators to preconfigure a BBMD at startup instead of
// relying on a separate admin tool to send WriteBDT.
func (a *Adapter) WriteBDT(entries []bvll.BDTEntry) {
	if a.cfg.Mode != ModeBBMD {
		return
	}
	a.bbmdWriteBDT(entries)
}

func (a *Adapter) bbmdReadBDT() []bvll.BDTEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bvll.BDTEntry(nil), a.bbmd.bdt...)
}

func (a *Adapter) bbmdReadFDT() []bvll.FDTEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bvll.FDTEntry(nil), a.bbmd.fdt...)
}

func (a *Adapter) bbmdDeleteFDTEntry(host [4]byte, port uint16) {
	a.mu.Lock()
	out := a.bbmd.fdt[:0]
	for _, e := range a.bbmd.fdt {
		if e.Host == host && e.Port == port {
			continue
		}
		out = append(out, e)
	}
	a.bbmd.fdt = out
	n := len(a.bbmd.fdt)
	a.mu.Unlock()
	a.metrics.SetFDTEntries(n)
}

// bbmdRegisterForeignDevice upserts (or, for TTL=0, deletes) an FDT entry,
// per §4.3's RegisterForeignDevice handling: new-entry remaining = TTL + 5
// (Open Question 3, resolved literally per DESIGN.md).
func (a *Adapter) bbmdRegisterForeignDevice(ttl uint16, from pdu.Address) {
	host, _ := from.IPv4Host()
	port, _ := from.IPv4Port()

	a.mu.Lock()
	defer func() {
		n := len(a.bbmd.fdt)
		a.mu.Unlock()
		a.metrics.SetFDTEntries(n)
	}()
	if ttl == 0 {
		out := a.bbmd.fdt[:0]
		for _, e := range a.bbmd.fdt {
			if e.Host == host && e.Port == port {
				continue
			}
			out = append(out, e)
		}
		a.bbmd.fdt = out
		return
	}

	grace := a.cfg.FDTGracePeriod
	if grace == 0 {
		grace = 5 * time.Second
	}
	remaining := ttl + uint16(grace/time.Second)
	for i, e := range a.bbmd.fdt {
		if e.Host == host && e.Port == port {
			a.bbmd.fdt[i].TTL = ttl
			a.bbmd.fdt[i].Remaining = remaining
			return
		}
	}
	a.bbmd.fdt = append(a.bbmd.fdt, bvll.FDTEntry{Host: host, Port: port, TTL: ttl, Remaining: remaining})
}

// bbmdFanOutLocalBroadcast implements "On OriginalBroadcast from a local
// station: emit ForwardedNPDU to every peer in BDT (excluding self) and to
// every FDT entry."
func (a *Adapter) bbmdFanOutLocalBroadcast(ctx context.Context, npdu []byte, from pdu.Address) {
	host, _ := from.IPv4Host()
	port, _ := from.IPv4Port()
	frame := bvll.Encode(bvll.ForwardedNPDU{Address: host, Port: port, NPDU: npdu})

	a.mu.Lock()
	bdt := append([]bvll.BDTEntry(nil), a.bbmd.bdt...)
	fdt := append([]bvll.FDTEntry(nil), a.bbmd.fdt...)
	own := a.own
	a.mu.Unlock()

	for _, peer := range bdt {
		dest := peer.Address()
		if dest.Equal(own) {
			continue
		}
		a.transport.Send(ctx, frame, dest)
	}
	for _, fd := range fdt {
		a.transport.Send(ctx, frame, fd.Address())
	}
}

// bbmdHandleForwardedNPDU implements "On ForwardedNPDU from a peer: deliver
// locally and relay to every FDT entry (but not re-broadcast to peers)."
func (a *Adapter) bbmdHandleForwardedNPDU(ctx context.Context, v bvll.ForwardedNPDU, from pdu.Address) {
	a.upstream.Indication(ctx, v.NPDU, pdu.LocalBroadcast())

	frame := bvll.Encode(v)
	a.mu.Lock()
	fdt := append([]bvll.FDTEntry(nil), a.bbmd.fdt...)
	a.mu.Unlock()
	for _, fd := range fdt {
		a.transport.Send(ctx, frame, fd.Address())
	}
}

// bbmdDistributeBroadcast implements "On DistributeBroadcastToNetwork from
// a registered FD: local-broadcast, relay to peers, and relay to all other
// FDs."
func (a *Adapter) bbmdDistributeBroadcast(ctx context.Context, npdu []byte, from pdu.Address) {
	a.mu.Lock()
	registered := false
	host, _ := from.IPv4Host()
	port, _ := from.IPv4Port()
	for _, e := range a.bbmd.fdt {
		if e.Host == host && e.Port == port {
			registered = true
			break
		}
	}
	if !registered {
		a.mu.Unlock()
		return
	}
	bdt := append([]bvll.BDTEntry(nil), a.bbmd.bdt...)
	fdt := append([]bvll.FDTEntry(nil), a.bbmd.fdt...)
	own := a.own
	a.mu.Unlock()

	a.upstream.Indication(ctx, npdu, pdu.LocalBroadcast())

	frame := bvll.Encode(bvll.ForwardedNPDU{Address: host, Port: port, NPDU: npdu})
	for _, peer := range bdt {
		dest := peer.Address()
		if dest.Equal(own) {
			continue
		}
		a.transport.Send(ctx, frame, dest)
	}
	for _, fd := range fdt {
		if fd.Host == host && fd.Port == port {
			continue
		}
		a.transport.Send(ctx, frame, fd.Address())
	}
}
