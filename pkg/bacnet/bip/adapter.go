package bip

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bvll"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"

	"github.com/kuiwang02/bacnet/internal/pkg/metrics"
	"github.com/kuiwang02/bacnet/internal/pkg/transport"
)

// NetworkSink is the NSAP's inbound hook: a fully-stripped NPDU plus the
// address it arrived from.
type NetworkSink interface {
	Indication(ctx context.Context, npdu []byte, source pdu.Address)
}

// Adapter is one BACnet/IPv4 network attachment running in Normal, Foreign
// or BBMD mode, per §4.3. The mode-specific state (foreignState/bbmdState)
// is guarded by mu rather than the run-loop-channel pattern used by
// pkg/bacnet/appservice: an Adapter has no per-transaction fan-out of its
// own, just a handful of shared counters/tables, so a single mutex is the
// simpler, equally-correct adaptation (documented in DESIGN.md).
type Adapter struct {
	cfg       Config
	own       pdu.Address
	transport transport.Transport
	upstream  NetworkSink

	mu      sync.Mutex
	foreign foreignState
	bbmd    bbmdState

	metrics *metrics.Metrics
}

// SetMetrics installs the metrics sink used to record BVLL NAKs and FDT
// occupancy. A nil (or never-set) sink is valid: every record call
// degrades to a no-op.
func (a *Adapter) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// NewAdapter constructs an Adapter bound to a local IPv4 station address
// and wires it to the given transport and upward NSAP sink.
func NewAdapter(cfg Config, own pdu.Address, tr transport.Transport, upstream NetworkSink) *Adapter {
	a := &Adapter{cfg: cfg, own: own, transport: tr, upstream: upstream}
	a.foreign.status = StatusUnregistered
	if cfg.Mode == ModeBBMD {
		a.bbmd.startClock(a)
	}
	tr.SetReceiver(a.deliver)
	return a
}

// Address returns the adapter's own IPv4 station address.
func (a *Adapter) Address() pdu.Address { return a.own }

// Send hands an encoded NPDU to the link layer for transmission to dest
// (a LocalStation or LocalBroadcast destination, per the NSAP's routing
// contract), wrapping it in the BVLL framing appropriate to the adapter's
// mode.
func (a *Adapter) Send(ctx context.Context, dest pdu.Address, npdu []byte) error {
	if a.cfg.Mode == ModeForeign && dest.IsBroadcast() {
		return a.sendForeignBroadcast(ctx, npdu)
	}
	return a.sendNormal(ctx, dest, npdu)
}

func (a *Adapter) sendNormal(ctx context.Context, dest pdu.Address, npdu []byte) error {
	if dest.IsBroadcast() {
		frame := bvll.Encode(bvll.OriginalBroadcastNPDU{NPDU: npdu})
		return a.transport.Send(ctx, frame, pdu.LocalBroadcast())
	}
	frame := bvll.Encode(bvll.OriginalUnicastNPDU{NPDU: npdu})
	return a.transport.Send(ctx, frame, dest)
}

// deliver is the transport's inbound-datagram callback: decode the BVLL
// frame and dispatch by function code and adapter mode.
func (a *Adapter) deliver(data []byte, from pdu.Address) {
	ctx := context.Background()
	msg, err := bvll.Decode(data)
	if err != nil {
		log.Printf("bip: dropping malformed BVLL frame from %v: %v", from, err)
		return // malformed frame: logged and dropped at the codec boundary
	}

	switch v := msg.(type) {
	case bvll.OriginalUnicastNPDU:
		a.upstream.Indication(ctx, v.NPDU, from)
	case bvll.OriginalBroadcastNPDU:
		a.handleOriginalBroadcast(ctx, v, from)
	case bvll.ForwardedNPDU:
		a.handleForwardedNPDU(ctx, v, from)
	case bvll.Result:
		a.handleResult(ctx, v, from)
	case bvll.RegisterForeignDevice:
		a.handleRegisterForeignDevice(ctx, v, from)
	case bvll.DistributeBroadcastToNetwork:
		a.handleDistributeBroadcastToNetwork(ctx, v, from)
	case bvll.WriteBDT:
		a.handleWriteBDT(ctx, v, from)
	case bvll.ReadBDT:
		a.handleReadBDT(ctx, from)
	case bvll.ReadFDT:
		a.handleReadFDT(ctx, from)
	case bvll.DeleteFDTEntry:
		a.handleDeleteFDTEntry(ctx, v, from)
	default:
		// ReadBDTAck/ReadFDTAck are response-only PDUs; unsolicited receipt
		// is ignored rather than NAKed.
	}
}

func (a *Adapter) handleOriginalBroadcast(ctx context.Context, v bvll.OriginalBroadcastNPDU, from pdu.Address) {
	a.upstream.Indication(ctx, v.NPDU, from)
	if a.cfg.Mode == ModeBBMD {
		a.bbmdFanOutLocalBroadcast(ctx, v.NPDU, from)
	}
}

// nak replies with a BVLL Result carrying the given NAK code.
func (a *Adapter) nak(ctx context.Context, to pdu.Address, code uint16) {
	if code != bvll.ResultSuccess {
		a.metrics.RecordNak(nakFunctionName(code))
	}
	frame := bvll.Encode(bvll.Result{Code: code})
	a.transport.Send(ctx, frame, to)
}

func nakFunctionName(code uint16) string {
	switch code {
	case bvll.ResultWriteBDTNAK:
		return "WriteBroadcastDistributionTable"
	case bvll.ResultReadBDTNAK:
		return "ReadBroadcastDistributionTable"
	case bvll.ResultRegisterForeignDeviceNAK:
		return "RegisterForeignDevice"
	case bvll.ResultReadFDTNAK:
		return "ReadForeignDeviceTable"
	case bvll.ResultDeleteFDTEntryNAK:
		return "DeleteForeignDeviceTableEntry"
	case bvll.ResultDistributeBroadcastToNetworkNAK:
		return "DistributeBroadcastToNetwork"
	default:
		return "unknown"
	}
}

func (a *Adapter) handleWriteBDT(ctx context.Context, v bvll.WriteBDT, from pdu.Address) {
	if a.cfg.Mode != ModeBBMD {
		a.nak(ctx, from, bvll.ResultWriteBDTNAK)
		return
	}
	a.bbmdWriteBDT(v.BDT)
	a.nak(ctx, from, bvll.ResultSuccess)
}

func (a *Adapter) handleReadBDT(ctx context.Context, from pdu.Address) {
	if a.cfg.Mode != ModeBBMD {
		a.nak(ctx, from, bvll.ResultReadBDTNAK)
		return
	}
	frame := bvll.Encode(bvll.ReadBDTAck{BDT: a.bbmdReadBDT()})
	a.transport.Send(ctx, frame, from)
}

func (a *Adapter) handleReadFDT(ctx context.Context, from pdu.Address) {
	if a.cfg.Mode != ModeBBMD {
		a.nak(ctx, from, bvll.ResultReadFDTNAK)
		return
	}
	frame := bvll.Encode(bvll.ReadFDTAck{FDT: a.bbmdReadFDT()})
	a.transport.Send(ctx, frame, from)
}

func (a *Adapter) handleDeleteFDTEntry(ctx context.Context, v bvll.DeleteFDTEntry, from pdu.Address) {
	if a.cfg.Mode != ModeBBMD {
		a.nak(ctx, from, bvll.ResultDeleteFDTEntryNAK)
		return
	}
	a.bbmdDeleteFDTEntry(v.Address, v.Port)
	a.nak(ctx, from, bvll.ResultSuccess)
}

func (a *Adapter) handleRegisterForeignDevice(ctx context.Context, v bvll.RegisterForeignDevice, from pdu.Address) {
	if a.cfg.Mode != ModeBBMD {
		a.nak(ctx, from, bvll.ResultRegisterForeignDeviceNAK)
		return
	}
	a.bbmdRegisterForeignDevice(v.TTL, from)
	a.nak(ctx, from, bvll.ResultSuccess)
}

func (a *Adapter) handleDistributeBroadcastToNetwork(ctx context.Context, v bvll.DistributeBroadcastToNetwork, from pdu.Address) {
	if a.cfg.Mode != ModeBBMD {
		a.nak(ctx, from, bvll.ResultDistributeBroadcastToNetworkNAK)
		return
	}
	a.bbmdDistributeBroadcast(ctx, v.NPDU, from)
}

func (a *Adapter) handleForwardedNPDU(ctx context.Context, v bvll.ForwardedNPDU, from pdu.Address) {
	switch a.cfg.Mode {
	case ModeForeign:
		a.foreignHandleForwardedNPDU(ctx, v, from)
	case ModeBBMD:
		a.bbmdHandleForwardedNPDU(ctx, v, from)
	}
}

func (a *Adapter) handleResult(ctx context.Context, v bvll.Result, from pdu.Address) {
	if a.cfg.Mode == ModeForeign {
		a.foreignHandleResult(ctx, v, from)
	}
}

func communicationErrorf(format string, args ...any) error {
	return bacerr.NewCommunicationError(fmt.Errorf(format, args...))
}
