// Package nsap implements the Network Service Access Point of §4.4: it
// fans an application's outbound APDUs across one or more locally attached
// BACnet networks, maintains a DNET→router cache populated by
// WhoIsRouterToNetwork/IAmRouterToNetwork discovery, and forwards NPDUs at
// a router node. It follows the same run-loop-as-scheduler shape as
// pkg/bacnet/appservice: every external call posts a closure onto a single
// goroutine's channel, so the cache, the pending-PDU queue and the attached
// network list never need a mutex.
package nsap

import (
	"context"
	"fmt"
	"log"

	"github.com/kuiwang02/bacnet/internal/pkg/metrics"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/npdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// LinkAdapter is the downward hook onto one locally attached BACnet
// network, satisfied by *bip.Adapter.
type LinkAdapter interface {
	Address() pdu.Address
	Send(ctx context.Context, dest pdu.Address, npdu []byte) error
}

// ApplicationSink is the upward hook an NSAP delivers reassembled APDUs
// to, satisfied by *appservice.ApplicationServiceAccessPoint.
type ApplicationSink interface {
	SapIndication(ctx context.Context, peer pdu.Address, data []byte)
}

// RouterStatus is the state of a discovered DNET's route, per §4.4.
type RouterStatus int

const (
	RouterAvailable RouterStatus = iota
	RouterBusy
	RouterDisconnected
)

func (s RouterStatus) String() string {
	switch s {
	case RouterAvailable:
		return "available"
	case RouterBusy:
		return "busy"
	case RouterDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// RouterInfo is one DNET→router cache entry.
type RouterInfo struct {
	NetworkIndex int // index into NetworkServiceAccessPoint.networks
	NextHop      pdu.Address
	Status       RouterStatus
}

type attachedNetwork struct {
	network *uint16 // nil until discovered via WhatIsNetworkNumber
	adapter LinkAdapter
}

type pendingPDU struct {
	ctx  context.Context
	dest pdu.Address
	pci  pdu.PCI
	apdu []byte
	done chan error
}

// NetworkServiceAccessPoint is the router/NSAP collaborator of §4.4.
type NetworkServiceAccessPoint struct {
	upstream ApplicationSink

	loop     chan func()
	networks []*attachedNetwork
	cache    map[uint16]RouterInfo
	pending  map[uint16][]pendingPDU

	metrics *metrics.Metrics
}

// SetMetrics installs the metrics sink used to record router-cache
// hit/miss counts. A nil (or never-set) sink is valid: every record call
// degrades to a no-op.
func (n *NetworkServiceAccessPoint) SetMetrics(m *metrics.Metrics) { n.metrics = m }

// New constructs an NSAP with no attached networks; call AttachNetwork to
// add BIP (or other link-layer) adapters before calling Run.
func New(upstream ApplicationSink) *NetworkServiceAccessPoint {
	return &NetworkServiceAccessPoint{
		upstream: upstream,
		loop:     make(chan func(), 64),
		cache:    make(map[uint16]RouterInfo),
		pending:  make(map[uint16][]pendingPDU),
	}
}

// Run drains the NSAP's closure queue until ctx is cancelled. It must run
// on its own goroutine, the same way appservice.ApplicationServiceAccessPoint.Run
// does.
func (n *NetworkServiceAccessPoint) Run(ctx context.Context) {
	for {
		select {
		case fn := <-n.loop:
			n.dispatch(fn)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch runs one posted closure, recovering from a panic so a single
// malformed frame can't take down the run-loop goroutine, per §7's "any
// uncaught exception from the processing stack in the inbound path must be
// caught and logged at the top-level receiver to keep the scheduler
// running."
func (n *NetworkServiceAccessPoint) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("nsap: recovered panic in run-loop: %v", r)
		}
	}()
	fn()
}

func (n *NetworkServiceAccessPoint) post(fn func()) {
	n.loop <- fn
}

// AttachNetwork registers a link adapter. network is nil when the
// network number is not yet known (discoverable via WhatIsNetworkNumber).
func (n *NetworkServiceAccessPoint) AttachNetwork(adapter LinkAdapter, network *uint16) {
	done := make(chan struct{})
	n.post(func() {
		n.networks = append(n.networks, &attachedNetwork{network: network, adapter: adapter})
		close(done)
	})
	<-done
}

// Send implements appservice.Downstream: encode pci.Destination/apduBytes
// into an NPDU and route it, per §4.4's outbound-routing algorithm.
func (n *NetworkServiceAccessPoint) Send(ctx context.Context, dest pdu.Address, pci pdu.PCI, apduBytes []byte) error {
	result := make(chan error, 1)
	n.post(func() {
		n.route(ctx, dest, pci, apduBytes, result)
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Indication implements bip.NetworkSink: an inbound, already BVLL-stripped
// NPDU arrived on one of the attached networks.
func (n *NetworkServiceAccessPoint) Indication(ctx context.Context, raw []byte, source pdu.Address) {
	n.post(func() {
		n.indicationFrom(ctx, raw, source, nil)
	})
}

// IndicationOn is Indication for a caller that also knows which attached
// adapter the frame arrived on (used by multi-adapter routers to forward
// across networks).
func (n *NetworkServiceAccessPoint) IndicationOn(ctx context.Context, raw []byte, source pdu.Address, adapterIndex int) {
	idx := adapterIndex
	n.post(func() {
		n.indicationFrom(ctx, raw, source, &idx)
	})
}

func (n *NetworkServiceAccessPoint) indicationFrom(ctx context.Context, raw []byte, source pdu.Address, fromAdapter *int) {
	frame, err := npdu.Decode(raw)
	if err != nil {
		return // malformed frame: dropped at the codec boundary, per §7
	}

	if frame.IsNetworkLayerMessage() {
		n.handleControlMessage(ctx, frame, source, fromAdapter)
		return
	}

	if dadr, ok := frame.Destination(); ok && fromAdapter != nil {
		if n.forward(ctx, frame, dadr, *fromAdapter) {
			return
		}
	}

	n.upstream.SapIndication(ctx, source, frame.APDU)
}

func communicationErrorf(format string, args ...any) error {
	return bacerr.NewCommunicationError(fmt.Errorf(format, args...))
}
