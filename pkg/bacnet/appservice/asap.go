// Package appservice implements the Application Service Access Point and
// the client/server Segmentation State Machines it owns, per §4.5. A
// single run-loop goroutine per ASAP serializes every SSM mutation,
// transaction-set change and timer expiry onto one `chan func()`, which is
// this module's mapping of §5's single-threaded cooperative scheduler onto
// Go: the goroutine is the scheduler thread, and posting a closure is the
// suspension point.
package appservice

import (
	"context"
	"log"
	"sync"

	"github.com/kuiwang02/bacnet/internal/pkg/metrics"
	"github.com/kuiwang02/bacnet/pkg/bacnet/apdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// Downstream is the collaborator the ASAP hands encoded APDUs to for
// routing (normally an NSAP adapter); see §6 "Transport".
type Downstream interface {
	Send(ctx context.Context, dest pdu.Address, pci pdu.PCI, apduBytes []byte) error
}

// Application is the collaborator that receives reassembled APDUs and
// produces the responses to confirmed requests, per §6 "Application".
type Application interface {
	// Confirmation delivers the final outcome of a client-originated
	// transaction: a SimpleAck/ComplexAck/Error/Reject/Abort.
	Confirmation(ctx context.Context, peer pdu.Address, invokeID uint8, result apdu.APDU)
	// Indication delivers a reassembled request. For confirmed requests
	// respond must eventually be called exactly once with the service
	// result; for unconfirmed requests respond is nil.
	Indication(ctx context.Context, peer pdu.Address, invokeID uint8, confirmed bool, serviceChoice uint8, data []byte, respond func(apdu.APDU))
}

type txKey struct {
	peer     string
	invokeID uint8
}

// ApplicationServiceAccessPoint is the ASAP of §4.5: it owns the client and
// server transaction sets and dispatches inbound/outbound APDUs to them.
type ApplicationServiceAccessPoint struct {
	cfg         Config
	downstream  Downstream
	application Application
	deviceInfo  DeviceInfoCache

	clientTransactions map[txKey]*ClientSSM
	serverTransactions map[txKey]*ServerSSM
	nextInvokeID        uint8

	loop    chan func()
	wg      sync.WaitGroup
	metrics *metrics.Metrics
}

// SetMetrics installs the metrics sink used by the ASAP's SSMs to record
// segmentation retries and aborts. A nil (or never-set) sink is valid:
// every record call degrades to a no-op.
func (a *ApplicationServiceAccessPoint) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// NewApplicationServiceAccessPoint constructs an ASAP. It starts no
// goroutine: the caller runs Run on its own goroutine and stops it by
// cancelling the ctx passed to Run.
func NewApplicationServiceAccessPoint(cfg Config, downstream Downstream, application Application, deviceInfo DeviceInfoCache) *ApplicationServiceAccessPoint {
	if deviceInfo == nil {
		deviceInfo = nullDeviceInfoCache{}
	}
	return &ApplicationServiceAccessPoint{
		cfg:                 cfg,
		downstream:          downstream,
		application:         application,
		deviceInfo:          deviceInfo,
		clientTransactions:  make(map[txKey]*ClientSSM),
		serverTransactions:  make(map[txKey]*ServerSSM),
		loop:                make(chan func(), 64),
	}
}

// Run drains the run-loop channel until ctx is cancelled. Call it in its
// own goroutine; it returns as soon as ctx.Done() fires, and closures still
// queued at that point are not run.
func (a *ApplicationServiceAccessPoint) Run(ctx context.Context) {
	for {
		select {
		case fn := <-a.loop:
			a.dispatch(fn)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch runs one posted closure, recovering from a panic so a single
// bad frame can't take down the run-loop goroutine, per §7's "any uncaught
// exception from the processing stack in the inbound path must be caught
// and logged at the top-level receiver to keep the scheduler running."
func (a *ApplicationServiceAccessPoint) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("appservice: recovered panic in run-loop: %v", r)
		}
	}()
	fn()
}

// post schedules fn to run on the run-loop goroutine. Safe to call from any
// goroutine (timers, inbound receivers, Request callers).
func (a *ApplicationServiceAccessPoint) post(fn func()) {
	a.loop <- fn
}

func (a *ApplicationServiceAccessPoint) peerInfo(peer pdu.Address) (PeerInfo, bool) {
	return a.deviceInfo.Get(peer)
}

func (a *ApplicationServiceAccessPoint) updatePeerInfo(peer pdu.Address, info PeerInfo) {
	a.deviceInfo.Update(peer, info)
}

// allocateInvokeID is the 0..255 cyclic counter of §4.5, refusing an id
// already in use by an active client transaction to the same peer.
func (a *ApplicationServiceAccessPoint) allocateInvokeID(peer pdu.Address) (uint8, bool) {
	for i := 0; i < 256; i++ {
		id := a.nextInvokeID
		a.nextInvokeID++
		if _, busy := a.clientTransactions[txKey{peer.String(), id}]; !busy {
			return id, true
		}
	}
	return 0, false
}

// Request issues a confirmed application request, returning the allocated
// invoke ID. The eventual result (ack or abort) is delivered asynchronously
// to Application.Confirmation.
func (a *ApplicationServiceAccessPoint) Request(ctx context.Context, peer pdu.Address, serviceChoice uint8, data []byte) (uint8, error) {
	type outcome struct {
		id  uint8
		err error
	}
	ch := make(chan outcome, 1)
	a.post(func() {
		id, ok := a.allocateInvokeID(peer)
		if !ok {
			ch <- outcome{0, bacerr.NewConfigurationError("client invoke-id space exhausted for peer " + peer.String())}
			return
		}
		ssm := newClientSSM(a, peer, id)
		a.clientTransactions[txKey{peer.String(), id}] = ssm
		err := ssm.indication(ctx, serviceChoice, data)
		ch <- outcome{id, err}
	})
	select {
	case o := <-ch:
		return o.id, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SapIndication is the entry point for an APDU arriving from the network
// (handed up by the NSAP once routing/reassembly at the network layer is
// done). It dispatches to the owning SSM, creating a new ServerSSM for an
// unseen (invokeID, peer) ConfirmedRequest.
func (a *ApplicationServiceAccessPoint) SapIndication(ctx context.Context, peer pdu.Address, data []byte) {
	a.post(func() {
		parsed, err := apdu.Decode(data)
		if err != nil {
			log.Printf("appservice: dropping malformed APDU from %v: %v", peer, err)
			return // malformed PDU: logged and dropped at the codec boundary
		}
		switch v := parsed.(type) {
		case apdu.UnconfirmedRequest:
			a.application.Indication(ctx, peer, 0, false, v.ServiceChoice, v.ServiceData, nil)
		case apdu.ConfirmedRequest:
			key := txKey{peer.String(), v.InvokeID}
			ssm, ok := a.serverTransactions[key]
			if !ok {
				ssm = newServerSSM(a, peer, v.InvokeID)
				a.serverTransactions[key] = ssm
			}
			ssm.indication(ctx, v)
		default:
			id, ok := apdu.InvokeID(parsed)
			if !ok {
				return
			}
			key := txKey{peer.String(), id}
			if ssm, ok := a.clientTransactions[key]; ok {
				ssm.confirmation(ctx, parsed)
				return
			}
			if ssm, ok := a.serverTransactions[key]; ok {
				ssm.confirmation(ctx, parsed)
			}
		}
	})
}

func (a *ApplicationServiceAccessPoint) deliverClientResult(ctx context.Context, ssm *ClientSSM, result apdu.APDU) {
	a.application.Confirmation(ctx, ssm.peer, ssm.invokeID, result)
}

func (a *ApplicationServiceAccessPoint) removeClient(ssm *ClientSSM) {
	delete(a.clientTransactions, txKey{ssm.peer.String(), ssm.invokeID})
}

func (a *ApplicationServiceAccessPoint) deliverServerIndication(ctx context.Context, ssm *ServerSSM, serviceChoice uint8, data []byte) {
	a.application.Indication(ctx, ssm.peer, ssm.invokeID, true, serviceChoice, data, func(result apdu.APDU) {
		a.post(func() { ssm.Respond(ctx, result) })
	})
}

func (a *ApplicationServiceAccessPoint) deliverServerAbort(ctx context.Context, ssm *ServerSSM, reason bacerr.AbortReason) {
	a.application.Confirmation(ctx, ssm.peer, ssm.invokeID, apdu.Abort{FromServer: true, InvokeID: ssm.invokeID, Reason: reason})
}

func (a *ApplicationServiceAccessPoint) removeServer(ssm *ServerSSM) {
	delete(a.serverTransactions, txKey{ssm.peer.String(), ssm.invokeID})
}

// ClientTransactionCount reports the number of in-flight client
// transactions; used by tests asserting invariant 4 ("every client
// transaction ends in exactly one of COMPLETED, ABORTED" — the transaction
// list is empty once every started transaction has ended).
func (a *ApplicationServiceAccessPoint) ClientTransactionCount() int {
	ch := make(chan int, 1)
	a.post(func() { ch <- len(a.clientTransactions) })
	return <-ch
}
