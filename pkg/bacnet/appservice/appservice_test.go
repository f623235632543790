package appservice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kuiwang02/bacnet/pkg/bacnet/apdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

type sentAPDU struct {
	dest pdu.Address
	pci  pdu.PCI
	raw  []byte
}

type fakeDownstream struct {
	mu   sync.Mutex
	sent []sentAPDU
}

func (f *fakeDownstream) Send(ctx context.Context, dest pdu.Address, pci pdu.PCI, apduBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentAPDU{dest: dest, pci: pci, raw: append([]byte(nil), apduBytes...)})
	return nil
}

func (f *fakeDownstream) snapshot() []sentAPDU {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAPDU(nil), f.sent...)
}

type confirmationRecord struct {
	peer     pdu.Address
	invokeID uint8
	result   apdu.APDU
}

type indicationRecord struct {
	peer          pdu.Address
	invokeID      uint8
	confirmed     bool
	serviceChoice uint8
	data          []byte
	respond       func(apdu.APDU)
}

type fakeApplication struct {
	confirmations chan confirmationRecord
	indications   chan indicationRecord
}

func newFakeApplication() *fakeApplication {
	return &fakeApplication{
		confirmations: make(chan confirmationRecord, 8),
		indications:   make(chan indicationRecord, 8),
	}
}

func (f *fakeApplication) Confirmation(ctx context.Context, peer pdu.Address, invokeID uint8, result apdu.APDU) {
	f.confirmations <- confirmationRecord{peer, invokeID, result}
}

func (f *fakeApplication) Indication(ctx context.Context, peer pdu.Address, invokeID uint8, confirmed bool, serviceChoice uint8, data []byte, respond func(apdu.APDU)) {
	f.indications <- indicationRecord{peer, invokeID, confirmed, serviceChoice, data, respond}
}

// testConfig shrinks every timer so retry/timeout scenarios complete in
// milliseconds instead of the multi-second production defaults.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ApduTimeout = 30 * time.Millisecond
	cfg.SegmentTimeout = 30 * time.Millisecond
	cfg.ApplicationTimeout = 30 * time.Millisecond
	cfg.NumberOfApduRetries = 1
	return cfg
}

func newTestASAP(t *testing.T, cfg Config) (*ApplicationServiceAccessPoint, *fakeDownstream, *fakeApplication) {
	t.Helper()
	down := &fakeDownstream{}
	app := newFakeApplication()
	a := NewApplicationServiceAccessPoint(cfg, down, app, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(cancel)
	return a, down, app
}

func waitConfirmation(t *testing.T, app *fakeApplication) confirmationRecord {
	t.Helper()
	select {
	case c := <-app.confirmations:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Confirmation")
		return confirmationRecord{}
	}
}

func waitIndication(t *testing.T, app *fakeApplication) indicationRecord {
	t.Helper()
	select {
	case r := <-app.indications:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Indication")
		return indicationRecord{}
	}
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRequestUnsegmentedCompletesOnSimpleAck(t *testing.T) {
	a, down, app := newTestASAP(t, testConfig())
	peer := pdu.IPv4StationOf([4]byte{10, 0, 0, 2}, 47808)

	invokeID, err := a.Request(context.Background(), peer, 0x0C, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	pollUntil(t, time.Second, func() bool { return len(down.snapshot()) == 1 })
	sent := down.snapshot()[0]
	req, err := apdu.Decode(sent.raw)
	if err != nil {
		t.Fatalf("decode sent request: %v", err)
	}
	cr, ok := req.(apdu.ConfirmedRequest)
	if !ok || cr.InvokeID != invokeID || cr.ServiceChoice != 0x0C {
		t.Fatalf("sent request = %+v, want ConfirmedRequest{InvokeID: %d, ServiceChoice: 0x0C}", req, invokeID)
	}

	ack := apdu.SimpleAck{InvokeID: invokeID, ServiceChoice: 0x0C}
	a.SapIndication(context.Background(), peer, ack.Encode())

	got := waitConfirmation(t, app)
	if _, ok := got.result.(apdu.SimpleAck); !ok {
		t.Fatalf("Confirmation result = %T, want SimpleAck", got.result)
	}
	if a.ClientTransactionCount() != 0 {
		t.Errorf("ClientTransactionCount() = %d, want 0 once the transaction has completed", a.ClientTransactionCount())
	}
}

func TestRequestAbortsAfterRetriesExhausted(t *testing.T) {
	a, down, app := newTestASAP(t, testConfig())
	peer := pdu.IPv4StationOf([4]byte{10, 0, 0, 3}, 47808)

	if _, err := a.Request(context.Background(), peer, 0x0C, []byte{0x01}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	got := waitConfirmation(t, app)
	abort, ok := got.result.(apdu.Abort)
	if !ok {
		t.Fatalf("Confirmation result = %T, want Abort", got.result)
	}
	if abort.FromServer {
		t.Error("client-local abort must have FromServer=false")
	}
	// initial send plus exactly NumberOfApduRetries(1) resend
	if n := len(down.snapshot()); n != 2 {
		t.Errorf("downstream sends = %d, want 2 (initial + one retry)", n)
	}
	if a.ClientTransactionCount() != 0 {
		t.Errorf("ClientTransactionCount() = %d, want 0 after abort (invariant: every client transaction ends COMPLETED or ABORTED)", a.ClientTransactionCount())
	}
}

func TestServerIndicationRespondsWithSimpleAck(t *testing.T) {
	a, down, app := newTestASAP(t, testConfig())
	peer := pdu.IPv4StationOf([4]byte{10, 0, 0, 4}, 47808)

	req := apdu.ConfirmedRequest{InvokeID: 9, ServiceChoice: 0x0C, ServiceData: []byte{0x01}}
	a.SapIndication(context.Background(), peer, req.Encode())

	ind := waitIndication(t, app)
	if ind.invokeID != 9 || !ind.confirmed || ind.serviceChoice != 0x0C {
		t.Fatalf("indication = %+v, want invokeID=9 confirmed serviceChoice=0x0C", ind)
	}
	ind.respond(apdu.SimpleAck{InvokeID: 9, ServiceChoice: 0x0C})

	pollUntil(t, time.Second, func() bool { return len(down.snapshot()) == 1 })
	sent, err := apdu.Decode(down.snapshot()[0].raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack, ok := sent.(apdu.SimpleAck); !ok || ack.InvokeID != 9 {
		t.Fatalf("sent = %+v, want SimpleAck{InvokeID: 9}", sent)
	}
}

func TestServerTimesOutWaitingForApplicationResponse(t *testing.T) {
	a, down, app := newTestASAP(t, testConfig())
	peer := pdu.IPv4StationOf([4]byte{10, 0, 0, 5}, 47808)

	req := apdu.ConfirmedRequest{InvokeID: 11, ServiceChoice: 0x0C, ServiceData: []byte{0x01}}
	a.SapIndication(context.Background(), peer, req.Encode())
	waitIndication(t, app) // application receives it but never calls respond

	pollUntil(t, time.Second, func() bool { return len(down.snapshot()) == 1 })
	sent, err := apdu.Decode(down.snapshot()[0].raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	abort, ok := sent.(apdu.Abort)
	if !ok || !abort.FromServer || abort.InvokeID != 11 {
		t.Fatalf("sent = %+v, want server Abort{InvokeID: 11}", sent)
	}
}

func TestUnconfirmedRequestIndicationHasNoRespond(t *testing.T) {
	a, _, app := newTestASAP(t, testConfig())
	peer := pdu.IPv4StationOf([4]byte{10, 0, 0, 6}, 47808)

	req := apdu.UnconfirmedRequest{ServiceChoice: 8, ServiceData: []byte{0x01}}
	a.SapIndication(context.Background(), peer, req.Encode())

	ind := waitIndication(t, app)
	if ind.confirmed {
		t.Error("unconfirmed indication should report confirmed=false")
	}
	if ind.respond != nil {
		t.Error("unconfirmed indication must not carry a respond callback")
	}
}
