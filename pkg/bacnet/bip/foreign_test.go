package bip

import (
	"context"
	"testing"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bvll"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

func newForeignAdapter(t *testing.T) (*Adapter, *fakeTransport, *fakeSink) {
	t.Helper()
	tr := &fakeTransport{}
	sink := &fakeSink{}
	own := pdu.IPv4StationOf([4]byte{10, 0, 0, 5}, 47808)
	a := NewAdapter(DefaultConfig(ModeForeign), own, tr, sink)
	return a, tr, sink
}

func TestForeignRegisterSendsRegisterForeignDevice(t *testing.T) {
	a, tr, _ := newForeignAdapter(t)
	bbmd := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)

	a.Register(context.Background(), bbmd, 300)
	t.Cleanup(func() { a.Unregister(context.Background()) })

	if got := tr.sentTo(bbmd); got != 1 {
		t.Fatalf("Register sent %d frames to bbmd, want 1", got)
	}
	if a.Status() != StatusInProgress {
		t.Errorf("Status() = %v, want StatusInProgress", a.Status())
	}
}

func TestForeignHandleResultFromBBMDRegisters(t *testing.T) {
	a, tr, _ := newForeignAdapter(t)
	bbmd := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	a.Register(context.Background(), bbmd, 300)
	t.Cleanup(func() { a.Unregister(context.Background()) })

	a.foreignHandleResult(context.Background(), bvll.Result{Code: bvll.ResultSuccess}, bbmd)

	if a.Status() != StatusRegistered {
		t.Fatalf("Status() = %v, want StatusRegistered", a.Status())
	}
	if got := tr.sentTo(bbmd); got != 1 {
		t.Errorf("sentTo(bbmd) after registration = %d, want 1 (no extra traffic from handling Result)", got)
	}
}

func TestForeignHandleResultIgnoresUnrelatedSender(t *testing.T) {
	a, _, _ := newForeignAdapter(t)
	bbmd := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	stranger := pdu.IPv4StationOf([4]byte{10, 0, 0, 99}, 47808)
	a.Register(context.Background(), bbmd, 300)
	t.Cleanup(func() { a.Unregister(context.Background()) })

	a.foreignHandleResult(context.Background(), bvll.Result{Code: bvll.ResultSuccess}, stranger)

	if a.Status() != StatusInProgress {
		t.Errorf("Status() = %v, want StatusInProgress (unrelated sender must be ignored)", a.Status())
	}
}

func TestForeignUnregisterSendsTTLZeroAndIsIdempotent(t *testing.T) {
	a, tr, _ := newForeignAdapter(t)
	bbmd := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	a.Register(context.Background(), bbmd, 300)
	a.foreignHandleResult(context.Background(), bvll.Result{Code: bvll.ResultSuccess}, bbmd)

	a.Unregister(context.Background())
	afterFirst := tr.sentTo(bbmd)
	if a.Status() != StatusUnregistered {
		t.Fatalf("Status() = %v, want StatusUnregistered", a.Status())
	}

	a.Unregister(context.Background())
	if got := tr.sentTo(bbmd); got != afterFirst {
		t.Errorf("second Unregister sent another frame: %d vs %d, want no-op", got, afterFirst)
	}
}

func TestForeignHandleForwardedNPDUOnlyWhenRegistered(t *testing.T) {
	a, _, sink := newForeignAdapter(t)
	bbmd := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	a.Register(context.Background(), bbmd, 300)
	t.Cleanup(func() { a.Unregister(context.Background()) })

	a.foreignHandleForwardedNPDU(context.Background(), bvll.ForwardedNPDU{NPDU: []byte{0x01}}, bbmd)
	if sink.count() != 0 {
		t.Fatalf("delivered %d before registration completed, want 0", sink.count())
	}

	a.foreignHandleResult(context.Background(), bvll.Result{Code: bvll.ResultSuccess}, bbmd)
	a.foreignHandleForwardedNPDU(context.Background(), bvll.ForwardedNPDU{NPDU: []byte{0x01}}, bbmd)
	if sink.count() != 1 {
		t.Fatalf("delivered %d after registration, want 1", sink.count())
	}
}

func TestSendForeignBroadcastDroppedWhenUnregistered(t *testing.T) {
	a, _, _ := newForeignAdapter(t)
	if err := a.sendForeignBroadcast(context.Background(), []byte{0x01}); err == nil {
		t.Error("expected error broadcasting while unregistered")
	}
}

func TestSendForeignBroadcastDistributesWhenRegistered(t *testing.T) {
	a, tr, _ := newForeignAdapter(t)
	bbmd := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	a.Register(context.Background(), bbmd, 300)
	t.Cleanup(func() { a.Unregister(context.Background()) })
	a.foreignHandleResult(context.Background(), bvll.Result{Code: bvll.ResultSuccess}, bbmd)

	before := tr.sentTo(bbmd)
	if err := a.sendForeignBroadcast(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("sendForeignBroadcast: %v", err)
	}
	if got := tr.sentTo(bbmd); got != before+1 {
		t.Errorf("sentTo(bbmd) = %d, want %d", got, before+1)
	}
}
