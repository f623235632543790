package bip

import (
	"context"
	"sync"
	"testing"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bvll"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// fakeTransport is an in-memory transport.Transport double: Send records
// every outbound frame instead of touching a socket, and a test can invoke
// the installed receiver directly to simulate an inbound datagram.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentFrame
	receiver func(data []byte, src pdu.Address)
}

type sentFrame struct {
	data []byte
	dest pdu.Address
}

func (f *fakeTransport) Send(ctx context.Context, data []byte, dest pdu.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{data: append([]byte(nil), data...), dest: dest})
	return nil
}

func (f *fakeTransport) SetReceiver(fn func(data []byte, src pdu.Address)) { f.receiver = fn }
func (f *fakeTransport) Close() error                                      { return nil }

func (f *fakeTransport) sentTo(dest pdu.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.dest.Equal(dest) {
			n++
		}
	}
	return n
}

// fakeSink is a NetworkSink double recording every delivered NPDU.
type fakeSink struct {
	mu        sync.Mutex
	delivered [][]byte
	sources   []pdu.Address
}

func (s *fakeSink) Indication(ctx context.Context, npdu []byte, source pdu.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, npdu)
	s.sources = append(s.sources, source)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func newBBMDAdapter(t *testing.T) (*Adapter, *fakeTransport, *fakeSink) {
	t.Helper()
	tr := &fakeTransport{}
	sink := &fakeSink{}
	own := pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	a := NewAdapter(DefaultConfig(ModeBBMD), own, tr, sink)
	t.Cleanup(a.StopClock)
	return a, tr, sink
}

func TestBBMDRegisterForeignDeviceUpsertsFDT(t *testing.T) {
	a, _, _ := newBBMDAdapter(t)
	fd := pdu.IPv4StationOf([4]byte{192, 168, 1, 50}, 47808)

	a.bbmdRegisterForeignDevice(60, fd)
	fdt := a.bbmdReadFDT()
	if len(fdt) != 1 {
		t.Fatalf("len(fdt) = %d, want 1", len(fdt))
	}
	if fdt[0].TTL != 60 || fdt[0].Remaining != 65 {
		t.Errorf("fdt[0] = %+v, want TTL=60 Remaining=65 (TTL+5s grace)", fdt[0])
	}

	// a second registration from the same peer updates in place rather
	// than appending
	a.bbmdRegisterForeignDevice(120, fd)
	fdt = a.bbmdReadFDT()
	if len(fdt) != 1 || fdt[0].TTL != 120 {
		t.Fatalf("fdt after re-register = %+v, want single entry with TTL=120", fdt)
	}
}

func TestBBMDRegisterForeignDeviceTTLZeroDeletes(t *testing.T) {
	a, _, _ := newBBMDAdapter(t)
	fd := pdu.IPv4StationOf([4]byte{192, 168, 1, 50}, 47808)
	a.bbmdRegisterForeignDevice(60, fd)
	a.bbmdRegisterForeignDevice(0, fd)
	if fdt := a.bbmdReadFDT(); len(fdt) != 0 {
		t.Fatalf("fdt = %+v, want empty after TTL=0 deregistration", fdt)
	}
}

func TestBBMDTickAgesAndExpiresFDTEntries(t *testing.T) {
	a, _, _ := newBBMDAdapter(t)
	fd := pdu.IPv4StationOf([4]byte{192, 168, 1, 50}, 47808)
	a.bbmdRegisterForeignDevice(1, fd) // remaining = 1 + 5 = 6

	for i := 0; i < 5; i++ {
		a.bbmdTick()
	}
	if fdt := a.bbmdReadFDT(); len(fdt) != 1 {
		t.Fatalf("fdt should still have the entry after 5 ticks, got %+v", fdt)
	}
	a.bbmdTick()
	if fdt := a.bbmdReadFDT(); len(fdt) != 0 {
		t.Fatalf("fdt should be empty after remaining reaches 0, got %+v", fdt)
	}
}

func TestBBMDFanOutLocalBroadcastExcludesSelf(t *testing.T) {
	a, tr, _ := newBBMDAdapter(t)
	peerA := pdu.IPv4StationOf([4]byte{10, 0, 0, 2}, 47808)
	a.bbmdWriteBDT([]bvll.BDTEntry{
		{Host: [4]byte{10, 0, 0, 1}, Port: 47808}, // self: must be excluded
		{Host: [4]byte{10, 0, 0, 2}, Port: 47808},
	})

	from := pdu.IPv4StationOf([4]byte{192, 168, 1, 5}, 47808)
	a.bbmdFanOutLocalBroadcast(context.Background(), []byte{0x01}, from)

	if got := tr.sentTo(a.own); got != 0 {
		t.Errorf("fan-out sent %d frames to self, want 0", got)
	}
	if got := tr.sentTo(peerA); got != 1 {
		t.Errorf("fan-out sent %d frames to peer, want 1", got)
	}
}

func TestBBMDHandleForwardedNPDUDeliversLocallyAndRelaysToFDT(t *testing.T) {
	a, tr, sink := newBBMDAdapter(t)
	fd := pdu.IPv4StationOf([4]byte{172, 16, 0, 9}, 47808)
	a.bbmdRegisterForeignDevice(60, fd)

	peerBBMD := pdu.IPv4StationOf([4]byte{10, 0, 0, 9}, 47808)
	a.bbmdHandleForwardedNPDU(context.Background(), bvll.ForwardedNPDU{
		Address: [4]byte{1, 2, 3, 4}, Port: 47808, NPDU: []byte{0xAA},
	}, peerBBMD)

	if sink.count() != 1 {
		t.Fatalf("delivered %d NPDUs locally, want 1", sink.count())
	}
	if got := tr.sentTo(fd); got != 1 {
		t.Errorf("relayed to FDT entry %d times, want 1", got)
	}
	// must not be re-broadcast back to the sending peer
	if got := tr.sentTo(peerBBMD); got != 0 {
		t.Errorf("relayed back to originating peer %d times, want 0", got)
	}
}
