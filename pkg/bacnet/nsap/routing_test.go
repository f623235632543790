package nsap

import (
	"context"
	"testing"

	"github.com/kuiwang02/bacnet/pkg/bacnet/npdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

type fakeLinkAdapter struct {
	addr pdu.Address
	sent []sentNPDU
}

type sentNPDU struct {
	dest pdu.Address
	raw  []byte
}

func (f *fakeLinkAdapter) Address() pdu.Address { return f.addr }
func (f *fakeLinkAdapter) Send(ctx context.Context, dest pdu.Address, raw []byte) error {
	f.sent = append(f.sent, sentNPDU{dest: dest, raw: raw})
	return nil
}

type fakeApplicationSink struct {
	delivered []fakeIndication
}

type fakeIndication struct {
	peer pdu.Address
	data []byte
}

func (f *fakeApplicationSink) SapIndication(ctx context.Context, peer pdu.Address, data []byte) {
	f.delivered = append(f.delivered, fakeIndication{peer: peer, data: data})
}

func attach(n *NetworkServiceAccessPoint, network *uint16, adapter LinkAdapter) {
	n.networks = append(n.networks, &attachedNetwork{network: network, adapter: adapter})
}

func uint16p(v uint16) *uint16 { return &v }

func TestRouteDirectNetworkSendsLocally(t *testing.T) {
	adapter := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)}
	n := New(&fakeApplicationSink{})
	attach(n, uint16p(5), adapter)

	dest, err := pdu.RemoteStationOf(5, []byte{192, 168, 1, 2, 0xBA, 0xC0})
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	n.route(context.Background(), dest, pdu.PCI{}, []byte{0xAA}, result)
	if err := <-result; err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(adapter.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(adapter.sent))
	}
	wantDest := toLocalStation(dest)
	if !adapter.sent[0].dest.Equal(wantDest) {
		t.Errorf("sent to %v, want %v", adapter.sent[0].dest, wantDest)
	}
	frame, err := npdu.Decode(adapter.sent[0].raw)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if string(frame.APDU) != "\xAA" {
		t.Errorf("APDU payload = %x, want AA", frame.APDU)
	}
}

func TestRouteCacheHitUsesNextHop(t *testing.T) {
	adapter := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)}
	n := New(&fakeApplicationSink{})
	attach(n, uint16p(5), adapter)
	nextHop := pdu.IPv4StationOf([4]byte{10, 0, 0, 9}, 47808)
	n.cache[9] = RouterInfo{NetworkIndex: 0, NextHop: nextHop, Status: RouterAvailable}

	dest, err := pdu.RemoteStationOf(9, []byte{1, 2, 3, 4, 0xBA, 0xC0})
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	n.route(context.Background(), dest, pdu.PCI{}, []byte{0xBB}, result)
	if err := <-result; err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(adapter.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(adapter.sent))
	}
	if !adapter.sent[0].dest.Equal(nextHop) {
		t.Errorf("sent to %v, want next hop %v", adapter.sent[0].dest, nextHop)
	}
}

func TestRouteCacheMissQueuesAndBroadcastsWhoIsRouter(t *testing.T) {
	adapter := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)}
	n := New(&fakeApplicationSink{})
	attach(n, uint16p(5), adapter)

	dest, err := pdu.RemoteStationOf(9, []byte{1, 2, 3, 4, 0xBA, 0xC0})
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	n.route(context.Background(), dest, pdu.PCI{}, []byte{0xCC}, result)

	select {
	case err := <-result:
		t.Fatalf("route returned early with %v before any route was discovered", err)
	default:
	}

	if len(n.pending[9]) != 1 {
		t.Fatalf("len(pending[9]) = %d, want 1", len(n.pending[9]))
	}
	if len(adapter.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1 (the WhoIsRouterToNetwork broadcast)", len(adapter.sent))
	}
	if !adapter.sent[0].dest.Equal(pdu.LocalBroadcast()) {
		t.Errorf("broadcast sent to %v, want LocalBroadcast", adapter.sent[0].dest)
	}
	frame, err := npdu.Decode(adapter.sent[0].raw)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	msg, ok := frame.Control.(npdu.WhoIsRouterToNetwork)
	if !ok || msg.Network == nil || *msg.Network != 9 {
		t.Fatalf("Control = %+v, want WhoIsRouterToNetwork{Network: 9}", frame.Control)
	}

	nextHop := pdu.IPv4StationOf([4]byte{10, 0, 0, 9}, 47808)
	n.learnRoutes(context.Background(), []uint16{9}, nextHop, 0, RouterAvailable)

	if err := <-result; err != nil {
		t.Fatalf("flushed route: %v", err)
	}
	if len(adapter.sent) != 2 {
		t.Fatalf("len(sent) after flush = %d, want 2", len(adapter.sent))
	}
	if !adapter.sent[1].dest.Equal(nextHop) {
		t.Errorf("flushed send to %v, want %v", adapter.sent[1].dest, nextHop)
	}
	if entry, ok := n.cache[9]; !ok || !entry.NextHop.Equal(nextHop) {
		t.Errorf("cache[9] = %+v, want NextHop %v", entry, nextHop)
	}
}

func TestForwardDropsAtZeroHopCount(t *testing.T) {
	adapter := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)}
	n := New(&fakeApplicationSink{})
	attach(n, uint16p(5), adapter)

	zero := uint8(0)
	frame := &npdu.NPDU{NPCI: npdu.NPCI{HopCount: &zero}, APDU: []byte{0x01}}
	dadr, _ := pdu.RemoteStationOf(9, []byte{1, 2, 3, 4, 0xBA, 0xC0})

	dropped := n.forward(context.Background(), frame, dadr, 0)
	if !dropped {
		t.Fatal("forward should report dropped when hop count is already 0")
	}
	if len(adapter.sent) != 0 {
		t.Errorf("adapter.sent = %d, want 0 (nothing should be relayed)", len(adapter.sent))
	}
}

func TestForwardRelaysToCachedRoute(t *testing.T) {
	local := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)}
	remote := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 2}, 47808)}
	n := New(&fakeApplicationSink{})
	attach(n, uint16p(5), local)
	attach(n, uint16p(6), remote)

	nextHop := pdu.IPv4StationOf([4]byte{10, 0, 0, 20}, 47808)
	n.cache[9] = RouterInfo{NetworkIndex: 1, NextHop: nextHop, Status: RouterAvailable}

	hc := uint8(10)
	frame := &npdu.NPDU{NPCI: npdu.NPCI{HopCount: &hc}, APDU: []byte{0x01}}
	dadr, _ := pdu.RemoteStationOf(9, []byte{1, 2, 3, 4, 0xBA, 0xC0})

	handled := n.forward(context.Background(), frame, dadr, 0)
	if !handled {
		t.Fatal("forward should report handled when a cached route exists")
	}
	if len(local.sent) != 0 {
		t.Errorf("local adapter got %d sends, want 0", len(local.sent))
	}
	if len(remote.sent) != 1 {
		t.Fatalf("remote adapter got %d sends, want 1", len(remote.sent))
	}
	if !remote.sent[0].dest.Equal(nextHop) {
		t.Errorf("relayed to %v, want next hop %v", remote.sent[0].dest, nextHop)
	}
}

func TestIndicationFromDeliversUpwardWhenNotForwarded(t *testing.T) {
	adapter := &fakeLinkAdapter{addr: pdu.IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)}
	sink := &fakeApplicationSink{}
	n := New(sink)
	attach(n, uint16p(5), adapter)

	var nc npdu.NPCI
	raw, err := npdu.EncodeAPDU(nc, []byte{0x0C, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	source := pdu.IPv4StationOf([4]byte{192, 168, 1, 50}, 47808)
	n.indicationFrom(context.Background(), raw, source, nil)

	if len(sink.delivered) != 1 {
		t.Fatalf("delivered %d, want 1", len(sink.delivered))
	}
	if !sink.delivered[0].peer.Equal(source) {
		t.Errorf("delivered from %v, want %v", sink.delivered[0].peer, source)
	}
}
