package npdu

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

func TestEncodeDecodeAPDURoundTrip(t *testing.T) {
	var n NPCI
	dest, err := pdu.RemoteStationOf(7, []byte{192, 168, 1, 10, 0xBA, 0xC0})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.SetDestination(dest, 255); err != nil {
		t.Fatal(err)
	}
	src, err := pdu.RemoteStationOf(3, []byte{10, 0, 0, 1, 0xBA, 0xC0})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.SetSource(src); err != nil {
		t.Fatal(err)
	}
	n.ExpectingReply = true
	n.NetworkPriority = 2

	apdu := []byte{0x10, 0x02, 0x03}
	raw, err := EncodeAPDU(n, apdu)
	if err != nil {
		t.Fatalf("EncodeAPDU: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.IsNetworkLayerMessage() {
		t.Fatal("decoded frame should not be a network-layer message")
	}
	if diff := cmp.Diff(apdu, got.APDU); diff != "" {
		t.Errorf("APDU payload mismatch (-want +got):\n%s", diff)
	}
	gotDest, ok := got.Destination()
	if !ok || !gotDest.Equal(dest) {
		t.Errorf("Destination() = %v, %v, want %v, true", gotDest, ok, dest)
	}
	gotSrc, ok := got.Source()
	if !ok || !gotSrc.Equal(src) {
		t.Errorf("Source() = %v, %v, want %v, true", gotSrc, ok, src)
	}
	if !got.ExpectingReply || got.NetworkPriority != 2 {
		t.Errorf("ExpectingReply/NetworkPriority not preserved: %+v", got.NPCI)
	}
}

func TestEncodeDecodeControlMessageRoundTrip(t *testing.T) {
	var n NPCI
	net := uint16(9)
	msg := WhoIsRouterToNetwork{Network: &net}

	raw, err := EncodeControlMessage(n, msg)
	if err != nil {
		t.Fatalf("EncodeControlMessage: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.IsNetworkLayerMessage() {
		t.Fatal("decoded frame should be a network-layer message")
	}
	decoded, ok := got.Control.(WhoIsRouterToNetwork)
	if !ok {
		t.Fatalf("Control type = %T, want WhoIsRouterToNetwork", got.Control)
	}
	if decoded.Network == nil || *decoded.Network != net {
		t.Errorf("Network = %v, want %d", decoded.Network, net)
	}
}

func TestSetDestinationRejectsLocalKinds(t *testing.T) {
	var n NPCI
	local, _ := pdu.LocalStationOf([]byte{1, 2, 3, 4, 5, 6})
	if err := n.SetDestination(local, 255); err == nil {
		t.Error("expected error setting a Local destination")
	}
}

func TestSetSourceRejectsNonRemoteStation(t *testing.T) {
	var n NPCI
	if err := n.SetSource(pdu.GlobalBroadcast()); err == nil {
		t.Error("expected error setting a non-RemoteStation source")
	}
}

func TestDecrementHopCount(t *testing.T) {
	hc := uint8(1)
	n := &NPCI{HopCount: &hc}
	if drop := n.DecrementHopCount(); drop {
		t.Fatal("should not drop when hop count was 1 before decrement")
	}
	if *n.HopCount != 0 {
		t.Fatalf("HopCount = %d, want 0", *n.HopCount)
	}
	if drop := n.DecrementHopCount(); !drop {
		t.Fatal("should drop when hop count is already 0")
	}
}

func TestDecodeRejectsBadSourceAddress(t *testing.T) {
	var n NPCI
	net := uint16(5)
	n.SourceNet = &net
	n.SourceAddr = nil // len=0 SADR is invalid

	p := pdu.NewEmpty()
	if err := n.EncodeHeader(p); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if _, err := DecodeHeader(pdu.New(p.Bytes())); err == nil {
		t.Error("expected error decoding a zero-length SADR")
	}
}
