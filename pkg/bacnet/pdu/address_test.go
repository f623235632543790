package pdu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAddressRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Address
	}{
		{"local-broadcast", "*", LocalBroadcast()},
		{"global-broadcast", "*:*", GlobalBroadcast()},
		{"remote-broadcast", "12:*", RemoteBroadcastOf(12)},
		{"ipv4-default-port", "192.168.1.10", IPv4StationOf([4]byte{192, 168, 1, 10}, 47808)},
		{"ipv4-explicit-port", "192.168.1.10:47809", IPv4StationOf([4]byte{192, 168, 1, 10}, 47809)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAddress(tc.in)
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", tc.in, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseAddress(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestParseAddressRemoteStation(t *testing.T) {
	got, err := ParseAddress("7:192.168.1.10:47808")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if got.Kind != KindRemoteStation || got.Net != 7 {
		t.Fatalf("got %+v, want RemoteStation(net=7)", got)
	}
	host, ok := got.IPv4Host()
	if !ok || host != [4]byte{192, 168, 1, 10} {
		t.Fatalf("IPv4Host() = %v, %v", host, ok)
	}
}

func TestParseAddressMalformed(t *testing.T) {
	for _, s := range []string{"", "not-an-address", "1.2.3", "300.1.1.1"} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q): expected error, got nil", s)
		}
	}
}

func TestAddressEqualIgnoresRoute(t *testing.T) {
	a := IPv4StationOf([4]byte{10, 0, 0, 1}, 47808)
	b := a.WithRoute(IPv4StationOf([4]byte{10, 0, 0, 2}, 47808))
	if !a.Equal(b) {
		t.Errorf("Equal should ignore Route: %v vs %v", a, b)
	}
}

func TestAddressEqualDistinguishesKindAndNet(t *testing.T) {
	local := LocalBroadcast()
	global := GlobalBroadcast()
	if local.Equal(global) {
		t.Error("LocalBroadcast must not equal GlobalBroadcast")
	}
	r1 := RemoteBroadcastOf(1)
	r2 := RemoteBroadcastOf(2)
	if r1.Equal(r2) {
		t.Error("RemoteBroadcast(1) must not equal RemoteBroadcast(2)")
	}
}

func TestAddressHashStableForEqualAddresses(t *testing.T) {
	cfg := Config{}
	a := IPv4StationOf([4]byte{1, 2, 3, 4}, 47808)
	b := IPv4StationOf([4]byte{1, 2, 3, 4}, 47808)
	if a.Hash(cfg) != b.Hash(cfg) {
		t.Error("equal addresses must hash identically")
	}
}

func TestIPv4StationRoundTripsThroughUDPAddr(t *testing.T) {
	addr := IPv4StationOf([4]byte{172, 16, 0, 5}, 47808)
	udp, ok := addr.UDPAddr()
	if !ok {
		t.Fatal("UDPAddr() ok = false for IPv4-native station")
	}
	if udp.Port != 47808 || udp.IP.String() != "172.16.0.5" {
		t.Fatalf("UDPAddr() = %v", udp)
	}
}
