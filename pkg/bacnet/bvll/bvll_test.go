package bvll

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		body PDU
	}{
		{"Result", Result{Code: ResultWriteBDTNAK}},
		{"WriteBDT", WriteBDT{BDT: []BDTEntry{
			{Host: [4]byte{10, 0, 0, 1}, Mask: [4]byte{255, 255, 255, 0}, Port: 47808},
			{Host: [4]byte{10, 0, 0, 2}, Mask: [4]byte{255, 255, 255, 0}, Port: 47808},
		}}},
		{"ReadBDT", ReadBDT{}},
		{"ReadBDTAck", ReadBDTAck{BDT: []BDTEntry{{Host: [4]byte{1, 2, 3, 4}, Mask: [4]byte{255, 255, 255, 255}, Port: 47808}}}},
		{"ForwardedNPDU", ForwardedNPDU{Address: [4]byte{192, 168, 0, 9}, Port: 47808, NPDU: []byte{0x01, 0x02, 0x03}}},
		{"RegisterForeignDevice", RegisterForeignDevice{TTL: 300}},
		{"ReadFDT", ReadFDT{}},
		{"ReadFDTAck", ReadFDTAck{FDT: []FDTEntry{{Host: [4]byte{1, 1, 1, 1}, Port: 47808, TTL: 60, Remaining: 65}}}},
		{"DeleteFDTEntry", DeleteFDTEntry{Address: [4]byte{8, 8, 8, 8}, Port: 47808}},
		{"DistributeBroadcastToNetwork", DistributeBroadcastToNetwork{NPDU: []byte{0xAA, 0xBB}}},
		{"OriginalUnicastNPDU", OriginalUnicastNPDU{NPDU: []byte{0x01}}},
		{"OriginalBroadcastNPDU", OriginalBroadcastNPDU{NPDU: []byte{0x02, 0x03, 0x04}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := Encode(tc.body)
			if frame[0] != BVLCType {
				t.Fatalf("frame[0] = 0x%02x, want 0x%02x", frame[0], BVLCType)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tc.body, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsBadType(t *testing.T) {
	if _, err := Decode([]byte{0x82, 0x00, 0x00, 0x04}); err == nil {
		t.Error("expected error for non-0x81 type byte")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	frame := Encode(ReadBDT{})
	frame = append(frame, 0xFF) // length field now understates the frame
	if _, err := Decode(frame); err == nil {
		t.Error("expected error for BVLC length mismatch")
	}
}

func TestFDTEntryExpired(t *testing.T) {
	if !(FDTEntry{Remaining: 0}).Expired() {
		t.Error("Remaining=0 entry should be Expired")
	}
	if (FDTEntry{Remaining: 1}).Expired() {
		t.Error("Remaining=1 entry should not be Expired")
	}
}

func TestBDTEntryAddress(t *testing.T) {
	e := BDTEntry{Host: [4]byte{192, 168, 1, 1}, Port: 47808}
	addr := e.Address()
	host, ok := addr.IPv4Host()
	if !ok || host != e.Host {
		t.Errorf("Address().IPv4Host() = %v, %v, want %v, true", host, ok, e.Host)
	}
}
