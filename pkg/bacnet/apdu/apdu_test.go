package apdu

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   APDU
	}{
		{"ConfirmedRequest-unsegmented", ConfirmedRequest{
			InvokeID: 3, MaxSegmentsAccepted: 4, MaxApduLengthAccepted: 5,
			ServiceChoice: 0x0C, ServiceData: []byte{0x01, 0x02},
		}},
		{"ConfirmedRequest-segmented", ConfirmedRequest{
			Segmented: true, MoreFollows: true, SegmentedResponseAccepted: true,
			InvokeID: 7, SequenceNumber: 2, ProposedWindowSize: 4,
			MaxSegmentsAccepted: 1, MaxApduLengthAccepted: 2,
			ServiceChoice: 0x0C, ServiceData: []byte{0xAA, 0xBB, 0xCC},
		}},
		{"UnconfirmedRequest", UnconfirmedRequest{ServiceChoice: 8, ServiceData: []byte{0x01}}},
		{"SimpleAck", SimpleAck{InvokeID: 9, ServiceChoice: 0x0C}},
		{"ComplexAck-unsegmented", ComplexAck{InvokeID: 11, ServiceChoice: 0x0C, ServiceData: []byte{0x09}}},
		{"ComplexAck-segmented", ComplexAck{
			Segmented: true, MoreFollows: false, InvokeID: 12,
			SequenceNumber: 1, ProposedWindowSize: 3,
			ServiceChoice: 0x0C, ServiceData: []byte{0x01, 0x02, 0x03},
		}},
		{"SegmentAck", SegmentAck{NegativeAck: true, FromServer: true, InvokeID: 13, SequenceNumber: 2, ActualWindowSize: 4}},
		{"Error", Error{InvokeID: 14, ServiceChoice: 0x0C, ErrorClass: 1, ErrorCode: 2}},
		{"Reject", Reject{InvokeID: 15, Reason: bacerr.RejectReasonBufferOverflow}},
		{"Abort-server", Abort{FromServer: true, InvokeID: 16, Reason: bacerr.AbortReasonBufferOverflow}},
		{"Abort-client", Abort{FromServer: false, InvokeID: 17, Reason: bacerr.AbortReasonOther}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.in.Encode()
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tc.in, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInvokeID(t *testing.T) {
	cases := []struct {
		name     string
		in       APDU
		wantID   uint8
		wantOK   bool
	}{
		{"ConfirmedRequest", ConfirmedRequest{InvokeID: 5}, 5, true},
		{"SimpleAck", SimpleAck{InvokeID: 6}, 6, true},
		{"ComplexAck", ComplexAck{InvokeID: 7}, 7, true},
		{"SegmentAck", SegmentAck{InvokeID: 8}, 8, true},
		{"Error", Error{InvokeID: 9}, 9, true},
		{"Reject", Reject{InvokeID: 10}, 10, true},
		{"Abort", Abort{InvokeID: 11}, 11, true},
		{"UnconfirmedRequest", UnconfirmedRequest{}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := InvokeID(tc.in)
			if id != tc.wantID || ok != tc.wantOK {
				t.Errorf("InvokeID(%#v) = %d, %v, want %d, %v", tc.in, id, ok, tc.wantID, tc.wantOK)
			}
		})
	}
}

func TestDecodeRejectsUnrecognizedType(t *testing.T) {
	if _, err := Decode([]byte{0xF0}); err == nil {
		t.Error("expected error decoding an unrecognized PDU type nibble")
	}
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Error("expected error decoding empty input")
	}
}
