// Package apdu implements the eight Application Protocol Data Unit types
// that ride inside an NPDU, per §6 "External Interfaces": the high nibble
// of the first octet is the PDU type, the low nibble carries per-type
// flags (SEG/MOR/SA for ConfirmedRequest, SRV for Abort/SegmentAck). The
// object/property service layer itself (service choice interpretation,
// tagged values) is out of scope (Non-goal); service data is carried
// opaque.
package apdu

import (
	"fmt"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// Type is the four-bit PDU type in the high nibble of the first octet.
type Type uint8

const (
	TypeConfirmedRequest   Type = 0
	TypeUnconfirmedRequest Type = 1
	TypeSimpleAck          Type = 2
	TypeComplexAck         Type = 3
	TypeSegmentAck         Type = 4
	TypeError              Type = 5
	TypeReject             Type = 6
	TypeAbort              Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeConfirmedRequest:
		return "ConfirmedRequest"
	case TypeUnconfirmedRequest:
		return "UnconfirmedRequest"
	case TypeSimpleAck:
		return "SimpleAck"
	case TypeComplexAck:
		return "ComplexAck"
	case TypeSegmentAck:
		return "SegmentAck"
	case TypeError:
		return "Error"
	case TypeReject:
		return "Reject"
	case TypeAbort:
		return "Abort"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// APDU is implemented by every concrete PDU type below.
type APDU interface {
	Type() Type
	Encode() []byte
}

// ConfirmedRequest carries the SEG/MOR/SA flags, segmentation sizing and
// (for segmented requests) the sequence/window fields, per §5.1.3 of the
// BACnet standard and the SSM's use of them in §4.5.
type ConfirmedRequest struct {
	Segmented              bool
	MoreFollows            bool
	SegmentedResponseAccepted bool
	MaxSegmentsAccepted     uint8 // 3-bit encoded value, see EncodedMaxSegments
	MaxApduLengthAccepted   uint8 // 4-bit encoded value, see EncodedMaxApdu
	InvokeID                uint8
	SequenceNumber          uint8 // valid iff Segmented
	ProposedWindowSize      uint8 // valid iff Segmented
	ServiceChoice           uint8
	ServiceData             []byte
}

func (ConfirmedRequest) Type() Type { return TypeConfirmedRequest }

func (c ConfirmedRequest) Encode() []byte {
	p := pdu.NewEmpty()
	octet1 := uint8(TypeConfirmedRequest) << 4
	if c.Segmented {
		octet1 |= 0x08
	}
	if c.MoreFollows {
		octet1 |= 0x04
	}
	if c.SegmentedResponseAccepted {
		octet1 |= 0x02
	}
	p.Put(octet1)
	p.Put(c.MaxSegmentsAccepted<<4 | c.MaxApduLengthAccepted)
	p.Put(c.InvokeID)
	if c.Segmented {
		p.Put(c.SequenceNumber)
		p.Put(c.ProposedWindowSize)
	}
	p.Put(c.ServiceChoice)
	p.PutData(c.ServiceData)
	return p.Bytes()
}

func decodeConfirmedRequest(p *pdu.PDU, octet1 uint8) (APDU, error) {
	c := ConfirmedRequest{
		Segmented:                 octet1&0x08 != 0,
		MoreFollows:                octet1&0x04 != 0,
		SegmentedResponseAccepted: octet1&0x02 != 0,
	}
	b, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	c.MaxSegmentsAccepted = b >> 4
	c.MaxApduLengthAccepted = b & 0x0F
	c.InvokeID, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	if c.Segmented {
		c.SequenceNumber, err = p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("apdu", err)
		}
		c.ProposedWindowSize, err = p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("apdu", err)
		}
	}
	c.ServiceChoice, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	c.ServiceData, err = p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	return c, nil
}

// UnconfirmedRequest carries no flags; a decode failure of its service data
// is an InvalidTag, suppressed by the caller per §7.
type UnconfirmedRequest struct {
	ServiceChoice uint8
	ServiceData   []byte
}

func (UnconfirmedRequest) Type() Type { return TypeUnconfirmedRequest }
func (u UnconfirmedRequest) Encode() []byte {
	p := pdu.NewEmpty()
	p.Put(uint8(TypeUnconfirmedRequest) << 4)
	p.Put(u.ServiceChoice)
	p.PutData(u.ServiceData)
	return p.Bytes()
}
func decodeUnconfirmedRequest(p *pdu.PDU) (APDU, error) {
	choice, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	data, err := p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	return UnconfirmedRequest{ServiceChoice: choice, ServiceData: data}, nil
}

// SimpleAck.
type SimpleAck struct {
	InvokeID      uint8
	ServiceChoice uint8
}

func (SimpleAck) Type() Type { return TypeSimpleAck }
func (a SimpleAck) Encode() []byte {
	p := pdu.NewEmpty()
	p.Put(uint8(TypeSimpleAck) << 4)
	p.Put(a.InvokeID)
	p.Put(a.ServiceChoice)
	return p.Bytes()
}
func decodeSimpleAck(p *pdu.PDU) (APDU, error) {
	invokeID, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	choice, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	return SimpleAck{InvokeID: invokeID, ServiceChoice: choice}, nil
}

// ComplexAck.
type ComplexAck struct {
	Segmented          bool
	MoreFollows        bool
	InvokeID           uint8
	SequenceNumber     uint8 // valid iff Segmented
	ProposedWindowSize uint8 // valid iff Segmented
	ServiceChoice      uint8
	ServiceData        []byte
}

func (ComplexAck) Type() Type { return TypeComplexAck }
func (c ComplexAck) Encode() []byte {
	p := pdu.NewEmpty()
	octet1 := uint8(TypeComplexAck) << 4
	if c.Segmented {
		octet1 |= 0x08
	}
	if c.MoreFollows {
		octet1 |= 0x04
	}
	p.Put(octet1)
	p.Put(c.InvokeID)
	if c.Segmented {
		p.Put(c.SequenceNumber)
		p.Put(c.ProposedWindowSize)
	}
	p.Put(c.ServiceChoice)
	p.PutData(c.ServiceData)
	return p.Bytes()
}
func decodeComplexAck(p *pdu.PDU, octet1 uint8) (APDU, error) {
	c := ComplexAck{
		Segmented:   octet1&0x08 != 0,
		MoreFollows: octet1&0x04 != 0,
	}
	var err error
	c.InvokeID, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	if c.Segmented {
		c.SequenceNumber, err = p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("apdu", err)
		}
		c.ProposedWindowSize, err = p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("apdu", err)
		}
	}
	c.ServiceChoice, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	c.ServiceData, err = p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	return c, nil
}

// SegmentAck carries the SRV bit (set when sent by a server SSM) and the
// NAK bit (a negative acknowledgement of an out-of-order segment).
type SegmentAck struct {
	NegativeAck        bool
	FromServer         bool
	InvokeID           uint8
	SequenceNumber     uint8
	ActualWindowSize   uint8
}

func (SegmentAck) Type() Type { return TypeSegmentAck }
func (a SegmentAck) Encode() []byte {
	p := pdu.NewEmpty()
	octet1 := uint8(TypeSegmentAck) << 4
	if a.NegativeAck {
		octet1 |= 0x02
	}
	if a.FromServer {
		octet1 |= 0x01
	}
	p.Put(octet1)
	p.Put(a.InvokeID)
	p.Put(a.SequenceNumber)
	p.Put(a.ActualWindowSize)
	return p.Bytes()
}
func decodeSegmentAck(p *pdu.PDU, octet1 uint8) (APDU, error) {
	a := SegmentAck{
		NegativeAck: octet1&0x02 != 0,
		FromServer:  octet1&0x01 != 0,
	}
	var err error
	a.InvokeID, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	a.SequenceNumber, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	a.ActualWindowSize, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	return a, nil
}

// Error.
type Error struct {
	InvokeID      uint8
	ServiceChoice uint8
	ErrorClass    uint8
	ErrorCode     uint8
}

func (Error) Type() Type { return TypeError }
func (e Error) Encode() []byte {
	p := pdu.NewEmpty()
	p.Put(uint8(TypeError) << 4)
	p.Put(e.InvokeID)
	p.Put(e.ServiceChoice)
	p.Put(e.ErrorClass)
	p.Put(e.ErrorCode)
	return p.Bytes()
}
func decodeError(p *pdu.PDU) (APDU, error) {
	var e Error
	var err error
	e.InvokeID, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	e.ServiceChoice, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	e.ErrorClass, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	e.ErrorCode, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	return e, nil
}

// Reject.
type Reject struct {
	InvokeID uint8
	Reason   bacerr.RejectReason
}

func (Reject) Type() Type { return TypeReject }
func (r Reject) Encode() []byte {
	p := pdu.NewEmpty()
	p.Put(uint8(TypeReject) << 4)
	p.Put(r.InvokeID)
	p.Put(uint8(r.Reason))
	return p.Bytes()
}
func decodeReject(p *pdu.PDU) (APDU, error) {
	var r Reject
	var err error
	r.InvokeID, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	reason, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	r.Reason = bacerr.RejectReason(reason)
	return r, nil
}

// Abort carries the SRV bit (set when the aborting side is a server SSM).
type Abort struct {
	FromServer bool
	InvokeID   uint8
	Reason     bacerr.AbortReason
}

func (Abort) Type() Type { return TypeAbort }
func (a Abort) Encode() []byte {
	p := pdu.NewEmpty()
	octet1 := uint8(TypeAbort) << 4
	if a.FromServer {
		octet1 |= 0x01
	}
	p.Put(octet1)
	p.Put(a.InvokeID)
	reason := a.Reason
	if reason == bacerr.AbortReasonNoResponse || reason == bacerr.AbortReasonServerTimeout {
		reason = bacerr.AbortReasonOther // local-only codes go on the wire as "other"
	}
	p.Put(uint8(reason))
	return p.Bytes()
}
func decodeAbort(p *pdu.PDU, octet1 uint8) (APDU, error) {
	a := Abort{FromServer: octet1&0x01 != 0}
	var err error
	a.InvokeID, err = p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	reason, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	a.Reason = bacerr.AbortReason(reason)
	return a, nil
}

// Decode parses a complete APDU, dispatching on the high nibble of the
// first octet.
func Decode(data []byte) (APDU, error) {
	p := pdu.New(data)
	octet1, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("apdu", err)
	}
	t := Type(octet1 >> 4)
	switch t {
	case TypeConfirmedRequest:
		return decodeConfirmedRequest(p, octet1)
	case TypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(p)
	case TypeSimpleAck:
		return decodeSimpleAck(p)
	case TypeComplexAck:
		return decodeComplexAck(p, octet1)
	case TypeSegmentAck:
		return decodeSegmentAck(p, octet1)
	case TypeError:
		return decodeError(p)
	case TypeReject:
		return decodeReject(p)
	case TypeAbort:
		return decodeAbort(p, octet1)
	default:
		return nil, bacerr.NewDecodingError("apdu", fmt.Errorf("unrecognized PDU type %d", t))
	}
}

// InvokeID returns the invoke ID carried by PDU types that have one, and
// ok=false for UnconfirmedRequest, which has none.
func InvokeID(a APDU) (uint8, bool) {
	switch v := a.(type) {
	case ConfirmedRequest:
		return v.InvokeID, true
	case SimpleAck:
		return v.InvokeID, true
	case ComplexAck:
		return v.InvokeID, true
	case SegmentAck:
		return v.InvokeID, true
	case Error:
		return v.InvokeID, true
	case Reject:
		return v.InvokeID, true
	case Abort:
		return v.InvokeID, true
	default:
		return 0, false
	}
}
