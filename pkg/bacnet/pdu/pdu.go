package pdu

import (
	"strconv"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
)

// PCI is the protocol control information shared by every PDU in the stack:
// source/destination addressing, whether a reply is expected, the
// network-layer priority (0..3) and an opaque user-data handle threaded
// through for the convenience of upper layers.
type PCI struct {
	Source          Address
	Destination     Address
	ExpectingReply  bool
	NetworkPriority uint8 // 0..3
	UserData        any
}

// Priority levels, per the control-octet encoding used by NPCI.
const (
	PriorityNormal = iota
	PriorityUrgent
	PriorityCritical
	PriorityLifeSafety
)

// PDU is a byte buffer plus PCI fields. It is used both to build an
// outbound frame (via the Put* methods, which append) and to walk an
// inbound frame (via the Get* methods, which consume from the front). A
// decode under-run returns a *bacerr.DecodingError.
type PDU struct {
	PCI
	data []byte
	pos  int
}

// New wraps existing bytes for decoding, cursor at zero.
func New(data []byte) *PDU {
	return &PDU{data: data}
}

// NewEmpty returns an empty PDU ready for Put* calls.
func NewEmpty() *PDU {
	return &PDU{}
}

// Bytes returns the full underlying buffer regardless of cursor position.
func (p *PDU) Bytes() []byte { return p.data }

// Remaining returns the number of unread bytes.
func (p *PDU) Remaining() int { return len(p.data) - p.pos }

// Get reads one byte.
func (p *PDU) Get() (byte, error) {
	if p.Remaining() < 1 {
		return 0, bacerr.NewDecodingError("pdu", errUnderrun(1, p.Remaining()))
	}
	b := p.data[p.pos]
	p.pos++
	return b, nil
}

// GetShort reads a 16-bit big-endian value.
func (p *PDU) GetShort() (uint16, error) {
	if p.Remaining() < 2 {
		return 0, bacerr.NewDecodingError("pdu", errUnderrun(2, p.Remaining()))
	}
	v := uint16(p.data[p.pos])<<8 | uint16(p.data[p.pos+1])
	p.pos += 2
	return v, nil
}

// GetLong reads a 32-bit big-endian value.
func (p *PDU) GetLong() (uint32, error) {
	if p.Remaining() < 4 {
		return 0, bacerr.NewDecodingError("pdu", errUnderrun(4, p.Remaining()))
	}
	v := uint32(p.data[p.pos])<<24 | uint32(p.data[p.pos+1])<<16 |
		uint32(p.data[p.pos+2])<<8 | uint32(p.data[p.pos+3])
	p.pos += 4
	return v, nil
}

// GetData reads n raw bytes.
func (p *PDU) GetData(n int) ([]byte, error) {
	if p.Remaining() < n {
		return nil, bacerr.NewDecodingError("pdu", errUnderrun(n, p.Remaining()))
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

// Put appends one byte.
func (p *PDU) Put(b byte) { p.data = append(p.data, b) }

// PutShort appends a 16-bit big-endian value.
func (p *PDU) PutShort(v uint16) {
	p.data = append(p.data, byte(v>>8), byte(v))
}

// PutLong appends a 32-bit big-endian value.
func (p *PDU) PutLong(v uint32) {
	p.data = append(p.data, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// PutData appends raw bytes.
func (p *PDU) PutData(b []byte) { p.data = append(p.data, b...) }

func errUnderrun(want, have int) error {
	return &underrunError{want: want, have: have}
}

type underrunError struct {
	want, have int
}

func (e *underrunError) Error() string {
	return "buffer underrun: need " + strconv.Itoa(e.want) + " bytes, have " + strconv.Itoa(e.have)
}
