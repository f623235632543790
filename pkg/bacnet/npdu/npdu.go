package npdu

import (
	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// NPDU is a fully decoded network-layer frame: the NPCI header plus either
// a network-layer control message or an opaque APDU payload.
type NPDU struct {
	NPCI
	Control ControlMessage // non-nil iff NPCI.IsNetworkLayerMessage()
	APDU    []byte          // non-nil iff Control == nil
}

// EncodeAPDU builds the wire bytes for an NPDU carrying an application-layer
// APDU (not a network-layer message).
func EncodeAPDU(n NPCI, apdu []byte) ([]byte, error) {
	n.MessageType = nil
	n.VendorID = nil
	p := pdu.NewEmpty()
	if err := n.EncodeHeader(p); err != nil {
		return nil, err
	}
	p.PutData(apdu)
	return p.Bytes(), nil
}

// EncodeControlMessage builds the wire bytes for an NPDU carrying a
// network-layer control message.
func EncodeControlMessage(n NPCI, msg ControlMessage) ([]byte, error) {
	mt := msg.Type()
	n.MessageType = &mt
	p := pdu.NewEmpty()
	if err := n.EncodeHeader(p); err != nil {
		return nil, err
	}
	msg.EncodeBody(p)
	return p.Bytes(), nil
}

// Decode parses a complete NPDU, dispatching to the network-layer control
// message decoder when the control octet's message bit is set, otherwise
// treating the remainder as an opaque APDU.
func Decode(data []byte) (*NPDU, error) {
	p := pdu.New(data)
	n, err := DecodeHeader(p)
	if err != nil {
		return nil, err
	}

	result := &NPDU{NPCI: *n}
	if n.IsNetworkLayerMessage() {
		msg, err := DecodeControlMessage(*n.MessageType, p)
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		result.Control = msg
	} else {
		rest, err := p.GetData(p.Remaining())
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		result.APDU = rest
	}
	return result, nil
}
