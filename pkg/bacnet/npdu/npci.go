// Package npdu implements the BACnet Network Layer PDU framing: the NPCI
// codec (source/destination routing, hop count, the network-layer-message
// bit) and the twelve network-layer control messages that ride on top of
// it, per the twelve-entry dispatch table named in the design (the Go
// analogue of the teacher's pkg/ipmi.operationLayerTypes table keyed by
// NetFn/Command).
package npdu

import (
	"fmt"

	"github.com/google/gopacket"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// ProtocolVersion is the only version this module accepts, per §4.2.
const ProtocolVersion = 0x01

// MessageType identifies a network-layer control message. Values 0x00-0x7F
// are ASHRAE-defined; 0x80-0xFF are vendor proprietary and additionally
// carry a vendor ID on the wire.
type MessageType uint8

const (
	MessageWhoIsRouterToNetwork       MessageType = 0x00
	MessageIAmRouterToNetwork         MessageType = 0x01
	MessageICouldBeRouterToNetwork    MessageType = 0x02
	MessageRejectMessageToNetwork     MessageType = 0x03
	MessageRouterBusyToNetwork        MessageType = 0x04
	MessageRouterAvailableToNetwork   MessageType = 0x05
	MessageInitializeRoutingTable     MessageType = 0x06
	MessageInitializeRoutingTableAck  MessageType = 0x07
	MessageEstablishConnectionToNetwork   MessageType = 0x08
	MessageDisconnectConnectionToNetwork  MessageType = 0x09
	MessageWhatIsNetworkNumber        MessageType = 0x12
	MessageNetworkNumberIs            MessageType = 0x13
)

func (t MessageType) IsVendorProprietary() bool { return t >= 0x80 }

// control octet bit positions.
const (
	ctrlNetworkLayerMessage = 0x80
	ctrlDestinationPresent  = 0x20
	ctrlSourcePresent       = 0x08
	ctrlExpectingReply      = 0x04
	ctrlPriorityMask        = 0x03
)

// NPCI extends pdu.PCI with the network-layer routing fields of §3.
//
// Invariants (enforced by Encode/Decode and by SetDestination/SetSource):
//   - DestinationAddr and SourceAddr are RemoteStation|RemoteBroadcast|
//     GlobalBroadcast, never Local.
//   - SourceAddr is never Global or RemoteBroadcast.
//   - HopCount is present iff DestinationAddr is present.
//   - VendorID is present iff MessageType >= 0x80.
type NPCI struct {
	pdu.PCI

	Version  uint8
	Control  uint8

	DestinationNet  *uint16
	DestinationAddr []byte // nil => GlobalBroadcast when DestinationNet==0xFFFF, else RemoteBroadcast

	SourceNet  *uint16
	SourceAddr []byte

	HopCount *uint8

	MessageType *MessageType
	VendorID    *uint16
}

// SetDestination populates DestinationNet/DestinationAddr/HopCount from a
// routable address, enforcing the "never Local" invariant.
func (n *NPCI) SetDestination(addr pdu.Address, hopCount uint8) error {
	switch addr.Kind {
	case pdu.KindRemoteStation:
		net := addr.Net
		n.DestinationNet = &net
		n.DestinationAddr = append([]byte(nil), addr.Addr...)
	case pdu.KindRemoteBroadcast:
		net := addr.Net
		n.DestinationNet = &net
		n.DestinationAddr = nil
	case pdu.KindGlobalBroadcast:
		net := uint16(0xFFFF)
		n.DestinationNet = &net
		n.DestinationAddr = nil
	default:
		return fmt.Errorf("destination address must be RemoteStation, RemoteBroadcast or GlobalBroadcast, got %v", addr.Kind)
	}
	hc := hopCount
	n.HopCount = &hc
	return nil
}

// SetSource populates SourceNet/SourceAddr from a routable address,
// enforcing "never Global or RemoteBroadcast".
func (n *NPCI) SetSource(addr pdu.Address) error {
	switch addr.Kind {
	case pdu.KindRemoteStation:
		net := addr.Net
		n.SourceNet = &net
		n.SourceAddr = append([]byte(nil), addr.Addr...)
	default:
		return fmt.Errorf("source address must be RemoteStation, got %v", addr.Kind)
	}
	return nil
}

// Destination reconstructs the destination as a pdu.Address, or ok=false if
// none is present.
func (n *NPCI) Destination() (pdu.Address, bool) {
	if n.DestinationNet == nil {
		return pdu.Address{}, false
	}
	if *n.DestinationNet == 0xFFFF {
		return pdu.GlobalBroadcast(), true
	}
	if len(n.DestinationAddr) == 0 {
		return pdu.RemoteBroadcastOf(*n.DestinationNet), true
	}
	addr, err := pdu.RemoteStationOf(*n.DestinationNet, n.DestinationAddr)
	if err != nil {
		return pdu.Address{}, false
	}
	return addr, true
}

// Source reconstructs the source as a pdu.Address, or ok=false if none is
// present.
func (n *NPCI) Source() (pdu.Address, bool) {
	if n.SourceNet == nil || len(n.SourceAddr) == 0 {
		return pdu.Address{}, false
	}
	addr, err := pdu.RemoteStationOf(*n.SourceNet, n.SourceAddr)
	if err != nil {
		return pdu.Address{}, false
	}
	return addr, true
}

// IsNetworkLayerMessage reports whether this NPCI carries a network-layer
// control message rather than an APDU.
func (n *NPCI) IsNetworkLayerMessage() bool { return n.MessageType != nil }

// EncodeHeader writes version, control octet, DADR/SADR/hop-count and the
// message-type/vendor-id prefix per the five-step algorithm of §4.2. The
// APDU or control-message body must be appended by the caller afterward.
func (n *NPCI) EncodeHeader(p *pdu.PDU) error {
	control := uint8(0)
	if n.IsNetworkLayerMessage() {
		control |= ctrlNetworkLayerMessage
	}
	if n.DestinationNet != nil {
		control |= ctrlDestinationPresent
	}
	if n.SourceNet != nil {
		control |= ctrlSourcePresent
	}
	if n.ExpectingReply {
		control |= ctrlExpectingReply
	}
	control |= n.NetworkPriority & ctrlPriorityMask
	n.Control = control

	p.Put(ProtocolVersion)
	p.Put(control)

	if n.DestinationNet != nil {
		p.PutShort(*n.DestinationNet)
		p.Put(uint8(len(n.DestinationAddr)))
		p.PutData(n.DestinationAddr)
	}
	if n.SourceNet != nil {
		p.PutShort(*n.SourceNet)
		p.Put(uint8(len(n.SourceAddr)))
		p.PutData(n.SourceAddr)
	}
	if n.DestinationNet != nil {
		if n.HopCount == nil {
			return fmt.Errorf("hop count required when destination is present")
		}
		p.Put(*n.HopCount)
	}
	if n.IsNetworkLayerMessage() {
		p.Put(uint8(*n.MessageType))
		if n.MessageType.IsVendorProprietary() {
			if n.VendorID == nil {
				return fmt.Errorf("vendor id required for message type 0x%02x", uint8(*n.MessageType))
			}
			p.PutShort(*n.VendorID)
		}
	}
	return nil
}

// DecodeHeader parses version, control octet, DADR/SADR/hop-count and the
// message-type/vendor-id prefix, leaving the cursor at the start of the
// APDU or control-message body. Rejects version != 1 and SADR with len=0
// or net=0xFFFF, per §4.2.
func DecodeHeader(p *pdu.PDU) (*NPCI, error) {
	n := &NPCI{}

	version, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	if version != ProtocolVersion {
		return nil, bacerr.NewDecodingError("npdu", fmt.Errorf("unsupported protocol version %d", version))
	}
	n.Version = version

	control, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	n.Control = control
	n.ExpectingReply = control&ctrlExpectingReply != 0
	n.NetworkPriority = control & ctrlPriorityMask

	hasDest := control&ctrlDestinationPresent != 0
	hasSrc := control&ctrlSourcePresent != 0
	isNetMsg := control&ctrlNetworkLayerMessage != 0

	if hasDest {
		dnet, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		dlen, err := p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		var daddr []byte
		if dlen > 0 {
			daddr, err = p.GetData(int(dlen))
			if err != nil {
				return nil, bacerr.NewDecodingError("npdu", err)
			}
		}
		n.DestinationNet = &dnet
		n.DestinationAddr = append([]byte(nil), daddr...)
	}

	if hasSrc {
		snet, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		slen, err := p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		if slen == 0 {
			return nil, bacerr.NewDecodingError("npdu", fmt.Errorf("SADR must not be a broadcast (len=0)"))
		}
		if snet == 0xFFFF {
			return nil, bacerr.NewDecodingError("npdu", fmt.Errorf("SADR must not be global (net=0xFFFF)"))
		}
		saddr, err := p.GetData(int(slen))
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		n.SourceNet = &snet
		n.SourceAddr = append([]byte(nil), saddr...)
	}

	if hasDest {
		hc, err := p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		n.HopCount = &hc
	}

	if isNetMsg {
		mt, err := p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		msgType := MessageType(mt)
		n.MessageType = &msgType
		if msgType.IsVendorProprietary() {
			vid, err := p.GetShort()
			if err != nil {
				return nil, bacerr.NewDecodingError("npdu", err)
			}
			n.VendorID = &vid
		}
	}

	return n, nil
}

// DecrementHopCount decrements the hop count in place, reporting whether
// the packet should be dropped (hop count reached zero before the
// decrement).
func (n *NPCI) DecrementHopCount() (drop bool) {
	if n.HopCount == nil {
		return false
	}
	if *n.HopCount == 0 {
		return true
	}
	*n.HopCount--
	return false
}

// gopacket.LayerType registration, mirroring the teacher's
// pkg/ipmi.LayerTypeMessage pattern. NPDU is the only layer this module
// registers: decodeNPDULayer adds a Layer and hands the remaining bytes on
// as gopacket.LayerTypePayload. BVLL and APDU are not gopacket layers.
var LayerTypeNPDU = gopacket.RegisterLayerType(
	2001,
	gopacket.LayerTypeMetadata{Name: "NPDU", Decoder: gopacket.DecodeFunc(decodeNPDULayer)},
)

func decodeNPDULayer(data []byte, pb gopacket.PacketBuilder) error {
	p := pdu.New(data)
	n, err := DecodeHeader(p)
	if err != nil {
		return err
	}
	layer := &Layer{NPCI: *n, Payload: p.Bytes()[len(p.Bytes())-p.Remaining():]}
	pb.AddLayer(layer)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}

// Layer adapts NPCI to gopacket's layer interfaces.
type Layer struct {
	NPCI
	Payload []byte
}

func (l *Layer) LayerType() gopacket.LayerType   { return LayerTypeNPDU }
func (l *Layer) LayerContents() []byte           { return nil }
func (l *Layer) LayerPayload() []byte            { return l.Payload }
