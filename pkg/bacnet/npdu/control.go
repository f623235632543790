package npdu

import (
	"fmt"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// ControlMessage is implemented by every network-layer control message
// body. Encode/Decode operate on the body only; the NPCI header (including
// MessageType) is handled separately by NPCI.EncodeHeader/DecodeHeader.
type ControlMessage interface {
	Type() MessageType
	EncodeBody(p *pdu.PDU)
}

// decoder is looked up by MessageType, the Go equivalent of bacpypes3's
// register_npdu_type class-registration table.
type decoder func(p *pdu.PDU) (ControlMessage, error)

var controlDecoders = map[MessageType]decoder{
	MessageWhoIsRouterToNetwork:      decodeWhoIsRouterToNetwork,
	MessageIAmRouterToNetwork:        decodeIAmRouterToNetwork,
	MessageICouldBeRouterToNetwork:   decodeICouldBeRouterToNetwork,
	MessageRejectMessageToNetwork:    decodeRejectMessageToNetwork,
	MessageRouterBusyToNetwork:       decodeRouterBusyToNetwork,
	MessageRouterAvailableToNetwork:  decodeRouterAvailableToNetwork,
	MessageInitializeRoutingTable:    decodeInitializeRoutingTable,
	MessageInitializeRoutingTableAck: decodeInitializeRoutingTableAck,
	MessageEstablishConnectionToNetwork:  decodeEstablishConnectionToNetwork,
	MessageDisconnectConnectionToNetwork: decodeDisconnectConnectionToNetwork,
	MessageWhatIsNetworkNumber:       decodeWhatIsNetworkNumber,
	MessageNetworkNumberIs:           decodeNetworkNumberIs,
}

// DecodeControlMessage decodes the body of a network-layer message whose
// type byte (and optional vendor id) were already consumed by
// NPCI.DecodeHeader.
func DecodeControlMessage(mt MessageType, p *pdu.PDU) (ControlMessage, error) {
	dec, ok := controlDecoders[mt]
	if !ok {
		return nil, bacerr.NewDecodingError("npdu", fmt.Errorf("unrecognized network message type 0x%02x", uint8(mt)))
	}
	return dec(p)
}

// WhoIsRouterToNetwork, §4.2. Network is nil when asking about any/all
// networks.
type WhoIsRouterToNetwork struct {
	Network *uint16
}

func (WhoIsRouterToNetwork) Type() MessageType { return MessageWhoIsRouterToNetwork }
func (m WhoIsRouterToNetwork) EncodeBody(p *pdu.PDU) {
	if m.Network != nil {
		p.PutShort(*m.Network)
	}
}
func decodeWhoIsRouterToNetwork(p *pdu.PDU) (ControlMessage, error) {
	if p.Remaining() == 0 {
		return WhoIsRouterToNetwork{}, nil
	}
	net, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	return WhoIsRouterToNetwork{Network: &net}, nil
}

// IAmRouterToNetwork, §4.2.
type IAmRouterToNetwork struct {
	NetworkList []uint16
}

func (IAmRouterToNetwork) Type() MessageType { return MessageIAmRouterToNetwork }
func (m IAmRouterToNetwork) EncodeBody(p *pdu.PDU) {
	for _, n := range m.NetworkList {
		p.PutShort(n)
	}
}
func decodeIAmRouterToNetwork(p *pdu.PDU) (ControlMessage, error) {
	var list []uint16
	for p.Remaining() > 0 {
		n, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		list = append(list, n)
	}
	return IAmRouterToNetwork{NetworkList: list}, nil
}

// ICouldBeRouterToNetwork, §4.2.
type ICouldBeRouterToNetwork struct {
	Network          uint16
	PerformanceIndex uint8
}

func (ICouldBeRouterToNetwork) Type() MessageType { return MessageICouldBeRouterToNetwork }
func (m ICouldBeRouterToNetwork) EncodeBody(p *pdu.PDU) {
	p.PutShort(m.Network)
	p.Put(m.PerformanceIndex)
}
func decodeICouldBeRouterToNetwork(p *pdu.PDU) (ControlMessage, error) {
	net, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	pi, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	return ICouldBeRouterToNetwork{Network: net, PerformanceIndex: pi}, nil
}

// RejectMessageToNetwork, §4.2.
type RejectMessageToNetwork struct {
	RejectReason uint8
	DNET         uint16
}

func (RejectMessageToNetwork) Type() MessageType { return MessageRejectMessageToNetwork }
func (m RejectMessageToNetwork) EncodeBody(p *pdu.PDU) {
	p.Put(m.RejectReason)
	p.PutShort(m.DNET)
}
func decodeRejectMessageToNetwork(p *pdu.PDU) (ControlMessage, error) {
	reason, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	dnet, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	return RejectMessageToNetwork{RejectReason: reason, DNET: dnet}, nil
}

// RouterBusyToNetwork, §4.2.
type RouterBusyToNetwork struct {
	NetworkList []uint16
}

func (RouterBusyToNetwork) Type() MessageType { return MessageRouterBusyToNetwork }
func (m RouterBusyToNetwork) EncodeBody(p *pdu.PDU) {
	for _, n := range m.NetworkList {
		p.PutShort(n)
	}
}
func decodeRouterBusyToNetwork(p *pdu.PDU) (ControlMessage, error) {
	var list []uint16
	for p.Remaining() > 0 {
		n, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		list = append(list, n)
	}
	return RouterBusyToNetwork{NetworkList: list}, nil
}

// RouterAvailableToNetwork, §4.2.
type RouterAvailableToNetwork struct {
	NetworkList []uint16
}

func (RouterAvailableToNetwork) Type() MessageType { return MessageRouterAvailableToNetwork }
func (m RouterAvailableToNetwork) EncodeBody(p *pdu.PDU) {
	for _, n := range m.NetworkList {
		p.PutShort(n)
	}
}
func decodeRouterAvailableToNetwork(p *pdu.PDU) (ControlMessage, error) {
	var list []uint16
	for p.Remaining() > 0 {
		n, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		list = append(list, n)
	}
	return RouterAvailableToNetwork{NetworkList: list}, nil
}

// RoutingTableEntry is shared by InitializeRoutingTable(Ack).
type RoutingTableEntry struct {
	DNET     uint16
	PortID   uint8
	PortInfo []byte
}

func encodeRoutingTable(p *pdu.PDU, table []RoutingTableEntry) {
	p.Put(uint8(len(table)))
	for _, rte := range table {
		p.PutShort(rte.DNET)
		p.Put(rte.PortID)
		p.Put(uint8(len(rte.PortInfo)))
		p.PutData(rte.PortInfo)
	}
}

func decodeRoutingTable(p *pdu.PDU) ([]RoutingTableEntry, error) {
	n, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	table := make([]RoutingTableEntry, 0, n)
	for i := 0; i < int(n); i++ {
		dnet, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		portID, err := p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		infoLen, err := p.Get()
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		info, err := p.GetData(int(infoLen))
		if err != nil {
			return nil, bacerr.NewDecodingError("npdu", err)
		}
		table = append(table, RoutingTableEntry{DNET: dnet, PortID: portID, PortInfo: append([]byte(nil), info...)})
	}
	return table, nil
}

// InitializeRoutingTable, §4.2.
type InitializeRoutingTable struct {
	Table []RoutingTableEntry
}

func (InitializeRoutingTable) Type() MessageType { return MessageInitializeRoutingTable }
func (m InitializeRoutingTable) EncodeBody(p *pdu.PDU) { encodeRoutingTable(p, m.Table) }
func decodeInitializeRoutingTable(p *pdu.PDU) (ControlMessage, error) {
	table, err := decodeRoutingTable(p)
	if err != nil {
		return nil, err
	}
	return InitializeRoutingTable{Table: table}, nil
}

// InitializeRoutingTableAck, §4.2.
type InitializeRoutingTableAck struct {
	Table []RoutingTableEntry
}

func (InitializeRoutingTableAck) Type() MessageType { return MessageInitializeRoutingTableAck }
func (m InitializeRoutingTableAck) EncodeBody(p *pdu.PDU) { encodeRoutingTable(p, m.Table) }
func decodeInitializeRoutingTableAck(p *pdu.PDU) (ControlMessage, error) {
	table, err := decodeRoutingTable(p)
	if err != nil {
		return nil, err
	}
	return InitializeRoutingTableAck{Table: table}, nil
}

// EstablishConnectionToNetwork, §4.2.
type EstablishConnectionToNetwork struct {
	DNET            uint16
	TerminationTime uint8
}

func (EstablishConnectionToNetwork) Type() MessageType {
	return MessageEstablishConnectionToNetwork
}
func (m EstablishConnectionToNetwork) EncodeBody(p *pdu.PDU) {
	p.PutShort(m.DNET)
	p.Put(m.TerminationTime)
}
func decodeEstablishConnectionToNetwork(p *pdu.PDU) (ControlMessage, error) {
	dnet, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	tt, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	return EstablishConnectionToNetwork{DNET: dnet, TerminationTime: tt}, nil
}

// DisconnectConnectionToNetwork, §4.2.
type DisconnectConnectionToNetwork struct {
	DNET uint16
}

func (DisconnectConnectionToNetwork) Type() MessageType {
	return MessageDisconnectConnectionToNetwork
}
func (m DisconnectConnectionToNetwork) EncodeBody(p *pdu.PDU) { p.PutShort(m.DNET) }
func decodeDisconnectConnectionToNetwork(p *pdu.PDU) (ControlMessage, error) {
	dnet, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	return DisconnectConnectionToNetwork{DNET: dnet}, nil
}

// WhatIsNetworkNumber, §4.2. No body.
type WhatIsNetworkNumber struct{}

func (WhatIsNetworkNumber) Type() MessageType      { return MessageWhatIsNetworkNumber }
func (WhatIsNetworkNumber) EncodeBody(*pdu.PDU)     {}
func decodeWhatIsNetworkNumber(*pdu.PDU) (ControlMessage, error) {
	return WhatIsNetworkNumber{}, nil
}

// NetworkNumberIs, §4.2.
type NetworkNumberIs struct {
	Net  uint16
	Flag uint8
}

func (NetworkNumberIs) Type() MessageType { return MessageNetworkNumberIs }
func (m NetworkNumberIs) EncodeBody(p *pdu.PDU) {
	p.PutShort(m.Net)
	p.Put(m.Flag)
}
func decodeNetworkNumberIs(p *pdu.PDU) (ControlMessage, error) {
	net, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	flag, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("npdu", err)
	}
	return NetworkNumberIs{Net: net, Flag: flag}, nil
}

// address helper used by adapters constructing a pdu.Address for a bare
// RemoteStation destination, e.g. when replying to WhoIsRouterToNetwork.
func stationAddress(net uint16, addr []byte) (pdu.Address, error) {
	return pdu.RemoteStationOf(net, addr)
}
