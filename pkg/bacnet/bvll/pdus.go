package bvll

import (
	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// Result (0x00) NAKs an unsupported/failed control operation, or carries
// success (code 0) for RegisterForeignDevice.
type Result struct {
	Code uint16
}

func (Result) Function() Function             { return FunctionResult }
func (r Result) encodeBody(p *pdu.PDU)         { p.PutShort(r.Code) }
func decodeResult(p *pdu.PDU) (PDU, error) {
	code, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	return Result{Code: code}, nil
}

// WriteBDT (0x01).
type WriteBDT struct {
	BDT []BDTEntry
}

func (WriteBDT) Function() Function     { return FunctionWriteBDT }
func (m WriteBDT) encodeBody(p *pdu.PDU) { encodeBDT(p, m.BDT) }
func decodeWriteBDT(p *pdu.PDU) (PDU, error) {
	bdt, err := decodeBDT(p)
	if err != nil {
		return nil, err
	}
	return WriteBDT{BDT: bdt}, nil
}

// ReadBDT (0x02). No body.
type ReadBDT struct{}

func (ReadBDT) Function() Function    { return FunctionReadBDT }
func (ReadBDT) encodeBody(*pdu.PDU)    {}
func decodeReadBDT(*pdu.PDU) (PDU, error) { return ReadBDT{}, nil }

// ReadBDTAck (0x03).
type ReadBDTAck struct {
	BDT []BDTEntry
}

func (ReadBDTAck) Function() Function     { return FunctionReadBDTAck }
func (m ReadBDTAck) encodeBody(p *pdu.PDU) { encodeBDT(p, m.BDT) }
func decodeReadBDTAck(p *pdu.PDU) (PDU, error) {
	bdt, err := decodeBDT(p)
	if err != nil {
		return nil, err
	}
	return ReadBDTAck{BDT: bdt}, nil
}

// ForwardedNPDU (0x04) carries the original sender's address plus the raw
// NPDU bytes being relayed.
type ForwardedNPDU struct {
	Address [4]byte
	Port    uint16
	NPDU    []byte
}

func (ForwardedNPDU) Function() Function { return FunctionForwardedNPDU }
func (m ForwardedNPDU) encodeBody(p *pdu.PDU) {
	p.PutData(m.Address[:])
	p.PutShort(m.Port)
	p.PutData(m.NPDU)
}
func decodeForwardedNPDU(p *pdu.PDU) (PDU, error) {
	addr, err := p.GetData(4)
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	port, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	rest, err := p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	var m ForwardedNPDU
	copy(m.Address[:], addr)
	m.Port = port
	m.NPDU = append([]byte(nil), rest...)
	return m, nil
}

// SourceAddress reconstructs the original sender as a pdu.Address.
func (m ForwardedNPDU) SourceAddress() pdu.Address { return ipv4Address(m.Address, m.Port) }

// RegisterForeignDevice (0x05).
type RegisterForeignDevice struct {
	TTL uint16
}

func (RegisterForeignDevice) Function() Function { return FunctionRegisterForeignDevice }
func (m RegisterForeignDevice) encodeBody(p *pdu.PDU) { p.PutShort(m.TTL) }
func decodeRegisterForeignDevice(p *pdu.PDU) (PDU, error) {
	ttl, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	return RegisterForeignDevice{TTL: ttl}, nil
}

// ReadFDT (0x06). No body.
type ReadFDT struct{}

func (ReadFDT) Function() Function    { return FunctionReadFDT }
func (ReadFDT) encodeBody(*pdu.PDU)    {}
func decodeReadFDT(*pdu.PDU) (PDU, error) { return ReadFDT{}, nil }

// ReadFDTAck (0x07).
type ReadFDTAck struct {
	FDT []FDTEntry
}

func (ReadFDTAck) Function() Function     { return FunctionReadFDTAck }
func (m ReadFDTAck) encodeBody(p *pdu.PDU) { encodeFDT(p, m.FDT) }
func decodeReadFDTAck(p *pdu.PDU) (PDU, error) {
	fdt, err := decodeFDT(p)
	if err != nil {
		return nil, err
	}
	return ReadFDTAck{FDT: fdt}, nil
}

// DeleteFDTEntry (0x08).
type DeleteFDTEntry struct {
	Address [4]byte
	Port    uint16
}

func (DeleteFDTEntry) Function() Function { return FunctionDeleteFDTEntry }
func (m DeleteFDTEntry) encodeBody(p *pdu.PDU) {
	p.PutData(m.Address[:])
	p.PutShort(m.Port)
}
func decodeDeleteFDTEntry(p *pdu.PDU) (PDU, error) {
	addr, err := p.GetData(4)
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	port, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	var m DeleteFDTEntry
	copy(m.Address[:], addr)
	m.Port = port
	return m, nil
}

// DistributeBroadcastToNetwork (0x09): a foreign device asking its BBMD to
// relay a broadcast on its behalf. Carries the raw NPDU.
type DistributeBroadcastToNetwork struct {
	NPDU []byte
}

func (DistributeBroadcastToNetwork) Function() Function {
	return FunctionDistributeBroadcastToNetwork
}
func (m DistributeBroadcastToNetwork) encodeBody(p *pdu.PDU) { p.PutData(m.NPDU) }
func decodeDistributeBroadcastToNetwork(p *pdu.PDU) (PDU, error) {
	rest, err := p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	return DistributeBroadcastToNetwork{NPDU: append([]byte(nil), rest...)}, nil
}

// OriginalUnicastNPDU (0x0A): a unicast NPDU carried unmodified.
type OriginalUnicastNPDU struct {
	NPDU []byte
}

func (OriginalUnicastNPDU) Function() Function     { return FunctionOriginalUnicastNPDU }
func (m OriginalUnicastNPDU) encodeBody(p *pdu.PDU) { p.PutData(m.NPDU) }
func decodeOriginalUnicastNPDU(p *pdu.PDU) (PDU, error) {
	rest, err := p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	return OriginalUnicastNPDU{NPDU: append([]byte(nil), rest...)}, nil
}

// OriginalBroadcastNPDU (0x0B): a local-broadcast NPDU carried unmodified.
type OriginalBroadcastNPDU struct {
	NPDU []byte
}

func (OriginalBroadcastNPDU) Function() Function     { return FunctionOriginalBroadcastNPDU }
func (m OriginalBroadcastNPDU) encodeBody(p *pdu.PDU) { p.PutData(m.NPDU) }
func decodeOriginalBroadcastNPDU(p *pdu.PDU) (PDU, error) {
	rest, err := p.GetData(p.Remaining())
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	return OriginalBroadcastNPDU{NPDU: append([]byte(nil), rest...)}, nil
}
