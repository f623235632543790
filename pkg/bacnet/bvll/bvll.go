// Package bvll implements the BACnet/IPv4 Virtual Link Layer framing: the
// `0x81 | function | length` header and the twelve function PDUs it
// carries, per §4.3.
package bvll

import (
	"fmt"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// BVLCType is the fixed type byte preceding every BVLL frame.
const BVLCType = 0x81

// Function identifies one of the twelve BVLL function PDUs.
type Function uint8

const (
	FunctionResult                      Function = 0x00
	FunctionWriteBDT                    Function = 0x01
	FunctionReadBDT                     Function = 0x02
	FunctionReadBDTAck                  Function = 0x03
	FunctionForwardedNPDU               Function = 0x04
	FunctionRegisterForeignDevice       Function = 0x05
	FunctionReadFDT                     Function = 0x06
	FunctionReadFDTAck                  Function = 0x07
	FunctionDeleteFDTEntry              Function = 0x08
	FunctionDistributeBroadcastToNetwork Function = 0x09
	FunctionOriginalUnicastNPDU         Function = 0x0A
	FunctionOriginalBroadcastNPDU       Function = 0x0B
)

func (f Function) String() string {
	switch f {
	case FunctionResult:
		return "Result"
	case FunctionWriteBDT:
		return "WriteBroadcastDistributionTable"
	case FunctionReadBDT:
		return "ReadBroadcastDistributionTable"
	case FunctionReadBDTAck:
		return "ReadBroadcastDistributionTableAck"
	case FunctionForwardedNPDU:
		return "ForwardedNPDU"
	case FunctionRegisterForeignDevice:
		return "RegisterForeignDevice"
	case FunctionReadFDT:
		return "ReadForeignDeviceTable"
	case FunctionReadFDTAck:
		return "ReadForeignDeviceTableAck"
	case FunctionDeleteFDTEntry:
		return "DeleteForeignDeviceTableEntry"
	case FunctionDistributeBroadcastToNetwork:
		return "DistributeBroadcastToNetwork"
	case FunctionOriginalUnicastNPDU:
		return "OriginalUnicastNPDU"
	case FunctionOriginalBroadcastNPDU:
		return "OriginalBroadcastNPDU"
	default:
		return fmt.Sprintf("Function(0x%02x)", uint8(f))
	}
}

// Result codes per §4.3/§7 ("BVLL-Result codes: 0x0010..0x0060").
const (
	ResultSuccess                              uint16 = 0x0000
	ResultWriteBDTNAK                          uint16 = 0x0010
	ResultReadBDTNAK                           uint16 = 0x0020
	ResultRegisterForeignDeviceNAK             uint16 = 0x0030
	ResultReadFDTNAK                           uint16 = 0x0040
	ResultDeleteFDTEntryNAK                    uint16 = 0x0050
	ResultDistributeBroadcastToNetworkNAK      uint16 = 0x0060
)

// PDU is implemented by each of the twelve function bodies.
type PDU interface {
	Function() Function
	encodeBody(p *pdu.PDU)
}

// BDTEntry is a Broadcast Distribution Table entry: IPv4 address, mask and
// port, per §3.
type BDTEntry struct {
	Host [4]byte
	Mask [4]byte
	Port uint16
}

func encodeBDT(p *pdu.PDU, entries []BDTEntry) {
	for _, e := range entries {
		p.PutData(e.Host[:])
		p.PutShort(e.Port)
		p.PutData(e.Mask[:])
	}
}

func decodeBDT(p *pdu.PDU) ([]BDTEntry, error) {
	var out []BDTEntry
	for p.Remaining() > 0 {
		if p.Remaining() < 10 {
			return nil, bacerr.NewDecodingError("bvll", fmt.Errorf("truncated BDT entry"))
		}
		host, err := p.GetData(4)
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		port, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		mask, err := p.GetData(4)
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		var e BDTEntry
		copy(e.Host[:], host)
		copy(e.Mask[:], mask)
		e.Port = port
		out = append(out, e)
	}
	return out, nil
}

// FDTEntry is a Foreign Device Table entry, per §3: IPv4 address, original
// TTL (seconds) and remaining-seconds (initial = TTL + 5s grace).
type FDTEntry struct {
	Host      [4]byte
	Port      uint16
	TTL       uint16
	Remaining uint16
}

// Expired reports whether the entry's remaining counter has reached zero,
// per the invariant "an FDT entry is deleted when remaining <= 0".
func (e FDTEntry) Expired() bool { return e.Remaining == 0 }

// Address converts the entry's host+port into a pdu.Address.
func (e FDTEntry) Address() pdu.Address { return ipv4Address(e.Host, e.Port) }

// Address converts the entry's host+port into a pdu.Address (the Mask is
// not part of addressing and is dropped).
func (e BDTEntry) Address() pdu.Address { return ipv4Address(e.Host, e.Port) }

func encodeFDT(p *pdu.PDU, entries []FDTEntry) {
	for _, e := range entries {
		p.PutData(e.Host[:])
		p.PutShort(e.Port)
		p.PutShort(e.TTL)
		p.PutShort(e.Remaining)
	}
}

func decodeFDT(p *pdu.PDU) ([]FDTEntry, error) {
	var out []FDTEntry
	for p.Remaining() > 0 {
		if p.Remaining() < 10 {
			return nil, bacerr.NewDecodingError("bvll", fmt.Errorf("truncated FDT entry"))
		}
		host, err := p.GetData(4)
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		port, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		ttl, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		remain, err := p.GetShort()
		if err != nil {
			return nil, bacerr.NewDecodingError("bvll", err)
		}
		var e FDTEntry
		copy(e.Host[:], host)
		e.Port = port
		e.TTL = ttl
		e.Remaining = remain
		out = append(out, e)
	}
	return out, nil
}

// ipv4Address converts a 4-byte host + port into a pdu.Address.
func ipv4Address(host [4]byte, port uint16) pdu.Address {
	return pdu.IPv4StationOf(host, port)
}

// Encode wraps a BVLL function PDU in the `0x81 | function | length`
// header and returns the wire bytes.
func Encode(body PDU) []byte {
	header := pdu.NewEmpty()
	payload := pdu.NewEmpty()
	body.encodeBody(payload)

	length := uint16(4 + len(payload.Bytes()))
	header.Put(BVLCType)
	header.Put(uint8(body.Function()))
	header.PutShort(length)
	header.PutData(payload.Bytes())
	return header.Bytes()
}

// Decode parses a complete BVLL frame: the fixed header plus the function
// body selected by the function code.
func Decode(data []byte) (PDU, error) {
	p := pdu.New(data)

	typ, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	if typ != BVLCType {
		return nil, bacerr.NewDecodingError("bvll", fmt.Errorf("invalid BVLL type byte 0x%02x", typ))
	}
	fn, err := p.Get()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	length, err := p.GetShort()
	if err != nil {
		return nil, bacerr.NewDecodingError("bvll", err)
	}
	if int(length) != len(data) {
		return nil, bacerr.NewDecodingError("bvll", fmt.Errorf("BVLC length %d does not match frame length %d", length, len(data)))
	}

	dec, ok := decoders[Function(fn)]
	if !ok {
		return nil, bacerr.NewDecodingError("bvll", fmt.Errorf("unrecognized BVLL function 0x%02x", fn))
	}
	return dec(p)
}

type bodyDecoder func(p *pdu.PDU) (PDU, error)

var decoders = map[Function]bodyDecoder{
	FunctionResult:                       decodeResult,
	FunctionWriteBDT:                     decodeWriteBDT,
	FunctionReadBDT:                      decodeReadBDT,
	FunctionReadBDTAck:                   decodeReadBDTAck,
	FunctionForwardedNPDU:                decodeForwardedNPDU,
	FunctionRegisterForeignDevice:        decodeRegisterForeignDevice,
	FunctionReadFDT:                      decodeReadFDT,
	FunctionReadFDTAck:                   decodeReadFDTAck,
	FunctionDeleteFDTEntry:               decodeDeleteFDTEntry,
	FunctionDistributeBroadcastToNetwork: decodeDistributeBroadcastToNetwork,
	FunctionOriginalUnicastNPDU:          decodeOriginalUnicastNPDU,
	FunctionOriginalBroadcastNPDU:        decodeOriginalBroadcastNPDU,
}
