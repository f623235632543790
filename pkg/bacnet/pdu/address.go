package pdu

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind is the tag of a BACnet address: one of six variants per §3 of the
// design. LocalStation additionally carries a NativeType refining the raw
// station bytes to a known link layer.
type Kind uint8

const (
	KindNull Kind = iota
	KindLocalStation
	KindLocalBroadcast
	KindRemoteStation
	KindRemoteBroadcast
	KindGlobalBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindLocalStation:
		return "LocalStation"
	case KindLocalBroadcast:
		return "LocalBroadcast"
	case KindRemoteStation:
		return "RemoteStation"
	case KindRemoteBroadcast:
		return "RemoteBroadcast"
	case KindGlobalBroadcast:
		return "GlobalBroadcast"
	default:
		return "Unknown"
	}
}

// NativeType refines a LocalStation/RemoteStation's Addr bytes to a known
// link-layer representation. It is informational; wire length is what
// actually disambiguates a decoded station address.
type NativeType uint8

const (
	NativeUnknown NativeType = iota
	NativeIPv4
	NativeIPv6
	NativeEthernet
	NativeMSTP
	NativeARCNET
	NativeVirtual
)

// station byte lengths that the standard recognizes; anything else is a
// malformed address.
const (
	lenARCNET   = 1
	lenVirtual  = 3
	lenIPv4     = 6
	lenEthernet = 6
	lenIPv6     = 18
)

// Address is a tagged BACnet address. Equality always ignores Route;
// hashing ignores it unless Config.RouteAware is set, per §4.1: "Equality ignores the route;
// hashing folds (type, net, addr) and, when route-aware mode is enabled
// process-wide, additionally the route tuple."
type Address struct {
	Kind Kind
	Net  uint16 // valid for RemoteStation/RemoteBroadcast
	Addr []byte // station bytes; empty for broadcast/null/global
	Nat  NativeType

	// Route is an optional next-hop override consulted by the networking
	// layer. It never participates in equality.
	Route *Address
}

// Null returns the null address.
func Null() Address { return Address{Kind: KindNull} }

// LocalBroadcast returns the local-network broadcast address ("*").
func LocalBroadcast() Address { return Address{Kind: KindLocalBroadcast} }

// GlobalBroadcast returns the global broadcast address ("*:*").
func GlobalBroadcast() Address { return Address{Kind: KindGlobalBroadcast} }

// RemoteBroadcastOf returns a RemoteBroadcast(net) address ("N:*").
func RemoteBroadcastOf(net uint16) Address {
	return Address{Kind: KindRemoteBroadcast, Net: net}
}

// LocalStationOf constructs a LocalStation from raw station bytes, inferring
// NativeType from the byte length per §3/§4.1.
func LocalStationOf(addr []byte) (Address, error) {
	nat, err := nativeTypeForLen(len(addr))
	if err != nil {
		return Address{}, err
	}
	return Address{Kind: KindLocalStation, Addr: append([]byte(nil), addr...), Nat: nat}, nil
}

// RemoteStationOf constructs a RemoteStation(net, addr).
func RemoteStationOf(net uint16, addr []byte) (Address, error) {
	if net >= 0xFFFF {
		return Address{}, fmt.Errorf("invalid network number %d: must be < 65535", net)
	}
	nat, err := nativeTypeForLen(len(addr))
	if err != nil {
		return Address{}, err
	}
	return Address{Kind: KindRemoteStation, Net: net, Addr: append([]byte(nil), addr...), Nat: nat}, nil
}

func nativeTypeForLen(n int) (NativeType, error) {
	switch n {
	case 0:
		// zero-length station address is only valid as a broadcast marker,
		// never as a constructed station; caller should use LocalBroadcast.
		return NativeUnknown, fmt.Errorf("address byte length 0 is not a valid station")
	case lenARCNET:
		return NativeARCNET, nil
	case lenVirtual:
		return NativeVirtual, nil
	case lenIPv4, lenEthernet:
		// 6 bytes is ambiguous between IPv4 (host+port) and Ethernet MAC;
		// callers that know which should use the typed constructor below.
		return NativeIPv4, nil
	case lenIPv6:
		return NativeIPv6, nil
	default:
		return NativeUnknown, fmt.Errorf("invalid address byte length %d", n)
	}
}

// IPv4StationOf builds a LocalStation whose 6-byte Addr is host (4 bytes,
// big-endian) followed by port (2 bytes, big-endian), the IPv4 family's
// "bit-exact representation of the native link address" per §3.
func IPv4StationOf(host [4]byte, port uint16) Address {
	b := make([]byte, 6)
	copy(b, host[:])
	b[4] = byte(port >> 8)
	b[5] = byte(port)
	return Address{Kind: KindLocalStation, Addr: b, Nat: NativeIPv4}
}

// IPv4Host returns the 4-byte host portion of an IPv4-native station
// address, and ok=false if this address is not one.
func (a Address) IPv4Host() (host [4]byte, ok bool) {
	if a.Nat != NativeIPv4 || len(a.Addr) != 6 {
		return host, false
	}
	copy(host[:], a.Addr[:4])
	return host, true
}

// IPv4Port returns the port portion of an IPv4-native station address.
func (a Address) IPv4Port() (port uint16, ok bool) {
	if a.Nat != NativeIPv4 || len(a.Addr) != 6 {
		return 0, false
	}
	return uint16(a.Addr[4])<<8 | uint16(a.Addr[5]), true
}

// UDPAddr converts an IPv4-native station address to a net.UDPAddr.
func (a Address) UDPAddr() (net.UDPAddr, bool) {
	host, ok := a.IPv4Host()
	if !ok {
		return net.UDPAddr{}, false
	}
	port, _ := a.IPv4Port()
	return net.UDPAddr{IP: net.IPv4(host[0], host[1], host[2], host[3]), Port: int(port)}, true
}

// IsLocal reports whether the address has no DNET: LocalStation or
// LocalBroadcast.
func (a Address) IsLocal() bool {
	return a.Kind == KindLocalStation || a.Kind == KindLocalBroadcast
}

// IsBroadcast reports whether the address is any of the three broadcast
// variants.
func (a Address) IsBroadcast() bool {
	switch a.Kind {
	case KindLocalBroadcast, KindRemoteBroadcast, KindGlobalBroadcast:
		return true
	default:
		return false
	}
}

// WithRoute returns a copy of a carrying the given next-hop route.
func (a Address) WithRoute(route Address) Address {
	b := a
	r := route
	b.Route = &r
	return b
}

// Equal compares two addresses ignoring Route, per §4.1.
func (a Address) Equal(b Address) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull, KindLocalBroadcast, KindGlobalBroadcast:
		return true
	case KindRemoteBroadcast:
		return a.Net == b.Net
	case KindLocalStation:
		return bytesEqual(a.Addr, b.Addr)
	case KindRemoteStation:
		return a.Net == b.Net && bytesEqual(a.Addr, b.Addr)
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Hash folds (Kind, Net, Addr) into a 64-bit digest using xxhash, the same
// non-cryptographic hash the gopacket ecosystem pulls in for this purpose.
// When cfg.RouteAware is set the Route tuple is folded in too.
func (a Address) Hash(cfg Config) uint64 {
	var buf []byte
	buf = append(buf, byte(a.Kind))
	buf = append(buf, byte(a.Net>>8), byte(a.Net))
	buf = append(buf, a.Addr...)
	if cfg.RouteAware && a.Route != nil {
		buf = append(buf, 0xFF)
		rb := make([]byte, 0, 16)
		rb = append(rb, byte(a.Route.Kind), byte(a.Route.Net>>8), byte(a.Route.Net))
		rb = append(rb, a.Route.Addr...)
		buf = append(buf, rb...)
	}
	return xxhash.Sum64(buf)
}

func (a Address) String() string {
	switch a.Kind {
	case KindNull:
		return "Null"
	case KindLocalBroadcast:
		return "*"
	case KindGlobalBroadcast:
		return "*:*"
	case KindRemoteBroadcast:
		return fmt.Sprintf("%d:*", a.Net)
	case KindLocalStation:
		return stationString(a)
	case KindRemoteStation:
		return fmt.Sprintf("%d:%s", a.Net, stationString(a))
	default:
		return "?"
	}
}

func stationString(a Address) string {
	if a.Nat == NativeIPv4 && len(a.Addr) == 6 {
		host, _ := a.IPv4Host()
		port, _ := a.IPv4Port()
		if port == 47808 {
			return fmt.Sprintf("%d.%d.%d.%d", host[0], host[1], host[2], host[3])
		}
		return fmt.Sprintf("%d.%d.%d.%d:%d", host[0], host[1], host[2], host[3], port)
	}
	return "0x" + hexString(a.Addr)
}

func hexString(b []byte) string {
	const hexdigits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xF]
	}
	return string(out)
}

// --- textual parsing -------------------------------------------------------

var (
	reGlobal     = regexp.MustCompile(`^\*:\*$`)
	reLocalBcast = regexp.MustCompile(`^\*$`)
	reRemoteBcast = regexp.MustCompile(`^(\d+):\*$`)
	reHex        = regexp.MustCompile(`^(?:(\d+):)?0x([0-9A-Fa-f]+)$`)
	reDecimal    = regexp.MustCompile(`^(?:(\d+):)?(\d+)$`)
	reIPv4       = regexp.MustCompile(`^(?:(\d+):)?(\d+)\.(\d+)\.(\d+)\.(\d+)(?:/(\d+(?:\.\d+\.\d+\.\d+)?))?(?::(\d+))?$`)
	reIPv6       = regexp.MustCompile(`^(?:(\d+):)?\[([0-9A-Fa-f:.]+)](?::(\d+))?$`)
)

// ParseAddress parses the textual form `[net:]addr[/mask[:port]][@route]`
// per §4.1, disambiguating by presence of a colon-network, hex prefix,
// dotted-quad or bracketed IPv6 form. `*` means LocalBroadcast, `*:*`
// GlobalBroadcast, `N:*` RemoteBroadcast(N).
func ParseAddress(s string) (Address, error) {
	body := s
	var route *Address
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		body = s[:idx]
		r, err := ParseAddress(s[idx+1:])
		if err != nil {
			return Address{}, fmt.Errorf("invalid route: %w", err)
		}
		route = &r
	}

	addr, err := parseAddressBody(body)
	if err != nil {
		return Address{}, err
	}
	addr.Route = route
	return addr, nil
}

func parseAddressBody(body string) (Address, error) {
	switch {
	case reGlobal.MatchString(body):
		return GlobalBroadcast(), nil
	case reLocalBcast.MatchString(body):
		return LocalBroadcast(), nil
	}

	if m := reRemoteBcast.FindStringSubmatch(body); m != nil {
		net, err := parseNet(m[1])
		if err != nil {
			return Address{}, err
		}
		return RemoteBroadcastOf(net), nil
	}

	if m := reIPv4.FindStringSubmatch(body); m != nil {
		return parseIPv4Match(m)
	}

	if m := reIPv6.FindStringSubmatch(body); m != nil {
		return parseIPv6Match(m)
	}

	if m := reHex.FindStringSubmatch(body); m != nil {
		b, err := hexDecode(m[2])
		if err != nil {
			return Address{}, fmt.Errorf("malformed hex address: %w", err)
		}
		return stationOrRemote(m[1], b)
	}

	if m := reDecimal.FindStringSubmatch(body); m != nil {
		v, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("malformed decimal address: %w", err)
		}
		if v > 255 {
			return Address{}, fmt.Errorf("decimal station address out of range: %d", v)
		}
		return stationOrRemote(m[1], []byte{byte(v)})
	}

	return Address{}, fmt.Errorf("malformed address: %q", body)
}

func stationOrRemote(netPart string, addr []byte) (Address, error) {
	if netPart == "" {
		return LocalStationOf(addr)
	}
	net, err := parseNet(netPart)
	if err != nil {
		return Address{}, err
	}
	return RemoteStationOf(net, addr)
}

func parseNet(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed network number: %w", err)
	}
	if v >= 65535 {
		return 0, fmt.Errorf("invalid network number %d: must be < 65535", v)
	}
	return uint16(v), nil
}

func parseIPv4Match(m []string) (Address, error) {
	var octs [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(m[2+i], 10, 8)
		if err != nil {
			return Address{}, fmt.Errorf("malformed IPv4 octet: %w", err)
		}
		octs[i] = byte(v)
	}
	port := uint16(47808)
	if m[7] != "" {
		v, err := strconv.ParseUint(m[7], 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("malformed port: %w", err)
		}
		port = uint16(v)
	}
	addr := IPv4StationOf(octs, port)
	if m[1] != "" {
		net, err := parseNet(m[1])
		if err != nil {
			return Address{}, err
		}
		addr.Kind = KindRemoteStation
		addr.Net = net
	}
	return addr, nil
}

func parseIPv6Match(m []string) (Address, error) {
	ip := net.ParseIP(m[2])
	if ip == nil || ip.To16() == nil {
		return Address{}, fmt.Errorf("malformed IPv6 address: %q", m[2])
	}
	port := uint16(47808)
	if m[3] != "" {
		v, err := strconv.ParseUint(m[3], 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("malformed port: %w", err)
		}
		port = uint16(v)
	}
	b := make([]byte, 18)
	copy(b, ip.To16())
	b[16] = byte(port >> 8)
	b[17] = byte(port)
	addr := Address{Kind: KindLocalStation, Addr: b, Nat: NativeIPv6}
	if m[1] != "" {
		net, err := parseNet(m[1])
		if err != nil {
			return Address{}, err
		}
		addr.Kind = KindRemoteStation
		addr.Net = net
	}
	return addr, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
