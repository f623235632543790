package main

// bacnet-router stands up a BACnet/IPv4 network attachment (Normal, BBMD,
// or Foreign Device) and a Network Service Access Point, and logs traffic
// routed through it.

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kuiwang02/bacnet/internal/pkg/metrics"
	"github.com/kuiwang02/bacnet/internal/pkg/transport"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bip"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bvll"
	"github.com/kuiwang02/bacnet/pkg/bacnet/nsap"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

var (
	flgMode = kingpin.Flag("mode", "Link-layer mode: normal or bbmd.").
		Default("normal").
		Enum("normal", "bbmd")
	flgBind = kingpin.Flag("bind", "Local UDP address to bind, e.g. :47808.").
		Default(":47808").
		String()
	flgBroadcast = kingpin.Flag("broadcast", "Directed broadcast address for the local subnet.").
			String()
	flgBDTPeers = kingpin.Flag("bdt-peer", "BDT peer address (host:port), repeatable. Requires --mode=bbmd.").
			Strings()
	flgForeign = kingpin.Flag("foreign", "Register as a Foreign Device against <bbmd-addr>:<ttl> instead of running locally attached.").
			String()
	flgNetwork = kingpin.Flag("network", "This adapter's BACnet network number, if known.").
			Uint16()
)

func main() {
	kingpin.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	tr, err := transport.New(transport.Config{
		ListenAddr:    *flgBind,
		BroadcastAddr: resolveBroadcast(*flgBroadcast, *flgBind),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Close()

	own := localStationOf(tr, *flgBind)

	mode := bip.ModeNormal
	if *flgMode == "bbmd" {
		mode = bip.ModeBBMD
	}
	if *flgForeign != "" {
		mode = bip.ModeForeign
	}
	cfg := bip.DefaultConfig(mode)

	sink := &loggingSink{}
	adapter := bip.NewAdapter(cfg, own, tr, sink)
	adapter.SetMetrics(m)

	n := nsap.New(sink)
	n.SetMetrics(m)
	sink.nsap = n
	var net *uint16
	if *flgNetwork != 0 {
		v := *flgNetwork
		net = &v
	}
	n.AttachNetwork(adapter, net)

	if mode == bip.ModeBBMD && len(*flgBDTPeers) > 0 {
		var bdt []bvll.BDTEntry
		for _, raw := range *flgBDTPeers {
			bdt = append(bdt, parseBDTEntry(raw))
		}
		adapter.WriteBDT(bdt)
		log.Printf("configured BDT peers: %v", *flgBDTPeers)
	}

	if *flgForeign != "" {
		bbmdAddr, ttl := parseForeign(*flgForeign)
		adapter.Register(ctx, bbmdAddr, ttl)
		log.Printf("registering as foreign device against %v, ttl=%ds", bbmdAddr, ttl)
	}

	log.Printf("bacnet-router listening on %v, mode=%v, own=%v", *flgBind, mode, own)
	n.Run(ctx)
}

// loggingSink implements both bip.NetworkSink and nsap.ApplicationSink,
// logging every inbound APDU that reaches this node (this module does not
// implement the object/property service layer above it).
type loggingSink struct {
	nsap *nsap.NetworkServiceAccessPoint
}

func (s *loggingSink) Indication(ctx context.Context, npdu []byte, source pdu.Address) {
	s.nsap.Indication(ctx, npdu, source)
}

func (s *loggingSink) SapIndication(ctx context.Context, peer pdu.Address, data []byte) {
	log.Printf("APDU from %v (%d bytes)", peer, len(data))
}

func parseBDTEntry(raw string) bvll.BDTEntry {
	addr, err := pdu.ParseAddress(raw)
	if err != nil {
		log.Fatalf("invalid --bdt-peer %q: %v", raw, err)
	}
	host, _ := addr.IPv4Host()
	port, _ := addr.IPv4Port()
	return bvll.BDTEntry{Host: host, Mask: [4]byte{0xFF, 0xFF, 0xFF, 0xFF}, Port: port}
}

func parseForeign(raw string) (pdu.Address, uint16) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		log.Fatalf("invalid --foreign %q: expected <bbmd-addr>:<ttl>", raw)
	}
	addrPart, ttlPart := raw[:idx], raw[idx+1:]
	addr, err := pdu.ParseAddress(addrPart)
	if err != nil {
		log.Fatalf("invalid --foreign address %q: %v", addrPart, err)
	}
	ttl, err := strconv.ParseUint(ttlPart, 10, 16)
	if err != nil {
		log.Fatalf("invalid --foreign ttl %q: %v", ttlPart, err)
	}
	return addr, uint16(ttl)
}

func localStationOf(tr *transport.UDPTransport, bind string) pdu.Address {
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		log.Fatalf("invalid --bind %q: %v", bind, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		log.Fatalf("invalid --bind port %q: %v", portStr, err)
	}
	host, err := outboundIPv4()
	if err != nil {
		log.Fatal(err)
	}
	return pdu.IPv4StationOf(host, uint16(port))
}

func outboundIPv4() ([4]byte, error) {
	var zero [4]byte
	conn, err := net.Dial("udp4", "198.51.100.1:80")
	if err != nil {
		return zero, err
	}
	defer conn.Close()
	ip := conn.LocalAddr().(*net.UDPAddr).IP.To4()
	var host [4]byte
	copy(host[:], ip)
	return host, nil
}

func resolveBroadcast(broadcast, bind string) *net.UDPAddr {
	if broadcast == "" {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp4", broadcast)
	if err != nil {
		log.Fatalf("invalid --broadcast %q: %v", broadcast, err)
	}
	return addr
}
