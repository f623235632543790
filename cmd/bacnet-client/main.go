package main

// bacnet-client sends a single confirmed request (an opaque payload; this
// module does not implement the object/property service layer) to a peer
// and prints the reassembled reply or abort, exercising the ASAP and
// ClientSSM end to end.

import (
	"context"
	"log"
	"net"
	"strconv"

	"github.com/alecthomas/kingpin"

	"github.com/kuiwang02/bacnet/internal/pkg/transport"
	"github.com/kuiwang02/bacnet/pkg/bacnet/apdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/appservice"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bip"
	"github.com/kuiwang02/bacnet/pkg/bacnet/nsap"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

const testServiceChoice = 0x0C // ReadProperty, per ASHRAE 135 clause 15.5; payload is opaque to this module

var (
	argPeer = kingpin.Arg("peer", "Peer address, e.g. 192.168.1.10:47808.").
		Required().
		String()
	flgBind = kingpin.Flag("bind", "Local UDP address to bind.").
		Default(":0").
		String()
	flgInvokeID = kingpin.Flag("invoke-id", "Expected invoke ID; the ASAP always allocates its own, and a different allocation is logged.").
			Uint8()
	flgPayloadSize = kingpin.Flag("payload-size", "Size in bytes of the test payload (>maxApduLengthAccepted forces segmentation).").
			Default("4").
			Int()
	flgTimeout = kingpin.Flag("timeout", "Time to wait for a reply.").
			Default("5s").
			Duration()
)

func main() {
	kingpin.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *flgTimeout)
	defer cancel()

	peer, err := pdu.ParseAddress(*argPeer)
	if err != nil {
		log.Fatalf("invalid peer address %q: %v", *argPeer, err)
	}

	tr, err := transport.New(transport.Config{ListenAddr: *flgBind})
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Close()

	own := localStationOf(tr, *flgBind)
	adapter := bip.NewAdapter(bip.DefaultConfig(bip.ModeNormal), own, tr, nil)

	app := &printingApplication{done: make(chan struct{})}

	// The ASAP needs a Downstream that is the NSAP, and the NSAP needs an
	// ApplicationSink that is the ASAP: bridge breaks the construction
	// cycle by deferring the lookup of asap until after it exists.
	bridge := &asapBridge{}
	n := nsap.New(bridge)
	n.AttachNetwork(adapter, nil)

	asap := appservice.NewApplicationServiceAccessPoint(appservice.DefaultConfig(), n, app, nil)
	bridge.asap = asap

	go n.Run(ctx)
	go asap.Run(ctx)

	payload := make([]byte, *flgPayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	invokeID, err := asap.Request(ctx, peer, testServiceChoice, payload)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	if *flgInvokeID != 0 && *flgInvokeID != invokeID {
		log.Printf("note: --invoke-id is informational only; ASAP allocated %d", invokeID)
	}
	log.Printf("sent ConfirmedRequest invoke-id=%d to %v (%d bytes)", invokeID, peer, len(payload))

	select {
	case <-app.done:
		log.Printf("result: %v", app.result)
	case <-ctx.Done():
		log.Fatal("timed out waiting for reply")
	}
}

// printingApplication is the Application collaborator for a client-only
// binary: it never receives Indication (nothing calls this node), and
// reports the single Confirmation it expects.
type printingApplication struct {
	done   chan struct{}
	result apdu.APDU
}

func (a *printingApplication) Confirmation(ctx context.Context, peer pdu.Address, invokeID uint8, result apdu.APDU) {
	a.result = result
	close(a.done)
}

func (a *printingApplication) Indication(ctx context.Context, peer pdu.Address, invokeID uint8, confirmed bool, serviceChoice uint8, data []byte, respond func(apdu.APDU)) {
}

// asapBridge adapts nsap.ApplicationSink's SapIndication signature onto a
// not-yet-constructed ASAP; it exists only to break the NSAP/ASAP
// construction cycle, since each needs a handle to the other.
type asapBridge struct {
	asap *appservice.ApplicationServiceAccessPoint
}

func (s *asapBridge) SapIndication(ctx context.Context, peer pdu.Address, data []byte) {
	s.asap.SapIndication(ctx, peer, data)
}

func localStationOf(tr *transport.UDPTransport, bind string) pdu.Address {
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		log.Fatalf("invalid --bind %q: %v", bind, err)
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
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
