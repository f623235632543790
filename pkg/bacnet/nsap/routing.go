package nsap

import (
	"context"

	"github.com/kuiwang02/bacnet/pkg/bacnet/npdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

const defaultHopCount = 255

// route implements §4.4's outbound-routing algorithm. It always runs on
// the NSAP's own goroutine.
func (n *NetworkServiceAccessPoint) route(ctx context.Context, dest pdu.Address, pci pdu.PCI, apduBytes []byte, result chan<- error) {
	if dest.IsLocal() {
		n.routeLocal(ctx, dest, pci, apduBytes, result)
		return
	}

	dnet := dest.Net
	if dest.Kind == pdu.KindGlobalBroadcast {
		dnet = 0xFFFF
	}

	if idx, ok := n.directNetworkIndex(dnet); ok {
		result <- n.sendOn(ctx, idx, dest, pci, apduBytes)
		return
	}

	if entry, ok := n.cache[dnet]; ok {
		n.metrics.RecordRouterCacheHit()
		result <- n.sendOn(ctx, entry.NetworkIndex, dest.WithRoute(entry.NextHop), pci, apduBytes)
		return
	}

	n.metrics.RecordRouterCacheMiss()
	n.broadcastWhoIsRouter(ctx, dnet)
	n.pending[dnet] = append(n.pending[dnet], pendingPDU{ctx: ctx, dest: dest, pci: pci, apdu: apduBytes, done: result})
}

func (n *NetworkServiceAccessPoint) routeLocal(ctx context.Context, dest pdu.Address, pci pdu.PCI, apduBytes []byte, result chan<- error) {
	if len(n.networks) == 0 {
		result <- communicationErrorf("no attached network to route local destination %v", dest)
		return
	}
	idx := 0
	if dest.Route != nil {
		if i, ok := n.adapterIndexForAddress(*dest.Route); ok {
			idx = i
		}
	}
	adapter := n.networks[idx].adapter
	result <- adapter.Send(ctx, dest, apduBytes)
}

func (n *NetworkServiceAccessPoint) adapterIndexForAddress(addr pdu.Address) (int, bool) {
	for i, net := range n.networks {
		if net.adapter.Address().Equal(addr) {
			return i, true
		}
	}
	return 0, false
}

func (n *NetworkServiceAccessPoint) directNetworkIndex(dnet uint16) (int, bool) {
	for i, net := range n.networks {
		if net.network != nil && *net.network == dnet {
			return i, true
		}
	}
	return 0, false
}

// sendOn encodes an NPDU for an APDU destined for dest (Remote* or Global)
// and sends it out the named adapter. When the adapter's own network
// matches dest's, DADR/hop-count are omitted (this is a directly attached
// network, handled as a local send).
func (n *NetworkServiceAccessPoint) sendOn(ctx context.Context, idx int, dest pdu.Address, pci pdu.PCI, apduBytes []byte) error {
	net := n.networks[idx]
	var nc npdu.NPCI
	nc.ExpectingReply = pci.ExpectingReply
	nc.NetworkPriority = pci.NetworkPriority

	local := toLocalStation(dest)
	if net.network == nil || (dest.Kind != pdu.KindGlobalBroadcast && dest.Net != *net.network) {
		if err := nc.SetDestination(dest, defaultHopCount); err != nil {
			return communicationErrorf("encode NPCI destination: %v", err)
		}
		local = localAddrFor(dest)
	}

	raw, err := npdu.EncodeAPDU(nc, apduBytes)
	if err != nil {
		return communicationErrorf("encode NPDU: %v", err)
	}
	return net.adapter.Send(ctx, local, raw)
}

// localAddrFor resolves the link-layer destination for a remote/global
// network address: the address carried on dest.Route (the next hop set by
// the router cache) if present, else the station address itself
// reinterpreted as local (the directly-attached-network case).
func localAddrFor(dest pdu.Address) pdu.Address {
	if dest.Route != nil {
		return *dest.Route
	}
	return toLocalStation(dest)
}

// toLocalStation reinterprets a RemoteStation/RemoteBroadcast/GlobalBroadcast
// address as the equivalent LocalStation/LocalBroadcast address on the
// network it is now being delivered onto directly.
func toLocalStation(addr pdu.Address) pdu.Address {
	switch addr.Kind {
	case pdu.KindRemoteStation:
		local, err := pdu.LocalStationOf(addr.Addr)
		if err != nil {
			return pdu.LocalBroadcast()
		}
		return local
	case pdu.KindRemoteBroadcast, pdu.KindGlobalBroadcast:
		return pdu.LocalBroadcast()
	default:
		return addr
	}
}

func (n *NetworkServiceAccessPoint) broadcastWhoIsRouter(ctx context.Context, dnet uint16) {
	net := dnet
	msg := npdu.WhoIsRouterToNetwork{Network: &net}
	var nc npdu.NPCI
	raw, err := npdu.EncodeControlMessage(nc, msg)
	if err != nil {
		return
	}
	for _, a := range n.networks {
		a.adapter.Send(ctx, pdu.LocalBroadcast(), raw)
	}
}

// forward implements §4.4's inbound-routing-at-a-router-node algorithm: if
// the NPCI's DADR refers to a reachable network, decrement hop count
// (dropping at 0) and forward via the matching adapter. Returns true if
// the frame was forwarded or dropped for an exhausted hop count (the
// caller must not also deliver it upward as if addressed to this node),
// false if it should be treated as locally addressed (a global broadcast
// is relayed and still returns false).
func (n *NetworkServiceAccessPoint) forward(ctx context.Context, frame *npdu.NPDU, dadr pdu.Address, fromAdapter int) bool {
	hop := defaultHopCount
	if frame.HopCount != nil {
		hop = int(*frame.HopCount)
	}
	if hop == 0 {
		return true // drop: hop count exhausted
	}
	hop--

	dnet := dadr.Net
	global := dadr.Kind == pdu.KindGlobalBroadcast
	if global {
		dnet = 0xFFFF
	}

	if idx, ok := n.directNetworkIndex(dnet); ok && !global {
		n.relay(ctx, idx, dadr, frame, hop, localAddrFor(dadr))
		return true
	}

	if entry, ok := n.cache[dnet]; ok && !global {
		n.relay(ctx, entry.NetworkIndex, dadr, frame, hop, entry.NextHop)
		return true
	}

	if global {
		for i := range n.networks {
			if i == fromAdapter {
				continue
			}
			n.relay(ctx, i, dadr, frame, hop, pdu.LocalBroadcast())
		}
		return false // also deliver up: global broadcast includes this node
	}

	return false // unknown DNET: treat as locally addressed (best effort)
}

func (n *NetworkServiceAccessPoint) relay(ctx context.Context, idx int, dadr pdu.Address, frame *npdu.NPDU, hop int, linkDest pdu.Address) {
	var nc npdu.NPCI
	h := uint8(hop)
	nc.HopCount = &h
	net := dadr.Net
	if dadr.Kind == pdu.KindGlobalBroadcast {
		net = 0xFFFF
	}
	nc.DestinationNet = &net
	if dadr.Kind == pdu.KindRemoteStation {
		nc.DestinationAddr = append([]byte(nil), dadr.Addr...)
	}
	if sadr, ok := frame.Source(); ok {
		nc.SetSource(sadr)
	}

	var raw []byte
	var err error
	if frame.IsNetworkLayerMessage() {
		raw, err = npdu.EncodeControlMessage(nc, frame.Control)
	} else {
		raw, err = npdu.EncodeAPDU(nc, frame.APDU)
	}
	if err != nil {
		return
	}
	n.networks[idx].adapter.Send(ctx, linkDest, raw)
}
