package nsap

import (
	"context"

	"github.com/kuiwang02/bacnet/pkg/bacnet/npdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// handleControlMessage processes one inbound network-layer control
// message, per §4.2/§4.4. fromAdapter is nil when the caller didn't
// identify which attached network the frame arrived on (plain Indication);
// discovery bookkeeping that needs the adapter index is silently skipped
// in that case.
func (n *NetworkServiceAccessPoint) handleControlMessage(ctx context.Context, frame *npdu.NPDU, source pdu.Address, fromAdapter *int) {
	switch msg := frame.Control.(type) {
	case npdu.WhoIsRouterToNetwork:
		n.replyWhoIsRouter(ctx, msg, fromAdapter)
	case npdu.IAmRouterToNetwork:
		if fromAdapter != nil {
			n.learnRoutes(ctx, msg.NetworkList, source, *fromAdapter, RouterAvailable)
		}
	case npdu.RouterBusyToNetwork:
		n.setRouteStatus(msg.NetworkList, RouterBusy)
	case npdu.RouterAvailableToNetwork:
		n.setRouteStatus(msg.NetworkList, RouterAvailable)
	case npdu.WhatIsNetworkNumber:
		n.replyNetworkNumber(ctx, fromAdapter)
	case npdu.NetworkNumberIs:
		n.learnNetworkNumber(msg.Net, fromAdapter)
	default:
		// ICouldBeRouterToNetwork, RejectMessageToNetwork, routing-table
		// maintenance and connection messages are decoded but otherwise
		// unhandled by this NSAP: no routing decision depends on them.
	}
}

func (n *NetworkServiceAccessPoint) replyWhoIsRouter(ctx context.Context, msg npdu.WhoIsRouterToNetwork, fromAdapter *int) {
	var list []uint16
	for i, net := range n.networks {
		if net.network == nil {
			continue
		}
		if fromAdapter != nil && i == *fromAdapter {
			continue
		}
		if msg.Network != nil && *msg.Network != *net.network {
			continue
		}
		list = append(list, *net.network)
	}
	if len(list) == 0 {
		return
	}
	var nc npdu.NPCI
	raw, err := npdu.EncodeControlMessage(nc, npdu.IAmRouterToNetwork{NetworkList: list})
	if err != nil {
		return
	}
	idx := 0
	if fromAdapter != nil {
		idx = *fromAdapter
	}
	n.networks[idx].adapter.Send(ctx, pdu.LocalBroadcast(), raw)
}

func (n *NetworkServiceAccessPoint) replyNetworkNumber(ctx context.Context, fromAdapter *int) {
	if fromAdapter == nil {
		return
	}
	net := n.networks[*fromAdapter]
	if net.network == nil {
		return
	}
	var nc npdu.NPCI
	raw, err := npdu.EncodeControlMessage(nc, npdu.NetworkNumberIs{Net: *net.network, Flag: 1})
	if err != nil {
		return
	}
	net.adapter.Send(ctx, pdu.LocalBroadcast(), raw)
}

func (n *NetworkServiceAccessPoint) learnNetworkNumber(network uint16, fromAdapter *int) {
	if fromAdapter == nil {
		return
	}
	net := n.networks[*fromAdapter]
	if net.network == nil {
		v := network
		net.network = &v
	}
}

// learnRoutes updates the DNET→router cache on an IAmRouterToNetwork and
// flushes any PDUs parked waiting on that DNET, per §4.4 and scenario S6.
func (n *NetworkServiceAccessPoint) learnRoutes(ctx context.Context, networks []uint16, nextHop pdu.Address, adapterIndex int, status RouterStatus) {
	for _, net := range networks {
		n.cache[net] = RouterInfo{NetworkIndex: adapterIndex, NextHop: nextHop, Status: status}
		n.flushPending(ctx, net)
	}
}

func (n *NetworkServiceAccessPoint) setRouteStatus(networks []uint16, status RouterStatus) {
	for _, net := range networks {
		if entry, ok := n.cache[net]; ok {
			entry.Status = status
			n.cache[net] = entry
		}
	}
}

func (n *NetworkServiceAccessPoint) flushPending(ctx context.Context, dnet uint16) {
	queued := n.pending[dnet]
	delete(n.pending, dnet)
	for _, p := range queued {
		entry, ok := n.cache[dnet]
		if !ok {
			p.done <- communicationErrorf("no route to network %d", dnet)
			continue
		}
		p.done <- n.sendOn(p.ctx, entry.NetworkIndex, p.dest.WithRoute(entry.NextHop), p.pci, p.apdu)
	}
}
