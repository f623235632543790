package appservice

import "github.com/kuiwang02/bacnet/pkg/bacnet/pdu"

// PeerInfo is the subset of the device-info cache (§6 "Device-info cache")
// the SSMs need to size segments and validate a peer's advertised
// capabilities.
type PeerInfo struct {
	MaxApduLengthAccepted int
	MaxNpduLength         int
	MaxSegmentsAccepted   int
	SegmentationSupported SegmentationSupport
	VendorID              uint16
}

// DeviceInfoCache is the collaborator interface named in §6. A nil cache is
// valid: Get always misses and Update is a no-op, which degrades every
// "clamp by cached peer info" step to "use what the wire told us."
type DeviceInfoCache interface {
	Get(addr pdu.Address) (PeerInfo, bool)
	Update(addr pdu.Address, info PeerInfo)
}

type nullDeviceInfoCache struct{}

func (nullDeviceInfoCache) Get(pdu.Address) (PeerInfo, bool)  { return PeerInfo{}, false }
func (nullDeviceInfoCache) Update(pdu.Address, PeerInfo)      {}
