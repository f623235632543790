// Package netinfo is the device-information-cache collaborator named in
// §6: a small mutex-guarded map from peer address to the segmentation/
// max-APDU parameters the ASAP clamps its SSMs against, per §4.5's
// indication() pre-flight checks.
package netinfo

import (
	"sync"

	"github.com/kuiwang02/bacnet/pkg/bacnet/appservice"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// Cache is the concrete appservice.DeviceInfoCache: a plain map guarded by
// a mutex, since peer lookups happen far more often than updates and
// there's no transaction fan-out here to justify the run-loop-channel
// pattern used by appservice and nsap.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]appservice.PeerInfo
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{byKey: make(map[string]appservice.PeerInfo)}
}

func key(addr pdu.Address) string { return addr.String() }

// Get implements appservice.DeviceInfoCache.
func (c *Cache) Get(addr pdu.Address) (appservice.PeerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byKey[key(addr)]
	return info, ok
}

// Update implements appservice.DeviceInfoCache.
func (c *Cache) Update(addr pdu.Address, info appservice.PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key(addr)] = info
}

// Delete drops a peer's cached parameters, e.g. when a communication
// error indicates the peer restarted with different capabilities.
func (c *Cache) Delete(addr pdu.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, key(addr))
}

// Len reports the number of cached peers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
