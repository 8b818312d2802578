// Package cache holds the latest snapshot per device for the web API. The
// poller writes after every successful poll; web handlers read snapshot and
// age without touching the transport.
package cache

import (
	"sync"
	"time"

	"pdu-bridge/pkg/pdu"
)

type entry struct {
	snap *pdu.Snapshot
	at   time.Time
}

// Cache is the per-device snapshot cache
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty cache
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Update stores the latest snapshot for a device
func (c *Cache) Update(deviceID string, snap *pdu.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[deviceID] = entry{snap: snap, at: time.Now()}
}

// Get returns the cached snapshot and its age. ok is false when the device
// has never produced a snapshot.
func (c *Cache) Get(deviceID string) (snap *pdu.Snapshot, age time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	if !ok {
		return nil, 0, false
	}
	return e.snap, time.Since(e.at), true
}

// Forget drops a device's cached snapshot (device unregistered)
func (c *Cache) Forget(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, deviceID)
}
