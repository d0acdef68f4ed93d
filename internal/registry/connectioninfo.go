package registry

import (
	"sync"
)

// ConnectionInfo is the shared cross-worker table keyed by (pid,cancelKey)
// that the cancel-request path of §4.D consults: "look up pid+key in the
// shared ConnectionInfo table across all workers' pools, forward a matching
// CancelRequest frame to each valid backend of that pool."
type ConnectionInfo struct {
	mu      sync.RWMutex
	byKey   map[cancelKey]*CancelTarget
}

type cancelKey struct {
	pid uint32
	key uint32
}

// CancelTarget is what a worker publishes for its active session so another
// worker's cancel-request handling can find it: per backend-node address,
// the backend's own (pid,key) pair to forward the CancelRequest with.
type CancelTarget struct {
	WorkerID int
	Backends []CancelBackend
}

// CancelBackend is one backend connection's address and cancellation
// credentials, as needed to build a forwarded CancelRequest frame.
type CancelBackend struct {
	NodeID  int
	Address string
	PID     uint32
	Key     uint32
}

// NewConnectionInfo builds an empty shared table.
func NewConnectionInfo() *ConnectionInfo {
	return &ConnectionInfo{byKey: make(map[cancelKey]*CancelTarget)}
}

// Publish registers the frontend-facing (pid,key) pair for an active
// session, called once the session's fresh/reuse path has an entry.
func (c *ConnectionInfo) Publish(pid, key uint32, target *CancelTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[cancelKey{pid, key}] = target
}

// Unpublish removes a session's cancel-routing entry on session end.
func (c *ConnectionInfo) Unpublish(pid, key uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, cancelKey{pid, key})
}

// Lookup finds the cancel target for a given frontend (pid,key) pair.
func (c *ConnectionInfo) Lookup(pid, key uint32) (*CancelTarget, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byKey[cancelKey{pid, key}]
	return t, ok
}
