// Package registry implements the process-wide Shared Cluster Registry of
// spec.md §4.C: backend descriptors, the bounded failover request queue,
// the connection counter, and the single-writer/multi-reader fields that
// govern which node is master/primary.
//
// Grounded on the teacher's internal/ghostpool pool-wide bookkeeping and
// internal/federation's node-list handling, generalized from a sandbox
// scheduler's worker registry to a PostgreSQL backend registry.
package registry

import (
	"sync"
	"time"

	"github.com/ocx/pgproxy/internal/metrics"
)

// NodeStatus is a BackendDescriptor's liveness status (§3).
type NodeStatus int

const (
	StatusUp NodeStatus = iota
	StatusConnectWait
	StatusDown
	StatusQuarantined
)

func (s NodeStatus) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusConnectWait:
		return "connect_wait"
	case StatusDown:
		return "down"
	case StatusQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// NodeRole is a BackendDescriptor's replication role.
type NodeRole int

const (
	RolePrimary NodeRole = iota
	RoleStandby
	RoleUnknown
)

func (r NodeRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// BackendDescriptor is the configured identity plus live status of one
// backend node (§3).
type BackendDescriptor struct {
	NodeID   int
	Hostname string
	Port     int
	Weight   float64
	Role     NodeRole
	Status   NodeStatus
}

// OpKind is a NodeOpRequest's kind (§4.C reqQueue).
type OpKind int

const (
	OpUp OpKind = iota
	OpDown
	OpRecovery
	OpCloseIdle
	OpPromote
	OpQuarantine
)

func (k OpKind) String() string {
	switch k {
	case OpUp:
		return "up"
	case OpDown:
		return "down"
	case OpRecovery:
		return "recovery"
	case OpCloseIdle:
		return "close_idle"
	case OpPromote:
		return "promote"
	case OpQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// NodeOpRequest is one entry in the bounded reqQueue, producers are any
// worker, the consumer is the parent/coordinator goroutine.
type NodeOpRequest struct {
	NodeID        int
	Kind          OpKind
	Switchover    bool
	FromWatchdog  bool
	Confirmed     bool
	UpdateOnly    bool
	EnqueuedAt    time.Time
}

const reqQueueCapacity = 64

// Registry is the ClusterRegistry of §4.C.
type Registry struct {
	descMu sync.RWMutex
	desc   []BackendDescriptor

	qMu   sync.Mutex
	ring  []NodeOpRequest
	head  int
	tail  int
	count int

	connMu      sync.Mutex
	connCounter int

	stateMu       sync.RWMutex
	masterNodeID  int
	primaryNodeID int
	switching     bool

	metrics *metrics.Recorder
	mirror  Mirror
}

// Mirror publishes status changes to a cross-host store so a second
// pgproxy host (or an operator dashboard polling Redis directly) can see
// this registry's view without a direct watchdog connection. Satisfied by
// RedisMirror; nil is valid and simply skips publishing.
type Mirror interface {
	PublishStatus(nodeID int, status string)
}

// WithMetrics attaches a Prometheus recorder; nil is valid and leaves the
// registry uninstrumented.
func (r *Registry) WithMetrics(m *metrics.Recorder) *Registry {
	r.metrics = m
	return r
}

// WithMirror attaches a cross-host registry mirror; nil is valid and leaves
// the registry purely in-process.
func (r *Registry) WithMirror(m Mirror) *Registry {
	r.mirror = m
	return r
}

// New builds a registry seeded with the given backend descriptors.
func New(descriptors []BackendDescriptor) *Registry {
	r := &Registry{
		desc:          append([]BackendDescriptor(nil), descriptors...),
		ring:          make([]NodeOpRequest, reqQueueCapacity),
		primaryNodeID: -1,
	}
	r.recomputeMasterLocked()
	return r
}

// Descriptors returns a snapshot copy of all backend descriptors — the
// "private copy taken at worker start" pattern of §4.C.
func (r *Registry) Descriptors() []BackendDescriptor {
	r.descMu.RLock()
	defer r.descMu.RUnlock()
	out := make([]BackendDescriptor, len(r.desc))
	copy(out, r.desc)
	return out
}

// Descriptor returns a copy of one node's descriptor.
func (r *Registry) Descriptor(nodeID int) (BackendDescriptor, bool) {
	r.descMu.RLock()
	defer r.descMu.RUnlock()
	for _, d := range r.desc {
		if d.NodeID == nodeID {
			return d, true
		}
	}
	return BackendDescriptor{}, false
}

// SetStatus updates one node's status (single-writer: the parent/coordinator
// applying a NodeOpRequest) and recomputes masterNodeId.
func (r *Registry) SetStatus(nodeID int, status NodeStatus) {
	r.descMu.Lock()
	var from NodeStatus
	changed := false
	for i := range r.desc {
		if r.desc[i].NodeID == nodeID {
			from = r.desc[i].Status
			changed = from != status
			r.desc[i].Status = status
			break
		}
	}
	r.descMu.Unlock()
	r.recomputeMasterLocked()
	if changed {
		r.metrics.RecordBackendTransition(nodeID, from.String(), status.String())
		if r.mirror != nil {
			r.mirror.PublishStatus(nodeID, status.String())
		}
	}
}

// SetRole updates one node's replication role, used when streaming
// replication promotes a standby to primary.
func (r *Registry) SetRole(nodeID int, role NodeRole) {
	r.descMu.Lock()
	for i := range r.desc {
		if r.desc[i].NodeID == nodeID {
			r.desc[i].Role = role
		}
	}
	r.descMu.Unlock()
	if role == RolePrimary {
		r.stateMu.Lock()
		r.primaryNodeID = nodeID
		r.stateMu.Unlock()
	}
}

// recomputeMasterLocked sets masterNodeId to the lowest-indexed Up node,
// invariant 4's "exactly one masterNode at any stable point".
func (r *Registry) recomputeMasterLocked() {
	r.descMu.RLock()
	lowest := -1
	for _, d := range r.desc {
		if d.Status == StatusUp && (lowest == -1 || d.NodeID < lowest) {
			lowest = d.NodeID
		}
	}
	r.descMu.RUnlock()

	r.stateMu.Lock()
	r.masterNodeID = lowest
	r.stateMu.Unlock()
}

// MasterNodeID returns the lowest-indexed live node.
func (r *Registry) MasterNodeID() int {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.masterNodeID
}

// PrimaryNodeID returns the current streaming-replication primary, or -1.
func (r *Registry) PrimaryNodeID() int {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.primaryNodeID
}

// SetSwitching toggles the failover-in-progress flag; single-writer (the
// failover coordinator).
func (r *Registry) SetSwitching(v bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.switching = v
}

// Switching reports whether a failover is currently in progress.
func (r *Registry) Switching() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.switching
}

// Enqueue pushes a NodeOpRequest onto the bounded ring; returns false if the
// ring is full (producers are any worker; §4.C calls for signal-safety
// around connCounter, not this queue, since request enqueue only happens on
// the normal goroutine path here rather than inside a signal handler).
func (r *Registry) Enqueue(req NodeOpRequest) bool {
	r.qMu.Lock()
	defer r.qMu.Unlock()
	if r.count == len(r.ring) {
		return false
	}
	req.EnqueuedAt = time.Now()
	r.ring[r.tail] = req
	r.tail = (r.tail + 1) % len(r.ring)
	r.count++
	return true
}

// Dequeue pops the oldest NodeOpRequest; the consumer is the
// parent/coordinator goroutine.
func (r *Registry) Dequeue() (NodeOpRequest, bool) {
	r.qMu.Lock()
	defer r.qMu.Unlock()
	if r.count == 0 {
		return NodeOpRequest{}, false
	}
	req := r.ring[r.head]
	r.head = (r.head + 1) % len(r.ring)
	r.count--
	return req, true
}

// QueueLen reports the number of pending requests, for metrics/admin.
func (r *Registry) QueueLen() int {
	r.qMu.Lock()
	defer r.qMu.Unlock()
	return r.count
}

// IncConn increments connCounter, invariant 3. Callers on the accept path
// must hold off SIGTERM/SIGINT delivery around this call in a real signal
// handler installation; this package only provides the guarded counter.
func (r *Registry) IncConn() int {
	r.connMu.Lock()
	r.connCounter++
	n := r.connCounter
	r.connMu.Unlock()
	r.metrics.SetConnCounter(n)
	return n
}

// DecConn decrements connCounter.
func (r *Registry) DecConn() int {
	r.connMu.Lock()
	if r.connCounter > 0 {
		r.connCounter--
	}
	n := r.connCounter
	r.connMu.Unlock()
	r.metrics.SetConnCounter(n)
	return n
}

// ConnCount reads connCounter.
func (r *Registry) ConnCount() int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.connCounter
}

// LiveNodeIDs returns the node ids currently Up, lowest first.
func (r *Registry) LiveNodeIDs() []int {
	r.descMu.RLock()
	defer r.descMu.RUnlock()
	var ids []int
	for _, d := range r.desc {
		if d.Status == StatusUp {
			ids = append(ids, d.NodeID)
		}
	}
	return ids
}
