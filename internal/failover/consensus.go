package failover

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ocx/pgproxy/internal/metrics"
	"github.com/ocx/pgproxy/internal/registry"
)

// Decision is the outcome of Consensus.Decide, §4.J.
type Decision int

const (
	Proceed Decision = iota
	NoQuorum
	BuildingConsensus
	ConsensusMayFail
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case NoQuorum:
		return "no_quorum"
	case BuildingConsensus:
		return "building_consensus"
	case ConsensusMayFail:
		return "consensus_may_fail"
	default:
		return "unknown"
	}
}

// FailoverObject accumulates votes at the coordinator for one in-flight
// failover decision, keyed by (kind, sortedNodeList), §3/§4.J.
type FailoverObject struct {
	Kind             registry.OpKind
	NodeList         []int
	RequestingPeers  map[string]bool
	VoteCount        int
	StartTime        time.Time
}

func failoverKey(kind registry.OpKind, nodeIDs []int) string {
	sorted := sortedNodeList(nodeIDs)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%d:%s", kind, strings.Join(parts, ","))
}

// Policy controls the tunables §4.J names: quorum/half-votes policy and
// which kinds bypass consensus entirely.
type Policy struct {
	TotalPeers         int // N, configured watchdog peers including self
	HalfVotesPolicy    bool
	QuorumRequired     bool
	NoConsensusKinds   map[registry.OpKind]bool
	AllowMultiVote     bool
	ObjectTimeout      time.Duration
}

// MinVotesForConsensus implements §4.J's formula: for odd N, (N+1)/2; for
// even N, N/2 or N/2+1 depending on the half-votes policy.
func (p Policy) MinVotesForConsensus() int {
	n := p.TotalPeers
	if n%2 == 1 {
		return (n + 1) / 2
	}
	if p.HalfVotesPolicy {
		return n / 2
	}
	return n/2 + 1
}

// QuorumThreshold implements §4.J step 2's quorum formula: standby count
// ≥ ⌈(N−1)/2⌉.
func (p Policy) QuorumThreshold() int {
	return p.TotalPeers / 2 // ceil((N-1)/2) simplifies to N/2 for integer N
}

// Consensus is the failover consensus engine of §4.J. Only the coordinator
// runs it; a standby watchdog never calls Decide.
type Consensus struct {
	mu      sync.Mutex
	policy  Policy
	objects map[string]*FailoverObject
	reg     *registry.Registry
	metrics *metrics.Recorder
}

// NewConsensus binds a consensus engine to its policy and the shared
// registry it mutates on Proceed.
func NewConsensus(policy Policy, reg *registry.Registry) *Consensus {
	return &Consensus{
		policy:  policy,
		objects: make(map[string]*FailoverObject),
		reg:     reg,
	}
}

// WithMetrics attaches a Prometheus recorder; nil is valid and leaves the
// engine uninstrumented.
func (c *Consensus) WithMetrics(m *metrics.Recorder) *Consensus {
	c.metrics = m
	return c
}

// Decide runs the §4.J decision tree for one incoming failover request.
// standbyCount is the current count of live standby watchdog peers, sampled
// by the caller just before invoking Decide (so the engine itself stays
// free of knowledge about the watchdog transport).
func (c *Consensus) Decide(req registry.NodeOpRequest, requestingPeer string, standbyCount int, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.policy.NoConsensusKinds[req.Kind] || req.Confirmed || !c.policy.QuorumRequired {
		c.executeLocked(req)
		c.metrics.RecordFailoverDecision(Proceed.String())
		return Proceed
	}

	if standbyCount < c.policy.QuorumThreshold() {
		c.metrics.RecordFailoverDecision(NoQuorum.String())
		return NoQuorum
	}

	key := failoverKey(req.Kind, []int{req.NodeID})
	obj, exists := c.objects[key]
	if !exists {
		obj = &FailoverObject{
			Kind:            req.Kind,
			NodeList:        []int{req.NodeID},
			RequestingPeers: make(map[string]bool),
			StartTime:       now,
		}
		c.objects[key] = obj
	}

	if obj.RequestingPeers[requestingPeer] && !c.policy.AllowMultiVote {
		c.metrics.RecordFailoverDecision(ConsensusMayFail.String())
		return ConsensusMayFail
	}
	obj.RequestingPeers[requestingPeer] = true
	obj.VoteCount++

	if obj.VoteCount >= c.policy.MinVotesForConsensus() {
		delete(c.objects, key)
		c.executeLocked(req)
		c.metrics.SetFailoverPending(len(c.objects))
		c.metrics.RecordFailoverDecision(Proceed.String())
		return Proceed
	}

	c.metrics.SetFailoverPending(len(c.objects))
	c.metrics.RecordFailoverDecision(BuildingConsensus.String())
	return BuildingConsensus
}

// executeLocked applies the decided node operation to the shared registry.
// Callers must hold c.mu (Decide calls this while locked).
func (c *Consensus) executeLocked(req registry.NodeOpRequest) {
	if req.UpdateOnly {
		c.applyStatus(req)
		return
	}
	c.applyStatus(req)
}

func (c *Consensus) applyStatus(req registry.NodeOpRequest) {
	switch req.Kind {
	case registry.OpDown, registry.OpQuarantine:
		status := registry.StatusDown
		if req.Kind == registry.OpQuarantine {
			status = registry.StatusQuarantined
		}
		c.reg.SetStatus(req.NodeID, status)
	case registry.OpUp, registry.OpRecovery:
		c.reg.SetStatus(req.NodeID, registry.StatusUp)
	case registry.OpCloseIdle:
		// handled by the pool layer directly; the registry has no state to
		// change for this op.
	case registry.OpPromote:
		c.reg.SetRole(req.NodeID, registry.RolePrimary)
		c.reg.SetStatus(req.NodeID, registry.StatusUp)
	}
}

// Sweep retires FailoverObjects older than the configured timeout (default
// 15s per §4.J), returning the keys retired so callers can log/metric them.
func (c *Consensus) Sweep(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var retired []string
	for key, obj := range c.objects {
		if now.Sub(obj.StartTime) >= c.policy.ObjectTimeout {
			retired = append(retired, key)
			delete(c.objects, key)
		}
	}
	c.metrics.SetFailoverPending(len(c.objects))
	return retired
}

// PendingCount reports the number of in-flight FailoverObjects, for
// metrics/admin.
func (c *Consensus) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// ShouldResign implements §4.J's special-case coordinator resignation: the
// coordinator itself voted Down for the primary, consensus could not be
// built, and the primary is now Quarantined with no other Up primary.
func ShouldResign(primaryNodeID int, descriptors []registry.BackendDescriptor) bool {
	var primaryQuarantined bool
	var anyOtherUpPrimary bool
	for _, d := range descriptors {
		if d.NodeID == primaryNodeID && d.Status == registry.StatusQuarantined {
			primaryQuarantined = true
		}
		if d.NodeID != primaryNodeID && d.Role == registry.RolePrimary && d.Status == registry.StatusUp {
			anyOtherUpPrimary = true
		}
	}
	return primaryQuarantined && !anyOtherUpPrimary
}
