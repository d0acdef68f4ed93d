// Package failover implements the Failover Request Channel (§4.F) and the
// Failover Consensus Engine (§4.J).
//
// Grounded on the teacher's internal/circuitbreaker state-transition
// discipline (explicit decision enum, timeout sweep) and
// internal/federation's vote/quorum bookkeeping, generalized from circuit
// trip decisions to cluster failover decisions.
package failover

import (
	"sort"

	"github.com/ocx/pgproxy/internal/registry"
)

// Channel is the worker-facing RequestNodeOp entry point of §4.F: workers
// enqueue NodeOpRequests into the shared registry's reqQueue; a single
// parent-side consumer goroutine drains it, coalescing duplicate pending
// requests for the same (kind, nodeID) before handing each surviving
// request to the Consensus engine.
type Channel struct {
	reg *registry.Registry
}

// NewChannel binds a request channel to the shared registry it enqueues
// into and drains from.
func NewChannel(reg *registry.Registry) *Channel {
	return &Channel{reg: reg}
}

// RequestNodeOp enqueues a NodeOpRequest for each of nodeIDs, returning false
// if the bounded ring was full for any of them (the caller, a worker, should
// treat this as the request being dropped — the periodic health-check retry
// or next client error will produce another attempt).
func (c *Channel) RequestNodeOp(kind registry.OpKind, nodeIDs []int, flags registry.NodeOpRequest) bool {
	ok := true
	for _, id := range nodeIDs {
		req := flags
		req.NodeID = id
		req.Kind = kind
		if !c.reg.Enqueue(req) {
			ok = false
		}
	}
	return ok
}

// Drain pulls every currently queued request and coalesces duplicates
// (same kind+nodeID), keeping the most recently enqueued copy's flags
// since a later request reflects the freshest view (e.g. Confirmed may
// have flipped true). The parent's consumer loop calls this once per
// wakeup and feeds the result to Consensus.Decide.
func (c *Channel) Drain() []registry.NodeOpRequest {
	type coalesceKey struct {
		kind   registry.OpKind
		nodeID int
	}
	seen := make(map[coalesceKey]int)
	var out []registry.NodeOpRequest

	for {
		req, ok := c.reg.Dequeue()
		if !ok {
			break
		}
		k := coalesceKey{kind: req.Kind, nodeID: req.NodeID}
		if idx, exists := seen[k]; exists {
			out[idx] = req // replace with the freshest flags
			continue
		}
		seen[k] = len(out)
		out = append(out, req)
	}
	return out
}

// sortedNodeList canonicalizes a node id list for FailoverObject keying
// (§4.J step 3, "keyed by (kind, sortedNodeList)").
func sortedNodeList(nodeIDs []int) []int {
	out := append([]int(nil), nodeIDs...)
	sort.Ints(out)
	return out
}
