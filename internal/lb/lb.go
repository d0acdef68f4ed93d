// Package lb implements the load-balancer of spec.md §4.E: SelectNode picks
// a backend node id for a new session, honoring redirect preference lists
// and weighted-random distribution among live nodes.
//
// Grounded on the teacher's internal/ghostpool scheduling weight handling,
// generalized from sandbox placement weights to PostgreSQL backend weights,
// and on the weighted server-pool model in the npezzotti-nlb reference
// (server_pool.go's cumulative-weight selection).
package lb

import (
	"math/rand"

	"github.com/ocx/pgproxy/internal/registry"
)

// RedirectRule mirrors config.RedirectRule without importing internal/config,
// to keep this package dependency-light and independently testable.
type RedirectRule struct {
	Pattern string
	Target  string // "primary", "standby", or a numeric node id string
	Weight  float64
}

// Inputs bundles everything SelectNode needs for one decision.
type Inputs struct {
	Descriptors      []registry.BackendDescriptor
	Database         string
	ApplicationName  string
	RedirectDBNames  []RedirectRule
	RedirectAppNames []RedirectRule
	PrimaryNodeID    int
	Rand             func() float64 // injected for deterministic tests; nil ⇒ rand.Float64
}

// SelectNode implements §4.E's algorithm: a matching redirect rule (app name
// takes priority over database name) nudges the pick toward a suggested
// node with probability w, otherwise falls through to a weighted-random
// choice among live (Up) nodes. Quarantined/Down nodes are never selected.
func SelectNode(in Inputs) (int, bool) {
	live := liveNodes(in.Descriptors)
	if len(live) == 0 {
		return 0, false
	}

	r := in.Rand
	if r == nil {
		r = rand.Float64
	}

	rule, matched := matchRule(in.RedirectAppNames, in.ApplicationName)
	if !matched {
		rule, matched = matchRule(in.RedirectDBNames, in.Database)
	}

	if matched {
		switch rule.Target {
		case "primary":
			if containsNode(live, in.PrimaryNodeID) && r() < rule.Weight {
				return in.PrimaryNodeID, true
			}
			return weightedRandom(live, r), true
		case "standby":
			if r() < rule.Weight {
				if standbyID, ok := weightedRandomExcluding(live, in.PrimaryNodeID, r); ok {
					return standbyID, true
				}
			}
			if containsNode(live, in.PrimaryNodeID) {
				return in.PrimaryNodeID, true
			}
		default:
			if nodeID, ok := resolveConcreteTarget(rule.Target); ok {
				if containsNode(live, nodeID) && r() < rule.Weight {
					return nodeID, true
				}
			}
			return weightedRandom(live, r), true
		}
	}

	return weightedRandom(live, r), true
}

func liveNodes(descriptors []registry.BackendDescriptor) []registry.BackendDescriptor {
	var out []registry.BackendDescriptor
	for _, d := range descriptors {
		if d.Status == registry.StatusUp {
			out = append(out, d)
		}
	}
	return out
}

func matchRule(rules []RedirectRule, value string) (RedirectRule, bool) {
	for _, rule := range rules {
		if patternMatches(rule.Pattern, value) {
			return rule, true
		}
	}
	return RedirectRule{}, false
}

// patternMatches supports exact match and a trailing "*" wildcard, the
// common pgpool_II redirect-list syntax.
func patternMatches(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(value) >= len(prefix) && value[:len(prefix)] == prefix
	}
	return pattern == value
}

func resolveConcreteTarget(target string) (int, bool) {
	if target == "" {
		return 0, false
	}
	nodeID := 0
	for _, c := range target {
		if c < '0' || c > '9' {
			return 0, false
		}
		nodeID = nodeID*10 + int(c-'0')
	}
	return nodeID, true
}

func containsNode(nodes []registry.BackendDescriptor, nodeID int) bool {
	for _, d := range nodes {
		if d.NodeID == nodeID {
			return true
		}
	}
	return false
}

func weightedRandom(nodes []registry.BackendDescriptor, r func() float64) int {
	total := 0.0
	for _, d := range nodes {
		total += effectiveWeight(d)
	}
	if total <= 0 {
		return nodes[0].NodeID
	}
	target := r() * total
	acc := 0.0
	for _, d := range nodes {
		acc += effectiveWeight(d)
		if target < acc {
			return d.NodeID
		}
	}
	return nodes[len(nodes)-1].NodeID
}

func weightedRandomExcluding(nodes []registry.BackendDescriptor, excludeID int, r func() float64) (int, bool) {
	var filtered []registry.BackendDescriptor
	for _, d := range nodes {
		if d.NodeID != excludeID {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		return 0, false
	}
	return weightedRandom(filtered, r), true
}

func effectiveWeight(d registry.BackendDescriptor) float64 {
	if d.Weight <= 0 {
		return 1
	}
	return d.Weight
}
