package lb

import (
	"testing"

	"github.com/ocx/pgproxy/internal/registry"
	"github.com/stretchr/testify/assert"
)

func descs() []registry.BackendDescriptor {
	return []registry.BackendDescriptor{
		{NodeID: 0, Weight: 1, Status: registry.StatusUp},
		{NodeID: 1, Weight: 1, Status: registry.StatusUp},
		{NodeID: 2, Weight: 1, Status: registry.StatusDown},
	}
}

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestSelectNodeExcludesDownNodes(t *testing.T) {
	for i := 0; i < 20; i++ {
		nodeID, ok := SelectNode(Inputs{Descriptors: descs(), PrimaryNodeID: 0, Rand: fixedRand(0.99)})
		assert.True(t, ok)
		assert.NotEqual(t, 2, nodeID)
	}
}

func TestSelectNodeWeightedRandomLowSplitsToFirstNode(t *testing.T) {
	nodeID, ok := SelectNode(Inputs{Descriptors: descs(), PrimaryNodeID: 0, Rand: fixedRand(0.0)})
	assert.True(t, ok)
	assert.Equal(t, 0, nodeID)
}

func TestSelectNodeNoLiveNodes(t *testing.T) {
	all := []registry.BackendDescriptor{{NodeID: 0, Status: registry.StatusDown}}
	_, ok := SelectNode(Inputs{Descriptors: all})
	assert.False(t, ok)
}

func TestSelectNodeDBRedirectConcreteNode(t *testing.T) {
	rules := []RedirectRule{{Pattern: "reporting", Target: "1", Weight: 1}}
	nodeID, ok := SelectNode(Inputs{
		Descriptors:     descs(),
		Database:        "reporting",
		RedirectDBNames: rules,
		PrimaryNodeID:   0,
		Rand:            fixedRand(0.0), // < weight ⇒ honor the suggestion
	})
	assert.True(t, ok)
	assert.Equal(t, 1, nodeID)
}

func TestSelectNodeAppNameWinsOverDatabase(t *testing.T) {
	dbRules := []RedirectRule{{Pattern: "reporting", Target: "1", Weight: 1}}
	appRules := []RedirectRule{{Pattern: "etl*", Target: "0", Weight: 1}}
	nodeID, ok := SelectNode(Inputs{
		Descriptors:      descs(),
		Database:         "reporting",
		ApplicationName:  "etl-job-7",
		RedirectDBNames:  dbRules,
		RedirectAppNames: appRules,
		PrimaryNodeID:    0,
		Rand:             fixedRand(0.0),
	})
	assert.True(t, ok)
	assert.Equal(t, 0, nodeID)
}

func TestSelectNodeStandbyTargetPrefersNonPrimary(t *testing.T) {
	rules := []RedirectRule{{Pattern: "readonly", Target: "standby", Weight: 1}}
	nodeID, ok := SelectNode(Inputs{
		Descriptors:     descs(),
		Database:        "readonly",
		RedirectDBNames: rules,
		PrimaryNodeID:   0,
		Rand:            fixedRand(0.0),
	})
	assert.True(t, ok)
	assert.NotEqual(t, 0, nodeID)
}

func TestSelectNodeDefaultsToMasterWhenNoRuleMatches(t *testing.T) {
	nodeID, ok := SelectNode(Inputs{Descriptors: descs(), Database: "unmatched", PrimaryNodeID: 0, Rand: fixedRand(0.0)})
	assert.True(t, ok)
	assert.Equal(t, 0, nodeID)
}
