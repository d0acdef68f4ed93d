package failover

import (
	"testing"
	"time"

	"github.com/ocx/pgproxy/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *registry.Registry {
	return registry.New([]registry.BackendDescriptor{
		{NodeID: 0, Role: registry.RolePrimary, Status: registry.StatusUp},
		{NodeID: 1, Role: registry.RoleStandby, Status: registry.StatusUp},
		{NodeID: 2, Role: registry.RoleStandby, Status: registry.StatusUp},
	})
}

func TestChannelDrainCoalescesDuplicates(t *testing.T) {
	reg := testRegistry()
	ch := NewChannel(reg)

	ch.RequestNodeOp(registry.OpDown, []int{2}, registry.NodeOpRequest{})
	ch.RequestNodeOp(registry.OpDown, []int{2}, registry.NodeOpRequest{Confirmed: true})

	drained := ch.Drain()
	require.Len(t, drained, 1)
	assert.True(t, drained[0].Confirmed)
}

func TestConsensusFastPathConfirmedProceeds(t *testing.T) {
	reg := testRegistry()
	policy := Policy{TotalPeers: 3, QuorumRequired: true, ObjectTimeout: 15 * time.Second}
	c := NewConsensus(policy, reg)

	decision := c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown, Confirmed: true}, "peerA", 2, time.Now())
	assert.Equal(t, Proceed, decision)

	desc, _ := reg.Descriptor(2)
	assert.Equal(t, registry.StatusDown, desc.Status)
}

func TestConsensusNoQuorumWhenStandbyCountLow(t *testing.T) {
	reg := testRegistry()
	policy := Policy{TotalPeers: 5, QuorumRequired: true, ObjectTimeout: 15 * time.Second}
	c := NewConsensus(policy, reg)

	decision := c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown}, "peerA", 1, time.Now())
	assert.Equal(t, NoQuorum, decision)
}

func TestConsensusBuildsThenProceeds(t *testing.T) {
	reg := testRegistry()
	// TotalPeers=3 (odd) ⇒ minVotes = (3+1)/2 = 2.
	policy := Policy{TotalPeers: 3, QuorumRequired: true, ObjectTimeout: 15 * time.Second}
	c := NewConsensus(policy, reg)

	d1 := c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown}, "peerA", 2, time.Now())
	assert.Equal(t, BuildingConsensus, d1)
	assert.Equal(t, 1, c.PendingCount())

	d2 := c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown}, "peerB", 2, time.Now())
	assert.Equal(t, Proceed, d2)
	assert.Equal(t, 0, c.PendingCount())
}

func TestConsensusRejectsDuplicateVoteWithoutMultiVote(t *testing.T) {
	reg := testRegistry()
	policy := Policy{TotalPeers: 5, QuorumRequired: true, ObjectTimeout: 15 * time.Second}
	c := NewConsensus(policy, reg)

	d1 := c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown}, "peerA", 3, time.Now())
	assert.Equal(t, BuildingConsensus, d1)

	d2 := c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown}, "peerA", 3, time.Now())
	assert.Equal(t, ConsensusMayFail, d2)
}

func TestConsensusSweepRetiresOldObjects(t *testing.T) {
	reg := testRegistry()
	policy := Policy{TotalPeers: 5, QuorumRequired: true, ObjectTimeout: 15 * time.Second}
	c := NewConsensus(policy, reg)

	past := time.Now().Add(-time.Hour)
	c.Decide(registry.NodeOpRequest{NodeID: 2, Kind: registry.OpDown}, "peerA", 3, past)
	assert.Equal(t, 1, c.PendingCount())

	retired := c.Sweep(time.Now())
	assert.Len(t, retired, 1)
	assert.Equal(t, 0, c.PendingCount())
}

func TestShouldResignWhenPrimaryQuarantinedAndNoOtherUpPrimary(t *testing.T) {
	descriptors := []registry.BackendDescriptor{
		{NodeID: 0, Role: registry.RolePrimary, Status: registry.StatusQuarantined},
		{NodeID: 1, Role: registry.RoleStandby, Status: registry.StatusUp},
	}
	assert.True(t, ShouldResign(0, descriptors))
}

func TestShouldNotResignWhenAnotherPrimaryIsUp(t *testing.T) {
	descriptors := []registry.BackendDescriptor{
		{NodeID: 0, Role: registry.RolePrimary, Status: registry.StatusQuarantined},
		{NodeID: 1, Role: registry.RolePrimary, Status: registry.StatusUp},
	}
	assert.False(t, ShouldResign(0, descriptors))
}
