package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartMovesDeadToLoading(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	assert.Equal(t, Loading, m.State())
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New(10, nil, nil)
	err := m.Transition(Coordinator)
	assert.Error(t, err)
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestLoadingTimeoutGoesJoining(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.HandleLoadingTimeout())
	assert.Equal(t, Joining, m.State())
}

func TestHigherPriorityPeerRejectedDuringLoading(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	reply, err := m.HandleStandForCoordinatorFromPeer(20)
	require.NoError(t, err)
	assert.Equal(t, "reject", reply)
	assert.Equal(t, StandForCoordinator, m.State())
}

func TestLowerPriorityPeerAcceptedDuringLoading(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	reply, err := m.HandleStandForCoordinatorFromPeer(5)
	require.NoError(t, err)
	assert.Equal(t, "accept", reply)
	assert.Equal(t, ParticipateInElection, m.State())
}

func TestInitializingTimeoutOnlyLiveNodeBecomesCoordinator(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.HandleLoadingTimeout())
	require.NoError(t, m.HandleJoiningComplete())

	decision, err := m.HandleInitializingTimeout(false, true, false)
	require.NoError(t, err)
	assert.Equal(t, DecideCoordinator, decision)
	assert.Equal(t, Coordinator, m.State())
}

func TestInitializingTimeoutPeerAlreadyCoordinatorGoesStandby(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.HandleLoadingTimeout())
	require.NoError(t, m.HandleJoiningComplete())

	decision, err := m.HandleInitializingTimeout(true, false, false)
	require.NoError(t, err)
	assert.Equal(t, DecideStandby, decision)
	assert.Equal(t, Standby, m.State())
}

func TestContendStandForCoordinatorHigherPriorityWins(t *testing.T) {
	m := New(10, nil, nil)
	assert.True(t, m.ContendStandForCoordinator(5, time.Now()))
	assert.False(t, m.ContendStandForCoordinator(20, time.Now()))
}

func TestArbitrateEscalatedRemoteWins(t *testing.T) {
	now := time.Now()
	local := Beacon{Escalated: false, CurrentStateTime: now}
	remote := Beacon{Escalated: true, CurrentStateTime: now}
	assert.Equal(t, YieldToRemote, Arbitrate(local, remote))
}

func TestArbitrateHigherQuorumWins(t *testing.T) {
	now := time.Now()
	local := Beacon{QuorumStatus: 1, CurrentStateTime: now}
	remote := Beacon{QuorumStatus: 2, CurrentStateTime: now}
	assert.Equal(t, YieldToRemote, Arbitrate(local, remote))
}

func TestArbitrateInsufficientDataNeedsElection(t *testing.T) {
	local := Beacon{}
	remote := Beacon{CurrentStateTime: time.Now()}
	assert.Equal(t, NeedsElection, Arbitrate(local, remote))
}

func TestArbitrateOlderStateTimeWins(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	local := Beacon{CurrentStateTime: older}
	remote := Beacon{CurrentStateTime: newer}
	assert.Equal(t, StayCoordinator, Arbitrate(local, remote))
}

func TestStandbyMasterSilenceGoesJoiningAtTwoX(t *testing.T) {
	m := New(10, nil, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.HandleLoadingTimeout())
	require.NoError(t, m.HandleJoiningComplete())
	_, err := m.HandleInitializingTimeout(true, false, false)
	require.NoError(t, err)
	require.Equal(t, Standby, m.State())

	shouldRequest, err := m.HandleStandbyMasterSilence(true, true)
	require.NoError(t, err)
	assert.False(t, shouldRequest)
	assert.Equal(t, Joining, m.State())
}

func TestNetworkTroubleIsFatal(t *testing.T) {
	m := New(10, nil, nil)
	assert.True(t, m.NetworkTroubleIsFatal())
}
