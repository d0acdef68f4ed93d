package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptors() []BackendDescriptor {
	return []BackendDescriptor{
		{NodeID: 0, Hostname: "db0", Port: 5432, Weight: 1, Role: RolePrimary, Status: StatusUp},
		{NodeID: 1, Hostname: "db1", Port: 5432, Weight: 1, Role: RoleStandby, Status: StatusUp},
		{NodeID: 2, Hostname: "db2", Port: 5432, Weight: 1, Role: RoleStandby, Status: StatusDown},
	}
}

func TestMasterNodeIDIsLowestUpNode(t *testing.T) {
	r := New(testDescriptors())
	assert.Equal(t, 0, r.MasterNodeID())

	r.SetStatus(0, StatusDown)
	assert.Equal(t, 1, r.MasterNodeID())
}

func TestQuarantinedExcludedFromLiveNodes(t *testing.T) {
	r := New(testDescriptors())
	r.SetStatus(1, StatusQuarantined)
	live := r.LiveNodeIDs()
	assert.Contains(t, live, 0)
	assert.NotContains(t, live, 1)
}

func TestConnCounterIncDec(t *testing.T) {
	r := New(testDescriptors())
	assert.Equal(t, 1, r.IncConn())
	assert.Equal(t, 2, r.IncConn())
	assert.Equal(t, 1, r.DecConn())
	assert.Equal(t, 1, r.ConnCount())
}

func TestReqQueueFIFO(t *testing.T) {
	r := New(testDescriptors())
	require.True(t, r.Enqueue(NodeOpRequest{NodeID: 2, Kind: OpDown}))
	require.True(t, r.Enqueue(NodeOpRequest{NodeID: 1, Kind: OpUp}))

	first, ok := r.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 2, first.NodeID)

	second, ok := r.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 1, second.NodeID)

	_, ok = r.Dequeue()
	assert.False(t, ok)
}

func TestReqQueueRejectsWhenFull(t *testing.T) {
	r := New(testDescriptors())
	for i := 0; i < reqQueueCapacity; i++ {
		require.True(t, r.Enqueue(NodeOpRequest{NodeID: i}))
	}
	assert.False(t, r.Enqueue(NodeOpRequest{NodeID: 999}))
}

func TestConnectionInfoLookup(t *testing.T) {
	ci := NewConnectionInfo()
	target := &CancelTarget{WorkerID: 3, Backends: []CancelBackend{{NodeID: 0, Address: "db0:5432", PID: 111, Key: 222}}}
	ci.Publish(100, 200, target)

	got, ok := ci.Lookup(100, 200)
	require.True(t, ok)
	assert.Equal(t, 3, got.WorkerID)

	ci.Unpublish(100, 200)
	_, ok = ci.Lookup(100, 200)
	assert.False(t, ok)
}

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgpool_status")
	sf := NewStatusFile(path)

	descriptors := testDescriptors()
	require.NoError(t, sf.Write(descriptors))

	_, err := os.Stat(path)
	require.NoError(t, err)

	got, err := sf.Read()
	require.NoError(t, err)
	assert.Equal(t, StatusUp, got[0])
	assert.Equal(t, StatusDown, got[2])
}

func TestStatusFileReadMissingIsEmpty(t *testing.T) {
	sf := NewStatusFile(filepath.Join(t.TempDir(), "does-not-exist"))
	got, err := sf.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
}
