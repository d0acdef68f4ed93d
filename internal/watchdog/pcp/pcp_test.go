package pcp

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ocx/pgproxy/internal/failover"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() (*Server, *registry.Registry) {
	reg := registry.New([]registry.BackendDescriptor{
		{NodeID: 0, Status: registry.StatusUp, Role: registry.RolePrimary},
		{NodeID: 1, Status: registry.StatusUp, Role: registry.RoleStandby},
	})
	ch := failover.NewChannel(reg)
	return New(reg, ch, nil), reg
}

func TestNodeStatusReportsConfiguredDescriptors(t *testing.T) {
	s, _ := testServer()
	out, err := s.NodeStatus(context.Background(), &structpb.Struct{})
	require.NoError(t, err)

	nodes := out.Fields["nodes"].GetListValue().Values
	assert.Len(t, nodes, 2)
	assert.Equal(t, float64(0), out.Fields["master_node_id"].GetNumberValue())
}

func TestPromoteNodeRequiresNodeIDField(t *testing.T) {
	s, _ := testServer()
	_, err := s.PromoteNode(context.Background(), &structpb.Struct{})
	assert.Error(t, err)
}

func TestPromoteNodeEnqueuesRequest(t *testing.T) {
	s, reg := testServer()
	req, err := structpb.NewStruct(map[string]interface{}{"node_id": float64(1)})
	require.NoError(t, err)

	out, err := s.PromoteNode(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Fields["accepted"].GetBoolValue())
	assert.Equal(t, 1, reg.QueueLen())
}

func TestDetachNodeEnqueuesRequest(t *testing.T) {
	s, reg := testServer()
	req, err := structpb.NewStruct(map[string]interface{}{"node_id": float64(1)})
	require.NoError(t, err)

	out, err := s.DetachNode(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Fields["accepted"].GetBoolValue())
	assert.Equal(t, 1, reg.QueueLen())
}
