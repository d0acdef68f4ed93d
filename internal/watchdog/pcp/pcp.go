// Package pcp implements the out-of-scope PCP (process control protocol)
// administrative RPC surface as "a typed interface consumed by the core"
// (spec.md §1): NodeStatus, PromoteNode and DetachNode, each backed by the
// shared cluster registry and failover request channel rather than any new
// business logic of its own.
//
// The RPC messages are generic google.protobuf.Struct payloads rather than
// protoc-generated types, and the grpc.ServiceDesc is hand-assembled instead
// of codegen'd, since the domain types here (three small admin verbs) don't
// warrant a .proto build step. Grounded on the teacher's cmd/probe/main.go
// grpc.NewServer/interceptor wiring, with the codegen'd pb.RegisterXServer
// call it depended on replaced by a literal ServiceDesc.
package pcp

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ocx/pgproxy/internal/failover"
	"github.com/ocx/pgproxy/internal/registry"
)

// Server implements the three PCP admin verbs against the shared registry
// and failover request channel.
type Server struct {
	reg *registry.Registry
	ch  *failover.Channel
	log *slog.Logger
}

// New builds a PCP server bound to the process's shared state.
func New(reg *registry.Registry, ch *failover.Channel, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{reg: reg, ch: ch, log: log}
}

// NodeStatus returns every configured backend's descriptor, mirroring
// pgpool's "pcp_node_info"/"pcp_node_count" commands.
func (s *Server) NodeStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	nodes := make([]interface{}, 0)
	for _, d := range s.reg.Descriptors() {
		nodes = append(nodes, map[string]interface{}{
			"node_id":  float64(d.NodeID),
			"hostname": d.Hostname,
			"port":     float64(d.Port),
			"weight":   d.Weight,
			"role":     d.Role.String(),
			"status":   d.Status.String(),
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"master_node_id":  float64(s.reg.MasterNodeID()),
		"primary_node_id": float64(s.reg.PrimaryNodeID()),
		"nodes":           nodes,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PromoteNode requests a standby-to-primary promotion, mirroring
// "pcp_promote_node". The actual role flip happens asynchronously once the
// failover consensus engine processes the queued request.
func (s *Server) PromoteNode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	nodeID, err := requiredInt(req, "node_id")
	if err != nil {
		return nil, err
	}
	ok := s.ch.RequestNodeOp(registry.OpPromote, []int{nodeID}, registry.NodeOpRequest{})
	s.log.Info("pcp: promote node requested", slog.Int("node_id", nodeID), slog.Bool("accepted", ok))
	return ackStruct(ok)
}

// DetachNode requests a node be marked Down/quarantined, mirroring
// "pcp_detach_node".
func (s *Server) DetachNode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	nodeID, err := requiredInt(req, "node_id")
	if err != nil {
		return nil, err
	}
	ok := s.ch.RequestNodeOp(registry.OpDown, []int{nodeID}, registry.NodeOpRequest{})
	s.log.Info("pcp: detach node requested", slog.Int("node_id", nodeID), slog.Bool("accepted", ok))
	return ackStruct(ok)
}

func requiredInt(req *structpb.Struct, field string) (int, error) {
	if req == nil {
		return 0, fmt.Errorf("pcp: missing request body")
	}
	v, ok := req.Fields[field]
	if !ok {
		return 0, fmt.Errorf("pcp: missing field %q", field)
	}
	return int(v.GetNumberValue()), nil
}

func ackStruct(accepted bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"accepted": accepted})
}

// serviceName is the PCP gRPC service's fully-qualified name, used only in
// the hand-assembled ServiceDesc below (no .proto-generated constant).
const serviceName = "pgproxy.pcp.PCPService"

func nodeStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).NodeStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/NodeStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).NodeStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func promoteNodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).PromoteNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/PromoteNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).PromoteNode(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func detachNodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).DetachNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/DetachNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).DetachNode(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-assembled grpc.ServiceDesc standing in for a
// protoc-generated one, per DESIGN.md's internal/watchdog/pcp entry on
// avoiding a .proto build step for this small admin surface.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NodeStatus", Handler: nodeStatusHandler},
		{MethodName: "PromoteNode", Handler: promoteNodeHandler},
		{MethodName: "DetachNode", Handler: detachNodeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/watchdog/pcp/pcp.go",
}

// Register attaches the PCP service to a *grpc.Server.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}
