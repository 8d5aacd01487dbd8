package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages are google.protobuf.Struct on both services, so neither side needs
// generated code. Field names are listed on each method.

const (
	facetService   = "triad.v1.FacetService"
	releaseService = "triad.v1.ReleaseService"
)

// #region facet-service
// FacetServiceServer scores one facet of a candidate.
//
//	Score {candidate_id, facet, created_at, payload} -> {confidence, rationale}
type FacetServiceServer interface {
	Score(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterFacetServiceServer registers a facet scorer on s.
func RegisterFacetServiceServer(s grpc.ServiceRegistrar, srv FacetServiceServer) {
	s.RegisterService(&FacetService_ServiceDesc, srv)
}

// FacetService_ServiceDesc is the grpc.ServiceDesc for the facet scorer.
var FacetService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: facetService,
	HandlerType: (*FacetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: unary(facetService, "Score", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(FacetServiceServer).Score(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "triad/v1/facet.proto",
}

// #endregion facet-service

// #region release-service
// ReleaseServiceServer exposes the external witness and authorization entry points.
//
//	Witness   {confession_id, identity}           -> {state}
//	Authorize {confession_id, identity, decision} -> {state, denied, trace}
//	Withdraw  {confession_id, identity, reason}   -> {state}
//	Resubmit  {confession_id, identity}           -> case
//	Status    {confession_id}                     -> case
//	Await     {confession_id, targets}            -> case
type ReleaseServiceServer interface {
	Witness(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Authorize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Withdraw(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resubmit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Await(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedReleaseServiceServer can be embedded for forward compatibility.
type UnimplementedReleaseServiceServer struct{}

func (UnimplementedReleaseServiceServer) Witness(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Witness not implemented")
}
func (UnimplementedReleaseServiceServer) Authorize(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Authorize not implemented")
}
func (UnimplementedReleaseServiceServer) Withdraw(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Withdraw not implemented")
}
func (UnimplementedReleaseServiceServer) Resubmit(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Resubmit not implemented")
}
func (UnimplementedReleaseServiceServer) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedReleaseServiceServer) Await(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Await not implemented")
}

// RegisterReleaseServiceServer registers the release service on s.
func RegisterReleaseServiceServer(s grpc.ServiceRegistrar, srv ReleaseServiceServer) {
	s.RegisterService(&ReleaseService_ServiceDesc, srv)
}

func releaseMethod(name string, call func(ReleaseServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: unary(releaseService, name, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return call(srv.(ReleaseServiceServer), ctx, in)
		}),
	}
}

// ReleaseService_ServiceDesc is the grpc.ServiceDesc for the release service.
var ReleaseService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: releaseService,
	HandlerType: (*ReleaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		releaseMethod("Witness", ReleaseServiceServer.Witness),
		releaseMethod("Authorize", ReleaseServiceServer.Authorize),
		releaseMethod("Withdraw", ReleaseServiceServer.Withdraw),
		releaseMethod("Resubmit", ReleaseServiceServer.Resubmit),
		releaseMethod("Status", ReleaseServiceServer.Status),
		releaseMethod("Await", ReleaseServiceServer.Await),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "triad/v1/release.proto",
}

// #endregion release-service

// #region handler
type structCall func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// unary builds the method handler protoc would generate for a Struct -> Struct RPC.
func unary(service, method string, call structCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + service + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion handler
