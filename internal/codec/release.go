package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/learning"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
)

type releaseRequest struct {
	ConfessionID string              `json:"confession_id"`
	Identity     string              `json:"identity,omitempty"`
	Decision     ledger.Decision     `json:"decision,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Targets      []forgiveness.State `json:"targets,omitempty"`
}

type stateReply struct {
	State forgiveness.State `json:"state"`
}

// #region release-server
// ReleaseServer exposes an operator's external entry points.
type ReleaseServer struct {
	UnimplementedReleaseServiceServer
	Op *forgiveness.Operator
}

func decodeRelease(in *structpb.Struct) (releaseRequest, error) {
	var req releaseRequest
	if err := fromStruct(in, &req); err != nil {
		return req, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if req.ConfessionID == "" {
		return req, fmt.Errorf("%w: confession_id required", errInvalidRequest)
	}
	return req, nil
}

func (s *ReleaseServer) Witness(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRelease(in)
	if err != nil {
		return nil, mapErr(err)
	}
	state, err := s.Op.Witness(ctx, req.ConfessionID, req.Identity)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(stateReply{State: state})
}

func (s *ReleaseServer) Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRelease(in)
	if err != nil {
		return nil, mapErr(err)
	}
	if !req.Decision.Valid() {
		return nil, mapErr(fmt.Errorf("%w: decision %q", errInvalidRequest, req.Decision))
	}
	out, err := s.Op.Authorize(ctx, req.ConfessionID, req.Identity, req.Decision)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(out)
}

func (s *ReleaseServer) Withdraw(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRelease(in)
	if err != nil {
		return nil, mapErr(err)
	}
	state, err := s.Op.Withdraw(ctx, req.ConfessionID, req.Identity, req.Reason)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(stateReply{State: state})
}

func (s *ReleaseServer) Resubmit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRelease(in)
	if err != nil {
		return nil, mapErr(err)
	}
	cs, err := s.Op.Resubmit(ctx, req.ConfessionID, req.Identity)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(cs)
}

func (s *ReleaseServer) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRelease(in)
	if err != nil {
		return nil, mapErr(err)
	}
	cs, err := s.Op.Status(ctx, req.ConfessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(cs)
}

// Await parks the call until the confession reaches a target, ends, or is
// denied. The caller's deadline is the only timeout.
func (s *ReleaseServer) Await(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRelease(in)
	if err != nil {
		return nil, mapErr(err)
	}
	cs, err := s.Op.Await(ctx, req.ConfessionID, req.Targets...)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(cs)
}

// #endregion release-server

// #region release-client
// ReleaseClient calls a remote release service.
type ReleaseClient struct {
	cc      *grpc.ClientConn
	conn    grpc.ClientConnInterface
	Timeout time.Duration // per call when non-zero; never applied to Await
}

// DialRelease connects to a release service at addr.
func DialRelease(addr string, opts ...grpc.DialOption) (*ReleaseClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &ReleaseClient{cc: cc, conn: cc}, nil
}

// NewReleaseClient wraps an existing connection.
func NewReleaseClient(conn grpc.ClientConnInterface) *ReleaseClient {
	return &ReleaseClient{conn: conn}
}

// Close shuts down a connection opened by DialRelease.
func (c *ReleaseClient) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *ReleaseClient) call(ctx context.Context, method string, req releaseRequest, out any, bounded bool) error {
	if bounded && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp, err := invoke(ctx, c.conn, releaseService, method, in)
	if err != nil {
		return fmt.Errorf("%s rpc: %w", method, mapRPC(err))
	}
	return fromStruct(resp, out)
}

// Witness records identity as the confession's witness.
func (c *ReleaseClient) Witness(ctx context.Context, confessionID, identity string) (forgiveness.State, error) {
	var out stateReply
	err := c.call(ctx, "Witness", releaseRequest{ConfessionID: confessionID, Identity: identity}, &out, true)
	return out.State, err
}

// Authorize sends a grant or deny.
func (c *ReleaseClient) Authorize(ctx context.Context, confessionID, identity string, decision ledger.Decision) (forgiveness.Outcome, error) {
	var out struct {
		State  forgiveness.State `json:"state"`
		Denied bool              `json:"denied"`
		Trace  *learning.Trace   `json:"trace"`
	}
	err := c.call(ctx, "Authorize", releaseRequest{ConfessionID: confessionID, Identity: identity, Decision: decision}, &out, true)
	return forgiveness.Outcome{State: out.State, Denied: out.Denied, Trace: out.Trace}, err
}

// Withdraw cancels a confession.
func (c *ReleaseClient) Withdraw(ctx context.Context, confessionID, identity, reason string) (forgiveness.State, error) {
	var out stateReply
	err := c.call(ctx, "Withdraw", releaseRequest{ConfessionID: confessionID, Identity: identity, Reason: reason}, &out, true)
	return out.State, err
}

// Resubmit replaces a denied confession and returns its successor.
func (c *ReleaseClient) Resubmit(ctx context.Context, confessionID, identity string) (forgiveness.Case, error) {
	var out forgiveness.Case
	err := c.call(ctx, "Resubmit", releaseRequest{ConfessionID: confessionID, Identity: identity}, &out, true)
	return out, err
}

// Status returns the case view of a confession.
func (c *ReleaseClient) Status(ctx context.Context, confessionID string) (forgiveness.Case, error) {
	var out forgiveness.Case
	err := c.call(ctx, "Status", releaseRequest{ConfessionID: confessionID}, &out, true)
	return out, err
}

// Await blocks until the confession reaches one of targets, ends, or is denied.
func (c *ReleaseClient) Await(ctx context.Context, confessionID string, targets ...forgiveness.State) (forgiveness.Case, error) {
	var out forgiveness.Case
	err := c.call(ctx, "Await", releaseRequest{ConfessionID: confessionID, Targets: targets}, &out, false)
	return out, err
}

// #endregion release-client
