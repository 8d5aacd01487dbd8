package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

type scoreRequest struct {
	CandidateID string          `json:"candidate_id"`
	Facet       triad.FacetName `json:"facet"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     map[string]any  `json:"payload,omitempty"`
}

type scoreReply struct {
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// #region facet-client
// FacetClient scores candidates on a remote facet service.
type FacetClient struct {
	cc      *grpc.ClientConn
	conn    grpc.ClientConnInterface
	Timeout time.Duration // per attempt when non-zero
	Backoff time.Duration // first retry delay, doubled per retry; zero means 50ms
}

// DialFacets connects to a facet scorer at addr.
func DialFacets(addr string, opts ...grpc.DialOption) (*FacetClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &FacetClient{cc: cc, conn: cc}, nil
}

// NewFacetClient wraps an existing connection.
func NewFacetClient(conn grpc.ClientConnInterface) *FacetClient {
	return &FacetClient{conn: conn}
}

// Close shuts down a connection opened by DialFacets.
func (c *FacetClient) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Evaluator returns an evaluator whose three facets are scored remotely.
func (c *FacetClient) Evaluator() (*triad.Evaluator, error) {
	return triad.NewEvaluator(c.Facet(triad.Structural), c.Facet(triad.Relational), c.Facet(triad.Grounded))
}

// Facet returns the remote scorer for one facet.
func (c *FacetClient) Facet(name triad.FacetName) triad.Facet {
	return triad.FacetFunc(name, func(ctx context.Context, cand candidate.Candidate) (float64, string, error) {
		return c.score(ctx, name, cand)
	})
}

func (c *FacetClient) score(ctx context.Context, name triad.FacetName, cand candidate.Candidate) (float64, string, error) {
	req, err := toStruct(scoreRequest{
		CandidateID: cand.ID,
		Facet:       name,
		CreatedAt:   cand.CreatedAt,
		Payload:     cand.Payload,
	})
	if err != nil {
		return 0, "", err
	}

	var resp *structpb.Struct
	delay := c.Backoff
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	for attempt := 0; ; attempt++ {
		resp, err = c.attempt(ctx, req)
		if err == nil || attempt == maxRetries || !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return 0, "", fmt.Errorf("score rpc: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return 0, "", fmt.Errorf("score rpc: %w", mapRPC(err))
	}
	var out scoreReply
	if err := fromStruct(resp, &out); err != nil {
		return 0, "", err
	}
	return out.Confidence, out.Rationale, nil
}

func (c *FacetClient) attempt(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return invoke(ctx, c.conn, facetService, "Score", req)
}

// #endregion facet-client

// #region retry

const maxRetries = 2 // max 2 retries = 3 total attempts

// retryable reports whether a failed score call may succeed if sent again.
// Rejections from the facet itself are final.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// #endregion retry

// #region facet-server
// FacetServer serves local facets over the facet service.
type FacetServer struct {
	Facets map[triad.FacetName]triad.Facet
}

func (s *FacetServer) Score(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req scoreRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f, ok := s.Facets[req.Facet]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "facet %q not served", req.Facet)
	}
	conf, rationale, err := f.Score(ctx, candidate.Candidate{ID: req.CandidateID, Payload: req.Payload, CreatedAt: req.CreatedAt})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(scoreReply{Confidence: conf, Rationale: rationale})
}

// #endregion facet-server
