package codec

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

// serve starts srv on an in-memory listener and returns a client connection to it.
func serve(t *testing.T, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	register(srv)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestRemoteFacetsRoundTrip(t *testing.T) {
	cc := serve(t, func(s *grpc.Server) {
		RegisterFacetServiceServer(s, &FacetServer{Facets: map[triad.FacetName]triad.Facet{
			triad.Structural: triad.Fixed{Facet: triad.Structural, Confidence: 0.9, Rationale: "well formed"},
			triad.Relational: triad.FacetFunc(triad.Relational, func(_ context.Context, c candidate.Candidate) (float64, string, error) {
				if c.Payload["kind"] == "claim" {
					return 0.4, "weak links", nil
				}
				return 1, "", nil
			}),
			triad.Grounded: triad.Fixed{Facet: triad.Grounded, Confidence: 0.85},
		}})
	})

	client := NewFacetClient(cc)
	client.Timeout = 2 * time.Second
	eval, err := client.Evaluator()
	require.NoError(t, err)

	tr, err := eval.Evaluate(context.Background(), candidate.New(map[string]any{"kind": "claim", "n": 3}))
	require.NoError(t, err)
	require.Equal(t, 0.9, tr.Score(triad.Structural).Confidence)
	require.Equal(t, "well formed", tr.Score(triad.Structural).Rationale)
	require.Equal(t, 0.4, tr.Score(triad.Relational).Confidence)
	require.InDelta(t, 0.5, tr.Disagreement(), 1e-9)
}

func TestRemoteFacetErrorIsEvaluationError(t *testing.T) {
	cc := serve(t, func(s *grpc.Server) {
		RegisterFacetServiceServer(s, &FacetServer{Facets: map[triad.FacetName]triad.Facet{
			triad.Structural: triad.Fixed{Facet: triad.Structural, Confidence: 0.5},
			triad.Relational: triad.Fixed{Facet: triad.Relational, Confidence: 1.5},
		}})
	})
	eval, err := NewFacetClient(cc).Evaluator()
	require.NoError(t, err)

	_, err = eval.Evaluate(context.Background(), candidate.New(nil))
	require.ErrorIs(t, err, triad.ErrEvaluation)
}

// flakyConn fails the first n calls with code before delegating.
type flakyConn struct {
	grpc.ClientConnInterface
	code  codes.Code
	n     int
	calls int
}

func (f *flakyConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	f.calls++
	if f.calls <= f.n {
		return status.Error(f.code, "flaky")
	}
	return f.ClientConnInterface.Invoke(ctx, method, args, reply, opts...)
}

func fixedFacetServer(t *testing.T) *grpc.ClientConn {
	return serve(t, func(s *grpc.Server) {
		RegisterFacetServiceServer(s, &FacetServer{Facets: map[triad.FacetName]triad.Facet{
			triad.Structural: triad.Fixed{Facet: triad.Structural, Confidence: 0.7},
		}})
	})
}

func TestFacetClientRetriesUnavailable(t *testing.T) {
	conn := &flakyConn{ClientConnInterface: fixedFacetServer(t), code: codes.Unavailable, n: 2}
	client := NewFacetClient(conn)
	client.Backoff = time.Millisecond

	conf, _, err := client.Facet(triad.Structural).Score(context.Background(), candidate.New(nil))
	require.NoError(t, err)
	require.Equal(t, 0.7, conf)
	require.Equal(t, 3, conn.calls)
}

func TestFacetClientGivesUpAfterRetries(t *testing.T) {
	conn := &flakyConn{ClientConnInterface: fixedFacetServer(t), code: codes.Unavailable, n: 10}
	client := NewFacetClient(conn)
	client.Backoff = time.Millisecond

	_, _, err := client.Facet(triad.Structural).Score(context.Background(), candidate.New(nil))
	require.Error(t, err)
	require.Equal(t, maxRetries+1, conn.calls)
}

func TestFacetClientDoesNotRetryRejections(t *testing.T) {
	conn := &flakyConn{ClientConnInterface: fixedFacetServer(t), code: codes.InvalidArgument, n: 1}
	client := NewFacetClient(conn)
	client.Backoff = time.Millisecond

	_, _, err := client.Facet(triad.Structural).Score(context.Background(), candidate.New(nil))
	require.Error(t, err)
	require.Equal(t, 1, conn.calls)
}

type releaseFixture struct {
	client *ReleaseClient
	op     *forgiveness.Operator
	field  *dwelling.Field
}

func newReleaseFixture(t *testing.T) releaseFixture {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "codec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	audit := logging.NewAuditor(st.DB(), logger)
	field := dwelling.NewField(logger, audit)
	op := forgiveness.NewOperator(forgiveness.Deps{Store: st, Field: field, Audit: audit, Logger: logger})

	cc := serve(t, func(s *grpc.Server) {
		RegisterReleaseServiceServer(s, &ReleaseServer{Op: op})
	})
	return releaseFixture{client: NewReleaseClient(cc), op: op, field: field}
}

func (f releaseFixture) confess(t *testing.T) forgiveness.Case {
	t.Helper()
	c := candidate.New(nil)
	var cs forgiveness.Case
	var ok bool
	for round := 0; round < 3; round++ {
		_, err := f.field.SubmitWithViolation(c, triad.NewTriple(0.9, 0.4, 0.85), "schema drift")
		require.NoError(t, err)
		cs, ok, err = f.op.Detect(context.Background(), c.ID)
		require.NoError(t, err)
	}
	require.True(t, ok)
	return cs
}

func TestReleaseOverGRPC(t *testing.T) {
	f := newReleaseFixture(t)
	ctx := context.Background()
	cs := f.confess(t)

	got, err := f.client.Status(ctx, cs.ConfessionID)
	require.NoError(t, err)
	require.Equal(t, forgiveness.StateConfessed, got.State)
	require.Equal(t, cs.ConstraintID, got.ConstraintID)

	state, err := f.client.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	require.Equal(t, forgiveness.StateWitnessed, state)

	out, err := f.client.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)
	require.Equal(t, forgiveness.StateReleased, out.State)
	require.NotNil(t, out.Trace)
	require.NotEmpty(t, out.Trace.Fingerprint)

	again, err := f.client.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)
	require.Equal(t, forgiveness.StateReleased, again.State)
}

func TestReleaseErrorsSurviveTheWire(t *testing.T) {
	f := newReleaseFixture(t)
	ctx := context.Background()
	cs := f.confess(t)

	_, err := f.client.Witness(ctx, "missing", "auditor-1")
	require.ErrorIs(t, err, ledger.ErrUnknownConfession)

	_, err = f.client.Witness(ctx, cs.ConfessionID, f.op.SystemIdentity())
	require.ErrorIs(t, err, forgiveness.ErrSelfWitness)

	_, err = f.client.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.ErrorIs(t, err, forgiveness.ErrNotWitnessed)

	_, err = f.client.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = f.client.Witness(ctx, cs.ConfessionID, "auditor-2")
	require.ErrorIs(t, err, ledger.ErrAlreadyWitnessed)

	_, err = f.client.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Decision("maybe"))
	require.ErrorIs(t, err, errInvalidRequest)

	out, err := f.client.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Deny)
	require.NoError(t, err)
	require.True(t, out.Denied)

	next, err := f.client.Resubmit(ctx, cs.ConfessionID, "lead-1")
	require.NoError(t, err)
	require.Equal(t, cs.ConfessionID, next.Supersedes)

	_, err = f.client.Withdraw(ctx, cs.ConfessionID, "lead-1", "late")
	require.ErrorIs(t, err, forgiveness.ErrTerminalState)
}

func TestAwaitOverGRPC(t *testing.T) {
	f := newReleaseFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := f.confess(t)

	type result struct {
		cs  forgiveness.Case
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := f.client.Await(ctx, cs.ConfessionID, forgiveness.StateWitnessed)
		done <- result{got, err}
	}()

	_, err := f.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, forgiveness.StateWitnessed, r.cs.State)
}

func TestStoreSentinelsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{constraint.ErrUnknownConstraint, codes.NotFound},
		{ledger.ErrClosed, codes.FailedPrecondition},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("release K-1: %w", tc.err)
		rpc := mapErr(wrapped)
		require.Equal(t, tc.code, status.Code(rpc), tc.err.Error())
		require.ErrorIs(t, mapRPC(rpc), tc.err)
	}
}
