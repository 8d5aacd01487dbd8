package forgiveness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/gate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	op    *Operator
	field *dwelling.Field
	st    *store.Store
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "forgiveness.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	audit := logging.NewAuditor(st.DB(), logger)
	field := dwelling.NewField(logger, audit)
	op := NewOperator(Deps{
		Store:  st,
		Field:  field,
		Gate:   gate.NewGate(gate.DefaultGateConfig()),
		Audit:  audit,
		Logger: logger,
	})
	return &harness{op: op, field: field, st: st, logs: logs}
}

// dwellC1 scores C1 three rounds at Structural=0.9, Relational=0.4, Grounded=0.85
// and returns the confession opened after the third.
func (h *harness) dwellC1(t *testing.T) Case {
	t.Helper()
	ctx := context.Background()
	c1 := candidate.New(map[string]any{"name": "C1"})
	var opened Case
	for round := 1; round <= 3; round++ {
		_, err := h.field.Submit(c1, triad.NewTriple(0.9, 0.4, 0.85))
		require.NoError(t, err)
		cs, ok, err := h.op.Detect(ctx, c1.ID)
		require.NoError(t, err)
		if round < 3 {
			require.False(t, ok, "escalated early at round %d", round)
			require.Equal(t, StateDetected, cs.State)
			continue
		}
		require.True(t, ok, "expected escalation after round 3")
		opened = cs
	}
	require.Equal(t, StateConfessed, opened.State)
	require.NotEmpty(t, opened.ConstraintID)
	return opened
}

func TestC1Grant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	state, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	require.Equal(t, StateWitnessed, state)

	out, err := h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)
	require.Equal(t, StateReleased, out.State)
	require.False(t, out.Denied)
	require.NotNil(t, out.Trace)

	k, err := h.op.Constraints().Get(ctx, cs.ConstraintID)
	require.NoError(t, err)
	require.Equal(t, constraint.StatusReleased, k.Status)
	require.Equal(t, cs.ConfessionID, k.Origin)

	_, err = h.op.Constraints().Lookup(ctx, cs.ConstraintID)
	require.ErrorIs(t, err, constraint.ErrUnknownConstraint)

	n, err := h.op.Learning().Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entry, err := h.field.Get(cs.CandidateID)
	require.NoError(t, err)
	require.True(t, entry.Resolved)
	require.Equal(t, dwelling.ResolutionReleased, entry.Resolution)
	require.Len(t, entry.Rounds, 3, "history is retained after release")

	require.NoError(t, h.op.Check(ctx))
	require.Equal(t, 1, h.logs.FilterMessage("constraint released").Len())
}

func TestC1Deny(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	_, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)

	out, err := h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Deny)
	require.NoError(t, err, "a deny is an outcome, not an error")
	require.True(t, out.Denied)
	require.Equal(t, StateWitnessed, out.State)

	conf, err := h.op.Ledger().Get(ctx, cs.ConfessionID)
	require.NoError(t, err)
	d, ok := conf.LastDecision()
	require.True(t, ok)
	require.Equal(t, ledger.Deny, d.Decision)
	require.Equal(t, "lead-1", d.Authorizer)

	k, err := h.op.Constraints().Lookup(ctx, cs.ConstraintID)
	require.NoError(t, err)
	require.Equal(t, constraint.StatusActive, k.Status)

	n, err := h.op.Learning().Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	entry, err := h.field.Get(cs.CandidateID)
	require.NoError(t, err)
	require.False(t, entry.Resolved)

	status, err := h.op.Status(ctx, cs.ConfessionID)
	require.NoError(t, err)
	require.Equal(t, StateWitnessed, status.State)
	require.True(t, status.Denied)

	_, err = h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.ErrorIs(t, err, ErrAwaitingResubmission)

	again, err := h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Deny)
	require.NoError(t, err)
	require.True(t, again.Denied)
}

func TestResubmitAfterDeny(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	_, err := h.op.Resubmit(ctx, cs.ConfessionID, "lead-1")
	require.ErrorIs(t, err, ErrNotDenied)

	_, err = h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Deny)
	require.NoError(t, err)

	next, err := h.op.Resubmit(ctx, cs.ConfessionID, "lead-1")
	require.NoError(t, err)
	require.Equal(t, StateConfessed, next.State)
	require.Equal(t, cs.ConfessionID, next.Supersedes)
	require.Equal(t, cs.ConstraintID, next.ConstraintID)

	same, err := h.op.Resubmit(ctx, cs.ConfessionID, "lead-1")
	require.NoError(t, err)
	require.Equal(t, next.ConfessionID, same.ConfessionID)

	old, err := h.op.State(ctx, cs.ConfessionID)
	require.NoError(t, err)
	require.Equal(t, StateDenied, old)

	_, err = h.op.Witness(ctx, cs.ConfessionID, "auditor-2")
	require.ErrorIs(t, err, ErrTerminalState)

	_, err = h.op.Witness(ctx, next.ConfessionID, "auditor-2")
	require.NoError(t, err)
	out, err := h.op.Authorize(ctx, next.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)
	require.Equal(t, StateReleased, out.State)

	k, err := h.op.Constraints().Get(ctx, cs.ConstraintID)
	require.NoError(t, err)
	require.Equal(t, next.ConfessionID, k.Origin)
	require.NoError(t, h.op.Check(ctx))
}

func TestAuthorizeRequiresWitness(t *testing.T) {
	h := newHarness(t)
	cs := h.dwellC1(t)

	_, err := h.op.Authorize(context.Background(), cs.ConfessionID, "lead-1", ledger.Grant)
	require.ErrorIs(t, err, ErrNotWitnessed)
}

func TestDoubleWitnessFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	_, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Witness(ctx, cs.ConfessionID, "auditor-2")
	require.ErrorIs(t, err, ledger.ErrAlreadyWitnessed)

	witnesses, err := h.op.Ledger().Witnesses(ctx, cs.ConfessionID)
	require.NoError(t, err)
	require.Len(t, witnesses, 1)
}

func TestSystemIdentityIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	_, err := h.op.Witness(ctx, cs.ConfessionID, h.op.SystemIdentity())
	require.ErrorIs(t, err, ErrSelfWitness)
	_, err = h.op.Witness(ctx, cs.ConfessionID, "")
	require.ErrorIs(t, err, ErrMissingIdentity)

	_, err = h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Authorize(ctx, cs.ConfessionID, h.op.SystemIdentity(), ledger.Grant)
	require.ErrorIs(t, err, ErrSelfAuthorize)
}

func TestReleasedIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	_, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)

	again, err := h.op.Authorize(ctx, cs.ConfessionID, "lead-2", ledger.Grant)
	require.NoError(t, err)
	require.Equal(t, StateReleased, again.State)
	require.Nil(t, again.Trace)

	n, err := h.op.Learning().Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "re-granting must not duplicate the trace")

	_, err = h.op.Authorize(ctx, cs.ConfessionID, "lead-2", ledger.Deny)
	require.ErrorIs(t, err, ErrTerminalState)
	_, err = h.op.Witness(ctx, cs.ConfessionID, "auditor-2")
	require.ErrorIs(t, err, ErrTerminalState)
	_, err = h.op.Withdraw(ctx, cs.ConfessionID, "lead-2", "changed mind")
	require.ErrorIs(t, err, ErrTerminalState)
	_, err = h.op.Resubmit(ctx, cs.ConfessionID, "lead-2")
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestWithdrawKeepsConstraint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	state, err := h.op.Withdraw(ctx, cs.ConfessionID, "lead-1", "superseded upstream")
	require.NoError(t, err)
	require.Equal(t, StateWithdrawn, state)

	state, err = h.op.Withdraw(ctx, cs.ConfessionID, "lead-1", "again")
	require.NoError(t, err)
	require.Equal(t, StateWithdrawn, state)

	k, err := h.op.Constraints().Lookup(ctx, cs.ConstraintID)
	require.NoError(t, err)
	require.Equal(t, constraint.StatusActive, k.Status)

	_, err = h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestTrailIsPrefixOfPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	released := h.dwellC1(t)
	_, err := h.op.Witness(ctx, released.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Authorize(ctx, released.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)

	denied := h.dwellC1(t)
	_, err = h.op.Witness(ctx, denied.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Authorize(ctx, denied.ConfessionID, "lead-1", ledger.Deny)
	require.NoError(t, err)
	_, err = h.op.Resubmit(ctx, denied.ConfessionID, "lead-1")
	require.NoError(t, err)

	waiting := h.dwellC1(t)

	cases, err := h.op.Cases(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 4)

	for _, cs := range cases {
		trail, err := h.op.Trail(ctx, cs.ConfessionID)
		require.NoError(t, err)
		for i, s := range trail {
			if s == StateDenied {
				require.Equal(t, StateWitnessed, trail[i-1], "denied reached from %s", trail[i-1])
				require.Equal(t, len(trail)-1, i, "denied must be terminal")
				continue
			}
			require.Equal(t, Path[i], s, "trail %v of %s", trail, cs.ConfessionID)
		}
	}

	trail, err := h.op.Trail(ctx, released.ConfessionID)
	require.NoError(t, err)
	require.Equal(t, Path, trail)

	trail, err = h.op.Trail(ctx, waiting.ConfessionID)
	require.NoError(t, err)
	require.Equal(t, []State{StateDetected, StateConfessed}, trail)
}

func TestConvergenceDoesNotResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := candidate.New(nil)

	for i := 0; i < 5; i++ {
		_, err := h.field.Submit(c, triad.NewTriple(0.7, 0.7, 0.7))
		require.NoError(t, err)
		_, ok, err := h.op.Detect(ctx, c.ID)
		require.NoError(t, err)
		require.False(t, ok)
	}
	entry, err := h.field.Get(c.ID)
	require.NoError(t, err)
	require.Zero(t, entry.LastDisagreement())
	require.False(t, entry.Resolved)
}

func TestViolationEscalatesAfterConsecutiveRounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := candidate.New(nil)

	var cs Case
	for round := 1; round <= 3; round++ {
		_, err := h.field.SubmitWithViolation(c, triad.NewTriple(0.9, 0.9, 0.9), "policy breach")
		require.NoError(t, err)
		var ok bool
		cs, ok, err = h.op.Detect(ctx, c.ID)
		require.NoError(t, err)
		if round < 3 {
			require.False(t, ok, "a violation escalated after %d round(s)", round)
			continue
		}
		require.True(t, ok)
	}
	require.Contains(t, cs.Reason, "policy breach")

	entry, err := h.field.Get(c.ID)
	require.NoError(t, err)
	require.True(t, entry.Escalated)
	require.Equal(t, cs.ConstraintID, entry.ConstraintID)

	_, ok, err := h.op.Detect(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, ok, "an escalated entry never raises twice")
}

// restart builds a second operator over the same database with an empty
// dwelling field, the way a controller comes back up after a crash.
func (h *harness) restart(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	audit := logging.NewAuditor(h.st.DB(), logger)
	field := dwelling.NewField(logger, audit)
	op := NewOperator(Deps{
		Store:  h.st,
		Field:  field,
		Gate:   gate.NewGate(gate.DefaultGateConfig()),
		Audit:  audit,
		Logger: logger,
	})
	return &harness{op: op, field: field, st: h.st, logs: logs}
}

func TestDetectAfterRestartBindsOpenConstraint(t *testing.T) {
	before := newHarness(t)
	ctx := context.Background()
	cs := before.dwellC1(t)

	after := before.restart(t)
	c1 := candidate.Candidate{ID: cs.CandidateID, Payload: map[string]any{"name": "C1"}}
	for round := 1; round <= 3; round++ {
		_, err := after.field.Submit(c1, triad.NewTriple(0.9, 0.4, 0.85))
		require.NoError(t, err)
		got, opened, err := after.op.Detect(ctx, c1.ID)
		require.NoError(t, err)
		require.False(t, opened, "round %d opened a second confession", round)
		require.Equal(t, cs.ConstraintID, got.ConstraintID)
		if round == 1 {
			require.Equal(t, cs.ConfessionID, got.ConfessionID)
			require.Equal(t, StateConfessed, got.State)
		}
	}

	active, err := after.op.Constraints().List(ctx, constraint.StatusActive)
	require.NoError(t, err)
	var bound []string
	for _, k := range active {
		if k.CandidateID == c1.ID {
			bound = append(bound, k.ID)
		}
	}
	require.Equal(t, []string{cs.ConstraintID}, bound)

	entry, err := after.field.Get(c1.ID)
	require.NoError(t, err)
	require.True(t, entry.Escalated)
	require.Equal(t, cs.ConstraintID, entry.ConstraintID)
	require.Equal(t, 1, after.logs.FilterMessage("dwelling entry bound to open constraint").Len())

	_, err = after.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	out, err := after.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)
	require.Equal(t, StateReleased, out.State)

	entry, err = after.field.Get(c1.ID)
	require.NoError(t, err)
	require.True(t, entry.Resolved)
	open, err := after.op.Constraints().List(ctx, constraint.StatusActive, constraint.StatusPendingRelease)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestConcurrentWitnessAdmitsOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.op.Witness(ctx, cs.ConfessionID, fmt.Sprintf("auditor-%d", i))
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrAlreadyWitnessed):
			dup++
		default:
			t.Fatalf("unexpected witness error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, dup)

	witnesses, err := h.op.Ledger().Witnesses(ctx, cs.ConfessionID)
	require.NoError(t, err)
	require.Len(t, witnesses, 1)
}

func TestConcurrentGrantAndDenySettleOnce(t *testing.T) {
	for i := 0; i < 5; i++ {
		h := newHarness(t)
		ctx := context.Background()
		cs := h.dwellC1(t)
		_, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
		require.NoError(t, err)

		decisions := []ledger.Decision{ledger.Grant, ledger.Deny}
		errs := make([]error, len(decisions))
		var wg sync.WaitGroup
		for j, d := range decisions {
			wg.Add(1)
			go func(j int, d ledger.Decision) {
				defer wg.Done()
				_, errs[j] = h.op.Authorize(ctx, cs.ConfessionID, fmt.Sprintf("lead-%d", j), d)
			}(j, d)
		}
		wg.Wait()

		var succeeded int
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.True(t, errors.Is(err, ErrTerminalState) || errors.Is(err, ErrAwaitingResubmission), "unexpected error: %v", err)
		}
		require.Equal(t, 1, succeeded)

		status, err := h.op.Status(ctx, cs.ConfessionID)
		require.NoError(t, err)
		n, err := h.op.Learning().Count(ctx)
		require.NoError(t, err)
		k, err := h.op.Constraints().Get(ctx, cs.ConstraintID)
		require.NoError(t, err)

		if status.State == StateReleased {
			require.NoError(t, errs[0])
			require.False(t, status.Denied)
			require.Equal(t, 1, n)
			require.Equal(t, constraint.StatusReleased, k.Status)
			continue
		}
		require.NoError(t, errs[1])
		require.Equal(t, StateWitnessed, status.State)
		require.True(t, status.Denied)
		require.Zero(t, n)
		require.Equal(t, constraint.StatusActive, k.Status)
	}
}

func TestAwaitParksUntilRelease(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs := h.dwellC1(t)

	done := make(chan Case, 1)
	errc := make(chan error, 1)
	go func() {
		got, err := h.op.Await(ctx, cs.ConfessionID, StateReleased)
		errc <- err
		done <- got
	}()

	_, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)
	_, err = h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Grant)
	require.NoError(t, err)

	require.NoError(t, <-errc)
	require.Equal(t, StateReleased, (<-done).State)
}

func TestAwaitEndsOnDeny(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)
	_, err := h.op.Witness(ctx, cs.ConfessionID, "auditor-1")
	require.NoError(t, err)

	result := make(chan Case, 1)
	go func() {
		got, _ := h.op.Await(ctx, cs.ConfessionID, StateReleased)
		result <- got
	}()

	_, err = h.op.Authorize(ctx, cs.ConfessionID, "lead-1", ledger.Deny)
	require.NoError(t, err)

	got := <-result
	require.True(t, got.Denied)
	require.Equal(t, StateWitnessed, got.State)
}

func TestAwaitHonorsCancellation(t *testing.T) {
	h := newHarness(t)
	cs := h.dwellC1(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.op.Await(ctx, cs.ConfessionID, StateWitnessed)
		errc <- err
	}()
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestCheckDetectsTamperedLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cs := h.dwellC1(t)

	_, err := h.st.DB().Exec(`UPDATE ledger_events SET actor = 'mallory' WHERE confession_id = ?`, cs.ConfessionID)
	require.NoError(t, err)
	require.ErrorIs(t, h.op.Check(ctx), store.ErrCorrupt)
}
