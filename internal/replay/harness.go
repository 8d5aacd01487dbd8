package replay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/cycle"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/gate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/learning"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

// #region types

// StepResult captures the outcome of one fixture step.
type StepResult struct {
	Index  int
	Step   Step
	Err    error
	State  forgiveness.State
	Report *cycle.Report
}

// Drift is one disagreement between a fixture's expectations and the replayed run.
type Drift struct {
	Candidate string
	Field     string
	Want      string
	Got       string
}

func (d Drift) String() string {
	return fmt.Sprintf("%s %s: want %s, got %s", d.Candidate, d.Field, d.Want, d.Got)
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Steps     int
	Cycles    int
	Escalated int
	Released  int
	Denied    int
	Expired   int
	Traces    int
}

// Result is the full outcome of Replay.
type Result struct {
	Steps   []StepResult
	Drift   []Drift
	Summary Summary
}

// #endregion types

// #region harness

// Harness runs a fixture against an in-memory store with scripted facets.
type Harness struct {
	fixture     *Fixture
	st          *store.Store
	field       *dwelling.Field
	op          *forgiveness.Operator
	driver      *cycle.Driver
	source      *cycle.BatchSource
	confessions map[string]string // candidate -> latest confession
	expired     map[string]bool
	summary     Summary
}

// NewHarness wires every component for f. logger may be nil.
func NewHarness(f *Fixture, logger *zap.Logger) (*Harness, error) {
	st, err := store.NewStore(":memory:")
	if err != nil {
		return nil, fmt.Errorf("replay store: %w", err)
	}
	logger = logging.OrNop(logger)
	audit := logging.NewAuditor(st.DB(), logger)
	field := dwelling.NewField(logger, audit)
	op := forgiveness.NewOperator(forgiveness.Deps{
		Store:  st,
		Field:  field,
		Gate:   gate.NewGate(f.Config.GateConfig()),
		Audit:  audit,
		Logger: logger,
	})
	eval := triad.NewScript(f.Candidates).Evaluator()
	driver := cycle.NewDriver(eval, field, op, cycle.Config{MaxAge: f.Config.DwellingMaxAge, Concurrency: 1}, logger)

	return &Harness{
		fixture:     f,
		st:          st,
		field:       field,
		op:          op,
		driver:      driver,
		source:      cycle.NewBatchSource(candidate.Batch{Candidates: f.Candidates}),
		confessions: make(map[string]string),
		expired:     make(map[string]bool),
	}, nil
}

// Close releases the in-memory store.
func (h *Harness) Close() error {
	return h.st.Close()
}

// Operator exposes the wired operator.
func (h *Harness) Operator() *forgiveness.Operator { return h.op }

// Run executes every step in order. Step errors are recorded, not returned;
// the returned error is reserved for failures of the harness itself.
func (h *Harness) Run(ctx context.Context) ([]StepResult, error) {
	results := make([]StepResult, 0, len(h.fixture.Steps))
	for i, s := range h.fixture.Steps {
		res := StepResult{Index: i, Step: s}
		switch s.Action {
		case ActionCycle:
			times := s.Times
			if times < 1 {
				times = 1
			}
			for n := 0; n < times; n++ {
				rep, err := h.cycle(ctx)
				if err != nil {
					return results, err
				}
				res.Report = &rep
			}
		case ActionConfirm:
			_, res.Err = h.field.Confirm(ctx, s.Candidate, s.Identity)
		default:
			res.State, res.Err = h.apply(ctx, s)
		}
		if errors.Is(res.Err, store.ErrCorrupt) {
			return results, res.Err
		}
		results = append(results, res)
	}
	h.summary.Steps = len(results)
	return results, nil
}

func (h *Harness) cycle(ctx context.Context) (cycle.Report, error) {
	items, err := h.source.Next(ctx)
	if err != nil {
		return cycle.Report{}, err
	}
	rep, err := h.driver.RunOnce(ctx, items)
	if err != nil {
		return rep, err
	}
	h.summary.Cycles++
	for _, cs := range rep.Escalated {
		h.confessions[cs.CandidateID] = cs.ConfessionID
		h.summary.Escalated++
	}
	for _, e := range rep.Expired {
		h.expired[e.Candidate.ID] = true
		h.summary.Expired++
	}
	return rep, nil
}

func (h *Harness) apply(ctx context.Context, s Step) (forgiveness.State, error) {
	id, ok := h.confessions[s.Candidate]
	if !ok {
		return "", fmt.Errorf("no confession opened for %s", s.Candidate)
	}
	switch s.Action {
	case ActionWitness:
		return h.op.Witness(ctx, id, s.Identity)
	case ActionAuthorize:
		out, err := h.op.Authorize(ctx, id, s.Identity, s.Decision)
		if err == nil && out.Denied {
			h.summary.Denied++
		}
		if err == nil && out.Trace != nil {
			h.summary.Released++
		}
		return out.State, err
	case ActionResubmit:
		next, err := h.op.Resubmit(ctx, id, s.Identity)
		if err != nil {
			return "", err
		}
		h.confessions[s.Candidate] = next.ConfessionID
		return next.State, nil
	case ActionWithdraw:
		return h.op.Withdraw(ctx, id, s.Identity, s.Reason)
	}
	return "", fmt.Errorf("unknown action %q", s.Action)
}

// Check compares the run's end state with expectations and step outcomes.
func (h *Harness) Check(ctx context.Context, steps []StepResult) ([]Drift, error) {
	var drift []Drift
	for _, r := range steps {
		if r.Step.WantError != (r.Err != nil) {
			drift = append(drift, Drift{
				Candidate: r.Step.Candidate,
				Field:     fmt.Sprintf("step %d (%s) error", r.Index, r.Step.Action),
				Want:      fmt.Sprint(r.Step.WantError),
				Got:       fmt.Sprint(r.Err),
			})
		}
	}

	for _, exp := range h.fixture.Expect {
		d, err := h.check(ctx, exp)
		if err != nil {
			return nil, err
		}
		drift = append(drift, d...)
	}

	traces, err := h.op.Learning().Count(ctx)
	if err != nil {
		return nil, err
	}
	h.summary.Traces = traces
	if err := h.op.Check(ctx); err != nil {
		return nil, err
	}
	return drift, nil
}

func (h *Harness) check(ctx context.Context, exp Expectation) ([]Drift, error) {
	var drift []Drift
	add := func(field, want, got string) {
		if want != got {
			drift = append(drift, Drift{Candidate: exp.Candidate, Field: field, Want: want, Got: got})
		}
	}

	if exp.Expired {
		add("expired", "true", fmt.Sprint(h.expired[exp.Candidate]))
		return drift, nil
	}

	if exp.Resolved != nil {
		entry, err := h.field.Get(exp.Candidate)
		got := "missing"
		if err == nil {
			got = fmt.Sprint(entry.Resolved)
		} else if !errors.Is(err, dwelling.ErrUnknownEntry) {
			return nil, err
		}
		add("resolved", fmt.Sprint(*exp.Resolved), got)
	}

	id, opened := h.confessions[exp.Candidate]
	if exp.State != "" {
		got := string(forgiveness.StateDetected)
		if opened {
			state, err := h.op.State(ctx, id)
			if err != nil {
				return nil, err
			}
			got = string(state)
		}
		add("state", string(exp.State), got)
	}

	if exp.Constraint != "" {
		got := "none"
		if opened {
			cs, err := h.op.Status(ctx, id)
			if err != nil {
				return nil, err
			}
			k, err := h.op.Constraints().Get(ctx, cs.ConstraintID)
			if err != nil && !errors.Is(err, constraint.ErrUnknownConstraint) {
				return nil, err
			}
			if err == nil {
				got = string(k.Status)
			}
		}
		add("constraint", exp.Constraint, got)
	}

	if exp.Traces != nil {
		n, err := h.tracesFor(ctx, exp.Candidate)
		if err != nil {
			return nil, err
		}
		add("traces", fmt.Sprint(*exp.Traces), fmt.Sprint(n))
	}
	return drift, nil
}

func (h *Harness) tracesFor(ctx context.Context, candidateID string) (int, error) {
	cases, err := h.op.Cases(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cs := range cases {
		if cs.CandidateID != candidateID {
			continue
		}
		_, err := h.op.Learning().Get(ctx, cs.ConfessionID)
		if errors.Is(err, learning.ErrNoTrace) {
			continue
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Summary returns aggregate stats; complete after Check.
func (h *Harness) Summary() Summary { return h.summary }

// #endregion harness

// #region replay

// Replay runs f end to end and reports drift against its expectations.
func Replay(ctx context.Context, f *Fixture, logger *zap.Logger) (Result, error) {
	h, err := NewHarness(f, logger)
	if err != nil {
		return Result{}, err
	}
	defer h.Close()

	steps, err := h.Run(ctx)
	if err != nil {
		return Result{Steps: steps}, err
	}
	drift, err := h.Check(ctx, steps)
	if err != nil {
		return Result{Steps: steps}, err
	}
	return Result{Steps: steps, Drift: drift, Summary: h.Summary()}, nil
}

// #endregion replay
