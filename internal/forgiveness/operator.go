package forgiveness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/gate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/learning"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

// DefaultSystemIdentity is the actor the operator writes under when no identity is configured.
const DefaultSystemIdentity = "triad-controller"

// #region operator-struct
// Operator drives confessions from detection to release. It is the only
// component that resolves escalated dwelling entries.
type Operator struct {
	st          *store.Store
	db          *sql.DB
	field       *dwelling.Field
	gate        *gate.Gate
	constraints *constraint.Store
	ledger      *ledger.Ledger
	learning    *learning.Store
	audit       *logging.Auditor
	logger      *zap.Logger
	locks       *store.KeyedMutex
	waiters     *broadcaster
	system      string
}

// Deps wires an Operator.
type Deps struct {
	Store          *store.Store
	Field          *dwelling.Field
	Gate           *gate.Gate
	Audit          *logging.Auditor
	Logger         *zap.Logger
	SystemIdentity string
}

// #endregion operator-struct

// #region constructor
// NewOperator builds the operator and the stores it owns over d.Store.
func NewOperator(d Deps) *Operator {
	db := d.Store.DB()
	system := d.SystemIdentity
	if system == "" {
		system = DefaultSystemIdentity
	}
	g := d.Gate
	if g == nil {
		g = gate.NewGate(gate.DefaultGateConfig())
	}
	return &Operator{
		st:          d.Store,
		db:          db,
		field:       d.Field,
		gate:        g,
		constraints: constraint.NewStore(db),
		ledger:      ledger.New(db),
		learning:    learning.NewStore(db),
		audit:       d.Audit,
		logger:      logging.OrNop(d.Logger),
		locks:       store.NewKeyedMutex(),
		waiters:     newBroadcaster(),
		system:      system,
	}
}

// Constraints exposes the constraint store for read access.
func (o *Operator) Constraints() *constraint.Store { return o.constraints }

// Ledger exposes the witness ledger for read access.
func (o *Operator) Ledger() *ledger.Ledger { return o.ledger }

// Learning exposes the learning trace set for read access.
func (o *Operator) Learning() *learning.Store { return o.learning }

// SystemIdentity returns the identity the operator acts under.
func (o *Operator) SystemIdentity() string { return o.system }

// Check re-validates durable state. Any inconsistency wraps store.ErrCorrupt.
func (o *Operator) Check(ctx context.Context) error {
	if err := o.st.Validate(ctx); err != nil {
		return err
	}
	if err := o.ledger.Verify(ctx); err != nil {
		if errors.Is(err, ledger.ErrChainBroken) {
			return fmt.Errorf("%w: %w", store.ErrCorrupt, err)
		}
		return err
	}
	return nil
}

// #endregion constructor

// #region detect
// Detect runs the gate over a candidate's dwelling entry. When it escalates,
// a constraint is raised and a confession opened for it in one transaction.
// The bool reports whether a confession was opened.
func (o *Operator) Detect(ctx context.Context, candidateID string) (Case, bool, error) {
	unlock := o.locks.Lock("candidate:" + candidateID)
	defer unlock()

	entry, err := o.field.Get(candidateID)
	if err != nil {
		return Case{}, false, fmt.Errorf("detect %s: %w", candidateID, err)
	}
	if !entry.Escalated && !entry.Resolved {
		k, bound, err := o.constraints.Binding(ctx, candidateID)
		if err != nil {
			return Case{}, false, fmt.Errorf("detect %s: %w", candidateID, err)
		}
		if bound {
			cs, err := o.rebind(ctx, candidateID, k)
			return cs, false, err
		}
	}
	decision := o.gate.Evaluate(entry)
	if !decision.Escalate() {
		return Case{CandidateID: candidateID, ConstraintID: entry.ConstraintID, State: StateDetected, Reason: decision.Reason}, false, nil
	}

	var k constraint.Constraint
	var conf ledger.Confession
	err = store.InTx(ctx, o.db, func(tx *sql.Tx) error {
		cs := o.constraints.WithTx(tx)
		var err error
		if k, err = cs.Raise(ctx, entry, decision.Reason); err != nil {
			return err
		}
		conf, err = o.ledger.WithTx(tx).Confess(ctx, ledger.Ref{ConstraintID: k.ID, CandidateID: candidateID}, decision.Reason)
		if err != nil {
			return err
		}
		return cs.Attach(ctx, k.ID, conf.ID)
	})
	if err != nil {
		return Case{}, false, fmt.Errorf("detect %s: %w", candidateID, err)
	}

	if err := o.field.MarkEscalated(candidateID, k.ID); err != nil {
		o.logger.Warn("dwelling entry not marked escalated",
			zap.String("candidate_id", candidateID),
			zap.String("constraint_id", k.ID),
			zap.Error(err),
		)
	}
	o.logger.Info("constraint raised",
		zap.String("candidate_id", candidateID),
		zap.String("constraint_id", k.ID),
		zap.String("confession_id", conf.ID),
		zap.String("scope", k.Scope),
		zap.Int("run_length", decision.RunLength),
		zap.String("reason", decision.Reason),
	)
	o.audit.Record(ctx, "constraint", k.ID, logging.EventEscalated, o.system, map[string]any{
		"candidate_id":  candidateID,
		"confession_id": conf.ID,
		"scope":         k.Scope,
		"signals":       decision.Signals,
	})
	return caseOf(conf), true, nil
}

// rebind hands a fresh dwelling entry to the constraint that already binds its
// candidate, so a candidate never holds two open constraints at once.
func (o *Operator) rebind(ctx context.Context, candidateID string, k constraint.Constraint) (Case, error) {
	if err := o.field.MarkEscalated(candidateID, k.ID); err != nil {
		return Case{}, fmt.Errorf("detect %s: %w", candidateID, err)
	}
	o.logger.Info("dwelling entry bound to open constraint",
		zap.String("candidate_id", candidateID),
		zap.String("constraint_id", k.ID),
		zap.String("confession_id", k.Origin),
		zap.String("status", string(k.Status)),
	)
	if k.Origin == "" {
		return Case{CandidateID: candidateID, ConstraintID: k.ID, State: StateDetected, Reason: k.Reason}, nil
	}
	return o.Status(ctx, k.Origin)
}

// #endregion detect

// #region witness
// Witness records the external acknowledgement of a confession.
func (o *Operator) Witness(ctx context.Context, confessionID, identity string) (State, error) {
	if identity == "" {
		return "", fmt.Errorf("witness %s: %w", confessionID, ErrMissingIdentity)
	}
	if identity == o.system {
		return "", fmt.Errorf("witness %s: %w", confessionID, ErrSelfWitness)
	}
	unlock := o.locks.Lock(confessionID)
	defer unlock()

	c, err := o.ledger.Get(ctx, confessionID)
	if err != nil {
		return "", err
	}
	if c.State.Terminal() {
		return fromLedger(c.State), fmt.Errorf("witness %s: %s: %w", confessionID, fromLedger(c.State), ErrTerminalState)
	}
	if _, err := o.ledger.Witness(ctx, confessionID, identity); err != nil {
		return fromLedger(c.State), err
	}

	o.logger.Info("confession witnessed",
		zap.String("confession_id", confessionID),
		zap.String("witness", identity),
	)
	o.audit.Record(ctx, "confession", confessionID, logging.EventWitnessed, identity, nil)
	o.waiters.notify(confessionID)
	return StateWitnessed, nil
}

// #endregion witness

// #region authorize
// Authorize applies an external decision. A grant releases the constraint; a
// deny is recorded and leaves the confession witnessed until resubmitted.
func (o *Operator) Authorize(ctx context.Context, confessionID, identity string, decision ledger.Decision) (Outcome, error) {
	if !decision.Valid() {
		return Outcome{}, fmt.Errorf("authorize %s: invalid decision %q", confessionID, decision)
	}
	if identity == "" {
		return Outcome{}, fmt.Errorf("authorize %s: %w", confessionID, ErrMissingIdentity)
	}
	if identity == o.system {
		return Outcome{}, fmt.Errorf("authorize %s: %w", confessionID, ErrSelfAuthorize)
	}
	unlock := o.locks.Lock(confessionID)
	defer unlock()

	c, err := o.ledger.Get(ctx, confessionID)
	if err != nil {
		return Outcome{}, err
	}
	state := fromLedger(c.State)

	switch {
	case state == StateReleased && decision == ledger.Grant:
		return Outcome{State: StateReleased}, nil
	case state.Terminal():
		return Outcome{State: state}, fmt.Errorf("authorize %s: %s: %w", confessionID, state, ErrTerminalState)
	case c.Witness == nil:
		return Outcome{State: state}, fmt.Errorf("authorize %s: %w", confessionID, ErrNotWitnessed)
	case c.Denied() && decision == ledger.Deny:
		return Outcome{State: state, Denied: true}, nil
	case c.Denied():
		return Outcome{State: state, Denied: true}, fmt.Errorf("authorize %s: %w", confessionID, ErrAwaitingResubmission)
	}

	if decision == ledger.Deny {
		return o.deny(ctx, c, identity)
	}
	return o.release(ctx, c, identity)
}

func (o *Operator) deny(ctx context.Context, c ledger.Confession, identity string) (Outcome, error) {
	if _, err := o.ledger.Decide(ctx, ledger.AuthorizationDecision{
		ConfessionID: c.ID,
		Authorizer:   identity,
		Decision:     ledger.Deny,
	}); err != nil {
		return Outcome{}, err
	}
	o.logger.Info("confession denied",
		zap.String("confession_id", c.ID),
		zap.String("constraint_id", c.ConstraintID),
		zap.String("authorizer", identity),
	)
	o.audit.Record(ctx, "confession", c.ID, logging.EventDenied, identity, nil)
	o.waiters.notify(c.ID)
	return Outcome{State: StateWitnessed, Denied: true}, nil
}

// release commits the grant, the constraint's two status steps, the closing
// event and the learning trace together. The dwelling entry is resolved after commit.
func (o *Operator) release(ctx context.Context, c ledger.Confession, identity string) (Outcome, error) {
	var rounds []dwelling.Round
	if entry, err := o.field.Get(c.CandidateID); err == nil {
		rounds = entry.Rounds
	}
	lesson := learning.Extract(c.Reason, rounds)

	var trace learning.Trace
	var relearned bool
	err := store.InTx(ctx, o.db, func(tx *sql.Tx) error {
		if _, err := o.ledger.WithTx(tx).Decide(ctx, ledger.AuthorizationDecision{
			ConfessionID: c.ID,
			Authorizer:   identity,
			Decision:     ledger.Grant,
		}); err != nil {
			return err
		}
		cs := o.constraints.WithTx(tx)
		if _, err := cs.MarkPendingRelease(ctx, c.ConstraintID); err != nil {
			return err
		}
		if _, err := cs.MarkReleased(ctx, c.ConstraintID); err != nil {
			return err
		}
		if _, err := o.ledger.WithTx(tx).Close(ctx, c.ID, o.system); err != nil {
			return err
		}
		ls := o.learning.WithTx(tx)
		fp, err := learning.Fingerprint(lesson)
		if err != nil {
			return err
		}
		if relearned, err = ls.Seen(ctx, fp); err != nil {
			return err
		}
		trace, err = ls.Record(ctx, c.ID, lesson)
		return err
	})
	if err != nil {
		return Outcome{State: StateWitnessed}, fmt.Errorf("release %s: %w", c.ID, err)
	}

	if err := o.field.Resolve(c.CandidateID, c.ConstraintID); err != nil {
		o.logger.Warn("released constraint has no live dwelling entry",
			zap.String("candidate_id", c.CandidateID),
			zap.String("confession_id", c.ID),
			zap.Error(err),
		)
	}
	o.logger.Info("constraint released",
		zap.String("confession_id", c.ID),
		zap.String("constraint_id", c.ConstraintID),
		zap.String("candidate_id", c.CandidateID),
		zap.String("authorizer", identity),
		zap.String("fingerprint", trace.Fingerprint),
		zap.Bool("relearned", relearned),
	)
	o.audit.Record(ctx, "confession", c.ID, logging.EventReleased, identity, map[string]any{
		"constraint_id": c.ConstraintID,
		"trace_id":      trace.ID,
		"fingerprint":   trace.Fingerprint,
	})
	o.waiters.notify(c.ID)
	return Outcome{State: StateReleased, Trace: &trace}, nil
}

// #endregion authorize

// #region resubmit
// Resubmit replaces a denied confession with a fresh one for the same
// constraint. The old confession ends denied; the new one starts confessed.
// Resubmitting an already superseded confession returns its successor.
func (o *Operator) Resubmit(ctx context.Context, confessionID, identity string) (Case, error) {
	if identity == "" {
		return Case{}, fmt.Errorf("resubmit %s: %w", confessionID, ErrMissingIdentity)
	}
	unlock := o.locks.Lock(confessionID)
	defer unlock()

	c, err := o.ledger.Get(ctx, confessionID)
	if err != nil {
		return Case{}, err
	}
	switch {
	case c.State == ledger.StateSuperseded:
		return o.Status(ctx, c.SupersededBy)
	case c.State.Terminal():
		return caseOf(c), fmt.Errorf("resubmit %s: %s: %w", confessionID, fromLedger(c.State), ErrTerminalState)
	case !c.Denied():
		return caseOf(c), fmt.Errorf("resubmit %s: %w", confessionID, ErrNotDenied)
	}

	var next ledger.Confession
	err = store.InTx(ctx, o.db, func(tx *sql.Tx) error {
		var err error
		if next, err = o.ledger.WithTx(tx).Resubmit(ctx, confessionID, identity); err != nil {
			return err
		}
		return o.constraints.WithTx(tx).Reattach(ctx, c.ConstraintID, confessionID, next.ID)
	})
	if err != nil {
		return Case{}, fmt.Errorf("resubmit %s: %w", confessionID, err)
	}

	o.logger.Info("confession resubmitted",
		zap.String("confession_id", confessionID),
		zap.String("successor", next.ID),
		zap.String("constraint_id", c.ConstraintID),
	)
	o.audit.Record(ctx, "confession", confessionID, logging.EventResubmitted, identity, map[string]string{
		"successor": next.ID,
	})
	o.waiters.notify(confessionID)
	return caseOf(next), nil
}

// #endregion resubmit

// #region withdraw
// Withdraw cancels a confession on explicit request. The constraint stays active.
func (o *Operator) Withdraw(ctx context.Context, confessionID, identity, reason string) (State, error) {
	if identity == "" {
		return "", fmt.Errorf("withdraw %s: %w", confessionID, ErrMissingIdentity)
	}
	unlock := o.locks.Lock(confessionID)
	defer unlock()

	c, err := o.ledger.Get(ctx, confessionID)
	if err != nil {
		return "", err
	}
	state := fromLedger(c.State)
	if state == StateWithdrawn {
		return state, nil
	}
	if state.Terminal() {
		return state, fmt.Errorf("withdraw %s: %s: %w", confessionID, state, ErrTerminalState)
	}
	if _, err := o.ledger.Withdraw(ctx, confessionID, identity, reason); err != nil {
		return state, err
	}

	o.logger.Info("confession withdrawn",
		zap.String("confession_id", confessionID),
		zap.String("constraint_id", c.ConstraintID),
		zap.String("identity", identity),
		zap.String("reason", reason),
	)
	o.audit.Record(ctx, "confession", confessionID, logging.EventWithdrawn, identity, map[string]string{"reason": reason})
	o.waiters.notify(confessionID)
	return StateWithdrawn, nil
}

// #endregion withdraw

// #region queries
// State returns the workflow state of a confession.
func (o *Operator) State(ctx context.Context, confessionID string) (State, error) {
	c, err := o.Status(ctx, confessionID)
	if err != nil {
		return "", err
	}
	return c.State, nil
}

// Status returns the full case view of a confession.
func (o *Operator) Status(ctx context.Context, confessionID string) (Case, error) {
	c, err := o.ledger.Get(ctx, confessionID)
	if err != nil {
		return Case{}, err
	}
	return caseOf(c), nil
}

// Cases lists every confession, optionally filtered by state.
func (o *Operator) Cases(ctx context.Context, states ...State) ([]Case, error) {
	all, err := o.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Case, 0, len(all))
	for _, c := range all {
		cs := caseOf(c)
		if len(states) > 0 && !slices.Contains(states, cs.State) {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

// Trail replays the states a confession visited, starting from detected.
func (o *Operator) Trail(ctx context.Context, confessionID string) ([]State, error) {
	events, err := o.ledger.Events(ctx, confessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("trail %s: %w", confessionID, ledger.ErrUnknownConfession)
	}
	c, err := o.ledger.Get(ctx, confessionID)
	if err != nil {
		return nil, err
	}
	trail := []State{StateDetected}
	decided := 0
	for _, ev := range events {
		var next State
		switch ev.Kind {
		case ledger.EventConfessed:
			next = StateConfessed
		case ledger.EventWitnessed:
			next = StateWitnessed
		case ledger.EventDecided:
			d := c.Decisions[decided]
			decided++
			if d.Decision != ledger.Grant {
				continue
			}
			next = StateAuthorized
		case ledger.EventResubmitted:
			next = StateDenied
		case ledger.EventWithdrawn:
			next = StateWithdrawn
		case ledger.EventClosed:
			next = StateReleased
		}
		if next != "" && next != trail[len(trail)-1] {
			trail = append(trail, next)
		}
	}
	return trail, nil
}

// #endregion queries

// #region await
// Await parks until the confession reaches one of targets, ends in a terminal
// state, or records a deny. There is no internal timeout: only ctx ends the wait early.
func (o *Operator) Await(ctx context.Context, confessionID string, targets ...State) (Case, error) {
	for {
		changed := o.waiters.subscribe(confessionID)
		c, err := o.Status(ctx, confessionID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Case{}, ctxErr
			}
			return Case{}, err
		}
		if slices.Contains(targets, c.State) || c.State.Terminal() || c.Denied {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, ctx.Err()
		case <-changed:
		}
	}
}

// #endregion await
