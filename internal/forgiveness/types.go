package forgiveness

import (
	"errors"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/learning"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
)

var (
	// ErrTerminalState is returned for any transition out of released, withdrawn or denied.
	ErrTerminalState = errors.New("terminal state")
	// ErrNotWitnessed is returned when authorization arrives before a witness.
	ErrNotWitnessed = errors.New("confession not witnessed")
	// ErrSelfWitness is returned when the system identity tries to witness.
	ErrSelfWitness = errors.New("system identity cannot witness its own confession")
	// ErrSelfAuthorize is returned when the system identity tries to authorize.
	ErrSelfAuthorize = errors.New("system identity cannot authorize its own confession")
	// ErrAwaitingResubmission is returned when a denied confession is granted
	// without being resubmitted first.
	ErrAwaitingResubmission = errors.New("confession denied, awaiting resubmission")
	// ErrNotDenied is returned when resubmitting a confession nobody denied.
	ErrNotDenied = errors.New("confession was not denied")
	// ErrMissingIdentity is returned when an external call carries no identity.
	ErrMissingIdentity = errors.New("identity required")
)

// #region state
// State is a confession's position in the release workflow.
type State string

const (
	StateDetected   State = "detected"
	StateConfessed  State = "confessed"
	StateWitnessed  State = "witnessed"
	StateAuthorized State = "authorized"
	StateReleased   State = "released"
	StateDenied     State = "denied"
	StateWithdrawn  State = "withdrawn"
)

// Path is the canonical order of a release.
var Path = []State{StateDetected, StateConfessed, StateWitnessed, StateAuthorized, StateReleased}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateDenied || s == StateWithdrawn
}

// fromLedger maps a folded ledger state onto the workflow.
func fromLedger(s ledger.State) State {
	switch s {
	case ledger.StateOpen:
		return StateConfessed
	case ledger.StateWitnessed:
		return StateWitnessed
	case ledger.StateAuthorized:
		return StateAuthorized
	case ledger.StateClosed:
		return StateReleased
	case ledger.StateWithdrawn:
		return StateWithdrawn
	case ledger.StateSuperseded:
		return StateDenied
	}
	return StateDetected
}

// #endregion state

// #region case
// Case is the operator's view of one confession.
type Case struct {
	ConfessionID string          `json:"confession_id"`
	ConstraintID string          `json:"constraint_id"`
	CandidateID  string          `json:"candidate_id"`
	Reason       string          `json:"reason"`
	State        State           `json:"state"`
	Denied       bool            `json:"denied,omitempty"` // deny recorded, awaiting resubmission
	Witness      string          `json:"witness,omitempty"`
	Decision     ledger.Decision `json:"decision,omitempty"`
	Supersedes   string          `json:"supersedes,omitempty"`
	SupersededBy string          `json:"superseded_by,omitempty"`
}

func caseOf(c ledger.Confession) Case {
	out := Case{
		ConfessionID: c.ID,
		ConstraintID: c.ConstraintID,
		CandidateID:  c.CandidateID,
		Reason:       c.Reason,
		State:        fromLedger(c.State),
		Denied:       c.Denied() && !c.State.Terminal(),
		Supersedes:   c.Supersedes,
		SupersededBy: c.SupersededBy,
	}
	if c.Witness != nil {
		out.Witness = c.Witness.Witness
	}
	if d, ok := c.LastDecision(); ok {
		out.Decision = d.Decision
	}
	return out
}

// Outcome is the result of an authorization. A deny is an outcome, not an error.
type Outcome struct {
	State  State           `json:"state"`
	Denied bool            `json:"denied,omitempty"`
	Trace  *learning.Trace `json:"trace,omitempty"`
}

// #endregion case
