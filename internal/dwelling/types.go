package dwelling

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

var (
	// ErrUnknownEntry is returned for candidate IDs the field does not hold.
	ErrUnknownEntry = errors.New("unknown dwelling entry")
	// ErrResolved is returned when a resolved entry is asked to take more rounds.
	ErrResolved = errors.New("dwelling entry already resolved")
	// ErrEscalated is returned when a caller tries to confirm an entry that a
	// constraint now owns; only its release may resolve it.
	ErrEscalated = errors.New("dwelling entry escalated")
	// ErrNotEscalated is returned when release-resolution targets an entry that
	// never raised a constraint.
	ErrNotEscalated = errors.New("dwelling entry not escalated")
	// ErrConstraintMismatch is returned when a release names a constraint the
	// entry is not bound to.
	ErrConstraintMismatch = errors.New("dwelling entry bound to another constraint")
)

// #region round
// Round is one recorded evaluation of a candidate.
type Round struct {
	Scores       triad.Triple `json:"scores"`
	Disagreement float64      `json:"disagreement"`
	Coherence    float64      `json:"coherence"`
	Spread       float64      `json:"spread"`
	Violation    string       `json:"violation,omitempty"` // external violation signal, if any
	ScoredAt     time.Time    `json:"scored_at"`
}

// NewRound derives the round metrics from a scored triple.
func NewRound(t triad.Triple, violation string, at time.Time) Round {
	return Round{
		Scores:       t,
		Disagreement: t.Disagreement(),
		Coherence:    t.Coherence(),
		Spread:       t.Spread(),
		Violation:    violation,
		ScoredAt:     at,
	}
}

// #endregion round

// #region resolution
// Resolution records how an entry left the unresolved state.
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionReleased  Resolution = "released"  // constraint released by the forgiveness operator
	ResolutionConfirmed Resolution = "confirmed" // explicit caller confirmation
)

// #endregion resolution

// #region entry
// Entry is a candidate held open under monitoring, with its round history.
type Entry struct {
	Candidate    candidate.Candidate `json:"candidate"`
	Rounds       []Round             `json:"rounds"`
	Age          int                 `json:"age"` // rounds survived
	Escalated    bool                `json:"escalated"`
	ConstraintID string              `json:"constraint_id,omitempty"`
	Resolved     bool                `json:"resolved"`
	Resolution   Resolution          `json:"resolution,omitempty"`
	FirstSeen    time.Time           `json:"first_seen"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// LastDisagreement returns the disagreement of the latest round, or 0 without rounds.
func (e Entry) LastDisagreement() float64 {
	if len(e.Rounds) == 0 {
		return 0
	}
	return e.Rounds[len(e.Rounds)-1].Disagreement
}

// LastRound returns the latest round and whether one exists.
func (e Entry) LastRound() (Round, bool) {
	if len(e.Rounds) == 0 {
		return Round{}, false
	}
	return e.Rounds[len(e.Rounds)-1], true
}

func (e *Entry) clone() Entry {
	out := *e
	out.Rounds = append([]Round(nil), e.Rounds...)
	return out
}

// #endregion entry
