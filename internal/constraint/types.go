package constraint

import (
	"errors"
	"time"
)

var (
	// ErrUnknownConstraint is returned by Lookup for missing or released constraints.
	ErrUnknownConstraint = errors.New("unknown constraint")
	// ErrInvalidTransition is returned for any status change other than one step forward.
	ErrInvalidTransition = errors.New("invalid constraint transition")
)

// #region status
// Status is a constraint's position in its one-way lifecycle.
type Status string

const (
	StatusActive         Status = "active"
	StatusPendingRelease Status = "pending_release"
	StatusReleased       Status = "released"
)

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusPendingRelease:
		return 1
	case StatusReleased:
		return 2
	}
	return -1
}

// CanAdvance reports whether from -> to is exactly one step forward.
func CanAdvance(from, to Status) bool {
	return from.rank() >= 0 && to.rank() == from.rank()+1
}

// #endregion status

// #region constraint
// Constraint is a binding raised from a dwelling entry that drifted too far.
type Constraint struct {
	ID          string    `json:"id"`
	Origin      string    `json:"origin,omitempty"` // confession opened for it
	CandidateID string    `json:"candidate_id"`
	Scope       string    `json:"scope"`
	Reason      string    `json:"reason"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// #endregion constraint
