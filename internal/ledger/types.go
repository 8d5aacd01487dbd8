package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnknownConfession is returned for confession IDs with no events.
	ErrUnknownConfession = errors.New("unknown confession")
	// ErrAlreadyWitnessed is returned when a confession is witnessed a second time.
	ErrAlreadyWitnessed = errors.New("confession already witnessed")
	// ErrNotWitnessed is returned when a decision arrives before a witness.
	ErrNotWitnessed = errors.New("confession not witnessed")
	// ErrClosed is returned for appends to a closed, withdrawn, or superseded confession.
	ErrClosed = errors.New("confession no longer open")
	// ErrChainBroken reports a ledger row whose hash does not match its content.
	ErrChainBroken = errors.New("ledger hash chain broken")
)

// #region event-kind
// EventKind names one append to the ledger.
type EventKind string

const (
	EventConfessed   EventKind = "confessed"
	EventWitnessed   EventKind = "witnessed"
	EventDecided     EventKind = "decided"
	EventResubmitted EventKind = "resubmitted"
	EventWithdrawn   EventKind = "withdrawn"
	EventClosed      EventKind = "closed"
)

// #endregion event-kind

// #region state
// State is a confession's folded ledger state.
type State string

const (
	StateOpen       State = "open"
	StateWitnessed  State = "witnessed"
	StateAuthorized State = "authorized"
	StateClosed     State = "closed"
	StateWithdrawn  State = "withdrawn"
	StateSuperseded State = "superseded"
)

// Terminal reports whether no further appends are accepted.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateWithdrawn || s == StateSuperseded
}

// #endregion state

// #region records
// Decision is an authorizer's verdict.
type Decision string

const (
	Grant Decision = "grant"
	Deny  Decision = "deny"
)

// Valid reports whether d is grant or deny.
func (d Decision) Valid() bool { return d == Grant || d == Deny }

// Ref names what a confession is about.
type Ref struct {
	ConstraintID string
	CandidateID  string
}

// WitnessRecord is an external acknowledgement of a confession.
type WitnessRecord struct {
	ConfessionID string    `json:"confession_id"`
	Witness      string    `json:"witness"`
	Acknowledged bool      `json:"acknowledged"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// AuthorizationDecision is an external grant or deny for a witnessed confession.
type AuthorizationDecision struct {
	ConfessionID string    `json:"confession_id"`
	Authorizer   string    `json:"authorizer"`
	Decision     Decision  `json:"decision"`
	DecidedAt    time.Time `json:"decided_at"`
}

// Confession is the fold of all events appended under one confession ID.
type Confession struct {
	ID           string                  `json:"id"`
	ConstraintID string                  `json:"constraint_id"`
	CandidateID  string                  `json:"candidate_id"`
	Reason       string                  `json:"reason"`
	OpenedAt     time.Time               `json:"opened_at"`
	State        State                   `json:"state"`
	Witness      *WitnessRecord          `json:"witness,omitempty"`
	Decisions    []AuthorizationDecision `json:"decisions,omitempty"`
	Supersedes   string                  `json:"supersedes,omitempty"`
	SupersededBy string                  `json:"superseded_by,omitempty"`
	ClosedAt     time.Time               `json:"closed_at"`
}

// LastDecision returns the latest authorization decision, if any.
func (c Confession) LastDecision() (AuthorizationDecision, bool) {
	if len(c.Decisions) == 0 {
		return AuthorizationDecision{}, false
	}
	return c.Decisions[len(c.Decisions)-1], true
}

// Denied reports whether the latest decision is a deny still awaiting resubmission.
func (c Confession) Denied() bool {
	d, ok := c.LastDecision()
	return ok && d.Decision == Deny
}

// Event is one immutable ledger row.
type Event struct {
	Seq          int64           `json:"seq"`
	ConfessionID string          `json:"confession_id"`
	Kind         EventKind       `json:"kind"`
	Actor        string          `json:"actor,omitempty"`
	ConstraintID string          `json:"constraint_id,omitempty"`
	CandidateID  string          `json:"candidate_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	PrevHash     string          `json:"prev_hash"`
	Hash         string          `json:"hash"`
}

// #endregion records

// #region payloads
type confessedPayload struct {
	Reason     string `json:"reason"`
	Supersedes string `json:"supersedes,omitempty"`
}

type witnessedPayload struct {
	Acknowledged bool `json:"acknowledged"`
}

type decidedPayload struct {
	Decision Decision `json:"decision"`
}

type resubmittedPayload struct {
	Successor string `json:"successor"`
}

type withdrawnPayload struct {
	Reason string `json:"reason,omitempty"`
}

// #endregion payloads
