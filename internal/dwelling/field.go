package dwelling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

// #region field
// Field holds unresolved candidates and their facet-disagreement history.
// Scoring never resolves an entry: only Confirm (explicit caller) or Resolve
// (release by the forgiveness operator) do. Expire is the only removal path.
type Field struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
	audit   *logging.Auditor
	now     func() time.Time
}

// NewField creates an empty field. logger and audit may be nil.
func NewField(logger *zap.Logger, audit *logging.Auditor) *Field {
	return &Field{
		entries: make(map[string]*Entry),
		logger:  logging.OrNop(logger),
		audit:   audit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// #endregion field

// #region submit
// Submit records a round for c, creating the entry on first sight, and ages it by one.
func (f *Field) Submit(c candidate.Candidate, t triad.Triple) (Entry, error) {
	return f.SubmitWithViolation(c, t, "")
}

// SubmitWithViolation records a round carrying an external violation signal.
func (f *Field) SubmitWithViolation(c candidate.Candidate, t triad.Triple, violation string) (Entry, error) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[c.ID]
	if !ok {
		e = &Entry{Candidate: c, FirstSeen: now}
		f.entries[c.ID] = e
	}
	if e.Resolved {
		return Entry{}, fmt.Errorf("submit %s: %w", c.ID, ErrResolved)
	}
	e.Rounds = append(e.Rounds, NewRound(t, violation, now))
	e.Age++
	e.UpdatedAt = now
	return e.clone(), nil
}

// #endregion submit

// #region get
// Get returns a snapshot of the entry for candidateID.
func (f *Field) Get(candidateID string) (Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.entries[candidateID]
	if !ok {
		return Entry{}, fmt.Errorf("get %s: %w", candidateID, ErrUnknownEntry)
	}
	return e.clone(), nil
}

// Live returns snapshots of all unresolved entries ordered by first sight.
func (f *Field) Live() []Entry {
	return f.list(func(e *Entry) bool { return !e.Resolved })
}

// All returns snapshots of every entry ordered by first sight.
func (f *Field) All() []Entry {
	return f.list(func(*Entry) bool { return true })
}

func (f *Field) list(keep func(*Entry) bool) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Candidate.ID < out[j].Candidate.ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// #endregion get

// #region escalation
// MarkEscalated hands the entry to a constraint. Re-marking with the same
// constraint is a no-op.
func (f *Field) MarkEscalated(candidateID, constraintID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[candidateID]
	if !ok {
		return fmt.Errorf("escalate %s: %w", candidateID, ErrUnknownEntry)
	}
	if e.Resolved {
		return fmt.Errorf("escalate %s: %w", candidateID, ErrResolved)
	}
	if e.Escalated && e.ConstraintID != constraintID {
		return fmt.Errorf("escalate %s: already bound to constraint %s", candidateID, e.ConstraintID)
	}
	e.Escalated = true
	e.ConstraintID = constraintID
	e.UpdatedAt = f.now()
	return nil
}

// Resolve marks an escalated entry resolved after constraintID, the constraint
// it is bound to, was released. Resolving an already released entry is a no-op.
func (f *Field) Resolve(candidateID, constraintID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[candidateID]
	if !ok {
		return fmt.Errorf("resolve %s: %w", candidateID, ErrUnknownEntry)
	}
	if !e.Escalated {
		return fmt.Errorf("resolve %s: %w", candidateID, ErrNotEscalated)
	}
	if e.ConstraintID != constraintID {
		return fmt.Errorf("resolve %s: released %s, bound to %s: %w", candidateID, constraintID, e.ConstraintID, ErrConstraintMismatch)
	}
	if e.Resolved && e.Resolution == ResolutionReleased {
		return nil
	}
	e.Resolved = true
	e.Resolution = ResolutionReleased
	e.UpdatedAt = f.now()
	return nil
}

// Confirm resolves a never-escalated entry on explicit caller confirmation.
func (f *Field) Confirm(ctx context.Context, candidateID, actor string) (Entry, error) {
	f.mu.Lock()
	e, ok := f.entries[candidateID]
	if !ok {
		f.mu.Unlock()
		return Entry{}, fmt.Errorf("confirm %s: %w", candidateID, ErrUnknownEntry)
	}
	if e.Escalated {
		f.mu.Unlock()
		return Entry{}, fmt.Errorf("confirm %s: %w", candidateID, ErrEscalated)
	}
	if e.Resolved {
		snap := e.clone()
		f.mu.Unlock()
		return snap, nil
	}
	e.Resolved = true
	e.Resolution = ResolutionConfirmed
	e.UpdatedAt = f.now()
	snap := e.clone()
	f.mu.Unlock()

	f.logger.Info("dwelling entry confirmed",
		zap.String("candidate_id", candidateID),
		zap.String("actor", actor),
		zap.Int("age", snap.Age),
		zap.Float64("final_disagreement", snap.LastDisagreement()),
	)
	f.audit.Record(ctx, "dwelling", candidateID, logging.EventConfirmed, actor, expiryDetail{
		Age:               snap.Age,
		FinalDisagreement: snap.LastDisagreement(),
	})
	return snap, nil
}

// #endregion escalation

// #region expire
type expiryDetail struct {
	Age               int     `json:"age"`
	FinalDisagreement float64 `json:"final_disagreement"`
}

// Expire removes unresolved, never-escalated entries older than maxAge rounds.
// Every removal is logged and audited with its age and final disagreement.
// Escalated entries are never removed here: their constraint's lifecycle owns
// them. Confirmed entries stay for inspection.
func (f *Field) Expire(ctx context.Context, maxAge int) []Entry {
	f.mu.Lock()
	var removed []Entry
	for id, e := range f.entries {
		if e.Escalated || e.Resolved || e.Age <= maxAge {
			continue
		}
		removed = append(removed, e.clone())
		delete(f.entries, id)
	}
	f.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].Candidate.ID < removed[j].Candidate.ID })
	for _, e := range removed {
		f.logger.Info("dwelling entry expired",
			zap.String("candidate_id", e.Candidate.ID),
			zap.Int("age", e.Age),
			zap.Float64("final_disagreement", e.LastDisagreement()),
		)
		f.audit.Record(ctx, "dwelling", e.Candidate.ID, logging.EventExpired, "", expiryDetail{
			Age:               e.Age,
			FinalDisagreement: e.LastDisagreement(),
		})
	}
	return removed
}

// #endregion expire
