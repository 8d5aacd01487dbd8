package constraint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

// #region store-struct
// Store is the durable record of constraints and their status history.
type Store struct {
	sc  store.Scope
	now func() time.Time
}

// NewStore binds a constraint store to db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		sc:  store.Scope{DB: db},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the store whose operations run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	cp := *s
	cp.sc.Tx = tx
	return &cp
}

// #endregion store-struct

// #region raise
// Raise creates an active constraint from an entry. The scope names the facet
// that dissented most across the entry's rounds.
func (s *Store) Raise(ctx context.Context, entry dwelling.Entry, reason string) (Constraint, error) {
	now := s.now()
	c := Constraint{
		ID:          uuid.New().String(),
		CandidateID: entry.Candidate.ID,
		Scope:       Scope(entry),
		Reason:      reason,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.sc.Run(ctx, func(q store.DBTX) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO constraints (constraint_id, origin, candidate_id, scope, reason, status, created_at, updated_at)
			 VALUES (?, NULL, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.CandidateID, c.Scope, c.Reason, string(c.Status),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert constraint: %w", err)
		}
		return appendHistory(ctx, q, c.ID, "", StatusActive, now)
	})
	if err != nil {
		return Constraint{}, fmt.Errorf("raise: %w", err)
	}
	return c, nil
}

// Scope derives the restriction a constraint places on future candidates.
func Scope(entry dwelling.Entry) string {
	if len(entry.Rounds) == 0 {
		return "facet:unknown"
	}
	sums := make(map[string]float64, 3)
	var order []string
	for _, r := range entry.Rounds {
		for _, sc := range r.Scores {
			name := string(sc.Facet)
			if _, ok := sums[name]; !ok {
				order = append(order, name)
			}
			sums[name] += sc.Confidence
		}
	}
	weakest := order[0]
	for _, name := range order[1:] {
		if sums[name] < sums[weakest] {
			weakest = name
		}
	}
	return "facet:" + weakest
}

// #endregion raise

// #region lookup
// Lookup returns a constraint that is still binding (active or pending release).
func (s *Store) Lookup(ctx context.Context, id string) (Constraint, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return Constraint{}, err
	}
	if c.Status == StatusReleased {
		return Constraint{}, fmt.Errorf("lookup %s: released: %w", id, ErrUnknownConstraint)
	}
	return c, nil
}

// Get returns a constraint in any status.
func (s *Store) Get(ctx context.Context, id string) (Constraint, error) {
	c, err := scanConstraint(s.sc.Query().QueryRowContext(ctx,
		`SELECT constraint_id, origin, candidate_id, scope, reason, status, created_at, updated_at
		 FROM constraints WHERE constraint_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Constraint{}, fmt.Errorf("lookup %s: %w", id, ErrUnknownConstraint)
	}
	if err != nil {
		return Constraint{}, fmt.Errorf("get constraint %s: %w", id, err)
	}
	return c, nil
}

// List returns constraints, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]Constraint, error) {
	rows, err := s.sc.Query().QueryContext(ctx,
		`SELECT constraint_id, origin, candidate_id, scope, reason, status, created_at, updated_at
		 FROM constraints ORDER BY created_at DESC, constraint_id`)
	if err != nil {
		return nil, fmt.Errorf("list constraints: %w", err)
	}
	defer rows.Close()

	keep := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		keep[st] = true
	}

	var out []Constraint
	for rows.Next() {
		c, err := scanConstraint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		if len(keep) == 0 || keep[c.Status] {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

// Binding returns the oldest constraint still binding candidateID (active or
// pending release). ok is false when the candidate has none.
func (s *Store) Binding(ctx context.Context, candidateID string) (c Constraint, ok bool, err error) {
	c, err = scanConstraint(s.sc.Query().QueryRowContext(ctx,
		`SELECT constraint_id, origin, candidate_id, scope, reason, status, created_at, updated_at
		 FROM constraints WHERE candidate_id = ? AND status IN ('active', 'pending_release')
		 ORDER BY created_at, constraint_id LIMIT 1`, candidateID))
	if errors.Is(err, sql.ErrNoRows) {
		return Constraint{}, false, nil
	}
	if err != nil {
		return Constraint{}, false, fmt.Errorf("binding constraint for %s: %w", candidateID, err)
	}
	return c, true, nil
}

// History returns the recorded status sequence of a constraint.
func (s *Store) History(ctx context.Context, id string) ([]Status, error) {
	rows, err := s.sc.Query().QueryContext(ctx,
		`SELECT to_status FROM constraint_history WHERE constraint_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("constraint history: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, Status(st))
	}
	return out, rows.Err()
}

// #endregion lookup

// #region transitions
// Attach records the confession opened for a constraint. It may be set once.
func (s *Store) Attach(ctx context.Context, id, confessionID string) error {
	return s.sc.Run(ctx, func(q store.DBTX) error {
		res, err := q.ExecContext(ctx,
			`UPDATE constraints SET origin = ?, updated_at = ?
			 WHERE constraint_id = ? AND (origin IS NULL OR origin = ?)`,
			confessionID, s.now().Format(time.RFC3339Nano), id, confessionID)
		if err != nil {
			return fmt.Errorf("attach %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("attach %s: %w", id, ErrUnknownConstraint)
		}
		return nil
	})
}

// Reattach moves the origin to a resubmitted confession.
func (s *Store) Reattach(ctx context.Context, id, fromConfession, toConfession string) error {
	return s.sc.Run(ctx, func(q store.DBTX) error {
		res, err := q.ExecContext(ctx,
			`UPDATE constraints SET origin = ?, updated_at = ?
			 WHERE constraint_id = ? AND origin = ? AND status = 'active'`,
			toConfession, s.now().Format(time.RFC3339Nano), id, fromConfession)
		if err != nil {
			return fmt.Errorf("reattach %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reattach %s: %w", id, ErrInvalidTransition)
		}
		return nil
	})
}

// MarkPendingRelease moves an active constraint to pending release.
func (s *Store) MarkPendingRelease(ctx context.Context, id string) (Constraint, error) {
	return s.advance(ctx, id, StatusPendingRelease)
}

// MarkReleased moves a pending constraint to released.
func (s *Store) MarkReleased(ctx context.Context, id string) (Constraint, error) {
	return s.advance(ctx, id, StatusReleased)
}

// advance applies one forward step. Re-applying the current status is a no-op.
func (s *Store) advance(ctx context.Context, id string, to Status) (Constraint, error) {
	var out Constraint
	err := s.sc.Run(ctx, func(q store.DBTX) error {
		c, err := scanConstraint(q.QueryRowContext(ctx,
			`SELECT constraint_id, origin, candidate_id, scope, reason, status, created_at, updated_at
			 FROM constraints WHERE constraint_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark %s %s: %w", id, to, ErrUnknownConstraint)
		}
		if err != nil {
			return fmt.Errorf("mark %s %s: %w", id, to, err)
		}
		if c.Status == to {
			out = c
			return nil
		}
		if !CanAdvance(c.Status, to) {
			return fmt.Errorf("mark %s: %s -> %s: %w", id, c.Status, to, ErrInvalidTransition)
		}

		now := s.now()
		if _, err := q.ExecContext(ctx,
			`UPDATE constraints SET status = ?, updated_at = ? WHERE constraint_id = ?`,
			string(to), now.Format(time.RFC3339Nano), id); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if err := appendHistory(ctx, q, id, c.Status, to, now); err != nil {
			return err
		}
		c.Status = to
		c.UpdatedAt = now
		out = c
		return nil
	})
	if err != nil {
		return Constraint{}, err
	}
	return out, nil
}

// #endregion transitions

// #region helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanConstraint(row scanner) (Constraint, error) {
	var c Constraint
	var origin sql.NullString
	var status, created, updated string
	if err := row.Scan(&c.ID, &origin, &c.CandidateID, &c.Scope, &c.Reason, &status, &created, &updated); err != nil {
		return Constraint{}, err
	}
	c.Origin = origin.String
	c.Status = Status(status)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return c, nil
}

func appendHistory(ctx context.Context, q store.DBTX, id string, from, to Status, at time.Time) error {
	var fromPtr interface{}
	if from != "" {
		fromPtr = string(from)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO constraint_history (constraint_id, from_status, to_status, created_at) VALUES (?, ?, ?, ?)`,
		id, fromPtr, string(to), at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// #endregion helpers
