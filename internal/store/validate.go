package store

import (
	"context"
	"database/sql"
	"fmt"
)

// statusRank orders constraint statuses; history rows must climb it one step at a time.
var statusRank = map[string]int{
	"active":          0,
	"pending_release": 1,
	"released":        2,
}

// #region validate
// Validate re-checks the invariants that must hold across restarts:
// constraint history only moves forward and ends at the stored status, every
// released constraint was closed by exactly one confession with one trace, and
// every trace belongs to a closed confession. Violations wrap ErrCorrupt.
func (s *Store) Validate(ctx context.Context) error {
	if err := s.validateHistory(ctx); err != nil {
		return err
	}
	return s.validateReleases(ctx)
}

func (s *Store) validateHistory(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.constraint_id, c.status, h.from_status, h.to_status
		 FROM constraints c LEFT JOIN constraint_history h ON h.constraint_id = c.constraint_id
		 ORDER BY c.constraint_id, h.id`)
	if err != nil {
		return fmt.Errorf("validate history: %w", err)
	}
	defer rows.Close()

	type chain struct {
		status string
		last   string
		steps  int
	}
	chains := make(map[string]*chain)
	var order []string
	for rows.Next() {
		var id, status string
		var from, to sql.NullString
		if err := rows.Scan(&id, &status, &from, &to); err != nil {
			return fmt.Errorf("validate history: scan: %w", err)
		}
		ch, ok := chains[id]
		if !ok {
			if _, known := statusRank[status]; !known {
				return fmt.Errorf("%w: constraint %s has unknown status %q", ErrCorrupt, id, status)
			}
			ch = &chain{status: status}
			chains[id] = ch
			order = append(order, id)
		}
		if !to.Valid {
			continue
		}
		if ch.steps == 0 {
			if from.Valid || to.String != "active" {
				return fmt.Errorf("%w: constraint %s history does not start at active", ErrCorrupt, id)
			}
		} else {
			if !from.Valid || from.String != ch.last {
				return fmt.Errorf("%w: constraint %s history gap at %s", ErrCorrupt, id, to.String)
			}
			if statusRank[to.String] != statusRank[from.String]+1 {
				return fmt.Errorf("%w: constraint %s moved %s -> %s", ErrCorrupt, id, from.String, to.String)
			}
		}
		ch.last = to.String
		ch.steps++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("validate history: %w", err)
	}

	for _, id := range order {
		ch := chains[id]
		if ch.steps == 0 {
			return fmt.Errorf("%w: constraint %s has no history", ErrCorrupt, id)
		}
		if ch.last != ch.status {
			return fmt.Errorf("%w: constraint %s status %s disagrees with history %s", ErrCorrupt, id, ch.status, ch.last)
		}
	}
	return nil
}

// Event kinds here mirror the ledger package's confessed/closed events.
func (s *Store) validateReleases(ctx context.Context) error {
	checks := []struct {
		query string
		what  string
	}{
		{
			query: `SELECT c.constraint_id FROM constraints c
				WHERE c.status = 'released' AND NOT EXISTS (
					SELECT 1 FROM ledger_events o
					JOIN ledger_events x ON x.confession_id = o.confession_id AND x.kind = 'closed'
					JOIN learning_traces t ON t.confession_id = o.confession_id
					WHERE o.kind = 'confessed' AND o.constraint_id = c.constraint_id)`,
			what: "released constraint without closed confession and trace",
		},
		{
			query: `SELECT o.constraint_id FROM ledger_events x
				JOIN ledger_events o ON o.confession_id = x.confession_id AND o.kind = 'confessed'
				LEFT JOIN constraints c ON c.constraint_id = o.constraint_id
				WHERE x.kind = 'closed' AND (c.status IS NULL OR c.status != 'released')`,
			what: "closed confession whose constraint is not released",
		},
		{
			query: `SELECT t.confession_id FROM learning_traces t
				WHERE NOT EXISTS (
					SELECT 1 FROM ledger_events x
					WHERE x.confession_id = t.confession_id AND x.kind = 'closed')`,
			what: "learning trace without closed confession",
		},
		{
			query: `SELECT confession_id FROM ledger_events WHERE kind = 'closed'
				GROUP BY confession_id HAVING COUNT(*) > 1`,
			what: "confession closed more than once",
		},
	}
	for _, c := range checks {
		var id sql.NullString
		err := s.db.QueryRowContext(ctx, c.query+" LIMIT 1").Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("validate releases: %w", err)
		}
		return fmt.Errorf("%w: %s (%s)", ErrCorrupt, c.what, id.String)
	}
	return nil
}

// #endregion validate
