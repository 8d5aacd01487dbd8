package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

// ErrNoTrace is returned when a confession has no learning trace.
var ErrNoTrace = errors.New("no learning trace")

// Trace is the durable record of a lesson kept after its constraint was released.
type Trace struct {
	ID           string    `json:"id"`
	ConfessionID string    `json:"confession_id"`
	Lesson       Lesson    `json:"lesson"`
	Fingerprint  string    `json:"fingerprint"`
	CreatedAt    time.Time `json:"created_at"`
}

// #region store
// Store persists learning traces; at most one per confession.
type Store struct {
	sc  store.Scope
	now func() time.Time
}

// NewStore binds a trace store to db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		sc:  store.Scope{DB: db},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the store whose writes run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	cp := *s
	cp.sc.Tx = tx
	return &cp
}

// Record writes the trace for confessionID. The confession_id column is unique,
// so a second record for the same confession fails.
func (s *Store) Record(ctx context.Context, confessionID string, lesson Lesson) (Trace, error) {
	fp, err := Fingerprint(lesson)
	if err != nil {
		return Trace{}, err
	}
	raw, err := json.Marshal(lesson)
	if err != nil {
		return Trace{}, fmt.Errorf("marshal lesson: %w", err)
	}
	tr := Trace{
		ID:           uuid.New().String(),
		ConfessionID: confessionID,
		Lesson:       lesson,
		Fingerprint:  fp,
		CreatedAt:    s.now(),
	}
	err = s.sc.Run(ctx, func(q store.DBTX) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO learning_traces (trace_id, confession_id, lesson_json, fingerprint, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			tr.ID, tr.ConfessionID, string(raw), tr.Fingerprint, tr.CreatedAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return Trace{}, fmt.Errorf("record trace for %s: %w", confessionID, err)
	}
	return tr, nil
}

// Get returns the trace written for confessionID.
func (s *Store) Get(ctx context.Context, confessionID string) (Trace, error) {
	tr, err := scanTrace(s.sc.Query().QueryRowContext(ctx,
		`SELECT trace_id, confession_id, lesson_json, fingerprint, created_at
		 FROM learning_traces WHERE confession_id = ?`, confessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Trace{}, fmt.Errorf("trace for %s: %w", confessionID, ErrNoTrace)
	}
	if err != nil {
		return Trace{}, fmt.Errorf("trace for %s: %w", confessionID, err)
	}
	return tr, nil
}

// List returns all traces, oldest first.
func (s *Store) List(ctx context.Context) ([]Trace, error) {
	rows, err := s.sc.Query().QueryContext(ctx,
		`SELECT trace_id, confession_id, lesson_json, fingerprint, created_at
		 FROM learning_traces ORDER BY created_at, trace_id`)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Count returns the number of traces.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.sc.Query().QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

// Seen reports whether a lesson with this fingerprint was already learned.
func (s *Store) Seen(ctx context.Context, fingerprint string) (bool, error) {
	var n int
	err := s.sc.Query().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM learning_traces WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("seen %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

// #endregion store

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (Trace, error) {
	var tr Trace
	var lessonJSON, created string
	if err := row.Scan(&tr.ID, &tr.ConfessionID, &lessonJSON, &tr.Fingerprint, &created); err != nil {
		return Trace{}, err
	}
	if err := json.Unmarshal([]byte(lessonJSON), &tr.Lesson); err != nil {
		return Trace{}, fmt.Errorf("decode lesson: %w", err)
	}
	tr.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return tr, nil
}
