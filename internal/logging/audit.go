package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Execer is the subset of *sql.DB / *sql.Tx needed to append audit rows.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// #region log-event
// LogEvent appends an entry to the audit_log table.
func LogEvent(ctx context.Context, q Execer, entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (subject_id, subject, event, actor, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SubjectID,
		entry.Subject,
		entry.Event,
		nullIfEmpty(entry.Actor),
		nullIfEmpty(entry.DetailJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// #endregion log-event

// #region read
// Querier is the subset of *sql.DB / *sql.Tx needed to read audit rows.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListEvents returns audit rows in insertion order. A non-empty subjectID
// restricts the result to that subject.
func ListEvents(ctx context.Context, q Querier, subjectID string) ([]AuditEntry, error) {
	query := `SELECT subject_id, subject, event, actor, detail_json, created_at FROM audit_log`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e             AuditEntry
			actor, detail sql.NullString
			created       string
		)
		if err := rows.Scan(&e.SubjectID, &e.Subject, &e.Event, &actor, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Actor, e.DetailJSON = actor.String, detail.String
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("audit %s created_at: %w", e.SubjectID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion read

// #region auditor
// Auditor writes audit rows and mirrors them to the structured logger.
// A nil *Auditor discards everything.
type Auditor struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditor binds an auditor to db. logger may be nil.
func NewAuditor(db *sql.DB, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{db: db, logger: logger}
}

// Record appends entry, marshalling detail as JSON. Failures are logged, not returned:
// the audit trail never blocks a state transition that already committed.
func (a *Auditor) Record(ctx context.Context, subject, subjectID, event, actor string, detail any) {
	if a == nil {
		return
	}
	entry := AuditEntry{
		SubjectID: subjectID,
		Subject:   subject,
		Event:     event,
		Actor:     actor,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			a.logger.Warn("audit detail marshal failed", zap.String("event", event), zap.Error(err))
		} else {
			entry.DetailJSON = string(raw)
		}
	}
	if err := LogEvent(ctx, a.db, entry); err != nil {
		a.logger.Error("audit write failed",
			zap.String("subject", subject),
			zap.String("subject_id", subjectID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// #endregion auditor

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
