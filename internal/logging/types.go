package logging

import "time"

// #region audit-entry
// AuditEntry is a single row in the audit_log table.
type AuditEntry struct {
	SubjectID  string // candidate, constraint, or confession ID
	Subject    string // "dwelling" | "constraint" | "confession"
	Event      string
	Actor      string
	DetailJSON string
	CreatedAt  time.Time
}

// #endregion audit-entry

// #region event-names
const (
	EventExpired     = "expired"
	EventConfirmed   = "confirmed"
	EventEscalated   = "escalated"
	EventWitnessed   = "witnessed"
	EventDenied      = "denied"
	EventReleased    = "released"
	EventWithdrawn   = "withdrawn"
	EventResubmitted = "resubmitted"
)

// #endregion event-names
