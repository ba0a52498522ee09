package types

import "time"

// Severity grades an audit finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent is one entry in the append-only audit log. The core only writes
// these; it never reads them back for decisions.
type AuditEvent struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"group_id,omitempty"`
	Kind      string            `json:"kind"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Vars      map[string]string `json:"vars,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
