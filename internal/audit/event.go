package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

const (
	EventTransferRequested EventType = "transfer_requested"
	EventTransferApproved  EventType = "transfer_approved"
	EventTransferRejected  EventType = "transfer_rejected"
	EventTransferStarted   EventType = "transfer_started"
	EventTransferPaused    EventType = "transfer_paused"
	EventTransferResumed   EventType = "transfer_resumed"
	EventTransferCompleted EventType = "transfer_completed"
	EventTransferFailed    EventType = "transfer_failed"
	EventTransferCancelled EventType = "transfer_cancelled"

	EventFileValidated   EventType = "file_validated"
	EventFileQuarantined EventType = "file_quarantined"

	EventSessionCreated    EventType = "session_created"
	EventSessionTerminated EventType = "session_terminated"
	EventSessionExpired    EventType = "session_expired"

	EventConnectionEstablished EventType = "connection_established"
	EventConnectionLost        EventType = "connection_lost"

	EventPrivilegeRequested EventType = "privilege_requested"
	EventPrivilegeApproved  EventType = "privilege_approved"
	EventPrivilegeDenied    EventType = "privilege_denied"
	EventPrivilegeRevoked   EventType = "privilege_revoked"
	EventPrivilegeExpired   EventType = "privilege_expired"

	EventConfigUpdated     EventType = "config_updated"
	EventSecurityViolation EventType = "security_violation"
)

// Severity is the event severity level.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event is a single append-only audit record.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	EventType  EventType         `json:"event_type"`
	SessionID  string            `json:"session_id,omitempty"`
	TransferID string            `json:"transfer_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Technician string            `json:"technician,omitempty"`
	Filename   string            `json:"filename,omitempty"`
	FileSize   int64             `json:"file_size,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Severity   Severity          `json:"severity"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp. Severity is
// assigned from the event type when left empty.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Success:   true,
	}
}

// DetermineSeverity maps an event type to its default severity.
func DetermineSeverity(eventType EventType) Severity {
	switch eventType {
	case EventSecurityViolation:
		return SeverityHigh
	case EventTransferFailed, EventFileQuarantined:
		return SeverityMedium
	case EventTransferRejected, EventTransferCancelled, EventPrivilegeDenied:
		return SeverityLow
	default:
		return SeverityInfo
	}
}
