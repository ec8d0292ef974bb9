// Package router terminates websocket peer connections and routes control
// envelopes and binary chunk frames between the client and portal sides of a
// session.
package router

import (
	"time"

	"github.com/onlitec/onlidesk-broker/daemon/session"
	"github.com/onlitec/onlidesk-broker/daemon/transfer"
)

// Control envelope types. Requests flow peer to broker; past-tense and
// *_response types flow broker to peer.
const (
	// Session plane.
	TypeSessionRegister   = "session_register"
	TypeSessionCreate     = "session_create"
	TypeSessionJoin       = "session_join"
	TypeSessionTerminate  = "session_terminate"
	TypeSessionInfo       = "session_info"
	TypeSessionRegistered = "session_registered"
	TypeSessionCreated    = "session_created"
	TypeSessionJoined     = "session_joined"
	TypeSessionTerminated = "session_terminated"
	TypeSessionExpired    = "session_expired"

	// Privilege plane.
	TypePrivilegeRequest   = "privilege_request"
	TypePrivilegeResponse  = "privilege_response"
	TypePrivilegeRevoke    = "privilege_revoke"
	TypePrivilegeRequested = "privilege_requested"
	TypePrivilegeApproved  = "privilege_approved"
	TypePrivilegeDenied    = "privilege_denied"
	TypePrivilegeRevoked   = "privilege_revoked"
	TypePrivilegeExpired   = "privilege_expired"

	// Transfer plane.
	TypeFileTransferRequest  = "file_transfer_request"
	TypeFileTransferResponse = "file_transfer_response"
	TypeTransferApproval     = "transfer_approval"
	TypeTransferStatusUpdate = "transfer_status_update"
	TypeTransferControl      = "transfer_control"
	TypeControlResponse      = "control_response"
	TypeProgressRequest      = "progress_request"
	TypeProgressResponse     = "progress_response"
	TypeChunkAck             = "chunk_ack"
	TypeChunkRetransmission  = "chunk_retransmission_request"

	// Remote-control plane, forwarded opaquely between roles.
	TypeControlCommand = "control_command"
	TypeInputEvent     = "input_event"
	TypeScreenCapture  = "screen_capture"

	// Liveness.
	TypePing              = "ping"
	TypePong              = "pong"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"

	TypeError = "error"
)

// Envelope is the single wire shape for all control messages. Only Type is
// required; every other field is present when the type calls for it.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	SessionID    string              `json:"session_id,omitempty"`
	Role         string              `json:"role,omitempty"`
	ClientID     string              `json:"client_id,omitempty"`
	TechnicianID string              `json:"technician_id,omitempty"`
	ClientInfo   *session.ClientInfo `json:"client_info,omitempty"`
	Session      *session.Snapshot   `json:"session,omitempty"`

	RequestID     string `json:"request_id,omitempty"`
	PrivilegeType string `json:"privilege_type,omitempty"`
	Justification string `json:"justification,omitempty"`
	// DurationSeconds is the requested privilege duration.
	DurationSeconds int64 `json:"duration_seconds,omitempty"`

	TransferID string             `json:"transfer_id,omitempty"`
	Direction  string             `json:"direction,omitempty"`
	Filename   string             `json:"filename,omitempty"`
	FileSize   int64              `json:"file_size,omitempty"`
	Checksum   string             `json:"checksum,omitempty"`
	SourcePath string             `json:"source_path,omitempty"`
	Transfer   *transfer.Snapshot `json:"transfer,omitempty"`
	Progress   *transfer.Progress `json:"progress,omitempty"`

	// Action is pause, resume or cancel on transfer_control envelopes.
	Action     string `json:"action,omitempty"`
	Approved   *bool  `json:"approved,omitempty"`
	Remember   bool   `json:"remember,omitempty"`
	ChunkIndex *int64 `json:"chunk_index,omitempty"`

	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newEnvelope(envelopeType string) *Envelope {
	return &Envelope{Type: envelopeType, Timestamp: time.Now().UTC()}
}

// errorEnvelope builds the generic error reply. kind follows the error
// taxonomy (not_found, invalid_state, limit_exceeded, blocked, ...).
func errorEnvelope(kind, message string) *Envelope {
	env := newEnvelope(TypeError)
	env.Error = kind
	env.Message = message
	return env
}
