// Package session owns the support-session lifecycle: the per-session state
// machine, privilege escalation, and peer attachment bookkeeping.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusTerminated   Status = "terminated"
	StatusExpired      Status = "expired"
)

// Role identifies which side of the triangle a peer connection is.
type Role string

const (
	RoleClient Role = "client"
	RolePortal Role = "portal"
)

// validTransitions defines the legal session state machine. Terminal states
// have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusActive, StatusTerminated, StatusExpired},
	StatusActive:       {StatusDisconnected, StatusTerminated, StatusExpired},
	StatusDisconnected: {StatusActive, StatusTerminated, StatusExpired},
	StatusTerminated:   {},
	StatusExpired:      {},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

var (
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrPrivilegeActive        = errors.New("privilege already active for this type")
	ErrNoActivePrivilege      = errors.New("no active privilege of this type")
)

// ClientInfo describes the end-user machine as reported at session creation.
type ClientInfo struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// RequestStatus is the privilege request state.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// PrivilegeRequest is a pending or settled escalation request.
type PrivilegeRequest struct {
	ID                string        `json:"id"`
	Type              string        `json:"type"`
	Justification     string        `json:"justification"`
	RequestedDuration time.Duration `json:"requested_duration"`
	RequestedAt       time.Time     `json:"requested_at"`
	Status            RequestStatus `json:"status"`
	Approver          string        `json:"approver,omitempty"`
	ApprovedAt        *time.Time    `json:"approved_at,omitempty"`
}

// ActivePrivilege is a granted, time-bounded capability. At most one exists
// per (session, type).
type ActivePrivilege struct {
	Type      string    `json:"type"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	GrantedBy string    `json:"granted_by"`
}

// Expired reports whether the privilege has passed its expiry.
func (p *ActivePrivilege) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Statistics carries per-session counters.
type Statistics struct {
	MessagesRouted     int64 `json:"messages_routed"`
	TransfersRequested int64 `json:"transfers_requested"`
	PrivilegesGranted  int64 `json:"privileges_granted"`
	PrivilegesDenied   int64 `json:"privileges_denied"`
}

// Session is the triangle between one client, one technician and the broker.
// All field mutation goes through methods holding the record mutex; the
// Manager is the only writer.
type Session struct {
	mu sync.RWMutex

	ID           string
	ClientID     string
	TechnicianID string
	ClientInfo   ClientInfo

	Status       Status
	StartTime    time.Time
	LastActivity time.Time
	EndTime      *time.Time
	EndReason    string

	privilegeRequests map[string]*PrivilegeRequest
	activePrivileges  map[string]*ActivePrivilege
	attachedRoles     map[Role]bool

	Stats Statistics
}

// New creates a session in the pending state.
func New(clientID, technicianID string, info ClientInfo) *Session {
	now := time.Now()
	return &Session{
		ID:                uuid.New().String(),
		ClientID:          clientID,
		TechnicianID:      technicianID,
		ClientInfo:        info,
		Status:            StatusPending,
		StartTime:         now,
		LastActivity:      now,
		privilegeRequests: make(map[string]*PrivilegeRequest),
		activePrivileges:  make(map[string]*ActivePrivilege),
		attachedRoles:     make(map[Role]bool),
	}
}

// Touch bumps last activity. Activity never moves backwards.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// GetStatus returns the current status.
func (s *Session) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// TransitionTo moves the session to a new status, enforcing the state
// machine. Terminal transitions record the end time and reason.
func (s *Session) TransitionTo(next Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next, reason)
}

func (s *Session) transitionLocked(next Status, reason string) error {
	for _, allowed := range validTransitions[s.Status] {
		if allowed == next {
			s.Status = next
			if next.IsTerminal() {
				now := time.Now()
				s.EndTime = &now
				s.EndReason = reason
				// No privilege outlives its session.
				s.activePrivileges = make(map[string]*ActivePrivilege)
			}
			return nil
		}
	}
	return ErrInvalidStateTransition
}

// AttachRole records a peer attachment. The client role attaching moves
// pending or disconnected sessions to active.
func (s *Session) AttachRole(role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status.IsTerminal() {
		return ErrInvalidStateTransition
	}

	s.attachedRoles[role] = true
	if now := time.Now(); now.After(s.LastActivity) {
		s.LastActivity = now
	}

	if role == RoleClient && s.Status != StatusActive {
		return s.transitionLocked(StatusActive, "")
	}
	return nil
}

// DetachRole records a peer loss. Client loss moves active sessions to
// disconnected; portal loss leaves status unchanged.
func (s *Session) DetachRole(role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attachedRoles, role)

	if role == RoleClient && s.Status == StatusActive {
		return s.transitionLocked(StatusDisconnected, "")
	}
	return nil
}

// RoleAttached reports whether a peer of the role is attached.
func (s *Session) RoleAttached(role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachedRoles[role]
}

// IsExpired reports whether the session passed its wall-clock or idle
// timeout.
func (s *Session) IsExpired(sessionTimeout, idleTimeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	if sessionTimeout > 0 && now.After(s.StartTime.Add(sessionTimeout)) {
		return true
	}
	if idleTimeout > 0 && now.After(s.LastActivity.Add(idleTimeout)) {
		return true
	}
	return false
}

// RecordTransferRequest bumps the per-session transfer counter.
func (s *Session) RecordTransferRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.TransfersRequested++
}

// RecordMessageRouted bumps the per-session routed message counter.
func (s *Session) RecordMessageRouted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.MessagesRouted++
}

// AddPrivilegeRequest stores a new pending request.
func (s *Session) AddPrivilegeRequest(request *PrivilegeRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privilegeRequests[request.ID] = request
}

// GetPrivilegeRequest returns a request by ID.
func (s *Session) GetPrivilegeRequest(requestID string) (*PrivilegeRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.privilegeRequests[requestID]
	return request, ok
}

// GrantPrivilege settles a pending request and mints the ActivePrivilege.
// Granting a type that is already active is an error.
func (s *Session) GrantPrivilege(requestID, approver string, effective time.Duration) (*ActivePrivilege, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.privilegeRequests[requestID]
	if !ok {
		return nil, errors.New("privilege request not found")
	}
	if request.Status != RequestPending {
		return nil, errors.New("privilege request already settled")
	}
	if existing, active := s.activePrivileges[request.Type]; active && !existing.Expired(time.Now()) {
		return nil, ErrPrivilegeActive
	}

	now := time.Now()
	request.Status = RequestApproved
	request.Approver = approver
	request.ApprovedAt = &now

	privilege := &ActivePrivilege{
		Type:      request.Type,
		GrantedAt: now,
		ExpiresAt: now.Add(effective),
		GrantedBy: approver,
	}
	s.activePrivileges[request.Type] = privilege
	s.Stats.PrivilegesGranted++
	return privilege, nil
}

// DenyPrivilege settles a pending request as denied.
func (s *Session) DenyPrivilege(requestID, approver string) (*PrivilegeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.privilegeRequests[requestID]
	if !ok {
		return nil, errors.New("privilege request not found")
	}
	if request.Status != RequestPending {
		return nil, errors.New("privilege request already settled")
	}

	request.Status = RequestDenied
	request.Approver = approver
	s.Stats.PrivilegesDenied++
	return request, nil
}

// RevokePrivilege removes an active privilege by type.
func (s *Session) RevokePrivilege(privilegeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activePrivileges[privilegeType]; !ok {
		return ErrNoActivePrivilege
	}
	delete(s.activePrivileges, privilegeType)
	return nil
}

// HasActivePrivilege reports whether an unexpired privilege of the type is
// held right now.
func (s *Session) HasActivePrivilege(privilegeType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	privilege, ok := s.activePrivileges[privilegeType]
	return ok && !privilege.Expired(time.Now())
}

// ExpirePrivileges removes privileges past their expiry and returns them.
func (s *Session) ExpirePrivileges(now time.Time) []*ActivePrivilege {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*ActivePrivilege
	for privilegeType, privilege := range s.activePrivileges {
		if privilege.Expired(now) {
			expired = append(expired, privilege)
			delete(s.activePrivileges, privilegeType)
		}
	}
	return expired
}

// ActivePrivilegeTypes lists currently held, unexpired privilege types.
func (s *Session) ActivePrivilegeTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var types []string
	for privilegeType, privilege := range s.activePrivileges {
		if !privilege.Expired(now) {
			types = append(types, privilegeType)
		}
	}
	return types
}

// Snapshot is a read-only copy of session state for APIs and envelopes.
type Snapshot struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	TechnicianID     string     `json:"technician_id"`
	ClientInfo       ClientInfo `json:"client_info"`
	Status           Status     `json:"status"`
	StartTime        time.Time  `json:"start_time"`
	LastActivity     time.Time  `json:"last_activity"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	ActivePrivileges []string   `json:"active_privileges,omitempty"`
	Stats            Statistics `json:"statistics"`
}

// Snapshot copies the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var privileges []string
	for privilegeType, privilege := range s.activePrivileges {
		if !privilege.Expired(now) {
			privileges = append(privileges, privilegeType)
		}
	}

	return Snapshot{
		ID:               s.ID,
		ClientID:         s.ClientID,
		TechnicianID:     s.TechnicianID,
		ClientInfo:       s.ClientInfo,
		Status:           s.Status,
		StartTime:        s.StartTime,
		LastActivity:     s.LastActivity,
		EndTime:          s.EndTime,
		ActivePrivileges: privileges,
		Stats:            s.Stats,
	}
}
