package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onlitec/onlidesk-broker/daemon/config"
	"github.com/onlitec/onlidesk-broker/internal/audit"
	"github.com/onlitec/onlidesk-broker/internal/observability"
)

var (
	ErrSessionNotFound          = errors.New("session not found")
	ErrSessionLimitReached      = errors.New("maximum concurrent sessions reached")
	ErrSessionTerminal          = errors.New("session is in a terminal state")
	ErrPrivilegeEscalationOff   = errors.New("privilege escalation is disabled")
	ErrPrivilegeNotAllowed      = errors.New("privilege type not allowed")
	ErrJustificationRequired    = errors.New("justification too short")
	ErrPrivilegeRequestNotFound = errors.New("privilege request not found")
)

const terminalGraceWindow = time.Hour

// Notifier receives sweeper outcomes so connected peers can be told their
// session or elevation lapsed. The websocket router implements it.
type Notifier interface {
	SessionExpired(snapshot Snapshot)
	PrivilegeExpired(sessionID, privilegeType string)
}

// Manager owns all Session records. The map lock is only held for structural
// changes and lookups; per-record mutation happens on the session's own
// mutex, and audit events are emitted after all locks are released.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg      func() *config.RemoteAccessConfig
	auditor  *audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	notifier Notifier
}

// SetNotifier attaches the expiry notifier. Called once during wiring, before
// the sweep loop starts.
func (m *Manager) SetNotifier(notifier Notifier) {
	m.notifier = notifier
}

// NewManager builds a Manager. cfg is called per operation so live config
// updates take effect; auditor, logger and metrics may be nil in tests.
func NewManager(cfg func() *config.RemoteAccessConfig, auditor *audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		auditor:  auditor,
		logger:   logger,
		metrics:  metrics,
	}
}

// Create registers a new session, enforcing the concurrent session limit.
func (m *Manager) Create(clientID, technicianID string, info ClientInfo) (*Session, error) {
	limit := m.cfg().MaxConcurrentSessions

	m.mu.Lock()
	active := 0
	for _, existing := range m.sessions {
		if !existing.GetStatus().IsTerminal() {
			active++
		}
	}
	if active >= limit {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrSessionLimitReached, limit)
	}

	session := New(clientID, technicianID, info)
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.SessionCreated(session.ID, clientID, technicianID)
	}
	if m.metrics != nil {
		m.metrics.RecordSessionStart()
	}
	m.auditSession(audit.EventSessionCreated, session, nil)

	return session, nil
}

// Get returns a session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListByClient returns sessions belonging to a client.
func (m *Manager) ListByClient(clientID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, session := range m.sessions {
		if session.ClientID == clientID {
			out = append(out, session)
		}
	}
	return out
}

// ListByTechnician returns sessions belonging to a technician.
func (m *Manager) ListByTechnician(technicianID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, session := range m.sessions {
		if session.TechnicianID == technicianID {
			out = append(out, session)
		}
	}
	return out
}

// List returns all live session snapshots.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.Snapshot())
	}
	return out
}

// RegisterConnection records a peer attachment for (session, role).
func (m *Manager) RegisterConnection(sessionID string, role Role) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := session.AttachRole(role); err != nil {
		return err
	}

	m.auditSession(audit.EventConnectionEstablished, session, map[string]string{"role": string(role)})
	return nil
}

// UnregisterConnection records a peer loss for (session, role).
func (m *Manager) UnregisterConnection(sessionID string, role Role) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := session.DetachRole(role); err != nil {
		return err
	}

	m.auditSession(audit.EventConnectionLost, session, map[string]string{"role": string(role)})
	return nil
}

// RequestPrivilege validates and stores an escalation request.
func (m *Manager) RequestPrivilege(sessionID, privilegeType, justification string, requestedDuration time.Duration) (string, error) {
	cfg := m.cfg()
	pe := &cfg.PrivilegeEscalation

	if !pe.Enabled {
		return "", ErrPrivilegeEscalationOff
	}
	if !pe.PrivilegeAllowed(privilegeType) {
		return "", fmt.Errorf("%w: %s", ErrPrivilegeNotAllowed, privilegeType)
	}
	if pe.RequireJustification && len(justification) < pe.MinJustificationLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrJustificationRequired, pe.MinJustificationLength)
	}

	session, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	if session.GetStatus().IsTerminal() {
		return "", ErrSessionTerminal
	}

	request := &PrivilegeRequest{
		ID:                uuid.New().String(),
		Type:              privilegeType,
		Justification:     justification,
		RequestedDuration: requestedDuration,
		RequestedAt:       time.Now(),
		Status:            RequestPending,
	}
	session.AddPrivilegeRequest(request)
	session.Touch()

	event := audit.NewEvent(audit.EventPrivilegeRequested)
	event.SessionID = sessionID
	event.UserID = session.ClientID
	event.Technician = session.TechnicianID
	event.Details = map[string]string{
		"privilege_type": privilegeType,
		"justification":  justification,
	}
	m.audit(event)

	return request.ID, nil
}

// ApprovePrivilege mints an ActivePrivilege from a pending request. The
// effective duration is the requested duration clamped to policy.
func (m *Manager) ApprovePrivilege(sessionID, requestID, approver string) (*ActivePrivilege, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	request, ok := session.GetPrivilegeRequest(requestID)
	if !ok {
		return nil, ErrPrivilegeRequestNotFound
	}

	effective := m.cfg().PrivilegeEscalation.EffectivePrivilegeDuration(request.RequestedDuration)
	privilege, err := session.GrantPrivilege(requestID, approver, effective)
	if err != nil {
		return nil, err
	}
	session.Touch()

	if m.logger != nil {
		m.logger.PrivilegeGranted(sessionID, privilege.Type, approver, privilege.ExpiresAt)
	}
	if m.metrics != nil {
		m.metrics.RecordPrivilegeGranted(privilege.Type)
	}

	event := audit.NewEvent(audit.EventPrivilegeApproved)
	event.SessionID = sessionID
	event.Technician = approver
	// Admin grants are the widest capability we hand out.
	if privilege.Type == "admin" {
		event.Severity = audit.SeverityHigh
	} else {
		event.Severity = audit.SeverityMedium
	}
	event.Details = map[string]string{
		"privilege_type": privilege.Type,
		"expires_at":     privilege.ExpiresAt.Format(time.RFC3339),
	}
	m.audit(event)

	return privilege, nil
}

// DenyPrivilege settles a pending request as denied.
func (m *Manager) DenyPrivilege(sessionID, requestID, approver string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	request, err := session.DenyPrivilege(requestID, approver)
	if err != nil {
		return err
	}
	session.Touch()

	event := audit.NewEvent(audit.EventPrivilegeDenied)
	event.SessionID = sessionID
	event.Technician = approver
	event.Success = false
	event.Details = map[string]string{"privilege_type": request.Type}
	m.audit(event)

	return nil
}

// RevokePrivilege removes an active privilege before its expiry.
func (m *Manager) RevokePrivilege(sessionID, privilegeType string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := session.RevokePrivilege(privilegeType); err != nil {
		return err
	}
	session.Touch()

	if m.metrics != nil {
		m.metrics.RecordPrivilegeReleased()
	}
	event := audit.NewEvent(audit.EventPrivilegeRevoked)
	event.SessionID = sessionID
	event.Details = map[string]string{"privilege_type": privilegeType}
	m.audit(event)

	return nil
}

// Terminate ends a session explicitly. Privileges still held are revoked by
// the terminal transition and audited here.
func (m *Manager) Terminate(sessionID, reason string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	held := session.ActivePrivilegeTypes()
	if err := session.TransitionTo(StatusTerminated, reason); err != nil {
		return err
	}

	m.auditPrivilegesReleased(session.ID, audit.EventPrivilegeRevoked, held, "session ended")
	m.endSession(session, audit.EventSessionTerminated, reason)
	return nil
}

// Sweep runs one cleanup pass: expires sessions and privileges, and removes
// terminal sessions older than the grace window. Returns the number of
// sessions expired and reaped.
func (m *Manager) Sweep() (expired, reaped int) {
	cfg := m.cfg()
	now := time.Now()

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		candidates = append(candidates, session)
	}
	m.mu.RUnlock()

	for _, session := range candidates {
		for _, privilege := range session.ExpirePrivileges(now) {
			if m.metrics != nil {
				m.metrics.RecordPrivilegeReleased()
			}
			event := audit.NewEvent(audit.EventPrivilegeExpired)
			event.SessionID = session.ID
			event.Details = map[string]string{"privilege_type": privilege.Type}
			m.audit(event)
			if m.notifier != nil {
				m.notifier.PrivilegeExpired(session.ID, privilege.Type)
			}
		}

		if session.IsExpired(cfg.SessionTimeout.Std(), cfg.IdleTimeout.Std()) {
			held := session.ActivePrivilegeTypes()
			if err := session.TransitionTo(StatusExpired, "timeout"); err == nil {
				expired++
				m.auditPrivilegesReleased(session.ID, audit.EventPrivilegeExpired, held, "session expired")
				m.endSession(session, audit.EventSessionExpired, "timeout")
				if m.notifier != nil {
					m.notifier.SessionExpired(session.Snapshot())
				}
			}
		}
	}

	// Reap terminal sessions past the grace window.
	m.mu.Lock()
	for id, session := range m.sessions {
		snapshot := session.Snapshot()
		if snapshot.Status.IsTerminal() && snapshot.EndTime != nil && now.Sub(*snapshot.EndTime) > terminalGraceWindow {
			delete(m.sessions, id)
			reaped++
		}
	}
	m.mu.Unlock()

	return expired, reaped
}

func (m *Manager) auditPrivilegesReleased(sessionID string, eventType audit.EventType, types []string, reason string) {
	for _, privilegeType := range types {
		if m.metrics != nil {
			m.metrics.RecordPrivilegeReleased()
		}
		event := audit.NewEvent(eventType)
		event.SessionID = sessionID
		event.Details = map[string]string{
			"privilege_type": privilegeType,
			"reason":         reason,
		}
		m.audit(event)
	}
}

func (m *Manager) endSession(session *Session, eventType audit.EventType, reason string) {
	snapshot := session.Snapshot()
	duration := time.Since(snapshot.StartTime)
	if snapshot.EndTime != nil {
		duration = snapshot.EndTime.Sub(snapshot.StartTime)
	}

	if m.logger != nil {
		m.logger.SessionEnded(snapshot.ID, string(snapshot.Status), reason, duration)
	}
	if m.metrics != nil {
		m.metrics.RecordSessionEnd(string(snapshot.Status), duration.Seconds())
	}
	m.auditSession(eventType, session, map[string]string{"reason": reason})
}

func (m *Manager) auditSession(eventType audit.EventType, session *Session, details map[string]string) {
	event := audit.NewEvent(eventType)
	event.SessionID = session.ID
	event.UserID = session.ClientID
	event.Technician = session.TechnicianID
	event.IPAddress = session.ClientInfo.IPAddress
	event.UserAgent = session.ClientInfo.UserAgent
	event.Details = details
	m.audit(event)
}

func (m *Manager) audit(event *audit.Event) {
	if m.auditor != nil {
		m.auditor.Log(event)
	}
}
