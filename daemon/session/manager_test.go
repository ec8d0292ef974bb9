package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlitec/onlidesk-broker/daemon/config"
)

func testManager(t *testing.T, mutate func(*config.RemoteAccessConfig)) *Manager {
	t.Helper()
	cfg := config.Default().RemoteAccess
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(func() *config.RemoteAccessConfig { return &cfg }, nil, nil, nil)
}

func TestCreateEnforcesSessionLimit(t *testing.T) {
	m := testManager(t, func(cfg *config.RemoteAccessConfig) { cfg.MaxConcurrentSessions = 2 })

	_, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)
	_, err = m.Create("client-2", "tech-1", ClientInfo{})
	require.NoError(t, err)
	_, err = m.Create("client-3", "tech-1", ClientInfo{})
	assert.ErrorIs(t, err, ErrSessionLimitReached)
}

func TestTerminatedSessionsFreeTheLimit(t *testing.T) {
	m := testManager(t, func(cfg *config.RemoteAccessConfig) { cfg.MaxConcurrentSessions = 1 })

	first, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, m.Terminate(first.ID, "done"))

	_, err = m.Create("client-2", "tech-1", ClientInfo{})
	assert.NoError(t, err)
}

func TestGetAndLists(t *testing.T) {
	m := testManager(t, nil)

	a, err := m.Create("client-1", "tech-1", ClientInfo{Hostname: "desk-a"})
	require.NoError(t, err)
	_, err = m.Create("client-2", "tech-1", ClientInfo{})
	require.NoError(t, err)
	_, err = m.Create("client-1", "tech-2", ClientInfo{})
	require.NoError(t, err)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "desk-a", got.ClientInfo.Hostname)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Len(t, m.ListByClient("client-1"), 2)
	assert.Len(t, m.ListByTechnician("tech-1"), 2)
	assert.Len(t, m.List(), 3)
}

func TestRegisterConnectionActivates(t *testing.T) {
	m := testManager(t, nil)
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.RegisterConnection(s.ID, RolePortal))
	assert.Equal(t, StatusPending, s.GetStatus())

	require.NoError(t, m.RegisterConnection(s.ID, RoleClient))
	assert.Equal(t, StatusActive, s.GetStatus())

	require.NoError(t, m.UnregisterConnection(s.ID, RoleClient))
	assert.Equal(t, StatusDisconnected, s.GetStatus())

	assert.ErrorIs(t, m.RegisterConnection("nope", RoleClient), ErrSessionNotFound)
}

func TestRequestPrivilegeValidation(t *testing.T) {
	m := testManager(t, nil)
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	t.Run("type not allowed", func(t *testing.T) {
		_, err := m.RequestPrivilege(s.ID, "admin", "need full admin access", time.Hour)
		assert.ErrorIs(t, err, ErrPrivilegeNotAllowed)
	})

	t.Run("justification one short of minimum", func(t *testing.T) {
		_, err := m.RequestPrivilege(s.ID, "elevated", "123456789", time.Hour)
		assert.ErrorIs(t, err, ErrJustificationRequired)
	})

	t.Run("justification exactly at minimum", func(t *testing.T) {
		_, err := m.RequestPrivilege(s.ID, "elevated", "1234567890", time.Hour)
		assert.NoError(t, err)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := m.RequestPrivilege("nope", "elevated", "need registry access", time.Hour)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestRequestPrivilegeDisabled(t *testing.T) {
	m := testManager(t, func(cfg *config.RemoteAccessConfig) { cfg.PrivilegeEscalation.Enabled = false })
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	_, err = m.RequestPrivilege(s.ID, "elevated", "need elevated shell", time.Hour)
	assert.ErrorIs(t, err, ErrPrivilegeEscalationOff)
}

func TestApprovePrivilegeClampsDuration(t *testing.T) {
	m := testManager(t, nil)
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	t.Run("requested above max is clamped", func(t *testing.T) {
		requestID, err := m.RequestPrivilege(s.ID, "elevated", "long maintenance window", 10*time.Hour)
		require.NoError(t, err)

		privilege, err := m.ApprovePrivilege(s.ID, requestID, "tech-1")
		require.NoError(t, err)

		granted := privilege.ExpiresAt.Sub(privilege.GrantedAt)
		assert.Equal(t, 2*time.Hour, granted)
	})

	t.Run("non-positive request gets default", func(t *testing.T) {
		requestID, err := m.RequestPrivilege(s.ID, "registry", "fix registry entries", 0)
		require.NoError(t, err)

		privilege, err := m.ApprovePrivilege(s.ID, requestID, "tech-1")
		require.NoError(t, err)

		granted := privilege.ExpiresAt.Sub(privilege.GrantedAt)
		assert.Equal(t, 30*time.Minute, granted)
	})
}

func TestDenyAndRevokePrivilege(t *testing.T) {
	m := testManager(t, nil)
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	requestID, err := m.RequestPrivilege(s.ID, "services", "restart print spooler", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.DenyPrivilege(s.ID, requestID, "tech-1"))
	assert.False(t, s.HasActivePrivilege("services"))

	requestID, err = m.RequestPrivilege(s.ID, "services", "restart print spooler", time.Minute)
	require.NoError(t, err)
	_, err = m.ApprovePrivilege(s.ID, requestID, "tech-1")
	require.NoError(t, err)
	require.True(t, s.HasActivePrivilege("services"))

	require.NoError(t, m.RevokePrivilege(s.ID, "services"))
	assert.False(t, s.HasActivePrivilege("services"))
}

func TestTerminationRevokesActivePrivileges(t *testing.T) {
	m := testManager(t, nil)
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	requestID, err := m.RequestPrivilege(s.ID, "elevated", "install diagnostics", time.Hour)
	require.NoError(t, err)
	_, err = m.ApprovePrivilege(s.ID, requestID, "tech-1")
	require.NoError(t, err)
	require.True(t, s.HasActivePrivilege("elevated"))

	require.NoError(t, m.Terminate(s.ID, "work complete"))

	assert.False(t, s.HasActivePrivilege("elevated"))
	assert.Empty(t, s.ActivePrivilegeTypes())
}

func TestSessionExpiryRevokesActivePrivileges(t *testing.T) {
	m := testManager(t, func(cfg *config.RemoteAccessConfig) {
		cfg.IdleTimeout = config.Duration(30 * time.Minute)
	})
	s, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)

	requestID, err := m.RequestPrivilege(s.ID, "registry", "repair file associations", time.Hour)
	require.NoError(t, err)
	_, err = m.ApprovePrivilege(s.ID, requestID, "tech-1")
	require.NoError(t, err)

	s.LastActivity = time.Now().Add(-time.Hour)
	expired, _ := m.Sweep()
	require.Equal(t, 1, expired)

	assert.Equal(t, StatusExpired, s.GetStatus())
	assert.False(t, s.HasActivePrivilege("registry"))
}

type recordingNotifier struct {
	expiredSessions   []string
	expiredPrivileges []string
}

func (n *recordingNotifier) SessionExpired(snapshot Snapshot) {
	n.expiredSessions = append(n.expiredSessions, snapshot.ID)
}

func (n *recordingNotifier) PrivilegeExpired(sessionID, privilegeType string) {
	n.expiredPrivileges = append(n.expiredPrivileges, sessionID+"/"+privilegeType)
}

func TestSweepNotifiesExpirations(t *testing.T) {
	m := testManager(t, func(cfg *config.RemoteAccessConfig) {
		cfg.IdleTimeout = config.Duration(30 * time.Minute)
	})
	notifier := &recordingNotifier{}
	m.SetNotifier(notifier)

	stale, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)
	fresh, err := m.Create("client-2", "tech-1", ClientInfo{})
	require.NoError(t, err)

	requestID, err := m.RequestPrivilege(fresh.ID, "elevated", "short lived elevation", time.Minute)
	require.NoError(t, err)
	_, err = m.ApprovePrivilege(fresh.ID, requestID, "tech-1")
	require.NoError(t, err)

	stale.LastActivity = time.Now().Add(-time.Hour)
	fresh.mu.Lock()
	fresh.activePrivileges["elevated"].ExpiresAt = time.Now().Add(-time.Second)
	fresh.mu.Unlock()

	expired, _ := m.Sweep()
	require.Equal(t, 1, expired)

	assert.Equal(t, []string{stale.ID}, notifier.expiredSessions)
	assert.Equal(t, []string{fresh.ID + "/elevated"}, notifier.expiredPrivileges)
}

func TestSweepExpiresSessionsAndPrivileges(t *testing.T) {
	m := testManager(t, func(cfg *config.RemoteAccessConfig) {
		cfg.SessionTimeout = config.Duration(time.Hour)
		cfg.IdleTimeout = config.Duration(30 * time.Minute)
	})

	stale, err := m.Create("client-1", "tech-1", ClientInfo{})
	require.NoError(t, err)
	fresh, err := m.Create("client-2", "tech-1", ClientInfo{})
	require.NoError(t, err)

	requestID, err := m.RequestPrivilege(fresh.ID, "elevated", "short lived elevation", time.Minute)
	require.NoError(t, err)
	_, err = m.ApprovePrivilege(fresh.ID, requestID, "tech-1")
	require.NoError(t, err)

	// Force the first session past its idle timeout and the privilege past
	// its expiry.
	stale.LastActivity = time.Now().Add(-time.Hour)
	fresh.mu.Lock()
	fresh.activePrivileges["elevated"].ExpiresAt = time.Now().Add(-time.Second)
	fresh.mu.Unlock()

	expired, reaped := m.Sweep()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, reaped, "terminal sessions stay for the grace window")

	assert.Equal(t, StatusExpired, stale.GetStatus())
	assert.False(t, fresh.HasActivePrivilege("elevated"))
	assert.Equal(t, StatusPending, fresh.GetStatus())
}
