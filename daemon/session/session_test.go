package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"pending to active", StatusPending, StatusActive, true},
		{"pending to terminated", StatusPending, StatusTerminated, true},
		{"pending to expired", StatusPending, StatusExpired, true},
		{"active to disconnected", StatusActive, StatusDisconnected, true},
		{"disconnected to active", StatusDisconnected, StatusActive, true},
		{"active to terminated", StatusActive, StatusTerminated, true},
		{"disconnected to expired", StatusDisconnected, StatusExpired, true},
		{"pending to disconnected", StatusPending, StatusDisconnected, false},
		{"terminated is terminal", StatusTerminated, StatusActive, false},
		{"expired is terminal", StatusExpired, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("client-1", "tech-1", ClientInfo{})
			s.Status = tt.from
			err := s.TransitionTo(tt.to, "test")
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, s.GetStatus())
			} else {
				assert.ErrorIs(t, err, ErrInvalidStateTransition)
				assert.Equal(t, tt.from, s.GetStatus())
			}
		})
	}
}

func TestTerminalTransitionRecordsEnd(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})
	require.NoError(t, s.TransitionTo(StatusActive, ""))
	require.NoError(t, s.TransitionTo(StatusTerminated, "done"))

	snapshot := s.Snapshot()
	require.NotNil(t, snapshot.EndTime)
	assert.Equal(t, "done", s.EndReason)
	assert.True(t, snapshot.Status.IsTerminal())
}

func TestAttachDetachDrivesStatus(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})

	// Portal attaching does not activate the session.
	require.NoError(t, s.AttachRole(RolePortal))
	assert.Equal(t, StatusPending, s.GetStatus())

	// Client attaching does.
	require.NoError(t, s.AttachRole(RoleClient))
	assert.Equal(t, StatusActive, s.GetStatus())
	assert.True(t, s.RoleAttached(RoleClient))

	// Client loss disconnects; portal loss does not change status.
	require.NoError(t, s.DetachRole(RoleClient))
	assert.Equal(t, StatusDisconnected, s.GetStatus())
	require.NoError(t, s.DetachRole(RolePortal))
	assert.Equal(t, StatusDisconnected, s.GetStatus())

	// Client reconnect reactivates.
	require.NoError(t, s.AttachRole(RoleClient))
	assert.Equal(t, StatusActive, s.GetStatus())
}

func TestIsExpired(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})

	assert.False(t, s.IsExpired(time.Hour, time.Hour))

	s.StartTime = time.Now().Add(-2 * time.Hour)
	assert.True(t, s.IsExpired(time.Hour, 0), "session timeout")

	s.StartTime = time.Now()
	s.LastActivity = time.Now().Add(-31 * time.Minute)
	assert.True(t, s.IsExpired(4*time.Hour, 30*time.Minute), "idle timeout")

	// Terminal sessions never report expired.
	require.NoError(t, s.TransitionTo(StatusTerminated, ""))
	s.StartTime = time.Now().Add(-10 * time.Hour)
	assert.False(t, s.IsExpired(time.Hour, time.Hour))
}

func TestTouchIsMonotonic(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})
	before := s.LastActivity
	time.Sleep(2 * time.Millisecond)
	s.Touch()
	assert.True(t, s.LastActivity.After(before))
}

func TestGrantPrivilegeSingleActivePerType(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})

	first := &PrivilegeRequest{ID: "r1", Type: "elevated", Status: RequestPending}
	second := &PrivilegeRequest{ID: "r2", Type: "elevated", Status: RequestPending}
	s.AddPrivilegeRequest(first)
	s.AddPrivilegeRequest(second)

	privilege, err := s.GrantPrivilege("r1", "tech-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "elevated", privilege.Type)
	assert.True(t, s.HasActivePrivilege("elevated"))

	_, err = s.GrantPrivilege("r2", "tech-1", time.Hour)
	assert.ErrorIs(t, err, ErrPrivilegeActive)
}

func TestGrantSettledRequestFails(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})
	s.AddPrivilegeRequest(&PrivilegeRequest{ID: "r1", Type: "registry", Status: RequestPending})

	_, err := s.GrantPrivilege("r1", "tech-1", time.Minute)
	require.NoError(t, err)
	_, err = s.GrantPrivilege("r1", "tech-1", time.Minute)
	assert.Error(t, err)
}

func TestExpirePrivileges(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})
	s.AddPrivilegeRequest(&PrivilegeRequest{ID: "r1", Type: "elevated", Status: RequestPending})
	s.AddPrivilegeRequest(&PrivilegeRequest{ID: "r2", Type: "registry", Status: RequestPending})

	_, err := s.GrantPrivilege("r1", "tech-1", -time.Second) // already expired
	require.NoError(t, err)
	_, err = s.GrantPrivilege("r2", "tech-1", time.Hour)
	require.NoError(t, err)

	assert.False(t, s.HasActivePrivilege("elevated"), "expired privilege is not observable")
	assert.True(t, s.HasActivePrivilege("registry"))

	expired := s.ExpirePrivileges(time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "elevated", expired[0].Type)
	assert.Equal(t, []string{"registry"}, s.ActivePrivilegeTypes())
}

func TestRevokePrivilege(t *testing.T) {
	s := New("client-1", "tech-1", ClientInfo{})
	s.AddPrivilegeRequest(&PrivilegeRequest{ID: "r1", Type: "services", Status: RequestPending})
	_, err := s.GrantPrivilege("r1", "tech-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.RevokePrivilege("services"))
	assert.False(t, s.HasActivePrivilege("services"))
	assert.ErrorIs(t, s.RevokePrivilege("services"), ErrNoActivePrivilege)
}
