package decision

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "decisions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRememberAndLookupExact(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Remember("tech-1", "notes.txt", VerdictAllow))

	record, err := store.Lookup("tech-1", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, record.Verdict)
	assert.Equal(t, "tech-1", record.TechnicianID)
}

func TestLookupGlobPattern(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Remember("tech-1", "*.log", VerdictAllow))

	record, err := store.Lookup("tech-1", "system.log")
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, record.Verdict)

	_, err = store.Lookup("tech-1", "system.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExactBeatsGlob(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Remember("tech-1", "*.log", VerdictAllow))
	require.NoError(t, store.Remember("tech-1", "debug.log", VerdictDeny))

	record, err := store.Lookup("tech-1", "debug.log")
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, record.Verdict)
}

func TestDecisionsAreScopedToTechnician(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Remember("tech-1", "notes.txt", VerdictAllow))

	_, err := store.Lookup("tech-2", "notes.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForget(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Remember("tech-1", "notes.txt", VerdictDeny))
	require.NoError(t, store.Forget("tech-1", "notes.txt"))

	_, err := store.Lookup("tech-1", "notes.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRememberRejectsBadInput(t *testing.T) {
	store := openTestStore(t)

	assert.Error(t, store.Remember("", "notes.txt", VerdictAllow))
	assert.Error(t, store.Remember("tech-1", "", VerdictAllow))
	assert.Error(t, store.Remember("tech-1", "[", VerdictAllow), "malformed glob must be rejected")
}

func TestPrune(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Remember("tech-1", "old.txt", VerdictAllow))
	require.NoError(t, store.Remember("tech-1", "new.txt", VerdictAllow))

	// Nothing is old enough yet.
	removed, err := store.Prune(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	// Everything is older than a zero-age cutoff.
	time.Sleep(5 * time.Millisecond)
	removed, err = store.Prune(0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Lookup("tech-1", "old.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
