package transfer

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
		{"pending to approved", StatusPending, StatusApproved, true},
		{"pending to rejected", StatusPending, StatusRejected, true},
		{"approved to in_progress", StatusApproved, StatusInProgress, true},
		{"approved to cancelled", StatusApproved, StatusCancelled, true},
		{"in_progress to paused", StatusInProgress, StatusPaused, true},
		{"paused to in_progress", StatusPaused, StatusInProgress, true},
		{"paused to cancelled", StatusPaused, StatusCancelled, true},
		{"in_progress to completed", StatusInProgress, StatusCompleted, true},
		{"pending to in_progress", StatusPending, StatusInProgress, false},
		{"pending to cancelled", StatusPending, StatusCancelled, false},
		{"completed is terminal", StatusCompleted, StatusInProgress, false},
		{"rejected is terminal", StatusRejected, StatusApproved, false},
		{"cancelled is terminal", StatusCancelled, StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransfer("s", "tech", DirectionUpload, "a.txt", 100, 10)
			tr.Status = tt.from
			err := tr.TransitionTo(tt.to)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, tr.GetStatus())
			} else {
				assert.ErrorIs(t, err, ErrInvalidStateTransition)
				assert.Equal(t, tt.from, tr.GetStatus())
			}
		})
	}
}

func TestChunkMath(t *testing.T) {
	tests := []struct {
		name        string
		fileSize    int64
		chunkSize   int64
		totalChunks int64
	}{
		{"exact multiple", 4 * 65536, 65536, 4},
		{"remainder chunk", 4*65536 + 8192, 65536, 5},
		{"single partial chunk", 100, 65536, 1},
		{"exactly one chunk", 65536, 65536, 1},
		{"one byte over", 65537, 65536, 2},
		{"zero bytes", 0, 65536, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransfer("s", "tech", DirectionUpload, "a.bin", tt.fileSize, tt.chunkSize)
			assert.Equal(t, tt.totalChunks, tr.TotalChunks)
		})
	}
}

func TestMarkChunkCompletedDeduplicates(t *testing.T) {
	tr := NewTransfer("s", "tech", DirectionUpload, "a.bin", 30, 10)

	assert.True(t, tr.MarkChunkCompleted(0, 10))
	assert.False(t, tr.MarkChunkCompleted(0, 10), "duplicate chunk is not reapplied")
	assert.Equal(t, int64(10), tr.BytesTransferred())
	assert.Equal(t, int64(1), tr.CompletedCount())

	tr.MarkChunkCompleted(1, 10)
	tr.MarkChunkCompleted(2, 10)
	assert.True(t, tr.AllChunksCompleted())
}

func TestChunkFailureClearedOnSuccess(t *testing.T) {
	tr := NewTransfer("s", "tech", DirectionUpload, "a.bin", 30, 10)

	assert.Equal(t, 1, tr.RecordChunkFailure(1))
	assert.Equal(t, 2, tr.RecordChunkFailure(1))
	tr.MarkChunkCompleted(1, 10)
	assert.Equal(t, 0, tr.ChunkFailures(1))
}

func TestProgressSnapshot(t *testing.T) {
	tr := NewTransfer("s", "tech", DirectionUpload, "a.bin", 100, 10)
	require.NoError(t, tr.TransitionTo(StatusApproved))
	require.NoError(t, tr.TransitionTo(StatusInProgress))

	tr.MarkChunkCompleted(0, 10)
	tr.MarkChunkCompleted(1, 10)

	progress := tr.Progress()
	assert.Equal(t, int64(20), progress.BytesTransferred)
	assert.Equal(t, int64(100), progress.TotalBytes)
	assert.InDelta(t, 20.0, progress.Percent, 0.01)
	assert.Equal(t, StatusInProgress, progress.Status)
}

func TestProgressDueThrottles(t *testing.T) {
	tr := NewTransfer("s", "tech", DirectionUpload, "a.bin", 100, 10)

	assert.True(t, tr.ProgressDue(50*time.Millisecond))
	assert.False(t, tr.ProgressDue(50*time.Millisecond))
	time.Sleep(60 * time.Millisecond)
	assert.True(t, tr.ProgressDue(50*time.Millisecond))
}

func TestTerminalTransitionRecordsEnd(t *testing.T) {
	tr := NewTransfer("s", "tech", DirectionUpload, "a.bin", 100, 10)
	require.NoError(t, tr.TransitionTo(StatusApproved))
	require.NotNil(t, tr.Snapshot().ApprovedAt)

	require.NoError(t, tr.TransitionTo(StatusCancelled))
	snapshot := tr.Snapshot()
	require.NotNil(t, snapshot.EndTime)
	assert.True(t, snapshot.Status.IsTerminal())
}
