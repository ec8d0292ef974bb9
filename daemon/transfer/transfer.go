// Package transfer implements the file transfer engine: the per-transfer
// state machine, chunk ingest and egress, retransmission, pause/resume/cancel
// and temp-file lifecycle.
package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the transfer lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

// Direction is relative to the portal: upload moves bytes client to portal,
// download moves bytes portal to client.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// validTransitions defines the legal transfer state machine.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected},
	StatusApproved:   {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusRejected:   {},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// IsActive reports whether the transfer counts against the concurrency cap.
func (s Status) IsActive() bool {
	switch s {
	case StatusApproved, StatusInProgress, StatusPaused:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidStateTransition = errors.New("invalid transfer state transition")
)

const rateSampleWindow = 10

type rateSample struct {
	at    time.Time
	bytes int64
}

// Transfer is an oriented byte stream bound to a session. The engine is the
// only writer; all mutation goes through methods holding the record mutex.
type Transfer struct {
	mu sync.RWMutex

	ID               string
	SessionID        string
	TechnicianID     string
	Direction        Direction
	Filename         string
	FileSize         int64
	ExpectedChecksum string

	// SourcePath is the server-side file to stream for downloads.
	SourcePath string
	TempPath   string

	Status      Status
	RequestedAt time.Time
	ApprovedAt  *time.Time
	EndTime     *time.Time
	Error       string

	ChunkSize   int64
	TotalChunks int64

	completedChunks  map[int64]struct{}
	failedChunks     map[int64]int
	bytesTransferred int64
	samples          []rateSample
	lastProgressEmit time.Time

	// resumeFingerprint pins the received prefix of the temp file while the
	// transfer sits paused; Resume verifies it before accepting more chunks.
	resumeFingerprint string
	resumeBytes       int64
}

// NewTransfer creates a transfer record in the pending state.
func NewTransfer(sessionID, technicianID string, direction Direction, filename string, fileSize int64, chunkSize int64) *Transfer {
	totalChunks := int64(0)
	if fileSize > 0 {
		totalChunks = (fileSize + chunkSize - 1) / chunkSize
	}
	return &Transfer{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		TechnicianID:    technicianID,
		Direction:       direction,
		Filename:        filename,
		FileSize:        fileSize,
		Status:          StatusPending,
		RequestedAt:     time.Now(),
		ChunkSize:       chunkSize,
		TotalChunks:     totalChunks,
		completedChunks: make(map[int64]struct{}),
		failedChunks:    make(map[int64]int),
	}
}

// GetStatus returns the current status.
func (t *Transfer) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// TransitionTo moves the transfer through the state machine. Terminal
// transitions record the end time.
func (t *Transfer) TransitionTo(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, allowed := range validTransitions[t.Status] {
		if allowed == next {
			t.Status = next
			switch next {
			case StatusApproved:
				now := time.Now()
				t.ApprovedAt = &now
			default:
				if next.IsTerminal() {
					now := time.Now()
					t.EndTime = &now
				}
			}
			return nil
		}
	}
	return ErrInvalidStateTransition
}

// SetError records the failure reason.
func (t *Transfer) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = msg
}

// MarkChunkCompleted records a successfully written chunk. Returns false for
// a duplicate index, which callers acknowledge without reapplying.
func (t *Transfer) MarkChunkCompleted(index int64, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.completedChunks[index]; done {
		return false
	}
	t.completedChunks[index] = struct{}{}
	delete(t.failedChunks, index)
	t.bytesTransferred += size

	now := time.Now()
	t.samples = append(t.samples, rateSample{at: now, bytes: t.bytesTransferred})
	if len(t.samples) > rateSampleWindow {
		t.samples = t.samples[len(t.samples)-rateSampleWindow:]
	}
	return true
}

// ChunkCompleted reports whether the index was already written.
func (t *Transfer) ChunkCompleted(index int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, done := t.completedChunks[index]
	return done
}

// CompletedCount returns the number of distinct chunks written.
func (t *Transfer) CompletedCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.completedChunks))
}

// CompletedIndices returns a copy of the completed chunk set.
func (t *Transfer) CompletedIndices() map[int64]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int64]struct{}, len(t.completedChunks))
	for index := range t.completedChunks {
		out[index] = struct{}{}
	}
	return out
}

// AllChunksCompleted reports whether every index in [0, TotalChunks) was
// written.
func (t *Transfer) AllChunksCompleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.completedChunks)) == t.TotalChunks
}

// ContiguousBytes returns the length in bytes of the unbroken run of
// completed chunks from index zero.
func (t *Transfer) ContiguousBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int64
	for index := int64(0); index < t.TotalChunks; index++ {
		if _, done := t.completedChunks[index]; !done {
			break
		}
		size := t.ChunkSize
		if index == t.TotalChunks-1 {
			size = t.FileSize - index*t.ChunkSize
		}
		n += size
	}
	return n
}

// SetResumeFingerprint stores the paused-prefix digest and its length.
func (t *Transfer) SetResumeFingerprint(fingerprint string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeFingerprint = fingerprint
	t.resumeBytes = bytes
}

// ResumeFingerprint returns the stored paused-prefix digest and its length.
func (t *Transfer) ResumeFingerprint() (string, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resumeFingerprint, t.resumeBytes
}

// RecordChunkFailure bumps the retry counter for an index and returns the
// new count.
func (t *Transfer) RecordChunkFailure(index int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedChunks[index]++
	return t.failedChunks[index]
}

// ChunkFailures returns the retry count for an index.
func (t *Transfer) ChunkFailures(index int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failedChunks[index]
}

// BytesTransferred returns the running byte counter.
func (t *Transfer) BytesTransferred() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytesTransferred
}

// TransferRate returns the smoothed throughput in bytes per second over the
// sample window.
func (t *Transfer) TransferRate() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) < 2 {
		return 0
	}
	first := t.samples[0]
	last := t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(last.bytes-first.bytes) / elapsed)
}

// ProgressDue reports whether a progress notification should go out now,
// throttling emission to one per interval.
func (t *Transfer) ProgressDue(interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Sub(t.lastProgressEmit) < interval {
		return false
	}
	t.lastProgressEmit = now
	return true
}

// Progress is the externally visible transfer progress.
type Progress struct {
	TransferID       string  `json:"transfer_id"`
	Status           Status  `json:"status"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Percent          float64 `json:"percent"`
	SpeedBPS         int64   `json:"speed_bps"`
	ETASeconds       int64   `json:"eta_seconds"`
	Error            string  `json:"error,omitempty"`
}

// Progress builds a progress snapshot.
func (t *Transfer) Progress() Progress {
	rate := t.TransferRate()

	t.mu.RLock()
	defer t.mu.RUnlock()

	percent := float64(0)
	if t.FileSize > 0 {
		percent = float64(t.bytesTransferred) / float64(t.FileSize) * 100.0
	} else if t.Status == StatusCompleted {
		percent = 100.0
	}

	eta := int64(0)
	if rate > 0 && t.FileSize > t.bytesTransferred {
		eta = (t.FileSize - t.bytesTransferred) / rate
	}

	return Progress{
		TransferID:       t.ID,
		Status:           t.Status,
		BytesTransferred: t.bytesTransferred,
		TotalBytes:       t.FileSize,
		Percent:          percent,
		SpeedBPS:         rate,
		ETASeconds:       eta,
		Error:            t.Error,
	}
}

// Snapshot is a read-only copy of transfer state for APIs and envelopes.
type Snapshot struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	TechnicianID     string     `json:"technician_id,omitempty"`
	Direction        Direction  `json:"direction"`
	Filename         string     `json:"filename"`
	FileSize         int64      `json:"file_size"`
	ExpectedChecksum string     `json:"expected_checksum,omitempty"`
	Status           Status     `json:"status"`
	RequestedAt      time.Time  `json:"requested_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	TempPath         string     `json:"temp_path,omitempty"`
	ChunkSize        int64      `json:"chunk_size"`
	TotalChunks      int64      `json:"total_chunks"`
	CompletedChunks  int64      `json:"completed_chunks"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Error            string     `json:"error,omitempty"`
}

// Snapshot copies the transfer's observable state.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		ID:               t.ID,
		SessionID:        t.SessionID,
		TechnicianID:     t.TechnicianID,
		Direction:        t.Direction,
		Filename:         t.Filename,
		FileSize:         t.FileSize,
		ExpectedChecksum: t.ExpectedChecksum,
		Status:           t.Status,
		RequestedAt:      t.RequestedAt,
		ApprovedAt:       t.ApprovedAt,
		EndTime:          t.EndTime,
		TempPath:         t.TempPath,
		ChunkSize:        t.ChunkSize,
		TotalChunks:      t.TotalChunks,
		CompletedChunks:  int64(len(t.completedChunks)),
		BytesTransferred: t.bytesTransferred,
		Error:            t.Error,
	}
}
