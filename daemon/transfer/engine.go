package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onlitec/onlidesk-broker/daemon/config"
	"github.com/onlitec/onlidesk-broker/internal/audit"
	"github.com/onlitec/onlidesk-broker/internal/decision"
	"github.com/onlitec/onlidesk-broker/internal/fileguard"
	"github.com/onlitec/onlidesk-broker/internal/observability"
)

var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrLimitExceeded     = errors.New("maximum concurrent transfers reached")
	ErrSizeExceeded      = errors.New("file size exceeds limit")
	ErrTypeBlocked       = errors.New("file type not allowed")
	ErrFilenameRejected  = errors.New("filename rejected")
	ErrTransferNotActive = errors.New("transfer not accepting chunks")
	ErrInvalidChunkIndex = errors.New("chunk index out of range")
	ErrChunkRejected     = errors.New("chunk rejected, retransmission requested")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrNoSourceFile      = errors.New("transfer has no source file")
)

const (
	terminalGraceWindow = time.Hour
	orphanTempAge       = time.Hour
	// checkpointStride bounds how often the bitmap hits disk during ingest.
	checkpointStride = 16
	progressInterval = time.Second
)

// ChunkSink carries framed chunks toward the receiving peer. Implemented by
// the websocket router; SendChunk blocks until the frame is queued or the
// peer is gone.
type ChunkSink interface {
	SendChunk(frame []byte) error
}

// Options carries the engine's collaborators. Validator, Cryptor, Decisions,
// Checkpoints, Auditor, Logger and Metrics may all be nil; the engine
// degrades to in-memory-only operation without them.
type Options struct {
	Validator   *fileguard.Validator
	Cryptor     *fileguard.Cryptor
	Decisions   *decision.Store
	Checkpoints *CheckpointStore
	Auditor     *audit.Logger
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Events      *EventPublisher
}

// Engine owns all transfer records and drives both directions of the chunk
// pipeline.
type Engine struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
	streams   map[string]*stream

	cfg         func() *config.TransferConfig
	validator   *fileguard.Validator
	cryptor     *fileguard.Cryptor
	decisions   *decision.Store
	checkpoints *CheckpointStore
	auditor     *audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics
	events      *EventPublisher
}

// NewEngine builds an Engine. cfg is called per operation so live config
// updates take effect.
func NewEngine(cfg func() *config.TransferConfig, opts Options) *Engine {
	events := opts.Events
	if events == nil {
		events = NewEventPublisher(64)
	}
	return &Engine{
		transfers:   make(map[string]*Transfer),
		streams:     make(map[string]*stream),
		cfg:         cfg,
		validator:   opts.Validator,
		cryptor:     opts.Cryptor,
		decisions:   opts.Decisions,
		checkpoints: opts.Checkpoints,
		auditor:     opts.Auditor,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		events:      events,
	}
}

// Events returns the engine's event publisher.
func (e *Engine) Events() *EventPublisher {
	return e.events
}

// Recover marks any checkpoint left mid-flight by a previous run as failed.
// Called once at boot before the engine accepts work.
func (e *Engine) Recover() (int64, error) {
	if e.checkpoints == nil {
		return 0, nil
	}
	stale, err := e.checkpoints.MarkStaleFailed()
	if err != nil {
		return 0, err
	}
	if stale > 0 && e.logger != nil {
		e.logger.Warn("marked " + strconv.FormatInt(stale, 10) + " interrupted transfers as failed")
	}
	return stale, nil
}

// CreateRequest describes a new transfer.
type CreateRequest struct {
	SessionID        string
	TechnicianID     string
	Direction        Direction
	Filename         string
	FileSize         int64
	ExpectedChecksum string
	// SourcePath names the server-side file for downloads.
	SourcePath string
}

// Create validates and registers a transfer in the pending state. A
// remembered decision for (technician, filename) settles it immediately;
// otherwise it waits for Approve or Reject.
func (e *Engine) Create(req CreateRequest) (*Transfer, error) {
	cfg := e.cfg()

	if req.FileSize < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrSizeExceeded)
	}
	if req.FileSize > cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrSizeExceeded, req.FileSize, cfg.MaxFileSize)
	}
	if e.validator != nil {
		if problems := e.validator.ValidateFilename(req.Filename); len(problems) > 0 {
			e.auditViolation(req, strings.Join(problems, "; "))
			return nil, fmt.Errorf("%w: %s", ErrFilenameRejected, strings.Join(problems, "; "))
		}
	}
	if len(cfg.AllowedTypes) > 0 {
		ext := strings.ToLower(filepath.Ext(req.Filename))
		allowed := false
		for _, candidate := range cfg.AllowedTypes {
			if strings.ToLower(candidate) == ext {
				allowed = true
				break
			}
		}
		if !allowed {
			e.auditViolation(req, "extension not in allow list: "+ext)
			return nil, fmt.Errorf("%w: %s", ErrTypeBlocked, ext)
		}
	}
	if req.Direction == DirectionDownload && req.SourcePath == "" {
		return nil, ErrNoSourceFile
	}

	t := NewTransfer(req.SessionID, req.TechnicianID, req.Direction, req.Filename, req.FileSize, cfg.ChunkSize)
	t.ExpectedChecksum = req.ExpectedChecksum
	t.SourcePath = req.SourcePath
	if req.Direction == DirectionUpload {
		t.TempPath = filepath.Join(cfg.TempDir, "transfer_"+t.ID+"_"+filepath.Base(req.Filename))
	}

	e.mu.Lock()
	e.transfers[t.ID] = t
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordTransferStart()
	}
	e.auditTransfer(audit.EventTransferRequested, t, nil)
	e.events.PublishStatus(t, EventRequested, "transfer requested")
	e.saveCheckpoint(t)

	if !cfg.RequireApproval {
		if err := e.Approve(t.ID, "policy", "approval not required"); err != nil {
			return t, err
		}
		return t, nil
	}

	// A remembered verdict for this technician and filename settles the
	// request without prompting the end user again.
	if record := e.rememberedVerdict(req.TechnicianID, req.Filename); record != nil {
		switch record.Verdict {
		case decision.VerdictAllow:
			if err := e.Approve(t.ID, req.TechnicianID, "remembered decision"); err != nil {
				return t, err
			}
		case decision.VerdictDeny:
			if err := e.Reject(t.ID, req.TechnicianID, "remembered decision"); err != nil {
				return t, err
			}
		}
	}
	return t, nil
}

// Get returns a transfer by ID.
func (e *Engine) Get(transferID string) (*Transfer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return t, nil
}

// List returns all live transfer snapshots.
func (e *Engine) List() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Snapshot, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, t.Snapshot())
	}
	return out
}

// ListBySession returns snapshots for a session.
func (e *Engine) ListBySession(sessionID string) []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Snapshot
	for _, t := range e.transfers {
		if t.SessionID == sessionID {
			out = append(out, t.Snapshot())
		}
	}
	return out
}

// Progress returns the progress snapshot for a transfer.
func (e *Engine) Progress(transferID string) (Progress, error) {
	t, err := e.Get(transferID)
	if err != nil {
		return Progress{}, err
	}
	return t.Progress(), nil
}

// activeLocked counts transfers holding a concurrency slot. Caller holds e.mu.
func (e *Engine) activeLocked() int {
	active := 0
	for _, t := range e.transfers {
		if t.GetStatus().IsActive() {
			active++
		}
	}
	return active
}

// Approve moves a pending transfer to approved, enforcing the concurrency
// cap. Zero-byte transfers complete immediately.
func (e *Engine) Approve(transferID, approver, message string) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}

	_, end := observability.StartTransferSpan(context.Background(), "transfer.approve", t.ID, t.SessionID)
	err = e.approve(t, approver, message)
	end(err)
	return err
}

func (e *Engine) approve(t *Transfer, approver, message string) error {
	// The slot check and the transition happen under one lock so concurrent
	// approvals cannot overshoot the cap.
	e.mu.Lock()
	limit := e.cfg().MaxConcurrent
	if e.activeLocked() >= limit {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrLimitExceeded, limit)
	}
	if err := t.TransitionTo(StatusApproved); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	snapshot := t.Snapshot()
	if e.logger != nil {
		e.logger.TransferApproved(t.ID, t.SessionID, t.Filename, t.FileSize, snapshot.TotalChunks)
	}
	e.auditTransfer(audit.EventTransferApproved, t, map[string]string{
		"approver": approver,
		"message":  message,
	})
	e.events.PublishStatus(t, EventApproved, message)
	e.saveCheckpoint(t)

	if t.FileSize == 0 {
		return e.completeEmpty(t)
	}
	return nil
}

// Reject settles a pending transfer as rejected.
func (e *Engine) Reject(transferID, approver, reason string) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}
	if err := t.TransitionTo(StatusRejected); err != nil {
		return err
	}
	t.SetError(reason)

	event := audit.NewEvent(audit.EventTransferRejected)
	event.SessionID = t.SessionID
	event.TransferID = t.ID
	event.Technician = t.TechnicianID
	event.Filename = t.Filename
	event.FileSize = t.FileSize
	event.Success = false
	event.Details = map[string]string{"approver": approver, "reason": reason}
	e.audit(event)

	e.events.PublishStatus(t, EventRejected, reason)
	e.recordEnd(t)
	e.updateCheckpointStatus(t)
	return nil
}

// RememberDecision stores an allow or deny verdict so future requests from
// the same technician for matching filenames skip the prompt.
func (e *Engine) RememberDecision(technicianID, pattern string, verdict decision.Verdict) error {
	if e.decisions == nil {
		return nil
	}
	return e.decisions.Remember(technicianID, pattern, verdict)
}

func (e *Engine) rememberedVerdict(technicianID, filename string) *decision.Record {
	if e.decisions == nil {
		return nil
	}
	record, err := e.decisions.Lookup(technicianID, filename)
	if err != nil {
		if !errors.Is(err, decision.ErrNotFound) && e.logger != nil {
			e.logger.Error(err, "decision lookup failed")
		}
		return nil
	}
	return record
}

// Pause suspends an in-progress transfer at the next chunk boundary.
// Pausing an already paused transfer is a no-op.
func (e *Engine) Pause(transferID string) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}
	if t.GetStatus() == StatusPaused {
		return nil
	}
	if err := t.TransitionTo(StatusPaused); err != nil {
		return err
	}

	// Fingerprint the received prefix so Resume can tell whether the partial
	// file was tampered with while paused.
	if snapshot := t.Snapshot(); snapshot.Direction == DirectionUpload && snapshot.TempPath != "" {
		if prefix := t.ContiguousBytes(); prefix > 0 {
			if fingerprint, err := fileguard.FingerprintPrefix(snapshot.TempPath, prefix); err == nil {
				t.SetResumeFingerprint(fingerprint, prefix)
			} else if e.logger != nil {
				e.logger.Error(err, "fingerprint paused transfer prefix")
			}
		}
	}

	e.auditTransfer(audit.EventTransferPaused, t, nil)
	e.events.PublishStatus(t, EventPaused, "")
	e.updateCheckpointStatus(t)
	e.wakeStream(transferID)
	return nil
}

// Resume continues a paused transfer. Resuming an in-progress transfer is a
// no-op.
func (e *Engine) Resume(transferID string) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}
	if t.GetStatus() == StatusInProgress {
		return nil
	}

	// A paused upload only resumes if its received prefix still matches the
	// digest taken at pause time.
	if fingerprint, prefix := t.ResumeFingerprint(); fingerprint != "" {
		actual, err := fileguard.FingerprintPrefix(t.Snapshot().TempPath, prefix)
		if err != nil || actual != fingerprint {
			e.failTransfer(t, "resume prefix verification failed")
			e.removePartialData(t)
			return fmt.Errorf("%w: resume prefix verification failed", ErrTransferFailed)
		}
	}

	if err := t.TransitionTo(StatusInProgress); err != nil {
		return err
	}
	t.SetResumeFingerprint("", 0)

	e.auditTransfer(audit.EventTransferResumed, t, nil)
	e.events.PublishStatus(t, EventResumed, "")
	e.updateCheckpointStatus(t)
	e.wakeStream(transferID)
	return nil
}

// Cancel terminates a transfer from any non-terminal state and removes its
// partial data. Cancel wins over a concurrent pause.
func (e *Engine) Cancel(transferID, reason string) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}
	if err := t.TransitionTo(StatusCancelled); err != nil {
		return err
	}
	t.SetError(reason)

	e.removePartialData(t)

	event := audit.NewEvent(audit.EventTransferCancelled)
	event.SessionID = t.SessionID
	event.TransferID = t.ID
	event.Filename = t.Filename
	event.Success = false
	event.Details = map[string]string{"reason": reason}
	e.audit(event)

	e.events.PublishStatus(t, EventCancelled, reason)
	e.recordEnd(t)
	e.updateCheckpointStatus(t)
	e.wakeStream(transferID)
	return nil
}

// WriteChunkResult reports the outcome of a chunk ingest.
type WriteChunkResult struct {
	Duplicate        bool
	Completed        bool
	BytesTransferred int64
}

// WriteChunk ingests one upload chunk. Duplicate indices are acknowledged
// without reapplying. A checksum or size mismatch asks for retransmission
// until the retry budget is spent, then fails the whole transfer.
func (e *Engine) WriteChunk(header ChunkHeader, payload []byte) (WriteChunkResult, error) {
	t, err := e.Get(header.TransferID)
	if err != nil {
		return WriteChunkResult{}, err
	}

	switch t.GetStatus() {
	case StatusApproved:
		// First chunk starts the stream.
		if err := t.TransitionTo(StatusInProgress); err != nil {
			return WriteChunkResult{}, err
		}
		e.auditTransfer(audit.EventTransferStarted, t, nil)
		e.events.PublishStatus(t, EventStarted, "")
	case StatusInProgress:
	default:
		return WriteChunkResult{}, fmt.Errorf("%w: status %s", ErrTransferNotActive, t.GetStatus())
	}

	if header.ChunkIndex < 0 || header.ChunkIndex >= t.TotalChunks {
		return WriteChunkResult{}, fmt.Errorf("%w: %d of %d", ErrInvalidChunkIndex, header.ChunkIndex, t.TotalChunks)
	}
	if t.ChunkCompleted(header.ChunkIndex) {
		return WriteChunkResult{Duplicate: true, BytesTransferred: t.BytesTransferred()}, nil
	}

	expectedSize := t.ChunkSize
	if header.ChunkIndex == t.TotalChunks-1 {
		expectedSize = t.FileSize - header.ChunkIndex*t.ChunkSize
	}
	if int64(len(payload)) != expectedSize {
		return e.rejectChunk(t, header.ChunkIndex, "size mismatch")
	}
	if fileguard.ChunkChecksum(payload) != header.Checksum {
		return e.rejectChunk(t, header.ChunkIndex, "checksum mismatch")
	}

	if err := writeAt(t.TempPath, payload, header.ChunkIndex*t.ChunkSize); err != nil {
		e.failTransfer(t, "write chunk: "+err.Error())
		return WriteChunkResult{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	t.MarkChunkCompleted(header.ChunkIndex, int64(len(payload)))
	if e.metrics != nil {
		e.metrics.RecordChunkReceived(len(payload))
	}
	if t.CompletedCount()%checkpointStride == 0 || header.IsLast {
		e.saveCheckpoint(t)
	}
	e.maybePublishProgress(t)

	if t.AllChunksCompleted() {
		if err := e.finalizeUpload(t); err != nil {
			return WriteChunkResult{}, err
		}
		return WriteChunkResult{Completed: true, BytesTransferred: t.BytesTransferred()}, nil
	}
	return WriteChunkResult{BytesTransferred: t.BytesTransferred()}, nil
}

func (e *Engine) rejectChunk(t *Transfer, index int64, reason string) (WriteChunkResult, error) {
	failures := t.RecordChunkFailure(index)
	if e.metrics != nil {
		e.metrics.RecordChunkRetransmit(reason)
	}
	if e.logger != nil {
		e.logger.ChunkRejected(t.ID, index, reason, failures)
	}

	if failures > e.cfg().RetryAttempts {
		e.failTransfer(t, fmt.Sprintf("chunk %d failed %d times: %s", index, failures, reason))
		return WriteChunkResult{}, fmt.Errorf("%w: chunk %d: %s", ErrTransferFailed, index, reason)
	}
	return WriteChunkResult{}, fmt.Errorf("%w: chunk %d: %s", ErrChunkRejected, index, reason)
}

// finalizeUpload verifies the assembled file and settles the transfer.
func (e *Engine) finalizeUpload(t *Transfer) error {
	if t.ExpectedChecksum != "" {
		if err := fileguard.VerifyChecksum(t.TempPath, t.ExpectedChecksum); err != nil {
			e.failTransfer(t, "file checksum mismatch")
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	if e.validator != nil {
		result, err := e.validator.ValidateFile(t.TempPath, t.Filename)
		if err != nil {
			e.failTransfer(t, "validation error: "+err.Error())
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if !result.Valid {
			if _, qerr := e.validator.Quarantine(t.TempPath, t.Filename); qerr == nil {
				t.mu.Lock()
				t.TempPath = ""
				t.mu.Unlock()
			}
			e.failTransfer(t, "validation failed: "+strings.Join(result.Errors, "; "))
			return fmt.Errorf("%w: validation failed", ErrTransferFailed)
		}
	}

	if e.cfg().EncryptFiles && e.cryptor != nil {
		encrypted := t.TempPath + ".enc"
		start := time.Now()
		if err := e.cryptor.EncryptFile(t.TempPath, encrypted); err != nil {
			e.failTransfer(t, "encrypt at rest: "+err.Error())
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if e.metrics != nil {
			e.metrics.RecordCryptoOperation("encrypt_file", time.Since(start).Seconds())
		}
		if err := fileguard.SecureDelete(t.TempPath); err != nil && e.logger != nil {
			e.logger.Error(err, "secure delete of plaintext failed")
		}
		t.mu.Lock()
		t.TempPath = encrypted
		t.mu.Unlock()
	}

	return e.complete(t, t.ExpectedChecksum != "")
}

func (e *Engine) completeEmpty(t *Transfer) error {
	if err := t.TransitionTo(StatusInProgress); err != nil {
		return err
	}
	if t.Direction == DirectionUpload && t.TempPath != "" {
		if err := os.MkdirAll(filepath.Dir(t.TempPath), 0o755); err == nil {
			if f, err := os.Create(t.TempPath); err == nil {
				f.Close()
			}
		}
	}
	return e.complete(t, false)
}

func (e *Engine) complete(t *Transfer, checksumVerified bool) error {
	_, end := observability.StartTransferSpan(context.Background(), "transfer.complete", t.ID, t.SessionID)
	if err := t.TransitionTo(StatusCompleted); err != nil {
		end(err)
		return err
	}
	defer end(nil)

	snapshot := t.Snapshot()
	duration := time.Since(snapshot.RequestedAt)
	if snapshot.ApprovedAt != nil && snapshot.EndTime != nil {
		duration = snapshot.EndTime.Sub(*snapshot.ApprovedAt)
	}
	if e.logger != nil {
		e.logger.TransferCompleted(t.ID, t.FileSize, snapshot.TotalChunks, duration, checksumVerified)
	}

	e.auditTransfer(audit.EventTransferCompleted, t, map[string]string{
		"duration_ms":       strconv.FormatInt(duration.Milliseconds(), 10),
		"checksum_verified": strconv.FormatBool(checksumVerified),
	})
	e.events.PublishStatus(t, EventCompleted, "")
	e.events.PublishProgress(t)
	e.recordEnd(t)
	e.saveCheckpoint(t)
	return nil
}

// failTransfer moves a transfer to failed from whatever state it is in.
func (e *Engine) failTransfer(t *Transfer, reason string) {
	if err := t.TransitionTo(StatusFailed); err != nil {
		return
	}
	t.SetError(reason)

	event := audit.NewEvent(audit.EventTransferFailed)
	event.SessionID = t.SessionID
	event.TransferID = t.ID
	event.Filename = t.Filename
	event.FileSize = t.FileSize
	event.Success = false
	event.Error = reason
	e.audit(event)

	if e.logger != nil {
		e.logger.WithTransfer(t.ID).Error(errors.New(reason), "transfer failed")
	}
	e.events.PublishStatus(t, EventFailed, reason)
	e.recordEnd(t)
	e.updateCheckpointStatus(t)
	e.wakeStream(t.ID)
}

// Sweep runs one maintenance pass: fails transfers past the transfer
// timeout, reaps terminal records past the grace window, and removes orphan
// temp files. Returns the number of transfers timed out and reaped.
func (e *Engine) Sweep() (timedOut, reaped int) {
	cfg := e.cfg()
	now := time.Now()

	e.mu.RLock()
	candidates := make([]*Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		candidates = append(candidates, t)
	}
	e.mu.RUnlock()

	for _, t := range candidates {
		snapshot := t.Snapshot()
		if snapshot.Status.IsActive() && snapshot.ApprovedAt != nil &&
			now.Sub(*snapshot.ApprovedAt) > cfg.TransferTimeout.Std() {
			e.failTransfer(t, "transfer timeout")
			e.removePartialData(t)
			timedOut++
		}
	}

	e.mu.Lock()
	for id, t := range e.transfers {
		snapshot := t.Snapshot()
		if snapshot.Status.IsTerminal() && snapshot.EndTime != nil && now.Sub(*snapshot.EndTime) > terminalGraceWindow {
			delete(e.transfers, id)
			delete(e.streams, id)
			reaped++
			if e.checkpoints != nil {
				e.checkpoints.Delete(id)
			}
		}
	}
	e.mu.Unlock()

	e.removeOrphanTemps(cfg.TempDir, now)
	return timedOut, reaped
}

// removeOrphanTemps deletes stale transfer_* files no live record claims.
func (e *Engine) removeOrphanTemps(tempDir string, now time.Time) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return
	}

	claimed := make(map[string]struct{})
	e.mu.RLock()
	for _, t := range e.transfers {
		if path := t.Snapshot().TempPath; path != "" {
			claimed[filepath.Base(path)] = struct{}{}
		}
	}
	e.mu.RUnlock()

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "transfer_") {
			continue
		}
		if _, ok := claimed[name]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < orphanTempAge {
			continue
		}
		os.Remove(filepath.Join(tempDir, name))
	}
}

func (e *Engine) removePartialData(t *Transfer) {
	snapshot := t.Snapshot()
	if snapshot.Direction != DirectionUpload || snapshot.TempPath == "" {
		return
	}
	if err := fileguard.SecureDelete(snapshot.TempPath); err != nil && !os.IsNotExist(err) {
		if e.logger != nil {
			e.logger.Error(err, "remove partial transfer data")
		}
	}
}

func (e *Engine) maybePublishProgress(t *Transfer) {
	if !t.ProgressDue(progressInterval) {
		return
	}
	snapshot := t.Snapshot()
	if e.logger != nil {
		e.logger.TransferProgress(t.ID, snapshot.CompletedChunks, snapshot.TotalChunks, t.TransferRate(), time.Since(snapshot.RequestedAt))
	}
	e.events.PublishProgress(t)
}

func (e *Engine) saveCheckpoint(t *Transfer) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Save(t); err != nil && e.logger != nil {
		e.logger.Error(err, "save transfer checkpoint")
	}
}

func (e *Engine) updateCheckpointStatus(t *Transfer) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.UpdateStatus(t.ID, t.GetStatus()); err != nil && !errors.Is(err, ErrCheckpointNotFound) && e.logger != nil {
		e.logger.Error(err, "update transfer checkpoint")
	}
}

func (e *Engine) recordEnd(t *Transfer) {
	if e.metrics == nil {
		return
	}
	snapshot := t.Snapshot()
	duration := float64(0)
	if snapshot.ApprovedAt != nil && snapshot.EndTime != nil {
		duration = snapshot.EndTime.Sub(*snapshot.ApprovedAt).Seconds()
	}
	e.metrics.RecordTransferEnd(string(snapshot.Status), duration)
}

func (e *Engine) auditTransfer(eventType audit.EventType, t *Transfer, details map[string]string) {
	event := audit.NewEvent(eventType)
	event.SessionID = t.SessionID
	event.TransferID = t.ID
	event.Technician = t.TechnicianID
	event.Filename = t.Filename
	event.FileSize = t.FileSize
	event.Details = details
	e.audit(event)
}

func (e *Engine) auditViolation(req CreateRequest, reason string) {
	event := audit.NewEvent(audit.EventSecurityViolation)
	event.SessionID = req.SessionID
	event.Technician = req.TechnicianID
	event.Filename = req.Filename
	event.FileSize = req.FileSize
	event.Success = false
	event.Error = reason
	e.audit(event)
}

func (e *Engine) audit(event *audit.Event) {
	if e.auditor != nil {
		e.auditor.Log(event)
	}
}

// writeAt writes payload at the given offset, creating the file and its
// directory as needed.
func writeAt(path string, payload []byte, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(payload, offset); err != nil {
		return err
	}
	return f.Sync()
}
