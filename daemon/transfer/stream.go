package transfer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/onlitec/onlidesk-broker/internal/audit"
	"github.com/onlitec/onlidesk-broker/internal/fileguard"
)

// downloadRetryDelay is the base of the linear backoff between send retries.
var downloadRetryDelay = time.Second

// stream tracks one running download sender. Pause parks the sender between
// chunks; Resume, Cancel and failTransfer wake it through the condition
// variable.
type stream struct {
	t    *Transfer
	mu   sync.Mutex
	cond *sync.Cond
}

func newStream(t *Transfer) *stream {
	s := &stream{t: t}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) wake() {
	s.cond.Broadcast()
}

// awaitRunnable blocks while the transfer is paused and returns the status
// that ended the wait.
func (s *stream) awaitRunnable() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		status := s.t.GetStatus()
		if status != StatusPaused {
			return status
		}
		s.cond.Wait()
	}
}

func (e *Engine) wakeStream(transferID string) {
	e.mu.RLock()
	s, ok := e.streams[transferID]
	e.mu.RUnlock()
	if ok {
		s.wake()
	}
}

// StartDownload begins streaming an approved download to the client through
// sink. The sender runs on its own goroutine; progress, completion and
// failure surface through events and the audit log.
func (e *Engine) StartDownload(transferID string, sink ChunkSink) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}
	if t.Direction != DirectionDownload {
		return fmt.Errorf("%w: not a download", ErrTransferNotActive)
	}
	if err := t.TransitionTo(StatusInProgress); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferNotActive, err)
	}

	s := newStream(t)
	e.mu.Lock()
	e.streams[transferID] = s
	e.mu.Unlock()

	e.auditTransfer(audit.EventTransferStarted, t, nil)
	e.events.PublishStatus(t, EventStarted, "")
	e.updateCheckpointStatus(t)

	go e.runDownload(t, s, sink)
	return nil
}

func (e *Engine) runDownload(t *Transfer, s *stream, sink ChunkSink) {
	source, err := os.Open(t.SourcePath)
	if err != nil {
		e.failTransfer(t, "open source file: "+err.Error())
		return
	}
	defer source.Close()

	buf := make([]byte, t.ChunkSize)
	for index := int64(0); index < t.TotalChunks; index++ {
		// Pause and cancel both take effect here, at the chunk boundary.
		// Cancel wins: a cancelled transfer never resumes.
		if status := s.awaitRunnable(); status != StatusInProgress {
			return
		}
		if t.ChunkCompleted(index) {
			continue
		}

		payload, err := readChunkAt(source, buf, t, index)
		if err != nil {
			e.failTransfer(t, fmt.Sprintf("read chunk %d: %v", index, err))
			return
		}

		frame, err := EncodeChunkFrame(ChunkHeader{
			TransferID: t.ID,
			ChunkIndex: index,
			Checksum:   fileguard.ChunkChecksum(payload),
			IsLast:     index == t.TotalChunks-1,
		}, payload)
		if err != nil {
			e.failTransfer(t, "encode chunk frame: "+err.Error())
			return
		}

		if !e.sendWithRetry(t, s, sink, frame, index) {
			return
		}

		t.MarkChunkCompleted(index, int64(len(payload)))
		if e.metrics != nil {
			e.metrics.RecordChunkSent(len(payload))
		}
		if t.CompletedCount()%checkpointStride == 0 {
			e.saveCheckpoint(t)
		}
		e.maybePublishProgress(t)
	}

	if err := e.complete(t, false); err != nil && e.logger != nil {
		e.logger.Error(err, "complete download")
	}
}

// sendWithRetry pushes one frame through the sink, retrying with linear
// backoff until the retry budget is spent. Returns false when the transfer
// is over.
func (e *Engine) sendWithRetry(t *Transfer, s *stream, sink ChunkSink, frame []byte, index int64) bool {
	retryBudget := e.cfg().RetryAttempts

	for attempt := 0; ; attempt++ {
		if status := s.awaitRunnable(); status != StatusInProgress {
			return false
		}

		err := sink.SendChunk(frame)
		if err == nil {
			return true
		}

		failures := t.RecordChunkFailure(index)
		if e.metrics != nil {
			e.metrics.RecordChunkRetransmit("send_error")
		}
		if e.logger != nil {
			e.logger.ChunkRejected(t.ID, index, "send error: "+err.Error(), failures)
		}
		if attempt >= retryBudget {
			e.failTransfer(t, fmt.Sprintf("chunk %d send failed after %d attempts: %v", index, attempt+1, err))
			return false
		}
		time.Sleep(downloadRetryDelay * time.Duration(attempt+1))
	}
}

// ResendChunk re-reads and re-sends a single chunk on request from the
// receiving peer.
func (e *Engine) ResendChunk(transferID string, index int64, sink ChunkSink) error {
	t, err := e.Get(transferID)
	if err != nil {
		return err
	}
	if t.Direction != DirectionDownload {
		return fmt.Errorf("%w: not a download", ErrTransferNotActive)
	}
	if index < 0 || index >= t.TotalChunks {
		return fmt.Errorf("%w: %d of %d", ErrInvalidChunkIndex, index, t.TotalChunks)
	}

	source, err := os.Open(t.SourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer source.Close()

	buf := make([]byte, t.ChunkSize)
	payload, err := readChunkAt(source, buf, t, index)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index, err)
	}

	frame, err := EncodeChunkFrame(ChunkHeader{
		TransferID: t.ID,
		ChunkIndex: index,
		Checksum:   fileguard.ChunkChecksum(payload),
		IsLast:     index == t.TotalChunks-1,
	}, payload)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordChunkRetransmit("peer_request")
	}
	return sink.SendChunk(frame)
}

// readChunkAt reads the chunk at index into buf and returns the slice that
// was filled.
func readChunkAt(source *os.File, buf []byte, t *Transfer, index int64) ([]byte, error) {
	size := t.ChunkSize
	if index == t.TotalChunks-1 {
		size = t.FileSize - index*t.ChunkSize
	}

	n, err := source.ReadAt(buf[:size], index*t.ChunkSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != size {
		return nil, fmt.Errorf("short read: %d of %d bytes", n, size)
	}
	return buf[:size], nil
}
