// Package audit implements the append-only audit event sink. Events are
// queued on a bounded channel and drained by a single writer goroutine so
// that logging never blocks a control path.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	queueCapacity     = 1000
	tailCapacity      = 2048
	defaultRotateSize = 100 * 1024 * 1024 // 100 MiB
	defaultRetention  = 30 * 24 * time.Hour
)

var (
	ErrLoggerClosed = errors.New("audit logger closed")
)

// Options configures the audit logger.
type Options struct {
	Dir        string
	RotateSize int64
	Retention  time.Duration

	// OnWrite and OnDrop are optional metric hooks.
	OnWrite func(severity string)
	OnDrop  func()
}

// Logger is the audit event sink. Log never blocks: when the queue is full
// the event is dropped and a line is written to stderr.
type Logger struct {
	opts  Options
	queue chan *Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu         sync.Mutex
	file       *os.File
	fileSize   int64
	fileDate   string
	disabled   bool
	warnedOnce bool

	tailMu sync.RWMutex
	tail   []*Event
}

// NewLogger opens the active audit file and starts the drain goroutine.
func NewLogger(opts Options) (*Logger, error) {
	if opts.RotateSize <= 0 {
		opts.RotateSize = defaultRotateSize
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	l := &Logger{
		opts:  opts,
		queue: make(chan *Event, queueCapacity),
		done:  make(chan struct{}),
	}

	if err := l.openActiveFile(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.drain()

	return l, nil
}

// Log enqueues an event without blocking. Severity is auto-assigned from the
// event type when absent.
func (l *Logger) Log(event *Event) {
	if event.Severity == "" {
		event.Severity = DetermineSeverity(event.EventType)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case l.queue <- event:
	default:
		fmt.Fprintf(os.Stderr, "audit: queue full, dropping event %s (%s)\n", event.ID, event.EventType)
		if l.opts.OnDrop != nil {
			l.opts.OnDrop()
		}
	}
}

// Enabled reports whether the logger is still writing to disk.
func (l *Logger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled
}

// Close flushes queued events and stops the writer.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) drain() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			// Drain what is left without blocking.
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event *Event) {
	l.appendTail(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		return
	}

	if err := l.rotateLocked(); err != nil {
		l.disableLocked(err)
		return
	}

	line, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: failed to marshal event %s: %v\n", event.ID, err)
		return
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		l.disableLocked(err)
		return
	}
	l.fileSize += int64(n)

	// Security-relevant events must survive a crash.
	if event.Severity == SeverityMedium || event.Severity == SeverityHigh {
		if err := l.file.Sync(); err != nil {
			l.disableLocked(err)
			return
		}
	}

	if l.opts.OnWrite != nil {
		l.opts.OnWrite(string(event.Severity))
	}
}

// disableLocked turns the logger off after an I/O failure. Callers remain
// unaffected; a single warning goes to stderr.
func (l *Logger) disableLocked(err error) {
	l.disabled = true
	if !l.warnedOnce {
		l.warnedOnce = true
		fmt.Fprintf(os.Stderr, "audit: disabling file sink: %v\n", err)
	}
}

func (l *Logger) openActiveFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openActiveFileLocked()
}

func (l *Logger) openActiveFileLocked() error {
	path := filepath.Join(l.opts.Dir, "audit.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}

	l.file = file
	l.fileSize = info.Size()
	l.fileDate = time.Now().UTC().Format("20060102")
	return nil
}

// rotateLocked swaps the active file when it grew past RotateSize or the UTC
// date rolled over.
func (l *Logger) rotateLocked() error {
	today := time.Now().UTC().Format("20060102")
	if l.fileSize < l.opts.RotateSize && l.fileDate == today {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return err
	}

	active := filepath.Join(l.opts.Dir, "audit.log")
	rotated := filepath.Join(l.opts.Dir, fmt.Sprintf("audit-%s.log", l.fileDate))
	for i := 1; ; i++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		rotated = filepath.Join(l.opts.Dir, fmt.Sprintf("audit-%s.%d.log", l.fileDate, i))
	}
	if err := os.Rename(active, rotated); err != nil {
		return err
	}

	return l.openActiveFileLocked()
}

// Cleanup removes rotated files older than the retention window. Returns the
// number of files removed.
func (l *Logger) Cleanup() (int, error) {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-l.opts.Retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if name == "audit.log" || !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.opts.Dir, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (l *Logger) appendTail(event *Event) {
	l.tailMu.Lock()
	defer l.tailMu.Unlock()
	l.tail = append(l.tail, event)
	if len(l.tail) > tailCapacity {
		l.tail = l.tail[len(l.tail)-tailCapacity:]
	}
}

// QueryFilter narrows Query results. Zero values match everything.
type QueryFilter struct {
	SessionID  string
	TransferID string
	EventType  EventType
	Severity   Severity
	Since      time.Time
	Limit      int
}

// Query returns recent events matching the filter, newest first. Only the
// in-memory tail is consulted; rotated files are for offline review.
func (l *Logger) Query(filter QueryFilter) []*Event {
	l.tailMu.RLock()
	defer l.tailMu.RUnlock()

	var out []*Event
	for _, event := range l.tail {
		if filter.SessionID != "" && event.SessionID != filter.SessionID {
			continue
		}
		if filter.TransferID != "" && event.TransferID != filter.TransferID {
			continue
		}
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		if filter.Severity != "" && event.Severity != filter.Severity {
			continue
		}
		if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, event)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
