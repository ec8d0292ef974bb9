package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CheckpointStore persists transfer state and chunk bitmaps in SQLite. On
// restart the rows serve diagnostics and cleanup: Recover marks interrupted
// transfers failed rather than resuming them.
type CheckpointStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// Checkpoint is one persisted transfer row.
type Checkpoint struct {
	TransferID  string
	SessionID   string
	Direction   Direction
	Filename    string
	FileSize    int64
	ChunkSize   int64
	TotalChunks int64
	Status      Status
	TempPath    string
	Completed   map[int64]struct{}
	UpdatedAt   time.Time
}

// OpenCheckpointStore opens (creating if needed) the checkpoint database.
func OpenCheckpointStore(dbPath string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &CheckpointStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (cs *CheckpointStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transfer_checkpoints (
			transfer_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			filename TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			status TEXT NOT NULL,
			temp_path TEXT,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunk_bitmaps (
			transfer_id TEXT PRIMARY KEY,
			bitmap_data BLOB NOT NULL,
			chunks_completed INTEGER NOT NULL DEFAULT 0,
			last_updated TIMESTAMP NOT NULL,
			FOREIGN KEY (transfer_id) REFERENCES transfer_checkpoints(transfer_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON transfer_checkpoints(status);
	`
	if _, err := cs.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize checkpoint schema: %w", err)
	}
	return nil
}

// Save upserts a transfer's checkpoint row and chunk bitmap.
func (cs *CheckpointStore) Save(t *Transfer) error {
	snapshot := t.Snapshot()
	bitmap := encodeBitmap(t.CompletedIndices(), snapshot.TotalChunks)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	_, err := cs.db.Exec(`
		INSERT OR REPLACE INTO transfer_checkpoints
		(transfer_id, session_id, direction, filename, file_size, chunk_size,
		 total_chunks, status, temp_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID,
		snapshot.SessionID,
		string(snapshot.Direction),
		snapshot.Filename,
		snapshot.FileSize,
		snapshot.ChunkSize,
		snapshot.TotalChunks,
		string(snapshot.Status),
		snapshot.TempPath,
		now,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	_, err = cs.db.Exec(`
		INSERT OR REPLACE INTO chunk_bitmaps
		(transfer_id, bitmap_data, chunks_completed, last_updated)
		VALUES (?, ?, ?, ?)`,
		snapshot.ID, bitmap, snapshot.CompletedChunks, now,
	)
	if err != nil {
		return fmt.Errorf("save chunk bitmap: %w", err)
	}
	return nil
}

// UpdateStatus rewrites just the status column.
func (cs *CheckpointStore) UpdateStatus(transferID string, status Status) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.db.Exec(
		`UPDATE transfer_checkpoints SET status = ?, updated_at = ? WHERE transfer_id = ?`,
		string(status), time.Now(), transferID,
	)
	if err != nil {
		return fmt.Errorf("update checkpoint status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}

// Load retrieves one checkpoint with its bitmap.
func (cs *CheckpointStore) Load(transferID string) (*Checkpoint, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	row := cs.db.QueryRow(`
		SELECT c.transfer_id, c.session_id, c.direction, c.filename, c.file_size,
		       c.chunk_size, c.total_chunks, c.status, c.temp_path, c.updated_at,
		       COALESCE(b.bitmap_data, X'')
		FROM transfer_checkpoints c
		LEFT JOIN chunk_bitmaps b ON b.transfer_id = c.transfer_id
		WHERE c.transfer_id = ?`, transferID)

	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	return checkpoint, err
}

// LoadActive returns checkpoints for transfers that were mid-flight.
func (cs *CheckpointStore) LoadActive() ([]*Checkpoint, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	rows, err := cs.db.Query(`
		SELECT c.transfer_id, c.session_id, c.direction, c.filename, c.file_size,
		       c.chunk_size, c.total_chunks, c.status, c.temp_path, c.updated_at,
		       COALESCE(b.bitmap_data, X'')
		FROM transfer_checkpoints c
		LEFT JOIN chunk_bitmaps b ON b.transfer_id = c.transfer_id
		WHERE c.status IN ('approved', 'in_progress', 'paused')`)
	if err != nil {
		return nil, fmt.Errorf("load active checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, checkpoint)
	}
	return out, rows.Err()
}

// MarkStaleFailed moves every non-terminal checkpoint to failed. Called on
// boot: a transfer that was mid-flight when the daemon died cannot be
// trusted to still have its peers.
func (cs *CheckpointStore) MarkStaleFailed() (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.db.Exec(`
		UPDATE transfer_checkpoints SET status = 'failed', updated_at = ?
		WHERE status IN ('pending', 'approved', 'in_progress', 'paused')`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale checkpoints: %w", err)
	}
	return result.RowsAffected()
}

// Delete removes a checkpoint and its bitmap.
func (cs *CheckpointStore) Delete(transferID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, err := cs.db.Exec(`DELETE FROM chunk_bitmaps WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("delete chunk bitmap: %w", err)
	}
	if _, err := cs.db.Exec(`DELETE FROM transfer_checkpoints WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Prune removes terminal checkpoints older than maxAge.
func (cs *CheckpointStore) Prune(maxAge time.Duration) (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	if _, err := cs.db.Exec(`
		DELETE FROM chunk_bitmaps WHERE transfer_id IN (
			SELECT transfer_id FROM transfer_checkpoints
			WHERE status IN ('completed', 'failed', 'cancelled', 'rejected') AND updated_at < ?
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune chunk bitmaps: %w", err)
	}

	result, err := cs.db.Exec(`
		DELETE FROM transfer_checkpoints
		WHERE status IN ('completed', 'failed', 'cancelled', 'rejected') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return result.RowsAffected()
}

// Ping verifies the database is reachable, for health checks.
func (cs *CheckpointStore) Ping(ctx context.Context) error {
	return cs.db.PingContext(ctx)
}

// Close closes the underlying database.
func (cs *CheckpointStore) Close() error {
	return cs.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		checkpoint Checkpoint
		direction  string
		status     string
		tempPath   sql.NullString
		bitmap     []byte
	)
	err := row.Scan(
		&checkpoint.TransferID,
		&checkpoint.SessionID,
		&direction,
		&checkpoint.Filename,
		&checkpoint.FileSize,
		&checkpoint.ChunkSize,
		&checkpoint.TotalChunks,
		&status,
		&tempPath,
		&checkpoint.UpdatedAt,
		&bitmap,
	)
	if err != nil {
		return nil, err
	}
	checkpoint.Direction = Direction(direction)
	checkpoint.Status = Status(status)
	checkpoint.TempPath = tempPath.String
	checkpoint.Completed = decodeBitmap(bitmap, checkpoint.TotalChunks)
	return &checkpoint, nil
}

// encodeBitmap packs a completed chunk set into a bit-per-chunk blob.
func encodeBitmap(completed map[int64]struct{}, totalChunks int64) []byte {
	bitmap := make([]byte, (totalChunks+7)/8)
	for index := range completed {
		if index >= 0 && index < totalChunks {
			bitmap[index/8] |= 1 << uint(index%8)
		}
	}
	return bitmap
}

func decodeBitmap(bitmap []byte, totalChunks int64) map[int64]struct{} {
	completed := make(map[int64]struct{})
	for index := int64(0); index < totalChunks; index++ {
		byteIndex := index / 8
		if byteIndex >= int64(len(bitmap)) {
			break
		}
		if bitmap[byteIndex]&(1<<uint(index%8)) != 0 {
			completed[index] = struct{}{}
		}
	}
	return completed
}
