// Package decision persists remembered transfer-approval decisions.
//
// Decisions are keyed by (technician_id, filename_pattern) rather than by
// transfer ID: transfer IDs are unique per request, so remembering one would
// never match again.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	ErrNotFound = errors.New("no remembered decision")
)

var bucketDecisions = []byte("decisions")

// Verdict is a remembered approval outcome.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Record is a stored decision.
type Record struct {
	TechnicianID string    `json:"technician_id"`
	Pattern      string    `json:"pattern"`
	Verdict      Verdict   `json:"verdict"`
	RememberedAt time.Time `json:"remembered_at"`
}

// Store is a bolt-backed decision table.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open decision store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDecisions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create decision bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(technicianID, pattern string) []byte {
	return []byte(technicianID + "\x00" + pattern)
}

// Remember stores a decision for (technician, pattern). Pattern uses
// filepath.Match syntax; an exact filename is also a valid pattern.
func (s *Store) Remember(technicianID, pattern string, verdict Verdict) error {
	if technicianID == "" || pattern == "" {
		return errors.New("technician and pattern must not be empty")
	}
	// Reject malformed patterns up front so Lookup never has to.
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	record := Record{
		TechnicianID: technicianID,
		Pattern:      pattern,
		Verdict:      verdict,
		RememberedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDecisions).Put(key(technicianID, pattern), value)
	})
}

// Lookup finds a remembered decision for the technician and filename. Exact
// filename entries win over glob patterns; among globs the first match in
// key order wins.
func (s *Store) Lookup(technicianID, filename string) (*Record, error) {
	var exact *Record
	var globbed *Record

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDecisions).Cursor()
		prefix := []byte(technicianID + "\x00")
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			if record.Pattern == filename {
				exact = &record
				return nil
			}
			if globbed == nil {
				if ok, _ := filepath.Match(record.Pattern, filename); ok {
					globbed = &record
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if exact != nil {
		return exact, nil
	}
	if globbed != nil {
		return globbed, nil
	}
	return nil, ErrNotFound
}

// Forget removes a remembered decision.
func (s *Store) Forget(technicianID, pattern string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDecisions).Delete(key(technicianID, pattern))
	})
}

// Prune deletes decisions remembered before the cutoff. Returns the number
// removed.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDecisions)
		cursor := bucket.Cursor()
		var stale [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if record.RememberedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
