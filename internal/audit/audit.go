// Package audit implements an append-only log of activation and sync
// events, bucket-per-entity over bbolt in the same idiom used elsewhere in
// this codebase for bbolt-backed storage (CreateBucketIfNotExists at open,
// one bucket per logical entity, JSON blobs as values) — adapted here to a
// single monotonically-keyed bucket since the log is append-only rather
// than keyed by entity ID.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Kind discriminates the events this log records.
type Kind string

const (
	KindActivation    Kind = "activation"
	KindSyncSuccess   Kind = "sync_success"
	KindSyncFailure   Kind = "sync_failure"
	KindCooldownEnd   Kind = "cooldown_end"
	KindDeployApplied Kind = "deploy_applied"
)

// Record is one logged event.
type Record struct {
	Seq     uint64          `json:"seq"`
	Kind    Kind            `json:"kind"`
	At      time.Time       `json:"at"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Store is a bbolt-backed append-only log, one per agent root.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the audit database under dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "audit.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one event, assigning it the bucket's next sequence
// number as its key (big-endian, so iteration order is insertion order).
func (s *Store) Record(kind Kind, at time.Time, details any) error {
	var rawDetails json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		rawDetails = b
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		record := Record{Seq: seq, Kind: kind, At: at, Details: rawDetails}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Recent returns up to limit of the most recently recorded events, newest
// first.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
