package schedule

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/sendlater/internal/apperr"
)

var (
	bucketMessages = []byte("messages")
	bucketPending  = []byte("pending")
	bucketHistory  = []byte("history")
)

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStorage opens or creates the database file at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketPending, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

// Schedule validates and stores a new pending message
func (s *BoltStorage) Schedule(ctx context.Context, req ScheduleRequest) (*Message, error) {
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.New().String(),
		Recipient:  strings.TrimSpace(req.Recipient),
		Text:       req.Text,
		SendTime:   req.SendTime.UTC(),
		CreatedAt:  now.UTC(),
		Status:     StatusPending,
		TemplateID: req.TemplateID,
		Metadata:   copyMetadata(req.Metadata),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putMessage(tx, msg); err != nil {
			return err
		}

		// Add to pending index
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(msg.SendTime, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Get retrieves a message by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := getMessage(tx, id)
		msg = m
		return err
	})

	return msg, err
}

// ListPending returns pending messages in send time order
func (s *BoltStorage) ListPending(ctx context.Context, recipient string) ([]*Message, error) {
	recipient = strings.TrimSpace(recipient)
	messages := []*Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketPending).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			msg, ok := decodeMessage(msgBucket.Get(v))
			if !ok || msg.Status != StatusPending {
				continue
			}
			if recipient != "" && msg.Recipient != recipient {
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})

	return messages, err
}

// ListDue returns pending messages whose send time has been reached
func (s *BoltStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	messages := []*Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketPending).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // All remaining are in the future
			}

			msg, ok := decodeMessage(msgBucket.Get(v))
			if !ok || msg.Status != StatusPending {
				continue
			}

			messages = append(messages, msg)
			if limit > 0 && len(messages) >= limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// ListHistory returns resolved messages, newest first
func (s *BoltStorage) ListHistory(ctx context.Context, limit int) ([]*Message, error) {
	messages := []*Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketHistory).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			msg, ok := decodeMessage(msgBucket.Get(v))
			if !ok {
				continue
			}

			messages = append(messages, msg)
			if limit > 0 && len(messages) >= limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Cancel moves a pending message to canceled
func (s *BoltStorage) Cancel(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if m.Status != StatusPending {
			return apperr.Conflict("message %s is already %s", id, m.Status)
		}

		m.Status = StatusCanceled
		msg = m
		return s.resolve(tx, m)
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// MarkDispatched records the outcome of a delivery attempt.
// The read and the write happen in one transaction, so only the first
// caller for a pending message gets applied == true.
func (s *BoltStorage) MarkDispatched(ctx context.Context, id string, outcome Outcome) (bool, error) {
	if err := outcome.validate(); err != nil {
		return false, err
	}

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if m.Status != StatusPending {
			return nil
		}

		m.Status = outcome.Status
		m.RemoteID = outcome.RemoteID
		m.LastError = outcome.Error
		if err := s.resolve(tx, m); err != nil {
			return err
		}
		applied = true
		return nil
	})

	return applied, err
}

// Stats returns message statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			if msg, ok := decodeMessage(v); ok {
				stats.add(msg.Status, 1)
			}
			return nil
		})
	})

	return stats, err
}

// CleanupHistory removes resolved messages by age and enforces max count,
// dropping the oldest first
func (s *BoltStorage) CleanupHistory(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	if maxAge <= 0 && maxCount <= 0 {
		return 0, nil
	}

	deleted := 0
	cutoff := s.now().Add(-maxAge)

	err := s.db.Update(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketHistory)
		msgBucket := tx.Bucket(bucketMessages)

		total := history.Stats().KeyN
		var toDelete [][2][]byte

		c := history.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			expired := maxAge > 0 && parseTimestampFromKey(k).Before(cutoff)
			overflow := maxCount > 0 && total-len(toDelete) > maxCount
			if !expired && !overflow {
				break
			}
			toDelete = append(toDelete, [2][]byte{
				append([]byte{}, k...),
				append([]byte{}, v...),
			})
		}

		for _, item := range toDelete {
			if err := history.Delete(item[0]); err != nil {
				return err
			}
			if err := msgBucket.Delete(item[1]); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// resolve stamps a terminal message and moves it from the pending index to
// the history index
func (s *BoltStorage) resolve(tx *bolt.Tx, m *Message) error {
	resolved := s.now().UTC()
	m.ResolvedAt = &resolved

	if err := tx.Bucket(bucketPending).Delete(makeIndexKey(m.SendTime, m.ID)); err != nil {
		return fmt.Errorf("failed to remove from pending index: %w", err)
	}
	if err := tx.Bucket(bucketHistory).Put(makeIndexKey(resolved, m.ID), []byte(m.ID)); err != nil {
		return fmt.Errorf("failed to add to history index: %w", err)
	}
	return putMessage(tx, m)
}

func putMessage(tx *bolt.Tx, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := tx.Bucket(bucketMessages).Put([]byte(m.ID), data); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func getMessage(tx *bolt.Tx, id string) (*Message, error) {
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return nil, apperr.NotFound("message", id)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

func decodeMessage(data []byte) (*Message, bool) {
	if data == nil {
		return nil, false
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// makeIndexKey creates a sortable key: 8 byte big-endian unix nanos + id
func makeIndexKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	if len(key) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[:8])))
}
