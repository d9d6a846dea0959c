// ABOUTME: bbolt-backed box for webhook events whose attempts were exhausted
// ABOUTME: Letters are keyed by time-ordered ids so listing returns oldest first

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ErrLetterNotFound is returned when a dead letter id is unknown.
var ErrLetterNotFound = errors.New("dead letter not found")

var lettersBucket = []byte("dead_letters")

// Letter is one undeliverable event.
type Letter struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Event     Event     `json:"event"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterBox stores letters in a bbolt file.
type DeadLetterBox struct {
	db *bolt.DB
}

// OpenDeadLetterBox opens (or creates) the box at path.
func OpenDeadLetterBox(path string) (*DeadLetterBox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating dead letter directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening dead letter box: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lettersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dead letter bucket: %w", err)
	}
	return &DeadLetterBox{db: db}, nil
}

// Put stores a letter, assigning its id and failure time when unset.
func (b *DeadLetterBox) Put(letter Letter) error {
	if letter.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating letter id: %w", err)
		}
		letter.ID = id.String()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encoding letter: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lettersBucket).Put([]byte(letter.ID), data)
	})
}

// Get returns one letter by id.
func (b *DeadLetterBox) Get(id string) (Letter, error) {
	var letter Letter
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(lettersBucket).Get([]byte(id))
		if data == nil {
			return ErrLetterNotFound
		}
		return json.Unmarshal(data, &letter)
	})
	return letter, err
}

// List returns up to limit letters for a tenant, oldest first.
// An empty tenantID lists every tenant; limit <= 0 means no limit.
func (b *DeadLetterBox) List(tenantID string, limit int) ([]Letter, error) {
	var letters []Letter
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(lettersBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var letter Letter
			if err := json.Unmarshal(v, &letter); err != nil {
				return fmt.Errorf("decoding letter %s: %w", k, err)
			}
			if tenantID != "" && letter.TenantID != tenantID {
				continue
			}
			letters = append(letters, letter)
			if limit > 0 && len(letters) >= limit {
				return nil
			}
		}
		return nil
	})
	return letters, err
}

// Delete removes a letter. Returns ErrLetterNotFound for unknown ids.
func (b *DeadLetterBox) Delete(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(lettersBucket)
		if bucket.Get([]byte(id)) == nil {
			return ErrLetterNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

// Count returns the number of stored letters.
func (b *DeadLetterBox) Count() int {
	var n int
	_ = b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(lettersBucket).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the underlying bbolt file.
func (b *DeadLetterBox) Close() error {
	return b.db.Close()
}
