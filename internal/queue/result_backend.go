package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/geosafe/internal/models"
)

// ResultBackend stores per-task state with a retention window. Records past
// the window are evicted by Badger and read back as PENDING.
type ResultBackend struct {
	db      *badger.DB
	expires time.Duration
}

// NewResultBackend creates a backend; expires <= 0 keeps results forever
func NewResultBackend(db *badger.DB, expires time.Duration) *ResultBackend {
	return &ResultBackend{db: db, expires: expires}
}

// Store writes the task meta, restarting its retention window
func (rb *ResultBackend) Store(meta *models.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal task meta: %w", err)
	}
	return rb.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(rb.entry(metaKey(meta.ID), data))
	})
}

// Meta reads the task meta. Unknown or evicted tasks are PENDING, or REVOKED
// when a revocation is on record.
func (rb *ResultBackend) Meta(id string) (*models.TaskMeta, error) {
	meta := &models.TaskMeta{ID: id, State: models.TaskPending}
	if id == "" {
		return meta, nil
	}

	err := rb.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			if _, err := txn.Get(revokedKey(id)); err == nil {
				meta.State = models.TaskRevoked
				return nil
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, meta)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read task meta %s: %w", id, err)
	}
	return meta, nil
}

// MarkRevoked records a revocation for the task id
func (rb *ResultBackend) MarkRevoked(id string) error {
	return rb.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(rb.entry(revokedKey(id), []byte{1}))
	})
}

// IsRevoked reports whether a revocation is on record
func (rb *ResultBackend) IsRevoked(id string) (bool, error) {
	revoked := false
	err := rb.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(revokedKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		revoked = true
		return nil
	})
	return revoked, err
}

// Forget drops everything known about a task, as eviction would
func (rb *ResultBackend) Forget(id string) error {
	return rb.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(metaKey(id)); err != nil {
			return err
		}
		return txn.Delete(revokedKey(id))
	})
}

func (rb *ResultBackend) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if rb.expires > 0 {
		e = e.WithTTL(rb.expires)
	}
	return e
}

func metaKey(id string) []byte {
	return []byte("result:meta:" + id)
}

func revokedKey(id string) []byte {
	return []byte("result:revoked:" + id)
}
