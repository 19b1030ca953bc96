package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var eventsBucket = []byte("events")

// boltEvent is the JSON document stored per key.
type boltEvent struct {
	ID        uint64    `json:"id"`
	Payload   string    `json:"payload"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// BoltStore is the key-value Store backend. Keys are the event id rendered as
// a zero-padded decimal string so bbolt's byte order equals numeric order and
// iteration is always oldest-first.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// NewBoltStore opens (or creates) the database file at path.
// Call Create before using the store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("eventstore: failed to open bolt db: %w", err)
	}
	return &BoltStore{db: db, logger: logger.Named("eventstore")}, nil
}

func boltKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// Create ensures the events bucket exists and resets any event left in
// processing by a previous run back to pending.
func (s *BoltStore) Create(ctx context.Context) error {
	recovered := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return fmt.Errorf("eventstore: create bucket: %w", err)
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev boltEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("eventstore: corrupt record %q: %w", k, err)
			}
			if ev.Status != string(StatusProcessing) {
				continue
			}
			ev.Status = string(StatusPending)
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("eventstore: marshal record: %w", err)
			}
			if err := b.Put(k, data); err != nil {
				return fmt.Errorf("eventstore: recover record: %w", err)
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Info("recovered in-flight events from previous run",
			zap.Int("count", recovered),
		)
	}
	return nil
}

// Insert records a new pending event.
func (s *BoltStore) Insert(ctx context.Context, id uint64, payload, eventType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		key := boltKey(id)
		if b.Get(key) != nil {
			return ErrDuplicateID
		}
		data, err := json.Marshal(boltEvent{
			ID:        id,
			Payload:   payload,
			Type:      eventType,
			Status:    string(StatusPending),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("eventstore: marshal record: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("eventstore: insert: %w", err)
		}
		return nil
	})
}

// PendingCount returns the number of pending events.
func (s *BoltStore) PendingCount(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, v []byte) error {
			var ev boltEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("eventstore: corrupt record: %w", err)
			}
			if ev.Status == string(StatusPending) {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FetchAndMarkPending selects up to limit oldest pending events and moves them
// to processing. bbolt's single read-write transaction makes the select+update
// pair atomic against concurrent callers.
func (s *BoltStore) FetchAndMarkPending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	var out []Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()

		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var ev boltEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("eventstore: corrupt record %q: %w", k, err)
			}
			if ev.Status != string(StatusPending) {
				continue
			}

			ev.Status = string(StatusProcessing)
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("eventstore: marshal record: %w", err)
			}
			if err := b.Put(k, data); err != nil {
				return fmt.Errorf("eventstore: mark processing: %w", err)
			}

			out = append(out, Event{
				ID:        ev.ID,
				Payload:   ev.Payload,
				Type:      ev.Type,
				Status:    StatusProcessing,
				CreatedAt: ev.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus transitions the listed processing events to status. Ids that
// are unknown or not in processing are ignored.
func (s *BoltStore) UpdateStatus(ctx context.Context, ids []uint64, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		for _, id := range ids {
			key := boltKey(id)
			v := b.Get(key)
			if v == nil {
				s.logger.Debug("update status skipped unknown id", zap.Uint64("id", id))
				continue
			}
			var ev boltEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("eventstore: corrupt record %q: %w", key, err)
			}
			if ev.Status != string(StatusProcessing) {
				s.logger.Debug("update status skipped non-processing event",
					zap.Uint64("id", id),
					zap.String("status", ev.Status),
				)
				continue
			}
			ev.Status = string(status)
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("eventstore: marshal record: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return fmt.Errorf("eventstore: update status: %w", err)
			}
		}
		return nil
	})
}

// DeleteByStatus removes all events with the given status.
func (s *BoltStore) DeleteByStatus(ctx context.Context, status Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()

		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev boltEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("eventstore: corrupt record %q: %w", k, err)
			}
			if ev.Status == string(status) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("eventstore: delete: %w", err)
			}
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
