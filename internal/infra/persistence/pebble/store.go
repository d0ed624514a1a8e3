// Package pebble persists registry snapshots in an embedded Pebble database.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"

	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/domain/trackingstore"
)

// keys: o:<client order id>
var orderPrefix = []byte("o:")

func orderKey(clientOrderID string) []byte {
	return append(append([]byte{}, orderPrefix...), clientOrderID...)
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Store implements trackingstore.Store on a Pebble database directory.
type Store struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// Open opens (or creates) the database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Save atomically replaces the stored orders with snapshot.
func (s *Store) Save(ctx context.Context, snapshot trackingstore.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return trackingstore.ErrClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(orderPrefix, keyUpperBound(orderPrefix), nil); err != nil {
		return fmt.Errorf("clear tracked orders: %w", err)
	}
	for id, order := range snapshot {
		order.ClientOrderID = id
		data, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("encode order %s: %w", id, err)
		}
		if err := batch.Set(orderKey(id), data, nil); err != nil {
			return fmt.Errorf("stage order %s: %w", id, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit tracked orders: %w", err)
	}
	return nil
}

// Load returns every stored order.
func (s *Store) Load(ctx context.Context) (trackingstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, trackingstore.ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: orderPrefix,
		UpperBound: keyUpperBound(orderPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tracked orders: %w", err)
	}
	snapshot := make(trackingstore.Snapshot)
	for iter.First(); iter.Valid(); iter.Next() {
		var order schema.InFlightOrder
		if err := json.Unmarshal(iter.Value(), &order); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("decode order %s: %w", bytes.TrimPrefix(iter.Key(), orderPrefix), err)
		}
		snapshot[order.ClientOrderID] = order
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("iterate tracked orders: %w", err)
	}
	return snapshot, nil
}

// Close flushes and closes the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil && !errors.Is(err, pebble.ErrClosed) {
		return err
	}
	return nil
}

var _ trackingstore.Store = (*Store)(nil)
