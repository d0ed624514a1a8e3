// Package trackingstore defines persistence contracts for in-flight order snapshots.
package trackingstore

import (
	"context"
	"errors"

	"github.com/coachpo/orderlink/internal/domain/schema"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("trackingstore: closed")

// Snapshot maps client order ids to the tracked order attributes.
type Snapshot map[string]schema.InFlightOrder

// Store persists registry snapshots so tracking can resume after a restart.
type Store interface {
	// Save replaces the stored snapshot with snapshot.
	Save(ctx context.Context, snapshot Snapshot) error
	// Load returns the last saved snapshot, or an empty snapshot when none exists.
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}
