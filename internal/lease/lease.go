// Package lease provides cross-process single-flight for asset jobs. The
// scheduler's in-memory arena already guarantees one job per asset inside a
// process; a Leaser extends that guarantee to replicas sharing a catalog.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld is returned by Acquire when another owner holds the key.
	ErrHeld = errors.New("lease held by another owner")
	// ErrLost is returned by Refresh when the lease expired or was taken over.
	ErrLost = errors.New("lease lost")
)

// Leaser hands out exclusive, expiring leases keyed by asset id.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is an acquired claim. Release is idempotent.
type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Noop grants every request. It is the default when no shared lease backend
// is configured.
type Noop struct{}

func (Noop) Acquire(_ context.Context, key string, _ time.Duration) (Lease, error) {
	return noopLease(key), nil
}

type noopLease string

func (l noopLease) Key() string { return string(l) }
func (noopLease) Refresh(context.Context, time.Duration) error { return nil }
func (noopLease) Release(context.Context) error { return nil }
