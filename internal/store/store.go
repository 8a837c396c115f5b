// Package store persists transaction records with a TTL. Records are
// keyed by the 3DS Server transaction id and carry a secondary lookup
// handle, the ACS transaction id, for challenge-time resolution.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record is absent or its TTL elapsed.
// An expired record is indistinguishable from one that never existed.
var ErrNotFound = errors.New("transaction not found")

// Store is the transaction store contract. Values are opaque JSON;
// every write applies the configured TTL, reads never refresh it.
type Store interface {
	// Insert binds the record under its server transaction id. Writing
	// under an existing key overwrites the value and refreshes the TTL.
	Insert(ctx context.Context, serverTransID, acsTransID uuid.UUID, value []byte) error

	// Get returns the live record or ErrNotFound.
	Get(ctx context.Context, serverTransID uuid.UUID) ([]byte, error)

	// Update rewrites an existing live record and refreshes its TTL.
	// Returns ErrNotFound when the key is absent or expired.
	Update(ctx context.Context, serverTransID uuid.UUID, value []byte) error

	// Delete removes the record. Deleting an absent key is not an error.
	Delete(ctx context.Context, serverTransID uuid.UUID) error

	// FindByACSTransID resolves the secondary handle to the server
	// transaction id and its record, or ErrNotFound.
	FindByACSTransID(ctx context.Context, acsTransID uuid.UUID) (uuid.UUID, []byte, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

const (
	maxRetries = 3
	retryDelay = 100 * time.Millisecond
)

// withRetry runs op up to maxRetries times with linear back-off.
// ErrNotFound and context cancellation are terminal; everything else
// is treated as a transient backend error.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt < maxRetries {
			select {
			case <-time.After(retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
