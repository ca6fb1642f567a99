package job

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Patch when the record does not exist.
var ErrNotFound = errors.New("job record not found")

// ErrConflict is returned when concurrent writers kept invalidating a patch.
var ErrConflict = errors.New("job record update conflict")

// maxPatchAttempts bounds the optimistic read-merge-write loop.
const maxPatchAttempts = 8

// Store persists and retrieves job records.
type Store interface {
	// Create inserts r unless a record with the same ID exists. It reports whether
	// a new row was written; an existing row is left untouched.
	Create(ctx context.Context, r *Record) (bool, error)
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, id string) (*Record, error)
	// FindByProviderJobID looks a record up by the provider's job handle.
	FindByProviderJobID(ctx context.Context, provider Provider, providerJobID string) (*Record, error)
	// Patch merges p into the stored record (see Merge) and returns the stored result.
	Patch(ctx context.Context, id string, p Patch) (*Record, bool, error)
	// List returns a page of records ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Close() error
}

// patchTime stamps updates at the precision both backends store (TIMESTAMPTZ keeps
// microseconds), so a patched record equals what a later Get returns.
func patchTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
