// Package lease provides a non-blocking, expiring, token-guarded mutual
// exclusion lease keyed by analysis key.
//
// A live lease for a key is held by at most one owner. Acquisition never
// blocks: contention is reported as types.ErrLeaseBusy. Release is a
// compare-and-delete on the owner's token, so an owner whose lease already
// expired and was re-acquired by someone else cannot release the new
// holder's lease.
package lease

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a crashed owner can block regeneration of a key.
const DefaultTTL = 90 * time.Minute

// Lease is the distributed lease contract.
type Lease interface {
	// Acquire returns a fresh owner token, or an error wrapping
	// types.ErrLeaseBusy if a live lease exists.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release deletes the lease only if token matches the current holder.
	// A mismatch or a missing lease is not an error.
	Release(ctx context.Context, key, token string) error
}
