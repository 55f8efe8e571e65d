package guard

import (
	"context"
	"time"
)

// Store holds the guard's mutable state: claimed call ids and fixed-window
// rate counters. Implementations must make ClaimCall an atomic
// insert-if-absent so concurrent duplicates race to exactly one winner.
type Store interface {
	// ClaimCall records (installationID, callID) as used. It returns true
	// if this call made the claim, false if the pair was already present.
	// The claim expires after the replay window.
	ClaimCall(ctx context.Context, installationID, callID string, window time.Duration) (bool, error)

	// IncrementWindow bumps the counter for the fixed rate window starting
	// at windowStart (unix seconds) and returns the post-increment value.
	IncrementWindow(ctx context.Context, installationID string, windowStart, windowSeconds int64) (int64, error)
}
