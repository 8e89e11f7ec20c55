// Package blackboard implements the per-session, per-tenant shared state
// store (spec section 4.2): a key/value mapping, an immutable artifact set,
// and a small set of boolean signals (e.g. "abort"), all under a single TTL
// that any write refreshes.
package blackboard

import (
	"context"
	"errors"
)

// ErrArtifactNotFound is returned by ReadArtifact when artifactID is not a
// member of the session's artifact set (never written, or garbage collected
// after TTL expiry).
var ErrArtifactNotFound = errors.New("blackboard: artifact not found")

// Blackboard is the per-session shared state contract (spec section 4.2).
// Implementations must extend the session's TTL on every write to
// max(currentTTL, sessionDefault); reads never affect TTL.
type Blackboard interface {
	// Get returns the value stored under key for sessionID, and whether it
	// was present.
	Get(ctx context.Context, sessionID, key string) (string, bool, error)

	// Set stores value under key for sessionID and refreshes the session TTL.
	Set(ctx context.Context, sessionID, key, value string) error

	// WriteArtifact records artifactID as a member of sessionID's artifact
	// set with the given immutable content, and refreshes the session TTL.
	// Writing an artifactID that already exists is a caller error surfaced
	// by the Idempotency Guard, not by Blackboard itself: Blackboard allows
	// overwrite so retried node invocations can safely re-run this step.
	WriteArtifact(ctx context.Context, sessionID, artifactID string, data []byte) error

	// ListArtifacts returns the current artifact identifiers for sessionID,
	// in no particular order.
	ListArtifacts(ctx context.Context, sessionID string) ([]string, error)

	// ReadArtifact returns the immutable content written for artifactID.
	// Returns ErrArtifactNotFound if artifactID is not in the session's
	// artifact set.
	ReadArtifact(ctx context.Context, sessionID, artifactID string) ([]byte, error)

	// SetSignal sets a named boolean signal (e.g. "abort") for sessionID and
	// refreshes the session TTL.
	SetSignal(ctx context.Context, sessionID, name string, value bool) error

	// GetSignal returns the current value of a named signal, defaulting to
	// false if never set.
	GetSignal(ctx context.Context, sessionID, name string) (bool, error)
}
