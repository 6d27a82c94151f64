package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves and classifies the content published at one key.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) Outcome
}

// Extractor turns fetched content into a record. It returns ErrNoIdentifier
// when the content lacks the record's own identifying attribute.
type Extractor interface {
	Extract(body []byte, key Key) (Record, error)
}

// ObjectStore is a path-addressed blob store with atomic whole-object writes.
type ObjectStore interface {
	// Get returns the object and an opaque version, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, string, error)
	// Put overwrites the object unconditionally.
	Put(ctx context.Context, path string, data []byte) error
	// PutIf overwrites the object only while its version still equals version.
	// An empty version requires that the object does not exist yet.
	// A stale version fails with ErrVersionMismatch.
	PutIf(ctx context.Context, path string, data []byte, version string) error
}

// Merger reconciles a batch of records into the canonical dataset.
type Merger interface {
	Merge(ctx context.Context, batch []Record) (MergeResult, error)
}

// CheckpointStore persists the per-lane resume point.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns nil, nil when the lane has no checkpoint.
	Load(ctx context.Context, lane string) (*Checkpoint, error)
}

// Publisher pushes run-completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter spaces out requests to the remote endpoint.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Pauser blocks for a delay or until the context ends.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
