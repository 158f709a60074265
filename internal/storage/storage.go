package storage

import (
	"context"
	"time"
)

// SandboxStatus represents the lifecycle state of a recorded sandbox.
type SandboxStatus string

const (
	StatusLive      SandboxStatus = "live"
	StatusDestroyed SandboxStatus = "destroyed"
)

// SandboxRecord is the ledger entry for one sandbox the server created.
type SandboxRecord struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"client_id"`
	Runtime     string        `json:"runtime"`
	Mode        string        `json:"mode"`
	Status      SandboxStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	DestroyedAt time.Time     `json:"destroyed_at,omitzero"`
}

// ListOptions controls filtering and pagination for ListSandboxes.
type ListOptions struct {
	ClientID string
	Status   SandboxStatus
	Limit    int
	Offset   int
}

// Ledger is the durable record of sandboxes, used to find and reap
// sandboxes left behind by a crashed server.
type Ledger interface {
	// RecordSandbox inserts a live sandbox. The ID field must be set by the caller.
	RecordSandbox(ctx context.Context, rec *SandboxRecord) error

	// MarkDestroyed flags a sandbox as destroyed. Unknown or already destroyed ids are not an error.
	MarkDestroyed(ctx context.Context, id string) error

	// GetSandbox returns a record by ID or ID prefix.
	GetSandbox(ctx context.Context, id string) (*SandboxRecord, error)

	// ListSandboxes returns records ordered by created_at descending, then id.
	ListSandboxes(ctx context.Context, opts ListOptions) ([]SandboxRecord, error)

	// Prune deletes destroyed records older than the cutoff and returns how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
