// Package store provides persistence for review snapshots and read access to
// the editor's session documents.
package store

import (
	"context"

	"github.com/ashureev/codetutor/internal/domain"
)

// SnapshotStore persists code-review snapshots.
type SnapshotStore interface {
	// InsertSnapshot stores snap and returns its id. CreatedAt is set to now
	// when zero.
	InsertSnapshot(ctx context.Context, snap *domain.Snapshot) (string, error)

	// LastSnapshot returns the newest snapshot for a session, or nil.
	LastSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)

	// CountSnapshots returns how many snapshots a session has.
	CountSnapshots(ctx context.Context, sessionID string) (int, error)

	// ListSnapshots returns up to limit snapshots, oldest first.
	ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*domain.Snapshot, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// DocumentStore reads session documents written by the editor backend.
type DocumentStore interface {
	// FindSession returns the document for a session id, or nil when absent.
	FindSession(ctx context.Context, sessionID string) (*domain.SessionDocument, error)

	// Close releases the underlying connection.
	Close() error
}

// DefaultListLimit caps ListSnapshots when the caller passes no limit.
const DefaultListLimit = 500
