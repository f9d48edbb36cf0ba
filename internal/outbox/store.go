// ABOUTME: Durable storage contract for the client outbox
// ABOUTME: Entries and small metadata values that must survive a restart

package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("not found")

// Entry is an unacknowledged message. It is removed only by an ack carrying
// its IdempotencyKey.
type Entry struct {
	IdempotencyKey string
	Content        string
	PageURL        string
	CreatedAt      time.Time
	Attempts       int
	LastError      string
}

// Store is a durable key-value store with read-your-writes across restarts.
type Store interface {
	// Put inserts a new entry.
	Put(ctx context.Context, e Entry) error
	// Update stores Attempts and LastError of an existing entry. It is a
	// no-op when the entry has already been removed.
	Update(ctx context.Context, e Entry) error
	Get(ctx context.Context, key string) (Entry, error)
	// Delete removes key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every entry in the order it was first stored.
	List(ctx context.Context) ([]Entry, error)

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}
