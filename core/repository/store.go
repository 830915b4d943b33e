package repository

import (
	"context"
	"errors"
	"time"

	"transcode-orchestrator/core/models"
)

var (
	// ErrNotFound is returned when an entity has never been stored
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when a commit lost a race on the entity version
	ErrConflict = errors.New("entity version conflict")
)

// Store persists entities and the signal outbox
type Store interface {
	LoadEntity(ctx context.Context, addr models.Address) (*models.EntityRecord, error)
	LoadEntities(ctx context.Context, kind models.EntityKind, keys []string) ([]*models.EntityRecord, error)
	CountByStatus(ctx context.Context, kind models.EntityKind) (map[string]int, error)

	// Enqueue stores signals for later delivery
	Enqueue(ctx context.Context, signals ...models.Signal) error
	// ClaimDue leases up to limit signals whose due time has passed and which are not leased
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.Signal, error)
	// Release drops the lease on a signal and makes it due again at dueAt
	Release(ctx context.Context, signalID string, dueAt time.Time) error
	// Commit applies the result of one turn atomically
	Commit(ctx context.Context, c Commit) error

	Ping(ctx context.Context) error
	Close() error
}

// Commit is everything one turn wrote.
// Entity is nil when the turn did not change state. Entity.Version holds the
// version that was loaded (0 for a new entity); the stored version becomes Version+1.
type Commit struct {
	Entity   *models.EntityRecord
	Consumed string
	Outbox   []models.Signal
}
