package repository

import (
	"context"
	"fmt"
	"time"

	"transcode-orchestrator/core/models"
)

// PostgresStore implements Store on top of the entity and signal repositories
type PostgresStore struct {
	db       *DB
	entities *EntityRepository
	signals  *SignalRepository
}

// NewPostgresStore creates a store sharing one connection pool
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		db:       db,
		entities: NewEntityRepository(db),
		signals:  NewSignalRepository(db),
	}
}

func (s *PostgresStore) LoadEntity(ctx context.Context, addr models.Address) (*models.EntityRecord, error) {
	return s.entities.LoadEntity(ctx, addr)
}

func (s *PostgresStore) LoadEntities(ctx context.Context, kind models.EntityKind, keys []string) ([]*models.EntityRecord, error) {
	return s.entities.LoadEntities(ctx, kind, keys)
}

func (s *PostgresStore) CountByStatus(ctx context.Context, kind models.EntityKind) (map[string]int, error) {
	return s.entities.CountByStatus(ctx, kind)
}

func (s *PostgresStore) Enqueue(ctx context.Context, signals ...models.Signal) error {
	return s.signals.Enqueue(ctx, signals...)
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.Signal, error) {
	return s.signals.ClaimDue(ctx, now, limit, lease)
}

func (s *PostgresStore) Release(ctx context.Context, signalID string, dueAt time.Time) error {
	return s.signals.Release(ctx, signalID, dueAt)
}

// Commit writes the entity, removes the consumed signal and stores the outbox in one transaction
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if c.Entity != nil {
		if err := s.entities.saveTx(ctx, tx, c.Entity); err != nil {
			return err
		}
	}
	if c.Consumed != "" {
		if err := s.signals.deleteTx(ctx, tx, c.Consumed); err != nil {
			return fmt.Errorf("consume signal %s: %w", c.Consumed, err)
		}
	}
	for _, sig := range c.Outbox {
		if err := s.signals.insertTx(ctx, tx, sig); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
