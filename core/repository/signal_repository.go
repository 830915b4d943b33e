package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transcode-orchestrator/core/models"
)

// SignalRepository handles database operations for the signal outbox
type SignalRepository struct {
	db *DB
}

// NewSignalRepository creates a new signal repository
func NewSignalRepository(db *DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// Enqueue stores signals outside of any turn, e.g. from the HTTP API
func (r *SignalRepository) Enqueue(ctx context.Context, signals ...models.Signal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sig := range signals {
		if err := r.insertTx(ctx, tx, sig); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClaimDue leases due signals. Rows locked by another claimer are skipped.
func (r *SignalRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.Signal, error) {
	query := `
		UPDATE signals SET locked_until = $2, deliveries = deliveries + 1
		WHERE id IN (
			SELECT id FROM signals
			WHERE due_at <= $1 AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY due_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target_kind, target_key, op, payload, due_at, created_at, locked_until, deliveries
	`

	rows, err := r.db.QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		var sig models.Signal
		var kind string
		var payload []byte
		var lockedUntil sql.NullTime
		err := rows.Scan(
			&sig.ID,
			&kind,
			&sig.To.Key,
			&sig.Op,
			&payload,
			&sig.DueAt,
			&sig.CreatedAt,
			&lockedUntil,
			&sig.Deliveries,
		)
		if err != nil {
			return nil, err
		}
		sig.To.Kind = models.EntityKind(kind)
		sig.Payload = payload
		if lockedUntil.Valid {
			sig.LockedUntil = &lockedUntil.Time
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// Release makes a claimed signal available again at dueAt
func (r *SignalRepository) Release(ctx context.Context, signalID string, dueAt time.Time) error {
	query := `UPDATE signals SET locked_until = NULL, due_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, signalID, dueAt)
	return err
}

func (r *SignalRepository) insertTx(ctx context.Context, tx *sql.Tx, sig models.Signal) error {
	query := `
		INSERT INTO signals (id, target_kind, target_key, op, payload, due_at, created_at, deliveries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
	`
	_, err := tx.ExecContext(ctx, query,
		sig.ID,
		sig.To.Kind,
		sig.To.Key,
		sig.Op,
		jsonText(sig.Payload),
		sig.DueAt,
		sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signal %s for %s: %w", sig.Op, sig.To, err)
	}
	return nil
}

func (r *SignalRepository) deleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE id = $1`, id)
	return err
}
