package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"transcode-orchestrator/core/models"

	"github.com/lib/pq"
)

// EntityRepository handles database operations for entity documents
type EntityRepository struct {
	db *DB
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *DB) *EntityRepository {
	return &EntityRepository{db: db}
}

const entityColumns = `entity_kind, entity_key, status, state, version, created_at, updated_at`

// LoadEntity retrieves one entity by address
func (r *EntityRepository) LoadEntity(ctx context.Context, addr models.Address) (*models.EntityRecord, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_kind = $1 AND entity_key = $2`

	rec, err := scanEntity(r.db.QueryRowContext(ctx, query, addr.Kind, addr.Key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", addr, err)
	}
	return rec, nil
}

// LoadEntities retrieves every stored entity of kind among keys, in no particular order
func (r *EntityRepository) LoadEntities(ctx context.Context, kind models.EntityKind, keys []string) ([]*models.EntityRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_kind = $1 AND entity_key = ANY($2)`

	rows, err := r.db.QueryContext(ctx, query, kind, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("load %s entities: %w", kind, err)
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns how many entities of kind are in each status
func (r *EntityRepository) CountByStatus(ctx context.Context, kind models.EntityKind) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM entities WHERE entity_kind = $1 GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, kind)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", kind, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// saveTx inserts a new entity or updates it if the stored version still matches
func (r *EntityRepository) saveTx(ctx context.Context, tx *sql.Tx, rec *models.EntityRecord) error {
	var (
		res sql.Result
		err error
	)
	if rec.Version == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES ($1, $2, $3, $4, 1, $5, $5)
			ON CONFLICT (entity_kind, entity_key) DO NOTHING
		`, rec.Kind, rec.Key, rec.Status, jsonText(rec.State), rec.UpdatedAt)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE entities SET status = $1, state = $2, version = version + 1, updated_at = $3
			WHERE entity_kind = $4 AND entity_key = $5 AND version = $6
		`, rec.Status, jsonText(rec.State), rec.UpdatedAt, rec.Kind, rec.Key, rec.Version)
	}
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", rec.Kind, rec.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.EntityRecord, error) {
	var rec models.EntityRecord
	var kind string
	err := row.Scan(
		&kind,
		&rec.Key,
		&rec.Status,
		&rec.State,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = models.EntityKind(kind)
	return &rec, nil
}
