package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type entityRow struct {
	EntityKind string    `gorm:"primaryKey;size:32"`
	EntityKey  string    `gorm:"primaryKey;size:255"`
	Status     string    `gorm:"index;size:32"`
	State      []byte    `gorm:"not null"`
	Version    int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (entityRow) TableName() string { return "entities" }

type signalRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	TargetKind  string    `gorm:"size:32;not null"`
	TargetKey   string    `gorm:"size:255;not null"`
	Op          string    `gorm:"size:32;not null"`
	Payload     []byte
	DueAt       time.Time `gorm:"index;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	LockedUntil *time.Time
	Deliveries  int
}

func (signalRow) TableName() string { return "signals" }

// Store is a repository.Store backed by GORM
type Store struct {
	db *gorm.DB
}

var _ repository.Store = (*Store)(nil)

// New wraps an open GORM connection and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&entityRow{}, &signalRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a SQLite database file, or ":memory:"
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

func (s *Store) LoadEntity(ctx context.Context, addr models.Address) (*models.EntityRecord, error) {
	var row entityRow
	err := s.db.WithContext(ctx).
		Where("entity_kind = ? AND entity_key = ?", string(addr.Kind), addr.Key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", addr, err)
	}
	return row.record(), nil
}

func (s *Store) LoadEntities(ctx context.Context, kind models.EntityKind, keys []string) ([]*models.EntityRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var rows []entityRow
	err := s.db.WithContext(ctx).
		Where("entity_kind = ? AND entity_key IN ?", string(kind), keys).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load %s entities: %w", kind, err)
	}

	records := make([]*models.EntityRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].record())
	}
	return records, nil
}

func (s *Store) CountByStatus(ctx context.Context, kind models.EntityKind) (map[string]int, error) {
	var results []struct {
		Status string
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&entityRow{}).
		Select("status, COUNT(*) AS count").
		Where("entity_kind = ?", string(kind)).
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", kind, err)
	}

	counts := make(map[string]int, len(results))
	for _, r := range results {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *Store) Enqueue(ctx context.Context, signals ...models.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	rows := signalRows(signals)
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.Signal, error) {
	now = now.UTC()
	until := now.Add(lease)

	var claimed []models.Signal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []signalRow
		err := tx.Where("due_at <= ? AND (locked_until IS NULL OR locked_until <= ?)", now, now).
			Order("due_at").
			Limit(limit).
			Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return err
		}

		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		err = tx.Model(&signalRow{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_until": until,
				"deliveries":   gorm.Expr("deliveries + 1"),
			}).Error
		if err != nil {
			return err
		}

		for _, row := range rows {
			row.LockedUntil = &until
			row.Deliveries++
			claimed = append(claimed, row.signal())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	return claimed, nil
}

func (s *Store) Release(ctx context.Context, signalID string, dueAt time.Time) error {
	return s.db.WithContext(ctx).Model(&signalRow{}).
		Where("id = ?", signalID).
		Updates(map[string]interface{}{
			"locked_until": nil,
			"due_at":       dueAt.UTC(),
		}).Error
}

func (s *Store) Commit(ctx context.Context, c repository.Commit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.Entity != nil {
			if err := saveEntity(tx, c.Entity); err != nil {
				return err
			}
		}
		if c.Consumed != "" {
			if err := tx.Delete(&signalRow{}, "id = ?", c.Consumed).Error; err != nil {
				return fmt.Errorf("consume signal %s: %w", c.Consumed, err)
			}
		}
		if len(c.Outbox) > 0 {
			rows := signalRows(c.Outbox)
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert outbox: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func saveEntity(tx *gorm.DB, rec *models.EntityRecord) error {
	updatedAt := rec.UpdatedAt.UTC()

	var res *gorm.DB
	if rec.Version == 0 {
		row := entityRow{
			EntityKind: string(rec.Kind),
			EntityKey:  rec.Key,
			Status:     rec.Status,
			State:      rec.State,
			Version:    1,
			CreatedAt:  updatedAt,
			UpdatedAt:  updatedAt,
		}
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	} else {
		res = tx.Model(&entityRow{}).
			Where("entity_kind = ? AND entity_key = ? AND version = ?", string(rec.Kind), rec.Key, rec.Version).
			Updates(map[string]interface{}{
				"status":     rec.Status,
				"state":      rec.State,
				"version":    gorm.Expr("version + 1"),
				"updated_at": updatedAt,
			})
	}
	if res.Error != nil {
		return fmt.Errorf("save %s/%s: %w", rec.Kind, rec.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrConflict
	}
	return nil
}

func signalRows(signals []models.Signal) []signalRow {
	rows := make([]signalRow, len(signals))
	for i, sig := range signals {
		rows[i] = signalRow{
			ID:         sig.ID,
			TargetKind: string(sig.To.Kind),
			TargetKey:  sig.To.Key,
			Op:         sig.Op,
			Payload:    sig.Payload,
			DueAt:      sig.DueAt.UTC(),
			CreatedAt:  sig.CreatedAt.UTC(),
		}
	}
	return rows
}

func (r *entityRow) record() *models.EntityRecord {
	return &models.EntityRecord{
		Kind:      models.EntityKind(r.EntityKind),
		Key:       r.EntityKey,
		Status:    r.Status,
		State:     r.State,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r *signalRow) signal() models.Signal {
	return models.Signal{
		ID:          r.ID,
		To:          models.Address{Kind: models.EntityKind(r.TargetKind), Key: r.TargetKey},
		Op:          r.Op,
		Payload:     r.Payload,
		DueAt:       r.DueAt,
		CreatedAt:   r.CreatedAt,
		LockedUntil: r.LockedUntil,
		Deliveries:  r.Deliveries,
	}
}
