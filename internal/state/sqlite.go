// Package state persists VM records to SQLite so the host can recover
// inventory after a restart and the janitor can find expired VMs.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// VMRecord is the persisted view of a microVM. It mirrors the in-memory
// instance closely enough to rebuild inventory and drive TTL cleanup.
type VMRecord struct {
	ID         string `gorm:"primaryKey"`
	Image      string
	State      string
	PID        int
	TAPDevice  string
	VMIP       string
	TaskID     string
	MemoryMB   int
	VCPUs      int
	TTLSeconds int // 0 means use the janitor's default TTL
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// TableName keeps the table name stable regardless of gorm's pluralizer.
func (VMRecord) TableName() string { return "vms" }

// Store wraps the SQLite database holding VM records.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral store in tests.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}

	if err := db.AutoMigrate(&VMRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateVM inserts a new VM record.
func (s *Store) CreateVM(ctx context.Context, rec *VMRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create vm record %s: %w", rec.ID, err)
	}
	return nil
}

// GetVM returns the record for id, excluding soft-deleted rows.
func (s *Store) GetVM(ctx context.Context, id string) (*VMRecord, error) {
	var rec VMRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("get vm record %s: %w", id, err)
	}
	return &rec, nil
}

// ListVMs returns all live (not soft-deleted) VM records.
func (s *Store) ListVMs(ctx context.Context) ([]*VMRecord, error) {
	var recs []*VMRecord
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list vm records: %w", err)
	}
	return recs, nil
}

// UpdateVM saves all fields of the record.
func (s *Store) UpdateVM(ctx context.Context, rec *VMRecord) error {
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("update vm record %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteVM soft-deletes the record: the row stays for audit, marked
// stopped with a deletion timestamp, and drops out of normal queries.
func (s *Store) DeleteVM(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&VMRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":      "stopped",
			"deleted_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("delete vm record %s: %w", id, err)
	}
	return nil
}

// ListExpiredVMs returns live records whose age exceeds their TTL. A
// record with TTLSeconds == 0 uses defaultTTL instead. TTL comparison
// happens in Go; the VM population per host is small.
func (s *Store) ListExpiredVMs(ctx context.Context, defaultTTL time.Duration) ([]*VMRecord, error) {
	var recs []*VMRecord
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL AND state != ?", "stopped").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list expired vm records: %w", err)
	}

	now := time.Now().UTC()
	expired := recs[:0]
	for _, rec := range recs {
		ttl := defaultTTL
		if rec.TTLSeconds > 0 {
			ttl = time.Duration(rec.TTLSeconds) * time.Second
		}
		if now.Sub(rec.CreatedAt) > ttl {
			expired = append(expired, rec)
		}
	}
	return expired, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
