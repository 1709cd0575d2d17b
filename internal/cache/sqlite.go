// Package cache keeps the last successful inventory per host and query in a
// local SQLite database so repeated ansible runs do not reconnect every time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/inventory"
)

// Key identifies one cached inventory. Two runs share a cache entry only when
// every field matches.
type Key struct {
	Host             string
	Port             int
	NamePattern      string
	InterfacePattern string
	Source           string
	User             string
}

func (k Key) String() string {
	return strings.Join([]string{
		k.Host, strconv.Itoa(k.Port), k.NamePattern, k.InterfacePattern, k.Source, k.User,
	}, "\x1f")
}

// Snapshot is one stored inventory.
type Snapshot struct {
	CacheKey string `gorm:"primaryKey"`
	Host     string `gorm:"index"`
	RunID    string
	StoredAt time.Time  `gorm:"index"`
	VMs      []CachedVM `gorm:"foreignKey:SnapshotKey;references:CacheKey"`
}

// CachedVM is one record of a Snapshot.
type CachedVM struct {
	ID          uint   `gorm:"primaryKey"`
	SnapshotKey string `gorm:"index"`
	Position    int
	Name        string
	Address     string
	User        string
}

// Store persists inventory snapshots via SQLite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the SQLite database at dbPath.
// ":memory:" gives a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection keeps ":memory:" databases visible to every query.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Snapshot{}, &CachedVM{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the cached records for key when an entry younger than ttl
// exists. A ttl of zero or less accepts any age.
func (s *Store) Get(ctx context.Context, key Key, ttl time.Duration) ([]inventory.VMRecord, bool, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).
		Preload("VMs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("cache_key = ?", key.String()).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached inventory: %w", err)
	}
	if ttl > 0 && s.now().Sub(snap.StoredAt) > ttl {
		return nil, false, nil
	}

	records := make([]inventory.VMRecord, 0, len(snap.VMs))
	for _, vm := range snap.VMs {
		records = append(records, inventory.VMRecord{Name: vm.Name, Address: vm.Address, User: vm.User})
	}
	return records, true, nil
}

// Put replaces the entry for key with records.
func (s *Store) Put(ctx context.Context, key Key, runID string, records []inventory.VMRecord) error {
	snap := Snapshot{
		CacheKey: key.String(),
		Host:     key.Host,
		RunID:    runID,
		StoredAt: s.now(),
		VMs:      make([]CachedVM, 0, len(records)),
	}
	for i, r := range records {
		snap.VMs = append(snap.VMs, CachedVM{Position: i, Name: r.Name, Address: r.Address, User: r.User})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteKey(tx, snap.CacheKey); err != nil {
			return err
		}
		if err := tx.Create(&snap).Error; err != nil {
			return fmt.Errorf("store inventory: %w", err)
		}
		return nil
	})
}

// Invalidate drops the entry for key, if any.
func (s *Store) Invalidate(ctx context.Context, key Key) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteKey(tx, key.String())
	})
}

// Prune removes every entry stored more than maxAge ago and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	var keys []string
	err := s.db.WithContext(ctx).Model(&Snapshot{}).
		Where("stored_at < ?", cutoff).
		Pluck("cache_key", &keys).Error
	if err != nil {
		return 0, fmt.Errorf("find expired inventories: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("snapshot_key IN ?", keys).Delete(&CachedVM{}).Error; err != nil {
			return err
		}
		return tx.Where("cache_key IN ?", keys).Delete(&Snapshot{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("prune inventories: %w", err)
	}
	return len(keys), nil
}

func deleteKey(tx *gorm.DB, key string) error {
	if err := tx.Where("snapshot_key = ?", key).Delete(&CachedVM{}).Error; err != nil {
		return fmt.Errorf("delete cached vms: %w", err)
	}
	if err := tx.Where("cache_key = ?", key).Delete(&Snapshot{}).Error; err != nil {
		return fmt.Errorf("delete cached inventory: %w", err)
	}
	return nil
}
