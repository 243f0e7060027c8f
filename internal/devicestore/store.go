// Package devicestore keeps a persistent history of every device that
// has ever paired with this host. Live sessions and pairing tokens are
// deliberately not persisted; this is host-side UX ("devices you have
// paired before"), not an auth database.
package devicestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/deskbridge/deskbridge/internal/registry"
)

// Device is one remembered companion device.
type Device struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Platform    string    `gorm:"not null" json:"platform"`
	LastIP      string    `json:"last_ip"`
	PairCount   int       `gorm:"not null;default:0" json:"pair_count"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	FirstSeenAt time.Time `gorm:"autoCreateTime" json:"first_seen_at"`
}

type Store struct {
	db *gorm.DB
}

// Open creates the database file (and parent directory) if needed and
// migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Device{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordPairing upserts the device row for a successful authentication.
// Satisfies proxy.DeviceRecorder.
func (s *Store) RecordPairing(device registry.ClientDevice) error {
	now := time.Now()

	var existing Device
	err := s.db.First(&existing, "id = ?", device.ID).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"name":         device.Name,
			"platform":     device.Platform,
			"last_ip":      device.RemoteIP,
			"pair_count":   existing.PairCount + 1,
			"last_seen_at": now,
		}
		if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("update device %s: %w", device.ID, err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := Device{
			ID:         device.ID,
			Name:       device.Name,
			Platform:   device.Platform,
			LastIP:     device.RemoteIP,
			PairCount:  1,
			LastSeenAt: now,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("create device %s: %w", device.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("lookup device %s: %w", device.ID, err)
	}
}

// List returns all remembered devices, most recently seen first.
func (s *Store) List() ([]Device, error) {
	var devices []Device
	if err := s.db.Order("last_seen_at DESC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Get returns a device by id, or nil if unknown.
func (s *Store) Get(id string) (*Device, error) {
	var device Device
	err := s.db.First(&device, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &device, nil
}

// Delete forgets a device. Idempotent.
func (s *Store) Delete(id string) error {
	if err := s.db.Delete(&Device{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

// Prune removes devices not seen within the retention window and
// reports how many rows went away.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.Delete(&Device{}, "last_seen_at < ?", cutoff)
	if res.Error != nil {
		return 0, fmt.Errorf("prune devices: %w", res.Error)
	}
	return res.RowsAffected, nil
}
