package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PassRecord is one satellite pass in the history database
type PassRecord struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Satellite    string     `gorm:"index:idx_pass_satellite" json:"satellite"`
	AOS          time.Time  `gorm:"index:idx_pass_aos" json:"aos"`
	LOS          *time.Time `json:"los,omitempty"`
	NorthToSouth bool       `json:"north_to_south"`
	Rows         int        `json:"rows"`
	ChannelA     string     `json:"channel_a,omitempty"`
	ChannelB     string     `json:"channel_b,omitempty"`
	Files        []string   `gorm:"serializer:json" json:"files,omitempty"`
	Recording    string     `json:"recording,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// PassStore keeps pass history in SQLite
type PassStore struct {
	db *gorm.DB
}

// OpenPassStore opens or creates the database at path
func OpenPassStore(path string) (*PassStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if err := db.AutoMigrate(&PassRecord{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &PassStore{db: db}, nil
}

// Open records the start of a pass and returns its id
func (ps *PassStore) Open(satellite string, aos time.Time, northToSouth bool) (string, error) {
	if ps == nil {
		return "", nil
	}
	rec := PassRecord{
		ID:           uuid.NewString(),
		Satellite:    satellite,
		AOS:          aos.UTC(),
		NorthToSouth: northToSouth,
	}
	if err := ps.db.Create(&rec).Error; err != nil {
		return "", fmt.Errorf("creating pass: %w", err)
	}
	return rec.ID, nil
}

// PassResult is what is known about a pass when it ends
type PassResult struct {
	LOS       time.Time
	Rows      int
	ChannelA  string
	ChannelB  string
	Files     []string
	Recording string
}

// Finish completes the pass with id
func (ps *PassStore) Finish(id string, r PassResult) error {
	if ps == nil || id == "" {
		return nil
	}
	var rec PassRecord
	if err := ps.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("pass %s not found", id)
		}
		return fmt.Errorf("querying pass: %w", err)
	}
	los := r.LOS.UTC()
	rec.LOS = &los
	rec.Rows = r.Rows
	rec.ChannelA = r.ChannelA
	rec.ChannelB = r.ChannelB
	rec.Files = r.Files
	rec.Recording = r.Recording
	if err := ps.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("updating pass: %w", err)
	}
	return nil
}

// Get returns the pass with id
func (ps *PassStore) Get(id string) (*PassRecord, error) {
	if ps == nil {
		return nil, errors.New("pass history disabled")
	}
	var rec PassRecord
	if err := ps.db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent returns up to limit passes, newest first, optionally for one satellite
func (ps *PassStore) Recent(limit int, satellite string) ([]PassRecord, error) {
	if ps == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	q := ps.db.Order("aos desc").Limit(limit)
	if satellite != "" {
		q = q.Where("satellite = ?", satellite)
	}
	var recs []PassRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing passes: %w", err)
	}
	return recs, nil
}

// Close closes the database
func (ps *PassStore) Close() error {
	if ps == nil {
		return nil
	}
	sqlDB, err := ps.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
