// Package mysql persists the session directory (SPEC_FULL.md ambient item
// 11) so SessionId allocation survives a gateway restart: the dense id the
// registry hands out on first logon is the directory row's own
// auto-increment id, recovered by (CompositeKey hash, host profile) on
// every later LookupOrCreate.
package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"gorm.io/gorm"
)

// Directory is the gorm-backed CompositeKey → SessionId directory.
type Directory struct {
	db *gorm.DB
}

// NewDirectory wraps db for session directory lookups.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// AutoMigrate creates or updates the session_directory table.
func (d *Directory) AutoMigrate() error {
	return d.db.AutoMigrate(&SessionDirectoryModel{})
}

// AllocateOrLookup returns the existing SessionId for (key, hostProfile) or
// creates a new directory row and returns its id, matching
// registry.Registry's LookupOrCreate newID contract.
func (d *Directory) AllocateOrLookup(ctx context.Context, key compositekey.CompositeKey, hostProfile, protocol, role string) (uint64, error) {
	hash, err := compositekey.Hash(key)
	if err != nil {
		return 0, fmt.Errorf("mysql: hash composite key: %w", err)
	}

	var model SessionDirectoryModel
	err = d.db.WithContext(ctx).Where("key_hash = ? AND host_profile = ?", hash, hostProfile).First(&model).Error
	if err == nil {
		return uint64(model.ID), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("mysql: lookup session directory: %w", err)
	}

	model = SessionDirectoryModel{
		KeyHash:      hash,
		HostProfile:  hostProfile,
		SenderCompID: string(key.SenderCompID),
		TargetCompID: string(key.TargetCompID),
		Protocol:     protocol,
		Role:         role,
	}
	if err := d.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, fmt.Errorf("mysql: create session directory entry: %w", err)
	}
	return uint64(model.ID), nil
}

// List returns every directory entry, for the admin surface's directory
// endpoint.
func (d *Directory) List(ctx context.Context) ([]SessionDirectoryModel, error) {
	var models []SessionDirectoryModel
	if err := d.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("mysql: list session directory: %w", err)
	}
	return models, nil
}
