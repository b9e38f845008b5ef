//go:build !wasm
// +build !wasm

// Package gorm stores the token pair in any database GORM supports
// (SQLite for a single machine, PostgreSQL or MySQL when the credential is
// shared by a service).
//
// # Database Schema
//
// The package auto-migrates one table:
//   - credential_entries: one row per token, keyed by "access_token" and "refresh_token"
//
// # Usage
//
//	db, _ := gorm.Open(sqlite.Open("finctl.db"), &gorm.Config{})
//	store, _ := gormstore.New(db)
//	c, _ := client.New(baseURL, store)
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/client"
)

// CredentialEntryModel is the GORM model for one stored token
type CredentialEntryModel struct {
	Key       string    `gorm:"primaryKey;size:32"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (CredentialEntryModel) TableName() string {
	return "credential_entries"
}

// AutoMigrate creates or updates the credential_entries table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CredentialEntryModel{})
}

var _ client.CredentialStore = (*Store)(nil)

// "key" is reserved in some dialects, so the column goes through the clause
// builder to get quoted.
var tokenKeys = clause.IN{
	Column: clause.Column{Name: "key"},
	Values: []any{tk.KeyAccessToken, tk.KeyRefreshToken},
}

// Store implements client.CredentialStore using GORM
type Store struct {
	db *gorm.DB
}

// New migrates the schema and returns a store on db.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate credential table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context) (*tk.Credential, error) {
	var rows []CredentialEntryModel
	err := s.db.WithContext(ctx).
		Where(tokenKeys).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var cred tk.Credential
	for _, row := range rows {
		switch row.Key {
		case tk.KeyAccessToken:
			cred.AccessToken = row.Value
		case tk.KeyRefreshToken:
			cred.RefreshToken = row.Value
		}
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *Store) Set(ctx context.Context, cred tk.Credential) error {
	rows := []CredentialEntryModel{
		{Key: tk.KeyAccessToken, Value: cred.AccessToken},
		{Key: tk.KeyRefreshToken, Value: cred.RefreshToken},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where(tokenKeys).
		Delete(&CredentialEntryModel{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}
