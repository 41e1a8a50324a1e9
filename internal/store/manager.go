// Package store provides durable relational persistence for messages and
// conversations, with the indices the history/dedupe/outbox queries need.
package store

import (
	"context"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/pkg/database/sql"
	"gorm.io/gorm"
)

// Manager adapts a relational sql.SQL adapter into the broader database.DB
// shape (Get/GetShard/GetDocument/GetKV/GetVector/Close), so it can be
// wrapped by database.NewInstrumentedManager, which logs shard-resolution failures and Close.
// This module owns no document/kv/vector store, so those three return nil.
type Manager struct {
	sql sql.SQL
}

func NewManager(s sql.SQL) *Manager {
	return &Manager{sql: s}
}

func (m *Manager) Get(ctx context.Context) *gorm.DB { return m.sql.Get(ctx) }

func (m *Manager) GetShard(ctx context.Context, key string) (*gorm.DB, error) {
	return m.sql.GetShard(ctx, key)
}

func (m *Manager) GetDocument(ctx context.Context) interface{} { return nil }
func (m *Manager) GetKV(ctx context.Context) interface{}       { return nil }
func (m *Manager) GetVector(ctx context.Context) interface{}   { return nil }

func (m *Manager) Close() error { return m.sql.Close() }

// AutoMigrate creates/updates the schema for every entity this module owns.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(
		&model.Message{},
		&model.Conversation{},
		&model.Group{},
		&model.GroupMember{},
		&model.Friendship{},
	)
}
