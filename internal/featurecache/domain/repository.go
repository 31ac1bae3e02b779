package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Upsert replaces the whole row stored under the entry's key.
	Upsert(ctx context.Context, db *gorm.DB, entry *CacheEntry) error
	FindLive(ctx context.Context, db *gorm.DB, key Key, now time.Time) (*CacheEntry, error)
	Touch(ctx context.Context, db *gorm.DB, key Key, now time.Time) error
	Delete(ctx context.Context, db *gorm.DB, key Key) error
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)
}

// FastTier is the volatile key-value tier in front of the durable entries.
type FastTier interface {
	Get(ctx context.Context, key Key) (*Entry, bool, error)
	Set(ctx context.Context, key Key, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
}
