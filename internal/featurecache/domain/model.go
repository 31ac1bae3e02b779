package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DefaultTTL applies when neither the feature set nor config sets one.
const DefaultTTL = time.Hour

// CacheEntry is the durable copy of one entity's feature vector.
type CacheEntry struct {
	TenantID       string            `gorm:"column:tenant_id;type:text;primaryKey"`
	FeatureSetID   snowflake.ID      `gorm:"column:feature_set_id;primaryKey;autoIncrement:false"`
	EntityID       string            `gorm:"column:entity_id;type:text;primaryKey"`
	FeatureVector  datatypes.JSONMap `gorm:"type:jsonb;not null"`
	ComputedAt     time.Time         `gorm:"not null"`
	ExpiresAt      time.Time         `gorm:"not null;index"`
	FeatureVersion int               `gorm:"not null"`
	HitCount       int64             `gorm:"not null;default:0"`
	LastAccessedAt *time.Time
}

func (CacheEntry) TableName() string { return "feature_cache_entries" }

// Live reports whether the entry may be served at now.
func (e CacheEntry) Live(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// Key identifies one cached vector.
type Key struct {
	TenantID     string
	FeatureSetID snowflake.ID
	EntityID     string
}

func (k Key) String() string {
	return fmt.Sprintf("fs:cache:%s:%s:%s", k.TenantID, k.FeatureSetID, k.EntityID)
}

// Entry is what the fast tier stores under a Key.
type Entry struct {
	Features       map[string]any `json:"features"`
	ComputedAt     time.Time      `json:"computed_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	FeatureVersion int            `json:"feature_version"`
}

// Vector is the answer to a feature vector read.
type Vector struct {
	FeatureSetID snowflake.ID
	Version      int
	Features     map[string]any
	ComputedAt   time.Time
	CacheHit     bool
	// Missing is set when the entity has no row in the offline view.
	Missing bool
}

// WriteRequest is a computed vector written through the cache.
type WriteRequest struct {
	Key            Key
	Features       map[string]any
	FeatureVersion int
	TTL            time.Duration
}

// NormalizeFeatures round-trips a vector through JSON so every tier serves the
// same value types: numbers as float64, timestamps as strings.
func NormalizeFeatures(features map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(features) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(features)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
