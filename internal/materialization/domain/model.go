package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/featurespec"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
	ModeBoth    Mode = "both"
)

// Offline reports whether the mode maintains a durable view.
func (m Mode) Offline() bool { return m == ModeOffline || m == ModeBoth }

// Online reports whether the mode feeds the stream processor.
func (m Mode) Online() bool { return m == ModeOnline || m == ModeBoth }

func (m Mode) Valid() bool {
	switch m {
	case ModeOffline, ModeOnline, ModeBoth:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	RefreshMaterialized = "materialized"
	RefreshView         = "view"
)

// Materialization is the job record of an offline view or an online feed.
type Materialization struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	TenantID       string       `gorm:"column:tenant_id;type:text;not null;index:ix_materializations_tenant_set,priority:1"`
	FeatureSetID   snowflake.ID `gorm:"column:feature_set_id;not null;index:ix_materializations_tenant_set,priority:2"`
	Mode           Mode         `gorm:"type:text;not null"`
	Schedule       *string      `gorm:"type:text"`
	Status         Status       `gorm:"type:text;not null;index"`
	LastRunAt      *time.Time
	LastDurationMs *int64
	RowsProcessed  int64     `gorm:"not null;default:0"`
	RowsFailed     int64     `gorm:"not null;default:0"`
	ErrorMessage   *string   `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Materialization) TableName() string { return "materializations" }

// ScheduleInterval returns the refresh interval, or zero when unscheduled.
func (m Materialization) ScheduleInterval() time.Duration {
	if m.Schedule == nil {
		return 0
	}
	return ParseSchedule(*m.Schedule)
}

// DueAt returns when the next scheduled refresh is due.
func (m Materialization) DueAt() (time.Time, bool) {
	interval := m.ScheduleInterval()
	if interval <= 0 {
		return time.Time{}, false
	}
	if m.LastRunAt == nil {
		return m.CreatedAt, true
	}
	return m.LastRunAt.Add(interval), true
}

// FeatureView is the metadata of the physical view backing an offline
// materialization. ViewName is the tenant-facing name; PhysicalName is the
// database object.
type FeatureView struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	TenantID          string       `gorm:"column:tenant_id;type:text;not null;uniqueIndex:ux_feature_views_tenant_name,priority:1"`
	ViewName          string       `gorm:"type:text;not null;uniqueIndex:ux_feature_views_tenant_name,priority:2"`
	PhysicalName      string       `gorm:"column:physical_name;type:text;not null;uniqueIndex:ux_feature_views_physical_name"`
	FeatureSetID      snowflake.ID `gorm:"column:feature_set_id;not null;index"`
	MaterializationID snowflake.ID `gorm:"column:materialization_id;not null"`
	ViewSQL           string       `gorm:"column:view_sql;type:text;not null"`
	RefreshMethod     string       `gorm:"type:text;not null"`
	LastRefreshedAt   *time.Time
	SizeBytes         int64     `gorm:"not null;default:0"`
	RowCount          int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FeatureView) TableName() string { return "feature_views" }

// OfflineResult is returned by a successful offline materialization.
type OfflineResult struct {
	ViewName          string
	MaterializationID snowflake.ID
}

// ParseSchedule parses an interval schedule such as "15m" or "1d". Invalid
// schedules yield zero.
func ParseSchedule(value string) time.Duration {
	d, ok := featurespec.ParseInterval(value)
	if !ok {
		return 0
	}
	return d
}
