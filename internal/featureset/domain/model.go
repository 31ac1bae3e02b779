package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/featurespec"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// FeatureSet is one immutable version of a named feature definition. Only
// Status and QualityScore change after insert.
type FeatureSet struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID string       `gorm:"column:tenant_id;type:text;not null;uniqueIndex:ux_feature_sets_tenant_name_version,priority:1"`
	Name     string       `gorm:"type:text;not null;uniqueIndex:ux_feature_sets_tenant_name_version,priority:2"`
	Version  int          `gorm:"not null;uniqueIndex:ux_feature_sets_tenant_name_version,priority:3"`

	Description     *string                     `gorm:"type:text"`
	Spec            datatypes.JSON              `gorm:"type:jsonb;not null"`
	Owner           string                      `gorm:"type:text;not null;default:''"`
	Status          Status                      `gorm:"type:text;not null;default:'draft'"`
	ParentVersionID *snowflake.ID               `gorm:"column:parent_version_id"`
	SourceTables    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	ValidationRules datatypes.JSONMap           `gorm:"type:jsonb"`
	QualityScore    *float64

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FeatureSet) TableName() string { return "feature_sets" }

// DecodeSpec returns the stored canonical spec.
func (f FeatureSet) DecodeSpec() (featurespec.Spec, error) {
	var spec featurespec.Spec
	if len(f.Spec) == 0 {
		return spec, nil
	}
	err := json.Unmarshal(f.Spec, &spec)
	return spec, err
}

// Lineage maps upstream columns to one downstream feature.
type Lineage struct {
	ID                 snowflake.ID                `gorm:"primaryKey"`
	TenantID           string                      `gorm:"column:tenant_id;type:text;not null;index:ix_feature_set_lineage_set,priority:1"`
	FeatureSetID       snowflake.ID                `gorm:"column:feature_set_id;not null;index:ix_feature_set_lineage_set,priority:2"`
	UpstreamTable      string                      `gorm:"type:text;not null"`
	UpstreamColumns    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	DownstreamFeature  string                      `gorm:"type:text;not null"`
	TransformationType string                      `gorm:"type:text;not null"`
	TransformationSpec datatypes.JSONMap           `gorm:"type:jsonb"`
	CreatedAt          time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Lineage) TableName() string { return "feature_set_lineage" }
