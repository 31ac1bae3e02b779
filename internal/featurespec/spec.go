// Package featurespec holds the canonical feature-set specification and the
// pure functions over it: normalization, validation, compilation to an offline
// view query, source-table extraction and window parsing.
package featurespec

import "strings"

// Spec is the canonical form of a feature-set definition.
type Spec struct {
	Name            string         `json:"name"`
	Version         int            `json:"version,omitempty"`
	Description     string         `json:"description,omitempty"`
	Source          string         `json:"source"`
	Joins           []Join         `json:"joins,omitempty"`
	Filter          string         `json:"filter,omitempty"`
	Features        []Feature      `json:"features"`
	Events          []EventFilter  `json:"events,omitempty"`
	TTLSeconds      int            `json:"ttl_seconds,omitempty"`
	ValidationRules map[string]any `json:"validation_rules,omitempty"`
}

// Join is an additional relation joined into the offline view.
type Join struct {
	Table string `json:"table"`
	Type  string `json:"type,omitempty"`
	On    string `json:"on"`
}

// EventFilter restricts which stream events an online feature set reacts to.
type EventFilter struct {
	Type   string `json:"type,omitempty"`
	Source string `json:"source,omitempty"`
}

// Feature is one derived value of a feature set.
type Feature struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	Column         string   `json:"column,omitempty"`
	Columns        []string `json:"columns,omitempty"`
	Source         string   `json:"source,omitempty"`
	Aggregation    string   `json:"aggregation,omitempty"`
	Window         string   `json:"window,omitempty"`
	Expression     string   `json:"expression,omitempty"`
	Transformation string   `json:"transformation,omitempty"`
}

const (
	TypeDirect      = "direct"
	TypeAggregation = "aggregation"
	TypeExpression  = "expression"
)

// Matches reports whether an event with the given type and source passes the
// filter. Empty filter fields match anything.
func (f EventFilter) Matches(eventType, eventSource string) bool {
	if f.Type != "" && !strings.EqualFold(f.Type, eventType) {
		return false
	}
	if f.Source != "" && !strings.EqualFold(f.Source, eventSource) {
		return false
	}
	return true
}

// AppliesTo reports whether the spec reacts to an event. A spec without
// declared filters applies to every event.
func (s Spec) AppliesTo(eventType, eventSource string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, filter := range s.Events {
		if filter.Matches(eventType, eventSource) {
			return true
		}
	}
	return false
}

// HasAggregation reports whether any feature aggregates.
func (s Spec) HasAggregation() bool {
	for _, f := range s.Features {
		if _, ok := f.Definition().(Aggregation); ok {
			return true
		}
	}
	return false
}

// UpstreamTable is the table a feature reads from for lineage purposes.
func (f Feature) UpstreamTable(spec Spec) string {
	if f.Source != "" {
		return f.Source
	}
	return spec.Source
}

// UpstreamColumns lists the columns a feature reads for lineage purposes.
func (f Feature) UpstreamColumns() []string {
	if len(f.Columns) > 0 {
		return append([]string(nil), f.Columns...)
	}
	if f.Column == "" {
		return []string{}
	}
	return []string{f.Column}
}

// TransformationType names the transformation recorded in lineage.
func (f Feature) TransformationType() string {
	if f.Aggregation != "" {
		return f.Aggregation
	}
	if f.Transformation != "" {
		return f.Transformation
	}
	return TypeDirect
}
