package featurespec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// maxIdentifierLen is the Postgres identifier limit.
const maxIdentifierLen = 63

// Compile turns a valid spec into its view name and SELECT query. The output
// depends only on the spec, so equal specs always compile identically.
func Compile(spec Spec) (string, string, error) {
	if err := Validate(spec); err != nil {
		return "", "", err
	}
	return ViewName(spec), buildQuery(spec), nil
}

// ViewName returns features_{name}_v{version} with the name reduced to
// lowercase identifier characters.
func ViewName(spec Spec) string {
	version := spec.Version
	if version < 1 {
		version = 1
	}
	return fmt.Sprintf("features_%s_v%d", sanitizeIdentifier(spec.Name), version)
}

// PhysicalViewName names the database object backing a tenant's view. The
// hash covers the tenant and the unsanitized name, so names that sanitize
// alike or repeat across tenants never share an object.
func PhysicalViewName(tenantID string, spec Spec) string {
	version := spec.Version
	if version < 1 {
		version = 1
	}
	sum := sha256.Sum256([]byte(tenantID + "\x00" + spec.Name + "\x00" + strconv.Itoa(version)))
	name := "fv_" + hex.EncodeToString(sum[:6]) + "_" + ViewName(spec)
	if len(name) > maxIdentifierLen {
		name = name[:maxIdentifierLen]
	}
	return name
}

func buildQuery(spec Spec) string {
	columns := []string{"tenant_id", "entity_id"}
	grouped := false
	for _, feature := range spec.Features {
		name := strings.TrimSpace(feature.Name)
		switch def := feature.Definition().(type) {
		case Aggregation:
			grouped = true
			columns = append(columns, fmt.Sprintf("%s(%s) AS %s", def.Func.SQL(), def.Column, name))
		case Expression:
			columns = append(columns, fmt.Sprintf("%s AS %s", def.Expr, name))
		case Direct:
			columns = append(columns, fmt.Sprintf("%s AS %s", def.Column, name))
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(strings.TrimSpace(spec.Source))
	for _, join := range spec.Joins {
		joinType := strings.ToUpper(strings.TrimSpace(join.Type))
		if joinType == "" {
			joinType = "LEFT"
		}
		fmt.Fprintf(&b, " %s JOIN %s ON %s", joinType, strings.TrimSpace(join.Table), strings.TrimSpace(join.On))
	}
	if filter := strings.TrimSpace(spec.Filter); filter != "" {
		b.WriteString(" WHERE ")
		b.WriteString(filter)
	}
	if grouped {
		b.WriteString(" GROUP BY tenant_id, entity_id")
	}
	return b.String()
}

func sanitizeIdentifier(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExtractSourceTables returns spec.source, feature sources and join tables,
// deduplicated in first-seen order.
func ExtractSourceTables(spec Spec) []string {
	tables := make([]string, 0, 1+len(spec.Joins))
	seen := make(map[string]struct{})
	add := func(table string) {
		table = strings.TrimSpace(table)
		if table == "" {
			return
		}
		if _, ok := seen[table]; ok {
			return
		}
		seen[table] = struct{}{}
		tables = append(tables, table)
	}

	add(spec.Source)
	for _, feature := range spec.Features {
		add(feature.Source)
	}
	for _, join := range spec.Joins {
		add(join.Table)
	}
	return tables
}
