package featurespec

import "strings"

// Definition is the closed set of feature kinds: Direct, Aggregation or
// Expression. Consumers switch on the concrete type.
type Definition interface {
	kind() string
}

// Direct reads a column (offline) or event field (online) as-is.
type Direct struct {
	Column string
}

// Aggregation applies Func over Column within Window.
type Aggregation struct {
	Func   AggFunc
	Window string
	Column string
}

// Expression evaluates a restricted arithmetic expression.
type Expression struct {
	Expr string
}

func (Direct) kind() string      { return TypeDirect }
func (Aggregation) kind() string { return TypeAggregation }
func (Expression) kind() string  { return TypeExpression }

// Kind returns the lineage/type label of a definition.
func Kind(d Definition) string {
	if d == nil {
		return ""
	}
	return d.kind()
}

// AggFunc is a supported aggregation function.
type AggFunc string

const (
	AggCount  AggFunc = "count"
	AggSum    AggFunc = "sum"
	AggAvg    AggFunc = "avg"
	AggMax    AggFunc = "max"
	AggMin    AggFunc = "min"
	AggStddev AggFunc = "stddev"
)

var sqlAggregates = map[AggFunc]string{
	AggCount:  "COUNT",
	AggSum:    "SUM",
	AggAvg:    "AVG",
	AggMax:    "MAX",
	AggMin:    "MIN",
	AggStddev: "STDDEV_POP",
}

// SQL returns the SQL aggregate function name.
func (fn AggFunc) SQL() string {
	return sqlAggregates[fn]
}

// ParseAggFunc normalizes an aggregation name.
func ParseAggFunc(value string) (AggFunc, bool) {
	fn := AggFunc(strings.ToLower(strings.TrimSpace(value)))
	_, ok := sqlAggregates[fn]
	return fn, ok
}

// Definition resolves the feature's kind. A set aggregation wins over an
// expression, which wins over a plain column, whatever Type declares.
func (f Feature) Definition() Definition {
	kind := strings.ToLower(strings.TrimSpace(f.Type))
	switch {
	case strings.TrimSpace(f.Aggregation) != "" || kind == TypeAggregation:
		fn, ok := ParseAggFunc(f.Aggregation)
		if !ok {
			fn = ""
		}
		column := f.column()
		if fn == AggCount && strings.TrimSpace(f.Column) == "" && len(f.Columns) == 0 {
			column = "*"
		}
		return Aggregation{Func: fn, Window: strings.TrimSpace(f.Window), Column: column}
	case strings.TrimSpace(f.Expression) != "" || kind == TypeExpression:
		return Expression{Expr: strings.TrimSpace(f.Expression)}
	default:
		return Direct{Column: f.column()}
	}
}

func (f Feature) column() string {
	if c := strings.TrimSpace(f.Column); c != "" {
		return c
	}
	if len(f.Columns) > 0 {
		return strings.TrimSpace(f.Columns[0])
	}
	return strings.TrimSpace(f.Name)
}
