package stream

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/errs"
	"github.com/smallbiznis/featurestore/internal/featurespec"
)

// eventSeries is the history column used by count without a column.
const eventSeries = "_events"

var errUnknownAggregation = errors.New("unknown aggregation function")

// Computer derives online feature vectors from single events.
type Computer struct {
	history History
	clock   clock.Clock
}

func NewComputer(history History, clk clock.Clock) *Computer {
	if clk == nil {
		clk = clock.New()
	}
	return &Computer{history: history, clock: clk}
}

// ComputeOnlineFeatures returns the entity and vector an event yields for one
// feature set. ok is false when the event names no entity. Null values are
// left out of the vector.
func (c *Computer) ComputeOnlineFeatures(ctx context.Context, tenantID, messageID string, event Event, set OnlineSet) (string, map[string]any, bool, error) {
	entityID, ok := event.EntityID()
	if !ok {
		return "", nil, false, nil
	}

	now := c.clock.Now()
	vector := make(map[string]any, len(set.Spec.Features))
	for _, feature := range set.Spec.Features {
		value, present, err := c.compute(ctx, tenantID, entityID, messageID, event, feature.Definition(), now)
		if err != nil {
			return "", nil, false, errs.Compute(set.Name, feature.Name, err)
		}
		if present {
			vector[feature.Name] = value
		}
	}
	return entityID, vector, true, nil
}

func (c *Computer) compute(ctx context.Context, tenantID, entityID, messageID string, event Event, definition featurespec.Definition, now time.Time) (any, bool, error) {
	switch def := definition.(type) {
	case featurespec.Direct:
		value, ok := event[def.Column]
		if !ok || value == nil {
			return nil, false, nil
		}
		return plain(value), true, nil

	case featurespec.Aggregation:
		if def.Func == "" {
			return nil, false, errUnknownAggregation
		}
		key := HistoryKey{TenantID: tenantID, EntityID: entityID, Column: seriesName(def.Func, def.Column)}
		sample, ok, err := sampleOf(event, def.Func, def.Column, messageID, now)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if err := c.history.Record(ctx, key, sample); err != nil {
				return nil, false, errs.Store("record history", err)
			}
		}
		values, err := c.history.Range(ctx, key, now.Add(-featurespec.ParseWindow(def.Window)), now)
		if err != nil {
			return nil, false, errs.Store("read history", err)
		}
		result, ok := Aggregate(def.Func, values)
		if !ok {
			return nil, false, nil
		}
		return result, true, nil

	case featurespec.Expression:
		value, ok, err := EvaluateExpression(def.Expr, event)
		if err != nil || !ok {
			return nil, false, err
		}
		return plain(value), true, nil
	}
	return nil, false, nil
}

func seriesName(fn featurespec.AggFunc, column string) string {
	if column == "" || column == "*" {
		return eventSeries
	}
	if fn == featurespec.AggCount {
		// presence samples must not mix with the column's values
		return column + "#present"
	}
	return column
}

// sampleOf turns the event's value of column into a history sample. Count
// records presence like SQL COUNT(col), so any non-null type counts. An
// absent or null value records nothing.
func sampleOf(event Event, fn featurespec.AggFunc, column, messageID string, now time.Time) (Sample, bool, error) {
	if column == "" || column == "*" {
		return Sample{ID: messageID, At: now, Value: 1}, true, nil
	}
	value, ok := event[column]
	if !ok || value == nil {
		return Sample{}, false, nil
	}
	if fn == featurespec.AggCount {
		return Sample{ID: messageID, At: now, Value: 1}, true, nil
	}
	f, ok := toFloat(value)
	if !ok {
		return Sample{}, false, &nonNumericError{field: column}
	}
	return Sample{ID: messageID, At: now, Value: f}, true, nil
}

// Aggregate applies fn to values. count, sum and avg of nothing are 0; max,
// min and stddev of nothing are null (ok false). stddev is the population
// standard deviation.
func Aggregate(fn featurespec.AggFunc, values []float64) (float64, bool) {
	switch fn {
	case featurespec.AggCount:
		return float64(len(values)), true
	case featurespec.AggSum:
		return sum(values), true
	case featurespec.AggAvg:
		if len(values) == 0 {
			return 0, true
		}
		return sum(values) / float64(len(values)), true
	case featurespec.AggMax, featurespec.AggMin:
		if len(values) == 0 {
			return 0, false
		}
		out := values[0]
		for _, v := range values[1:] {
			if (fn == featurespec.AggMax && v > out) || (fn == featurespec.AggMin && v < out) {
				out = v
			}
		}
		return out, true
	case featurespec.AggStddev:
		if len(values) == 0 {
			return 0, false
		}
		mean := sum(values) / float64(len(values))
		var sq float64
		for _, v := range values {
			sq += (v - mean) * (v - mean)
		}
		return math.Sqrt(sq / float64(len(values))), true
	}
	return 0, false
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// plain converts decoder numbers into float64 or int64 for storage.
func plain(value any) any {
	n, ok := value.(json.Number)
	if !ok {
		return value
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
