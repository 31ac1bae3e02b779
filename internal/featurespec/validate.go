package featurespec

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/featurestore/internal/errs"
)

// Validate reports the first structural problem in the spec as a SpecError.
func Validate(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return errs.Spec("name", "is required")
	}
	if strings.TrimSpace(spec.Source) == "" {
		return errs.Spec("source", "is required")
	}
	if len(spec.Features) == 0 {
		return errs.Spec("features", "must not be empty")
	}
	if spec.TTLSeconds < 0 {
		return errs.Spec("ttl_seconds", "must not be negative")
	}

	seen := make(map[string]struct{}, len(spec.Features))
	for i, feature := range spec.Features {
		field := fmt.Sprintf("features[%d]", i)
		name := strings.TrimSpace(feature.Name)
		if name == "" {
			return errs.Spec(field+".name", "is required")
		}
		if strings.TrimSpace(feature.Type) == "" {
			return errs.Spec(field+".type", "is required")
		}
		if _, dup := seen[name]; dup {
			return errs.Spec(field+".name", "duplicate feature "+name)
		}
		seen[name] = struct{}{}

		switch def := feature.Definition().(type) {
		case Aggregation:
			if def.Func == "" {
				if strings.TrimSpace(feature.Aggregation) == "" {
					return errs.Spec(field+".aggregation", "is required")
				}
				return errs.Spec(field+".aggregation", "unsupported function "+feature.Aggregation)
			}
			if def.Window == "" {
				return errs.Spec(field+".window", "is required for aggregation")
			}
		case Expression:
			if def.Expr == "" {
				return errs.Spec(field+".expression", "is required")
			}
		}
	}

	for i, join := range spec.Joins {
		if strings.TrimSpace(join.Table) == "" {
			return errs.Spec(fmt.Sprintf("joins[%d].table", i), "is required")
		}
		if strings.TrimSpace(join.On) == "" {
			return errs.Spec(fmt.Sprintf("joins[%d].on", i), "is required")
		}
	}
	return nil
}
