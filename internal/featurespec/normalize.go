package featurespec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/featurestore/internal/errs"
	"gopkg.in/yaml.v3"
)

// Normalize converts any accepted spec representation into a Spec.
// Accepted inputs: Spec, *Spec, map[string]any, or JSON/YAML as []byte or string.
func Normalize(input any) (Spec, error) {
	switch v := input.(type) {
	case nil:
		return Spec{}, errs.Spec("spec", "is required")
	case Spec:
		return v, nil
	case *Spec:
		if v == nil {
			return Spec{}, errs.Spec("spec", "is required")
		}
		return *v, nil
	case map[string]any:
		return fromDocument(v)
	case []byte:
		return parseDocument(v)
	case string:
		return parseDocument([]byte(v))
	case json.RawMessage:
		return parseDocument(v)
	default:
		return Spec{}, errs.Spec("spec", fmt.Sprintf("unsupported input type %T", input))
	}
}

// parseDocument decodes YAML, which is a superset of JSON.
func parseDocument(raw []byte) (Spec, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return Spec{}, errs.Spec("spec", "is empty")
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Spec{}, errs.Spec("spec", "invalid document: "+err.Error())
	}
	if doc == nil {
		return Spec{}, errs.Spec("spec", "must be a mapping")
	}
	return fromDocument(doc)
}

func fromDocument(doc map[string]any) (Spec, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return Spec{}, errs.Spec("spec", "invalid document: "+err.Error())
	}
	var spec Spec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return Spec{}, errs.Spec("spec", "invalid document: "+err.Error())
	}
	return spec, nil
}

// Document renders the spec as a generic map for JSON storage.
func (s Spec) Document() (map[string]any, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
