package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema names the keys a provider's settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks a settings map against a schema before any
// decode happens, so a typo in a config file fails startup with the
// offending key named instead of silently configuring a default. Key
// matching follows the same folding rules as DecodeSettings.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[foldKey(k)] = k
	}
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for k := range required {
		allowed[k] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[foldKey(k)] = struct{}{}
	}

	var missing, unknown []string
	for key, value := range input {
		folded := foldKey(key)
		if _, ok := allowed[folded]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, key)
		}
		if name, ok := required[folded]; ok {
			if blank(value) {
				missing = append(missing, name)
			}
			delete(required, folded)
		}
	}
	for _, name := range required {
		missing = append(missing, name)
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
