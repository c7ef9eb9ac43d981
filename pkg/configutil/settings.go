// Package configutil decodes and validates the free-form settings
// maps that configure transport and STT providers.
package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings fills out from a settings map. Keys match fields
// case-insensitively and ignoring underscores and hyphens, and scalar
// values are coerced (e.g. "8000" into an int), so YAML, JSON and
// environment-expanded strings all decode the same way. An empty map
// leaves out untouched.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return foldKey(mapKey) == foldKey(fieldName)
		},
	})
	if err != nil {
		return fmt.Errorf("settings decoder: %w", err)
	}
	return decoder.Decode(input)
}

// RequireString rejects empty required config values, naming the
// config path in the error.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// foldKey normalizes a settings key for matching: lower-case, with
// underscore and hyphen separators removed.
func foldKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case '_', '-':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
