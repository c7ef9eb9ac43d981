package configutil

import (
	"strings"
	"testing"
)

type sttSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	SampleRate int    `mapstructure:"sample_rate"`
	Interim    bool   `mapstructure:"interim_results"`
}

func TestDecodeSettings(t *testing.T) {
	input := map[string]any{
		"api_key":         "dg-key",
		"model":           "nova-3",
		"sample_rate":     "8000", // weakly typed
		"interim_results": true,
	}
	var out sttSettings
	if err := DecodeSettings(input, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "dg-key" || out.Model != "nova-3" {
		t.Fatalf("unexpected decode: %+v", out)
	}
	if out.SampleRate != 8000 {
		t.Fatalf("sample_rate = %d, want 8000", out.SampleRate)
	}
	if !out.Interim {
		t.Fatal("interim_results not decoded")
	}
}

func TestDecodeSettingsKeyNormalization(t *testing.T) {
	input := map[string]any{"API-Key": "k", "SampleRate": 16000}
	var out sttSettings
	if err := DecodeSettings(input, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "k" || out.SampleRate != 16000 {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestDecodeSettingsEmptyInputIsNoop(t *testing.T) {
	out := sttSettings{Model: "keep"}
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Model != "keep" {
		t.Fatalf("empty input mutated output: %+v", out)
	}
}

func TestValidateSettings(t *testing.T) {
	schema := Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "sample_rate"},
	}
	if err := ValidateSettings(map[string]any{"api_key": "k", "model": "m"}, schema); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	err := ValidateSettings(map[string]any{"model": "m", "bogus": 1}, schema)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("missing key not reported: %v", err)
	}
	if !strings.Contains(err.Error(), "unknown: bogus") {
		t.Fatalf("unknown key not reported: %v", err)
	}
}

func TestValidateSettingsEmptyRequiredValue(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}}
	if err := ValidateSettings(map[string]any{"api_key": "  "}, schema); err == nil {
		t.Fatal("blank required value must fail")
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("", "copilot.url"); err == nil {
		t.Fatal("expected error for empty value")
	} else if !strings.Contains(err.Error(), "copilot.url") {
		t.Fatalf("error does not name the field: %v", err)
	}
	if err := RequireString("x", "copilot.url"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
