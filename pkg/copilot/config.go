package copilot

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Copilot    CopilotConfig    `mapstructure:"copilot"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Status     StatusConfig     `mapstructure:"status"`
	Vendors    VendorsConfig    `mapstructure:"vendors"`
	Transports TransportsConfig `mapstructure:"transports"`
}

// CopilotConfig configures the external analysis endpoint and the
// dispatch cadence.
type CopilotConfig struct {
	URL        string `mapstructure:"url"`
	SubjectID  string `mapstructure:"subject_id"`
	IntervalMS int    `mapstructure:"interval_ms"`
	TimeoutMS  int    `mapstructure:"timeout_ms"`
}

type FanoutConfig struct {
	ServerAddr string `mapstructure:"server_addr"`
	Path       string `mapstructure:"path"`
	IntervalMS int    `mapstructure:"interval_ms"`
}

type StatusConfig struct {
	ServerAddr string `mapstructure:"server_addr"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("copilot.interval_ms", 10000)
	v.SetDefault("copilot.timeout_ms", 10000)
	v.SetDefault("fanout.server_addr", ":8082")
	v.SetDefault("fanout.path", "/suggestions")
	v.SetDefault("fanout.interval_ms", 5000)
	v.SetDefault("status.server_addr", ":8000")
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("vendors.stt.provider", "deepgram")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Copilot.URL) == "" {
		return fmt.Errorf("copilot.url is required")
	}
	if strings.TrimSpace(c.Copilot.SubjectID) == "" {
		return fmt.Errorf("copilot.subject_id is required")
	}
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	cfg.Copilot.URL = os.ExpandEnv(cfg.Copilot.URL)
	cfg.Copilot.SubjectID = os.ExpandEnv(cfg.Copilot.SubjectID)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
