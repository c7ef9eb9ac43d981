package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/callwise/copilot/pkg/configutil"
	twiliotransport "github.com/callwise/copilot/pkg/transports/twilio"
)

type transportConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "")
	to := flag.String("to", "", "")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: start_call -to=+15551234567 [-config=...]")
		os.Exit(1)
	}
	cfg, err := loadTransportConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if settings.PublicURL == "" {
		fmt.Println("public_url is empty")
		os.Exit(1)
	}
	dialer := twiliotransport.NewDialer(settings)
	callSID, conference, err := dialer.DialConference(context.Background(), *to)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
	fmt.Println("conference:", conference)
}

func loadTransportConfig(path string) (transportConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return transportConfig{}, err
	}
	var cfg transportConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return transportConfig{}, err
	}
	return cfg, nil
}
