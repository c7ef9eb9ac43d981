package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callwise/copilot/pkg/adapters/stt"
	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/configutil"
	"github.com/callwise/copilot/pkg/copilot"
	"github.com/callwise/copilot/pkg/fanout"
	"github.com/callwise/copilot/pkg/logging"
	"github.com/callwise/copilot/pkg/providers/deepgram"
	"github.com/callwise/copilot/pkg/providers/mock"
	"github.com/callwise/copilot/pkg/relay"
	"github.com/callwise/copilot/pkg/runner"
	"github.com/callwise/copilot/pkg/status"
	"github.com/callwise/copilot/pkg/transports"
	mocktransport "github.com/callwise/copilot/pkg/transports/mock"
	twiliotransport "github.com/callwise/copilot/pkg/transports/twilio"
)

type application struct {
	transport  transports.Transport
	bridge     *relay.Bridge
	dispatcher *copilot.Dispatcher
	fanout     *fanout.Server
	status     *status.Server
}

func (a *application) start(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	if reporter, ok := a.transport.(transports.ReadyReporter); ok {
		attrs := []any{slog.String("transport", a.transport.Name())}
		for key, value := range reporter.ReadyFields() {
			attrs = append(attrs, slog.Any(key, value))
		}
		slog.Info("transport_ready", attrs...)
	}
	if err := a.fanout.Start(ctx); err != nil {
		return err
	}
	if err := a.status.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.bridge.Run(ctx); err != nil {
			slog.Error("bridge_stopped", "error", err)
		}
	}()
	go a.dispatcher.Run(ctx)
	return nil
}

// Drain satisfies runner.Drainer: disconnect the outer surfaces first
// so no new work arrives while sessions wind down.
func (a *application) Drain() error {
	_ = a.transport.Stop()
	_ = a.status.Stop()
	return a.fanout.Stop()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := copilot.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	calls := callstate.New()

	transport, dialer, targetPhone, err := buildTransport(cfg)
	if err != nil {
		slog.Error("transport_unavailable", "provider", cfg.Transports.Provider, "error", err)
		os.Exit(1)
	}
	factory, err := buildSTTFactory(cfg)
	if err != nil {
		slog.Error("stt_unavailable", "provider", cfg.Vendors.STT.Provider, "error", err)
		os.Exit(1)
	}

	client := copilot.NewClient(cfg.Copilot)
	fanoutServer := fanout.NewServer(fanout.Config{
		ServerAddr: cfg.Fanout.ServerAddr,
		Path:       cfg.Fanout.Path,
		Interval:   time.Duration(cfg.Fanout.IntervalMS) * time.Millisecond,
	}, calls)
	dispatcher := copilot.NewDispatcher(calls, client, fanoutServer, copilot.DispatcherOptions{
		SubjectID: cfg.Copilot.SubjectID,
		Interval:  time.Duration(cfg.Copilot.IntervalMS) * time.Millisecond,
		Timeout:   time.Duration(cfg.Copilot.TimeoutMS) * time.Millisecond,
	})
	bridge := relay.NewBridge(transport, calls, factory)
	statusServer := status.NewServer(status.Config{
		ServerAddr:  cfg.Status.ServerAddr,
		TargetPhone: targetPhone,
		FanoutURL:   fanoutURL(cfg),
	}, calls, client, dialer, fanoutServer)

	app := &application{
		transport:  transport,
		bridge:     bridge,
		dispatcher: dispatcher,
		fanout:     fanoutServer,
		status:     statusServer,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle := runner.NewLifecycleRunner(app, runner.Hooks{
		OnStart: func() {
			if err := app.start(ctx); err != nil {
				slog.Error("startup_failed", "error", err)
				stop()
			}
		},
		OnStop: func() {
			slog.Info("copilotd_stopped")
		},
	}, 15*time.Second)

	if err := lifecycle.Run(ctx); err != nil {
		slog.Error("shutdown_error", "error", err)
		os.Exit(1)
	}
}

func fanoutURL(cfg copilot.Config) string {
	addr := cfg.Fanout.ServerAddr
	if addr == "" {
		addr = ":8082"
	}
	path := cfg.Fanout.Path
	if path == "" {
		path = "/suggestions"
	}
	return "ws://localhost" + addr + path
}

func buildTransport(cfg copilot.Config) (transports.Transport, status.ConferenceDialer, string, error) {
	switch cfg.Transports.Provider {
	case "twilio":
		if err := configutil.ValidateSettings(cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token", "public_url"},
			Optional: []string{
				"server_addr", "phone_number", "target_phone", "voice_path",
				"ws_path", "status_callback_path", "allow_any_origin", "allowed_origins",
			},
		}); err != nil {
			return nil, nil, "", fmt.Errorf("transports.settings: %w", err)
		}
		var settings twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, nil, "", err
		}
		if err := configutil.RequireString(settings.PublicURL, "transports.settings.public_url"); err != nil {
			return nil, nil, "", err
		}
		transport := twiliotransport.New(settings)
		dialer := twiliotransport.NewDialer(settings)
		return transport, dialer, settings.TargetPhone, nil
	case "mock":
		return mocktransport.New(), nil, "", nil
	default:
		return nil, nil, "", fmt.Errorf("unknown transport provider %q", cfg.Transports.Provider)
	}
}

func buildSTTFactory(cfg copilot.Config) (stt.Factory, error) {
	switch cfg.Vendors.STT.Provider {
	case "deepgram":
		if err := configutil.ValidateSettings(cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{
				"model", "language", "sample_rate", "encoding",
				"channels", "interim_results", "vad_events",
			},
		}); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		var settings deepgram.Config
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return func(sc stt.Config) stt.StreamingSTT {
			session := settings
			session.StreamID = sc.StreamID
			session.CallSID = sc.CallSID
			session.TraceID = sc.TraceID
			if sc.SampleRate > 0 {
				session.SampleRate = sc.SampleRate
			}
			if sc.Language != "" {
				session.Language = sc.Language
			}
			return deepgram.New(session)
		}, nil
	case "mock":
		var settings mock.STTConfig
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return func(sc stt.Config) stt.StreamingSTT {
			session := settings
			session.StreamID = sc.StreamID
			session.CallSID = sc.CallSID
			session.TraceID = sc.TraceID
			return mock.NewSTT(session)
		}, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Vendors.STT.Provider)
	}
}
