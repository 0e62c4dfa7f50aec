package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/parkvoice/joanne/pkg/configutil"
	"github.com/parkvoice/joanne/pkg/joanne"
	"github.com/parkvoice/joanne/pkg/runner"
	"github.com/parkvoice/joanne/pkg/transports"
	mocktransport "github.com/parkvoice/joanne/pkg/transports/mock"
	twiliotransport "github.com/parkvoice/joanne/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	dialTo := flag.String("dial_to", "", "destination number for outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for outbound call")
	flag.Parse()

	cfg, err := joanne.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	joanne.SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	runner.PrintBanner()

	transport, err := buildTransport(cfg)
	if err != nil {
		panic(err)
	}

	providers := joanne.NewProviderRegistry()
	joanne.RegisterDefaultProviders(providers)

	app := joanne.NewEngine(joanne.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Transport: transport,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = app.Start(ctx)
	if *dialTo != "" && *dialFrom != "" {
		if dialer, ok := transport.(transports.OutboundDialer); ok {
			callSID, err := dialer.Dial(ctx, *dialTo, *dialFrom, *dialURL)
			if err != nil {
				slog.Error("outbound_dial_failed", "error", err)
			} else {
				slog.Info("outbound_dial_started", "call_sid", callSID)
			}
		} else {
			slog.Warn("transport_no_outbound_dialer")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	_ = app.Stop()
}

func buildTransport(cfg joanne.Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "twilio":
		if err := configutil.ValidateSettings(cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{"public_url", "server_addr", "voice_path", "ws_path", "tts_webhook_path", "status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, fmt.Errorf("transports.settings: %w", err)
		}
		var tcfg twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &tcfg); err != nil {
			return nil, fmt.Errorf("transports.settings: %w", err)
		}
		if err := configutil.RequireString(tcfg.AccountSID, "transports.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(tcfg.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		return twiliotransport.New(tcfg), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}
