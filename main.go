package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vnarwal17/zerodha/kite"
	"github.com/vnarwal17/zerodha/service"
	"github.com/vnarwal17/zerodha/shared"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// indiaNow returns the current time in india.
func indiaNow() time.Time {
	now, _ := shared.IndiaTime()
	return now
}

// tokenSource returns the access token source of the configured session,
// exchanging the request token of a completed login when provided.
func tokenSource(ctx context.Context, cfg *Config) (func(ctx context.Context) (string, error), error) {
	switch {
	case cfg.RequestToken != "":
		logger := log.With().Str("component", "login").Logger()
		client, err := kite.NewClient(&kite.ClientConfig{
			APIKey:      cfg.APIKey,
			TokenSource: kite.StaticTokenSource(""),
			ResolveToken: func(symbol string, exchange string) (uint32, error) {
				return 0, shared.Errorf(shared.NotFound, "resolve instrument", "no instruments during login")
			},
			Now:    indiaNow,
			Logger: &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating login client: %w", err)
		}

		session, err := client.GenerateSession(ctx, cfg.RequestToken, cfg.APISecret)
		if err != nil {
			return nil, fmt.Errorf("generating session: %w", err)
		}

		logger.Info().Msgf("logged in as %s, session expires at %s", session.UserID,
			session.ExpiresAt().Format(shared.DateTimeLayout))

		if cfg.SessionFile != "" {
			err = kite.SaveSession(cfg.SessionFile, session)
			if err != nil {
				return nil, fmt.Errorf("saving session: %w", err)
			}
			return kite.FileTokenSource(cfg.SessionFile, indiaNow), nil
		}

		return kite.StaticTokenSource(session.AccessToken), nil

	case cfg.AccessToken != "":
		return kite.StaticTokenSource(cfg.AccessToken), nil

	default:
		return kite.FileTokenSource(cfg.SessionFile, indiaNow), nil
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Error().Msgf("loading config: %v", err)
		if cfg.APIKey != "" {
			log.Info().Msgf("login at %s to obtain a request token", kite.LoginURL(cfg.APIKey))
		}
		return
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, err := tokenSource(ctx, &cfg)
	if err != nil {
		log.Error().Msgf("creating token source: %v", err)
		return
	}

	params, _ := cfg.Params()
	settings, _ := cfg.Settings()
	interval, _ := shared.ParseInterval(cfg.Interval)
	forceExit, _ := shared.ParseClockTime(cfg.ForceExit)
	emergencyExit, _ := shared.ParseClockTime(cfg.EmergencyExit)

	retry := shared.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxRetries

	traderCfg := service.TraderConfig{
		Symbols:         cfg.Symbols,
		Exchange:        cfg.Exchange,
		APIKey:          cfg.APIKey,
		TokenSource:     source,
		Params:          params,
		Settings:        settings,
		Interval:        interval,
		Lookback:        cfg.Lookback,
		SettleDelay:     cfg.SettleDelay,
		ForceExit:       forceExit,
		EmergencyExit:   emergencyExit,
		MaxPositionSize: cfg.MaxPositionSize,
		MaxDailyLoss:    cfg.MaxDailyLoss,
		MaxPositions:    cfg.MaxPositions,
		Retry:           retry,
		TickMode:        cfg.TickMode,
		DBEndpoint:      cfg.DBEndpoint,
		DBUser:          cfg.DBUser,
		DBPass:          cfg.DBPass,
		Cancel:          cancel,
	}
	trader, err := service.NewTrader(ctx, &traderCfg)
	if err != nil {
		log.Error().Msgf("creating trader service: %v", err)
		return
	}

	go handleTermination(ctx, cancel)
	trader.Run(ctx)
}
