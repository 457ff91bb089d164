package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/vnarwal17/zerodha/database"
	"github.com/vnarwal17/zerodha/engine"
	"github.com/vnarwal17/zerodha/feed"
	"github.com/vnarwal17/zerodha/instrument"
	"github.com/vnarwal17/zerodha/kite"
	"github.com/vnarwal17/zerodha/monitor"
	"github.com/vnarwal17/zerodha/position"
	"github.com/vnarwal17/zerodha/risk"
	"github.com/vnarwal17/zerodha/shared"
	"github.com/vnarwal17/zerodha/strategy"
	"go.uber.org/atomic"
)

const (
	// Job tags.
	cycleTag     = "cycle"
	superviseTag = "supervise"
	refreshTag   = "refresh"
	resetTag     = "reset"

	// superviseInterval is how often active positions are supervised in tick mode.
	superviseInterval = time.Minute
)

var (
	// DefaultRefreshTime is the daily instrument master refresh time.
	DefaultRefreshTime = shared.ClockTime{Hour: 8, Minute: 30}
	// DefaultResetTime is the daily session reset time.
	DefaultResetTime = shared.ClockTime{Hour: 9, Minute: 0}
)

// TraderConfig represents the configuration struct for the trader service.
type TraderConfig struct {
	// Symbols represents the symbols traded on run, index aliases included.
	Symbols []string
	// Exchange is the exchange traded on.
	Exchange string
	// APIKey is the Kite Connect app key.
	APIKey string
	// TokenSource provides the access token of the session.
	TokenSource func(ctx context.Context) (string, error)
	// BaseURL overrides the Kite Connect REST endpoint.
	BaseURL string
	// TickerURL overrides the Kite Connect streaming endpoint.
	TickerURL string
	// Params represents the strategy parameters.
	Params strategy.Params
	// Settings represents the initial trading settings.
	Settings engine.Settings
	// Interval is the candle interval traded.
	Interval shared.Interval
	// Lookback is the number of candles fetched per symbol.
	Lookback int
	// SettleDelay delays polling past each candle boundary.
	SettleDelay time.Duration
	// ForceExit is the time open positions are closed at.
	ForceExit shared.ClockTime
	// EmergencyExit is the last time open positions are closed at.
	EmergencyExit shared.ClockTime
	// RefreshTime is the daily instrument master refresh time.
	RefreshTime shared.ClockTime
	// ResetTime is the daily session reset time.
	ResetTime shared.ClockTime
	// MaxPositionSize is the maximum notional value of a single order.
	MaxPositionSize float64
	// MaxDailyLoss is the realized loss at which new entries stop.
	MaxDailyLoss float64
	// MaxPositions is the maximum number of concurrently open positions.
	MaxPositions int
	// Retry is the retry policy of brokerage calls.
	Retry *shared.RetryPolicy
	// TickMode evaluates candles aggregated from live ticks instead of polling.
	TickMode bool
	// DBEndpoint is the rqlite endpoint closed positions are stored at, storage
	// is disabled when empty.
	DBEndpoint string
	// DBUser is the rqlite user.
	DBUser string
	// DBPass is the rqlite password.
	DBPass string
	// Now returns the current time, defaults to india time.
	Now func() time.Time
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
}

// Validate asserts the config sane inputs.
func (cfg *TraderConfig) Validate() error {
	var errs error

	if cfg.Exchange == "" {
		errs = errors.Join(errs, fmt.Errorf("exchange cannot be an empty string"))
	}
	if cfg.APIKey == "" {
		errs = errors.Join(errs, fmt.Errorf("api key cannot be an empty string"))
	}
	if cfg.TokenSource == nil {
		errs = errors.Join(errs, fmt.Errorf("token source function cannot be nil"))
	}
	if cfg.Interval.Duration() == 0 {
		errs = errors.Join(errs, fmt.Errorf("unknown candle interval %d", cfg.Interval))
	}
	if cfg.SettleDelay < 0 || cfg.SettleDelay >= cfg.Interval.Duration() {
		errs = errors.Join(errs, fmt.Errorf("settle delay %s must be within the candle interval", cfg.SettleDelay))
	}
	if cfg.Retry == nil {
		errs = errors.Join(errs, fmt.Errorf("retry policy cannot be nil"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Cancel == nil {
		errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
	}

	return errs
}

// Status is a snapshot of the trader.
type Status struct {
	engine.Status
	// Trading reports whether trading is started.
	Trading bool
	// Health is the brokerage connection health.
	Health monitor.Health
}

// Trader represents the intraday trading service.
type Trader struct {
	cfg           *TraderConfig
	client        *kite.Client
	directory     *instrument.Directory
	ticker        *kite.Ticker
	aggregator    *feed.Aggregator
	poller        *feed.Poller
	gate          *risk.Gate
	ledger        *position.Ledger
	tradingEngine *engine.Engine
	monitor       *monitor.Monitor
	db            *database.Database
	jobScheduler  *gocron.Scheduler
	logger        *zerolog.Logger
	trading       *atomic.Bool
	tradingMtx    sync.Mutex
	stopStreams   context.CancelFunc
	stopCycles    context.CancelFunc
	wg            sync.WaitGroup
}

// NewTrader initializes a new trader service.
func NewTrader(ctx context.Context, cfg *TraderConfig) (*Trader, error) {
	var err error
	var directory *instrument.Directory
	var tradingEngine *engine.Engine

	if cfg.Now == nil {
		cfg.Now = func() time.Time {
			now, _ := shared.IndiaTime()
			return now
		}
	}
	if cfg.RefreshTime == (shared.ClockTime{}) {
		cfg.RefreshTime = DefaultRefreshTime
	}
	if cfg.ResetTime == (shared.ClockTime{}) {
		cfg.ResetTime = DefaultResetTime
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating trader config: %w", err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "trader").Logger()

	resolveTokenFunc := func(symbol string, exchange string) (uint32, error) {
		if directory == nil {
			return 0, shared.Errorf(shared.NotFound, "resolve instrument", "instrument directory unavailable")
		}

		return directory.Resolve(symbol, exchange)
	}

	clientLogger := logger.With().Str("component", "kite").Logger()
	client, err := kite.NewClient(&kite.ClientConfig{
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		TokenSource:  cfg.TokenSource,
		ResolveToken: resolveTokenFunc,
		Now:          cfg.Now,
		Logger:       &clientLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kite client: %w", err)
	}

	retryLogger := logger.With().Str("component", "retry").Logger()
	cfg.Retry.RefreshSession = client.RefreshSession
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = &retryLogger
	}

	directoryLogger := logger.With().Str("component", "directory").Logger()
	directory, err = instrument.NewDirectory(&instrument.DirectoryConfig{
		Exchange:         cfg.Exchange,
		FetchInstruments: client.FetchInstruments,
		Now:              cfg.Now,
		Logger:           &directoryLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating instrument directory: %w", err)
	}

	pollerLogger := logger.With().Str("component", "poller").Logger()
	poller, err := feed.NewPoller(&feed.PollerConfig{
		Fetcher:  client,
		Retry:    cfg.Retry,
		Interval: cfg.Interval,
		Lookback: cfg.Lookback,
		Now:      cfg.Now,
		Logger:   &pollerLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating poller: %w", err)
	}

	sendCandleFunc := func(candle shared.Candle) {
		if tradingEngine != nil {
			tradingEngine.SendCandle(candle)
		}
	}

	var ticker *kite.Ticker
	var aggregator *feed.Aggregator
	if cfg.TickMode {
		tickerLogger := logger.With().Str("component", "ticker").Logger()
		ticker, err = kite.NewTicker(&kite.TickerConfig{
			URL:         cfg.TickerURL,
			APIKey:      cfg.APIKey,
			AccessToken: client.AccessToken,
			Now:         cfg.Now,
			Logger:      &tickerLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating ticker: %w", err)
		}

		aggregatorLogger := logger.With().Str("component", "aggregator").Logger()
		aggregator, err = feed.NewAggregator(&feed.AggregatorConfig{
			Interval:   cfg.Interval,
			Symbol:     directory.Symbol,
			SendCandle: sendCandleFunc,
			Now:        cfg.Now,
			Logger:     &aggregatorLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating aggregator: %w", err)
		}
	}

	gateLogger := logger.With().Str("component", "riskgate").Logger()
	gate, err := risk.NewGate(&risk.GateConfig{
		MaxPositionSize: cfg.MaxPositionSize,
		MaxDailyLoss:    cfg.MaxDailyLoss,
		MaxPositions:    cfg.MaxPositions,
		FetchLastPrices: client.FetchLastPrices,
		FetchMargin:     client.FetchMargin,
		Logger:          &gateLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating risk gate: %w", err)
	}

	var db *database.Database
	if cfg.DBEndpoint != "" {
		dbLogger := logger.With().Str("component", "database").Logger()
		db, err = database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DBEndpoint,
			User:     cfg.DBUser,
			Pass:     cfg.DBPass,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}
	}

	persistClosedPositionFunc := func(ctx context.Context, pos *position.Position) error {
		if db == nil {
			return nil
		}

		return db.PersistClosedPosition(ctx, pos)
	}

	ledger := position.NewLedger()

	engineLogger := logger.With().Str("component", "engine").Logger()
	tradingEngine, err = engine.NewEngine(&engine.EngineConfig{
		Params:                cfg.Params,
		Settings:              cfg.Settings,
		Lookback:              cfg.Lookback,
		ForceExit:             cfg.ForceExit,
		EmergencyExit:         cfg.EmergencyExit,
		Poll:                  poller.Poll,
		Brokerage:             client,
		Gate:                  gate,
		Ledger:                ledger,
		Retry:                 cfg.Retry,
		PersistClosedPosition: persistClosedPositionFunc,
		Now:                   cfg.Now,
		Logger:                &engineLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	jobScheduler := gocron.NewScheduler(cfg.Now().Location())

	monitorLogger := logger.With().Str("component", "monitor").Logger()
	mon, err := monitor.NewMonitor(&monitor.MonitorConfig{
		Ping:           client.Ping,
		RefreshSession: client.RefreshSession,
		HaltEntries:    tradingEngine.HaltEntries,
		JobScheduler:   jobScheduler,
		Now:            cfg.Now,
		Logger:         &monitorLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating monitor: %w", err)
	}

	service := &Trader{
		cfg:           cfg,
		client:        client,
		directory:     directory,
		ticker:        ticker,
		aggregator:    aggregator,
		poller:        poller,
		gate:          gate,
		ledger:        ledger,
		tradingEngine: tradingEngine,
		monitor:       mon,
		db:            db,
		jobScheduler:  jobScheduler,
		logger:        &logger,
		trading:       atomic.NewBool(false),
	}

	return service, nil
}

// refreshInstruments reloads the instrument master on trading days.
func (t *Trader) refreshInstruments(ctx context.Context) {
	if !shared.IsTradingDay(t.cfg.Now()) {
		return
	}

	err := t.directory.Refresh(ctx)
	if err != nil {
		t.logger.Error().Msgf("refreshing instruments: %v", err)
	}
}

// resetSession starts a new trading session. Pushed candles are backed by
// a fresh history seed since ticks missed overnight never reach the engine.
func (t *Trader) resetSession(ctx context.Context) {
	now := t.cfg.Now()
	if !shared.IsTradingDay(now) {
		return
	}

	t.gate.ResetDaily()
	if t.aggregator != nil {
		t.aggregator.Reset()
	}

	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	t.tradingEngine.ResetSession(start)

	if t.cfg.TickMode {
		t.seed(ctx, t.tradingEngine.Symbols())
	}
}

// runCycle evaluates every tracked symbol while the market is open.
func (t *Trader) runCycle(ctx context.Context) {
	if !shared.IsMarketOpen(t.cfg.Now()) {
		return
	}

	t.tradingEngine.RunCycle(ctx)
}

// supervise settles the exits of active positions while the market is open.
func (t *Trader) supervise(ctx context.Context) {
	if !shared.IsMarketOpen(t.cfg.Now()) {
		return
	}

	t.tradingEngine.Supervise(ctx)
}

// schedule adds the trading jobs to the job scheduler.
func (t *Trader) schedule(ctx context.Context) error {
	_, err := t.jobScheduler.Every(1).Day().At(t.cfg.RefreshTime.String()).Tag(refreshTag).
		Do(func() { t.refreshInstruments(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling instrument refresh: %w", err)
	}

	_, err = t.jobScheduler.Every(1).Day().At(t.cfg.ResetTime.String()).Tag(resetTag).
		Do(func() { t.resetSession(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling session reset: %w", err)
	}

	if t.cfg.TickMode {
		_, err = t.jobScheduler.Every(superviseInterval).Tag(superviseTag).SingletonMode().
			Do(func() { t.supervise(ctx) })
		if err != nil {
			return fmt.Errorf("scheduling supervision: %w", err)
		}

		return nil
	}

	// Cycles run once each candle completes, past the settle delay.
	now := t.cfg.Now()
	interval := t.cfg.Interval.Duration()
	start := t.cfg.Interval.Start(now).Add(interval + t.cfg.SettleDelay)
	_, err = t.jobScheduler.Every(interval).StartAt(start).Tag(cycleTag).SingletonMode().
		Do(func() { t.runCycle(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling engine cycles: %w", err)
	}

	return nil
}

// unschedule removes the trading jobs from the job scheduler.
func (t *Trader) unschedule() {
	for _, tag := range []string{cycleTag, superviseTag, refreshTag, resetTag} {
		err := t.jobScheduler.RemoveByTag(tag)
		if err != nil {
			t.logger.Debug().Msgf("removing %s jobs: %v", tag, err)
		}
	}
}

// seed fills the candle history of the provided symbols from historical data.
func (t *Trader) seed(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		candles, err := t.poller.Poll(ctx, symbol)
		if err != nil {
			t.logger.Warn().Msgf("seeding %s history: %v", symbol, err)
			continue
		}

		t.tradingEngine.Seed(symbol, candles)
	}
}

// stream runs the live tick pipeline for the provided tokens.
func (t *Trader) stream(ctx context.Context, tokens []uint32) error {
	err := t.ticker.Subscribe(tokens)
	if err != nil {
		return fmt.Errorf("subscribing tokens: %w", err)
	}

	t.wg.Add(4)

	go func() {
		err := t.ticker.Run(ctx)
		if err != nil {
			t.logger.Error().Msgf("ticker stopped: %v", err)
			t.tradingEngine.HaltEntries(true)
		}
		t.wg.Done()
	}()

	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-t.ticker.Ticks():
				t.aggregator.SendTick(tick)
			}
		}
	}()

	go func() {
		t.aggregator.Run(ctx)
		t.wg.Done()
	}()

	go func() {
		t.tradingEngine.Run(ctx)
		t.wg.Done()
	}()

	return nil
}

// StartTrading resolves the provided symbols and starts trading the ones
// found, returning the number of symbols traded.
func (t *Trader) StartTrading(ctx context.Context, symbols []string) (int, error) {
	t.tradingMtx.Lock()
	defer t.tradingMtx.Unlock()

	if t.trading.Load() {
		return 0, fmt.Errorf("trading already started")
	}

	symbols = instrument.ExpandSymbols(symbols)
	if len(symbols) == 0 {
		return 0, fmt.Errorf("no symbols provided")
	}

	err := t.directory.Refresh(ctx)
	if err != nil {
		return 0, fmt.Errorf("refreshing instruments: %w", err)
	}

	resolved := t.directory.ResolveAll(symbols)
	tracked := make([]string, 0, len(resolved))
	tokens := make([]uint32, 0, len(resolved))
	for _, symbol := range symbols {
		token, ok := resolved[symbol]
		if !ok {
			continue
		}
		tracked = append(tracked, symbol)
		tokens = append(tokens, token)
	}
	if len(tracked) == 0 {
		return 0, fmt.Errorf("none of the %d symbols could be resolved", len(symbols))
	}

	t.tradingEngine.Track(tracked)

	cycleCtx, stopCycles := context.WithCancel(ctx)
	streamCtx, stopStreams := context.WithCancel(ctx)

	if t.cfg.TickMode {
		t.seed(cycleCtx, tracked)

		err = t.stream(streamCtx, tokens)
		if err != nil {
			stopStreams()
			stopCycles()
			return 0, err
		}
	}

	err = t.schedule(cycleCtx)
	if err == nil {
		err = t.monitor.Start(cycleCtx)
	}
	if err != nil {
		t.unschedule()
		stopStreams()
		t.wg.Wait()
		stopCycles()
		return 0, err
	}

	if !t.jobScheduler.IsRunning() {
		t.jobScheduler.StartAsync()
	}

	t.stopCycles = stopCycles
	t.stopStreams = stopStreams
	t.trading.Store(true)

	settings := t.tradingEngine.Settings()
	t.logger.Info().Msgf("trading %d symbols (dry run: %v, sizing: %s)", len(tracked),
		settings.DryRun, settings.Sizing)

	return len(tracked), nil
}

// StopTrading stops scheduling work and the live feed, then waits for
// in-flight cycles to complete.
func (t *Trader) StopTrading() error {
	t.tradingMtx.Lock()
	defer t.tradingMtx.Unlock()

	if !t.trading.Load() {
		return fmt.Errorf("trading not started")
	}

	t.monitor.Stop()
	t.unschedule()

	t.stopStreams()
	t.wg.Wait()
	t.tradingEngine.Wait()
	t.stopCycles()

	t.trading.Store(false)
	t.logger.Info().Msgf("trading stopped, %d positions active", t.ledger.ActiveCount())

	return nil
}

// Trading reports whether trading is started.
func (t *Trader) Trading() bool {
	return t.trading.Load()
}

// Status returns a snapshot of the trader.
func (t *Trader) Status() Status {
	return Status{
		Status:  t.tradingEngine.Status(),
		Trading: t.trading.Load(),
		Health:  t.monitor.Health(),
	}
}

// UpdateSettings applies the provided partial settings update.
func (t *Trader) UpdateSettings(update engine.SettingsUpdate) (engine.Settings, error) {
	return t.tradingEngine.UpdateSettings(update)
}

// UpdateLimits replaces the risk limits.
func (t *Trader) UpdateLimits(maxPositionSize float64, maxDailyLoss float64, maxPositions int) error {
	return t.gate.UpdateLimits(maxPositionSize, maxDailyLoss, maxPositions)
}

// DailySummaries returns the stored per-symbol summaries of the provided day.
func (t *Trader) DailySummaries(ctx context.Context, day time.Time) ([]database.Summary, error) {
	if t.db == nil {
		return nil, fmt.Errorf("position storage is disabled")
	}

	return t.db.DailySummaries(ctx, day)
}

// Run trades the configured symbols until the context is done.
func (t *Trader) Run(ctx context.Context) {
	n, err := t.StartTrading(ctx, t.cfg.Symbols)
	if err != nil {
		t.logger.Error().Msgf("starting trading: %v", err)
		t.cfg.Cancel()
		return
	}

	t.logger.Info().Msgf("trader running with %d symbols", n)

	<-ctx.Done()

	err = t.StopTrading()
	if err != nil {
		t.logger.Error().Msgf("stopping trading: %v", err)
	}

	t.jobScheduler.Stop()
}
