package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/engine"
	"github.com/vnarwal17/zerodha/shared"
	"github.com/vnarwal17/zerodha/strategy"
)

// Config is the configuration struct for the service.
type Config struct {
	// Symbols represents the traded symbols, index aliases included.
	Symbols []string
	// Exchange is the exchange traded on.
	Exchange string
	// APIKey is the Kite Connect app key.
	APIKey string
	// APISecret is the Kite Connect app secret.
	APISecret string
	// RequestToken is the request token of a completed login.
	RequestToken string
	// AccessToken is the access token of an existing session.
	AccessToken string
	// SessionFile is the filepath sessions are stored at.
	SessionFile string
	// DryRun simulates fills without placing orders.
	DryRun bool
	// Capital is the capital committed per trade.
	Capital float64
	// RiskPercent is the percentage of capital risked per trade.
	RiskPercent float64
	// Leverage scales sized quantities.
	Leverage float64
	// Sizing is the position sizing mode.
	Sizing string
	// SMAPeriod is the number of closes averaged.
	SMAPeriod int
	// SetupStart opens the setup window.
	SetupStart string
	// SetupEnd closes the setup window.
	SetupEnd string
	// EntryCutoff is the last time entries trigger at.
	EntryCutoff string
	// EntryOffset is added beyond the rejection candle to form the entry.
	EntryOffset float64
	// StopOffset is added beyond the rejection candle to form the stop.
	StopOffset float64
	// RewardRatio is the target distance as a multiple of risk.
	RewardRatio float64
	// MinWickPercent is the minimum rejection wick percentage.
	MinWickPercent float64
	// SkipCandles is the number of candles ignored after a rejection.
	SkipCandles int
	// Interval is the candle interval in minutes.
	Interval int
	// Lookback is the number of candles fetched per symbol.
	Lookback int
	// SettleDelay delays polling past each candle boundary.
	SettleDelay time.Duration
	// ForceExit is the time open positions are closed at.
	ForceExit string
	// EmergencyExit is the last time open positions are closed at.
	EmergencyExit string
	// MaxPositionSize is the maximum notional value of a single order.
	MaxPositionSize float64
	// MaxDailyLoss is the realized loss at which new entries stop.
	MaxDailyLoss float64
	// MaxPositions is the maximum number of concurrently open positions.
	MaxPositions int
	// MaxRetries is the maximum number of attempts of a brokerage call.
	MaxRetries int
	// TickMode evaluates candles aggregated from live ticks.
	TickMode bool
	// DBEndpoint is the rqlite endpoint, storage is disabled when empty.
	DBEndpoint string
	// DBUser is the rqlite user.
	DBUser string
	// DBPass is the rqlite password.
	DBPass string
	// LogLevel is the logging level.
	LogLevel string

	registeredFlags map[string]bool
}

// setDefaults populates the defaults overridden by environment variables and flags.
func (cfg *Config) setDefaults() {
	params := strategy.DefaultParams()
	settings := engine.DefaultSettings()

	cfg.Exchange = "NSE"
	cfg.DryRun = settings.DryRun
	cfg.Capital = settings.Capital
	cfg.RiskPercent = settings.RiskPercent
	cfg.Leverage = settings.Leverage
	cfg.Sizing = settings.Sizing.String()
	cfg.SMAPeriod = params.SMAPeriod
	cfg.SetupStart = params.SetupStart.String()
	cfg.SetupEnd = params.SetupEnd.String()
	cfg.EntryCutoff = params.EntryCutoff.String()
	cfg.EntryOffset = params.EntryOffset
	cfg.StopOffset = params.StopOffset
	cfg.RewardRatio = params.RewardRatio
	cfg.MinWickPercent = params.MinWickPercent
	cfg.SkipCandles = params.SkipCandles
	cfg.Interval = 3
	cfg.Lookback = 60
	cfg.SettleDelay = time.Second * 5
	cfg.ForceExit = "15:00"
	cfg.EmergencyExit = "15:15"
	cfg.MaxPositionSize = 100000
	cfg.MaxDailyLoss = 5000
	cfg.MaxPositions = 5
	cfg.MaxRetries = 3
	cfg.LogLevel = "info"
}

// Params returns the configured strategy parameters.
func (cfg *Config) Params() (strategy.Params, error) {
	var errs error

	parse := func(name string, value string) shared.ClockTime {
		c, err := shared.ParseClockTime(value)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", name, err))
		}
		return c
	}

	params := strategy.Params{
		SMAPeriod:      cfg.SMAPeriod,
		SetupStart:     parse("setupstart", cfg.SetupStart),
		SetupEnd:       parse("setupend", cfg.SetupEnd),
		EntryCutoff:    parse("entrycutoff", cfg.EntryCutoff),
		EntryOffset:    cfg.EntryOffset,
		StopOffset:     cfg.StopOffset,
		RewardRatio:    cfg.RewardRatio,
		MinWickPercent: cfg.MinWickPercent,
		SkipCandles:    cfg.SkipCandles,
	}
	if errs != nil {
		return strategy.Params{}, errs
	}

	err := params.Validate()
	if err != nil {
		return strategy.Params{}, err
	}

	return params, nil
}

// Settings returns the configured trading settings.
func (cfg *Config) Settings() (engine.Settings, error) {
	sizing, err := engine.ParseSizingMode(cfg.Sizing)
	if err != nil {
		return engine.Settings{}, err
	}

	settings := engine.Settings{
		DryRun:      cfg.DryRun,
		Capital:     cfg.Capital,
		RiskPercent: cfg.RiskPercent,
		Leverage:    cfg.Leverage,
		Sizing:      sizing,
	}

	err = settings.Validate()
	if err != nil {
		return engine.Settings{}, err
	}

	return settings, nil
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if len(cfg.Symbols) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no symbols provided for trader service"))
	}
	if cfg.APIKey == "" {
		errs = errors.Join(errs, fmt.Errorf("api key cannot be an empty string"))
	}
	if cfg.AccessToken == "" && cfg.SessionFile == "" && cfg.RequestToken == "" {
		errs = errors.Join(errs, fmt.Errorf("an access token, session file or request token is required"))
	}
	if cfg.RequestToken != "" && cfg.APISecret == "" {
		errs = errors.Join(errs, fmt.Errorf("api secret is required to exchange a request token"))
	}
	_, err := cfg.Params()
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("strategy params: %w", err))
	}
	_, err = cfg.Settings()
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("settings: %w", err))
	}
	_, err = shared.ParseInterval(cfg.Interval)
	if err != nil {
		errs = errors.Join(errs, err)
	}
	for name, value := range map[string]string{"forceexit": cfg.ForceExit, "emergencyexit": cfg.EmergencyExit} {
		_, err = shared.ParseClockTime(value)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if cfg.MaxRetries <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max retries must be positive"))
	}
	_, err = zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("parsing log level: %w", err))
	}

	return errs
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
// Environment variables take precedence over the current value as the default.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		def := *value.(*string)
		if defValue != "" {
			def = defValue
		}
		flag.StringVar(value.(*string), name, def, usage)
	case reflect.Bool:
		def := *value.(*bool)
		if defValue != "" {
			parsed, err := strconv.ParseBool(defValue)
			if err != nil {
				return fmt.Errorf("%s: parsing bool: %w", name, err)
			}
			def = parsed
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		def := *value.(*int)
		if defValue != "" {
			parsed, err := strconv.Atoi(defValue)
			if err != nil {
				return fmt.Errorf("%s: parsing int: %w", name, err)
			}
			def = parsed
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Float64:
		def := *value.(*float64)
		if defValue != "" {
			parsed, err := strconv.ParseFloat(defValue, 64)
			if err != nil {
				return fmt.Errorf("%s: parsing float: %w", name, err)
			}
			def = parsed
		}
		flag.Float64Var(value.(*float64), name, def, usage)
	case reflect.Int64:
		// Only handle time.Duration
		d, ok := value.(*time.Duration)
		if !ok {
			return fmt.Errorf("%s: unsupported int64 type", name)
		}
		def := *d
		if defValue != "" {
			parsed, err := time.ParseDuration(defValue)
			if err != nil {
				return fmt.Errorf("%s: parsing duration: %w", name, err)
			}
			def = parsed
		}
		flag.DurationVar(d, name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	cfg.setDefaults()

	flags := []struct {
		name  string
		value any
		usage string
	}{
		{"symbols", &cfg.Symbols, "the traded symbols, @NIFTY50 and @BANKNIFTY expand to their constituents"},
		{"exchange", &cfg.Exchange, "the exchange traded on"},
		{"apikey", &cfg.APIKey, "the kite connect api key"},
		{"apisecret", &cfg.APISecret, "the kite connect api secret"},
		{"requesttoken", &cfg.RequestToken, "the request token of a completed login"},
		{"accesstoken", &cfg.AccessToken, "the access token of an existing session"},
		{"sessionfile", &cfg.SessionFile, "the session filepath"},
		{"dryrun", &cfg.DryRun, "simulate fills without placing orders"},
		{"capital", &cfg.Capital, "the capital committed per trade"},
		{"riskpercent", &cfg.RiskPercent, "the percentage of capital risked per trade"},
		{"leverage", &cfg.Leverage, "the sized quantity multiplier"},
		{"sizing", &cfg.Sizing, "the position sizing mode, fixed_capital or fixed_risk"},
		{"smaperiod", &cfg.SMAPeriod, "the number of closes averaged"},
		{"setupstart", &cfg.SetupStart, "the setup window start"},
		{"setupend", &cfg.SetupEnd, "the setup window end"},
		{"entrycutoff", &cfg.EntryCutoff, "the last time entries trigger at"},
		{"entryoffset", &cfg.EntryOffset, "the entry offset beyond the rejection candle"},
		{"stopoffset", &cfg.StopOffset, "the stop offset beyond the rejection candle"},
		{"rewardratio", &cfg.RewardRatio, "the target distance as a multiple of risk"},
		{"minwickpercent", &cfg.MinWickPercent, "the minimum rejection wick percentage"},
		{"skipcandles", &cfg.SkipCandles, "the candles ignored after a rejection"},
		{"interval", &cfg.Interval, "the candle interval in minutes"},
		{"lookback", &cfg.Lookback, "the candles fetched per symbol"},
		{"settledelay", &cfg.SettleDelay, "the polling delay past each candle boundary"},
		{"forceexit", &cfg.ForceExit, "the time open positions are closed at"},
		{"emergencyexit", &cfg.EmergencyExit, "the last time open positions are closed at"},
		{"maxpositionsize", &cfg.MaxPositionSize, "the maximum notional value of an order"},
		{"maxdailyloss", &cfg.MaxDailyLoss, "the realized loss at which entries stop"},
		{"maxpositions", &cfg.MaxPositions, "the maximum concurrently open positions"},
		{"maxretries", &cfg.MaxRetries, "the maximum attempts of a brokerage call"},
		{"tickmode", &cfg.TickMode, "evaluate candles aggregated from live ticks"},
		{"dbendpoint", &cfg.DBEndpoint, "the rqlite endpoint closed positions are stored at"},
		{"dbuser", &cfg.DBUser, "the rqlite user"},
		{"dbpass", &cfg.DBPass, "the rqlite password"},
		{"loglevel", &cfg.LogLevel, "the logging level"},
	}

	// Register command line arguments using loaded environment variables as defaults.
	for _, f := range flags {
		err = cfg.registerFlag(f.name, f.value, f.usage)
		if err != nil {
			return err
		}
	}

	// Parse command-line flags.
	flag.Parse()

	return cfg.Validate()
}
