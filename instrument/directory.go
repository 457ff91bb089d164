package instrument

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/shared"
)

const (
	// Nifty50Alias expands to the NIFTY 50 constituents.
	Nifty50Alias = "@NIFTY50"
	// BankNiftyAlias expands to the BANK NIFTY constituents.
	BankNiftyAlias = "@BANKNIFTY"
)

var (
	nifty50 = []string{
		"RELIANCE", "TCS", "HDFCBANK", "INFY", "HINDUNILVR", "ICICIBANK", "HDFC", "SBIN",
		"BHARTIARTL", "KOTAKBANK", "BAJFINANCE", "LT", "ITC", "ASIANPAINT", "AXISBANK",
		"DMART", "SUNPHARMA", "ULTRACEMCO", "TITAN", "NESTLEIND", "WIPRO", "MARUTI",
		"M&M", "HCLTECH", "NTPC", "TATAMOTORS", "POWERGRID", "ONGC", "JSWSTEEL", "GRASIM",
		"TATASTEEL", "TECHM", "INDUSINDBK", "HINDALCO", "DIVISLAB", "DRREDDY", "BAJAJFINSV",
		"CIPLA", "BPCL", "BRITANNIA", "SBILIFE", "EICHERMOT", "UPL", "COALINDIA", "SHREECEM",
		"BAJAJ-AUTO", "HEROMOTOCO", "TATACONSUM", "ADANIPORTS", "APOLLOHOSP",
	}
	bankNifty = []string{
		"HDFCBANK", "ICICIBANK", "KOTAKBANK", "AXISBANK", "SBIN", "INDUSINDBK",
		"BANDHANBNK", "FEDERALBNK", "IDFCFIRSTB", "PNB", "BANKBARODA", "AUBANK",
	}
)

// Instrument represents a tradable exchange instrument.
type Instrument struct {
	Token    uint32
	Symbol   string
	Exchange string
	Name     string
	TickSize float64
	LotSize  int
}

// key returns the exchange qualified key of the instrument, or the bare
// symbol when no exchange is known.
func key(exchange string, symbol string) string {
	if exchange == "" {
		return symbol
	}

	return exchange + ":" + symbol
}

// DirectoryConfig represents the instrument directory configuration.
type DirectoryConfig struct {
	// Exchange is the exchange instruments are loaded for.
	Exchange string
	// FetchInstruments fetches the instrument master of the provided exchange.
	FetchInstruments func(ctx context.Context, exchange string) ([]Instrument, error)
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the directory logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *DirectoryConfig) Validate() error {
	var errs error

	if cfg.Exchange == "" {
		errs = errors.Join(errs, fmt.Errorf("exchange cannot be empty"))
	}
	if cfg.FetchInstruments == nil {
		errs = errors.Join(errs, fmt.Errorf("fetch instruments function cannot be nil"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Directory resolves symbols to instrument tokens. The instrument master is
// refreshed at most once per calendar day.
type Directory struct {
	cfg        *DirectoryConfig
	tokens     map[string]uint32
	symbols    map[uint32]string
	lastUpdate time.Time
	dataMtx    sync.RWMutex
}

// Ensure the directory implements the InstrumentResolver interface.
var _ shared.InstrumentResolver = (*Directory)(nil)

// NewDirectory initializes a new instrument directory.
func NewDirectory(cfg *DirectoryConfig) (*Directory, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating directory config: %w", err)
	}

	return &Directory{
		cfg:     cfg,
		tokens:  make(map[string]uint32),
		symbols: make(map[uint32]string),
	}, nil
}

// Refresh reloads the instrument master unless it was already loaded today.
// The loaded set is only replaced once the fetch succeeds.
func (d *Directory) Refresh(ctx context.Context) error {
	now := d.cfg.Now()

	d.dataMtx.RLock()
	fresh := !d.lastUpdate.IsZero() && shared.SameDay(d.lastUpdate, now)
	d.dataMtx.RUnlock()
	if fresh {
		return nil
	}

	set, err := d.cfg.FetchInstruments(ctx, d.cfg.Exchange)
	if err != nil {
		return fmt.Errorf("refreshing %s instruments: %w", d.cfg.Exchange, err)
	}

	tokens := make(map[string]uint32, len(set))
	symbols := make(map[uint32]string, len(set))
	for idx := range set {
		inst := &set[idx]
		tokens[key(inst.Exchange, inst.Symbol)] = inst.Token
		symbols[inst.Token] = inst.Symbol
	}

	d.dataMtx.Lock()
	d.tokens = tokens
	d.symbols = symbols
	d.lastUpdate = now
	d.dataMtx.Unlock()

	d.cfg.Logger.Info().Msgf("loaded %d %s instruments", len(tokens), d.cfg.Exchange)

	return nil
}

// Resolve returns the token of the provided symbol on the exchange, falling
// back to a bare symbol key.
func (d *Directory) Resolve(symbol string, exchange string) (uint32, error) {
	d.dataMtx.RLock()
	defer d.dataMtx.RUnlock()

	token, ok := d.tokens[key(exchange, symbol)]
	if ok {
		return token, nil
	}

	token, ok = d.tokens[symbol]
	if ok {
		return token, nil
	}

	return 0, shared.Errorf(shared.NotFound, "resolve instrument", "instrument not found: %s",
		key(exchange, symbol))
}

// Symbol returns the symbol of the provided token.
func (d *Directory) Symbol(token uint32) (string, bool) {
	d.dataMtx.RLock()
	defer d.dataMtx.RUnlock()

	symbol, ok := d.symbols[token]
	return symbol, ok
}

// LastUpdate returns the time the instrument master was last loaded.
func (d *Directory) LastUpdate() time.Time {
	d.dataMtx.RLock()
	defer d.dataMtx.RUnlock()

	return d.lastUpdate
}

// ResolveAll resolves the provided symbols, logging and skipping the ones
// that cannot be found.
func (d *Directory) ResolveAll(symbols []string) map[string]uint32 {
	set := make(map[string]uint32, len(symbols))
	for _, symbol := range symbols {
		token, err := d.Resolve(symbol, d.cfg.Exchange)
		if err != nil {
			d.cfg.Logger.Warn().Msgf("could not find token for %s", symbol)
			continue
		}

		set[symbol] = token
	}

	return set
}

// ExpandSymbols expands index aliases into their constituents, normalizing
// and deduplicating the result while preserving order.
func ExpandSymbols(symbols []string) []string {
	set := make([]string, 0, len(symbols))
	add := func(symbol string) {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" || slices.Contains(set, symbol) {
			return
		}
		set = append(set, symbol)
	}

	for _, symbol := range symbols {
		switch strings.ToUpper(strings.TrimSpace(symbol)) {
		case Nifty50Alias:
			for _, s := range nifty50 {
				add(s)
			}
		case BankNiftyAlias:
			for _, s := range bankNifty {
				add(s)
			}
		default:
			add(symbol)
		}
	}

	return set
}
