package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/shared"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 1024
	// flushInterval is how often candles of quiet instruments are closed.
	flushInterval = time.Second
)

// AggregatorConfig represents the configuration of the tick aggregator.
type AggregatorConfig struct {
	// Interval is the interval of the candles formed.
	Interval shared.Interval
	// Symbol resolves an instrument token to its symbol.
	Symbol func(token uint32) (string, bool)
	// SendCandle relays a completed candle for processing.
	SendCandle func(candle shared.Candle)
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the aggregator logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *AggregatorConfig) Validate() error {
	var errs error

	if cfg.Interval.Duration() == 0 {
		errs = errors.Join(errs, fmt.Errorf("unknown candle interval %d", cfg.Interval))
	}
	if cfg.Symbol == nil {
		errs = errors.Join(errs, fmt.Errorf("symbol function cannot be nil"))
	}
	if cfg.SendCandle == nil {
		errs = errors.Join(errs, fmt.Errorf("send candle function cannot be nil"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// forming is a candle still being built from ticks.
type forming struct {
	candle     shared.Candle
	active     bool
	relayed    time.Time
	lastVolume float64
}

// Aggregator builds interval candles from live ticks.
type Aggregator struct {
	cfg     *AggregatorConfig
	forming map[uint32]*forming
	dataMtx sync.Mutex
	ticks   chan shared.Tick
}

// NewAggregator initializes a new tick aggregator.
func NewAggregator(cfg *AggregatorConfig) (*Aggregator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating aggregator config: %w", err)
	}

	return &Aggregator{
		cfg:     cfg,
		forming: make(map[uint32]*forming),
		ticks:   make(chan shared.Tick, bufferSize),
	}, nil
}

// SendTick relays the provided tick for aggregation.
func (a *Aggregator) SendTick(tick shared.Tick) {
	select {
	case a.ticks <- tick:
		// do nothing.
	default:
		a.cfg.Logger.Error().Msgf("tick channel at capacity: %d/%d", len(a.ticks), bufferSize)
	}
}

// Handle folds the provided tick into its instrument's forming candle,
// relaying the previous candle once a tick opens a new interval.
func (a *Aggregator) Handle(tick shared.Tick) {
	symbol, ok := a.cfg.Symbol(tick.Token)
	if !ok {
		a.cfg.Logger.Debug().Msgf("tick for unknown instrument %d", tick.Token)
		return
	}

	if tick.LastPrice <= 0 {
		return
	}

	start := a.cfg.Interval.Start(tick.Timestamp)

	var completed *shared.Candle

	a.dataMtx.Lock()
	f, ok := a.forming[tick.Token]
	if !ok {
		f = &forming{lastVolume: tick.Volume}
		a.forming[tick.Token] = f
	}

	switch {
	case !f.active && !f.relayed.IsZero() && !start.After(f.relayed):
		// Late ticks of an interval already relayed are dropped.
		a.dataMtx.Unlock()
		return
	case !f.active:
		f.candle = a.open(symbol, start, tick.LastPrice)
		f.active = true
	case start.Before(f.candle.Date):
		a.dataMtx.Unlock()
		return
	case start.After(f.candle.Date):
		c := f.candle
		completed = &c
		f.relayed = c.Date
		f.candle = a.open(symbol, start, tick.LastPrice)
	default:
		f.candle.High = math.Max(f.candle.High, tick.LastPrice)
		f.candle.Low = math.Min(f.candle.Low, tick.LastPrice)
		f.candle.Close = tick.LastPrice
	}

	if tick.Volume > f.lastVolume {
		f.candle.Volume += tick.Volume - f.lastVolume
	}
	if tick.Volume > 0 {
		f.lastVolume = tick.Volume
	}
	a.dataMtx.Unlock()

	if completed != nil {
		a.cfg.SendCandle(*completed)
	}
}

// open starts a new candle at the provided price.
func (a *Aggregator) open(symbol string, start time.Time, price float64) shared.Candle {
	return shared.Candle{
		Symbol:   symbol,
		Interval: a.cfg.Interval,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Date:     start,
	}
}

// Flush relays the forming candles whose interval has elapsed at the
// provided time, returning the number relayed. Instruments without ticks
// form no candle until their next tick.
func (a *Aggregator) Flush(now time.Time) int {
	completed := []shared.Candle{}

	a.dataMtx.Lock()
	for _, f := range a.forming {
		if !f.active || f.candle.CloseTime().After(now) {
			continue
		}

		completed = append(completed, f.candle)
		f.relayed = f.candle.Date
		f.active = false
	}
	a.dataMtx.Unlock()

	for idx := range completed {
		a.cfg.SendCandle(completed[idx])
	}

	return len(completed)
}

// Reset discards all forming candles.
func (a *Aggregator) Reset() {
	a.dataMtx.Lock()
	defer a.dataMtx.Unlock()

	a.forming = make(map[uint32]*forming)
}

// Run manages the lifecycle processes of the aggregator.
func (a *Aggregator) Run(ctx context.Context) {
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.ticks:
			a.Handle(tick)
		case <-flush.C:
			a.Flush(a.cfg.Now())
		}
	}
}
