package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/shared"
)

// PollerConfig represents the configuration of the historical candle poller.
type PollerConfig struct {
	// Fetcher fetches historical candles.
	Fetcher shared.CandleFetcher
	// Retry is the retry policy applied to fetches.
	Retry *shared.RetryPolicy
	// Interval is the candle interval polled.
	Interval shared.Interval
	// Lookback is the number of candles fetched per poll.
	Lookback int
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the poller logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *PollerConfig) Validate() error {
	var errs error

	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("candle fetcher cannot be nil"))
	}
	if cfg.Retry == nil {
		errs = errors.Join(errs, fmt.Errorf("retry policy cannot be nil"))
	}
	if cfg.Interval.Duration() == 0 {
		errs = errors.Join(errs, fmt.Errorf("unknown candle interval %d", cfg.Interval))
	}
	if cfg.Lookback <= 0 {
		errs = errors.Join(errs, fmt.Errorf("lookback must be positive"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Poller fetches completed candles of a symbol on demand.
type Poller struct {
	cfg *PollerConfig
}

// NewPoller initializes a new historical candle poller.
func NewPoller(cfg *PollerConfig) (*Poller, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating poller config: %w", err)
	}

	return &Poller{cfg: cfg}, nil
}

// Interval returns the candle interval polled.
func (p *Poller) Interval() shared.Interval {
	return p.cfg.Interval
}

// Completed drops trailing candles whose interval has not elapsed at the
// provided time.
func Completed(candles []shared.Candle, now time.Time) []shared.Candle {
	end := len(candles)
	for end > 0 && candles[end-1].CloseTime().After(now) {
		end--
	}

	return candles[:end]
}

// Poll fetches the most recent completed candles of the symbol, oldest first.
// It fails with DataUnavailable when no completed candle is served.
func (p *Poller) Poll(ctx context.Context, symbol string) ([]shared.Candle, error) {
	op := "poll " + symbol

	candles, err := shared.Retry(ctx, p.cfg.Retry, op, func(ctx context.Context) ([]shared.Candle, error) {
		return p.cfg.Fetcher.FetchCandles(ctx, symbol, p.cfg.Interval, p.cfg.Lookback)
	})
	if err != nil {
		return nil, err
	}

	candles = Completed(candles, p.cfg.Now())
	if len(candles) == 0 {
		return nil, shared.Errorf(shared.DataUnavailable, op, "no completed %s candles", p.cfg.Interval)
	}

	return candles, nil
}
