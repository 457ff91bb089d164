package strategy

import (
	"errors"
	"fmt"

	"github.com/vnarwal17/zerodha/shared"
)

// Params represents the tunables of the SMA rejection strategy.
type Params struct {
	// SMAPeriod is the number of closes averaged.
	SMAPeriod int
	// SetupStart opens the window the setup candle is taken from.
	SetupStart shared.ClockTime
	// SetupEnd closes the setup window, exclusive.
	SetupEnd shared.ClockTime
	// EntryCutoff is the last candle time entries may trigger at.
	EntryCutoff shared.ClockTime
	// EntryOffset is added beyond the rejection candle extreme to form the entry.
	EntryOffset float64
	// StopOffset is added beyond the opposite rejection candle extreme to form the stop.
	StopOffset float64
	// RewardRatio is the target distance as a multiple of risk.
	RewardRatio float64
	// MinWickPercent is the minimum rejection wick as a percentage of the candle range.
	MinWickPercent float64
	// SkipCandles is the number of candles ignored after a confirmed rejection.
	SkipCandles int
}

// DefaultParams returns the standard strategy parameters.
func DefaultParams() Params {
	return Params{
		SMAPeriod:      50,
		SetupStart:     shared.ClockTime{Hour: 9, Minute: 57},
		SetupEnd:       shared.ClockTime{Hour: 10, Minute: 5},
		EntryCutoff:    shared.ClockTime{Hour: 13, Minute: 0},
		EntryOffset:    0.01,
		StopOffset:     0.01,
		RewardRatio:    5,
		MinWickPercent: 15,
		SkipCandles:    2,
	}
}

// Validate asserts the params are sane.
func (p *Params) Validate() error {
	var errs error

	if p.SMAPeriod <= 0 {
		errs = errors.Join(errs, fmt.Errorf("sma period must be positive"))
	}
	if p.SetupStart.Minutes() >= p.SetupEnd.Minutes() {
		errs = errors.Join(errs, fmt.Errorf("setup window start %s must precede end %s",
			p.SetupStart, p.SetupEnd))
	}
	if p.EntryOffset < 0 || p.StopOffset < 0 {
		errs = errors.Join(errs, fmt.Errorf("entry and stop offsets cannot be negative"))
	}
	if p.RewardRatio <= 0 {
		errs = errors.Join(errs, fmt.Errorf("reward ratio must be positive"))
	}
	if p.MinWickPercent < 0 || p.MinWickPercent > 100 {
		errs = errors.Join(errs, fmt.Errorf("minimum wick percent must be within 0 and 100"))
	}
	if p.SkipCandles < 0 {
		errs = errors.Join(errs, fmt.Errorf("skip candles cannot be negative"))
	}

	return errs
}
