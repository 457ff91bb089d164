package strategy

import (
	"fmt"
	"time"

	"github.com/vnarwal17/zerodha/indicator"
	"github.com/vnarwal17/zerodha/shared"
)

// Phase represents the progress of a symbol's strategy through the day.
type Phase int

const (
	NoBias Phase = iota
	BiasSet
	RejectionConfirmed
	SkipWait
	EntryArmed
	PositionActive
	Completed
)

// String stringifies the provided phase.
func (p Phase) String() string {
	switch p {
	case NoBias:
		return "NO_BIAS"
	case BiasSet:
		return "BIAS_SET"
	case RejectionConfirmed:
		return "REJECTION_CONFIRMED"
	case SkipWait:
		return "SKIP_WAIT"
	case EntryArmed:
		return "ENTRY_ARMED"
	case PositionActive:
		return "POSITION_ACTIVE"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// EventKind represents a notable strategy transition.
type EventKind string

const (
	SetupLong        EventKind = "SETUP_LONG"
	SetupShort       EventKind = "SETUP_SHORT"
	SetupInvalid     EventKind = "SETUP_INVALID"
	SetupDeferred    EventKind = "SETUP_DEFERRED"
	SetupMissed      EventKind = "SETUP_MISSED"
	RejectionLong    EventKind = "REJECTION_LONG"
	RejectionShort   EventKind = "REJECTION_SHORT"
	SMACrossed       EventKind = "SMA_CROSSED"
	SkipCandle       EventKind = "SKIP_CANDLE"
	SkipComplete     EventKind = "SKIP_COMPLETE"
	EntryTriggered   EventKind = "ENTRY_TRIGGERED"
	EntryCutoff      EventKind = "ENTRY_CUTOFF"
	PositionEntered  EventKind = "POSITION_ENTERED"
	ExitTriggered    EventKind = "EXIT_TRIGGERED"
	PositionClosed   EventKind = "POSITION_CLOSED"
	InsufficientData EventKind = "INSUFFICIENT_DATA"
)

// Event represents a strategy transition worth logging.
type Event struct {
	Kind    EventKind
	Message string
	Time    time.Time
}

// Decision is the outcome of advancing a state by one candle.
type Decision struct {
	Events []Event
	Entry  *shared.EntrySignal
	Exit   *shared.ExitSignal
}

// State represents the strategy state of one symbol for one trading session.
type State struct {
	Symbol               string
	Phase                Phase
	Bias                 shared.Direction
	SMA                  float64
	SetupCandle          *shared.Candle
	RejectionCandle      *shared.Candle
	SkipCandlesRemaining int
	EntryPrice           float64
	StopLoss             float64
	Target               float64
	IsPositionActive     bool
	TradeCompleted       bool
	CompletionReason     EventKind
	LastCandle           time.Time
	LastUpdate           time.Time
}

// NewState initializes the strategy state for a symbol.
func NewState(symbol string) *State {
	return &State{
		Symbol: symbol,
		Phase:  NoBias,
	}
}

// Reset discards the state at the start of a new session.
func (s *State) Reset() {
	*s = State{
		Symbol: s.Symbol,
		Phase:  NoBias,
	}
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() State {
	cp := *s
	if s.SetupCandle != nil {
		c := *s.SetupCandle
		cp.SetupCandle = &c
	}
	if s.RejectionCandle != nil {
		c := *s.RejectionCandle
		cp.RejectionCandle = &c
	}

	return cp
}

// record appends an event to the decision.
func (d *Decision) record(kind EventKind, at time.Time, format string, args ...any) {
	d.Events = append(d.Events, Event{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Time:    at,
	})
}

// complete ends the day for the symbol.
func (s *State) complete(d *Decision, kind EventKind, at time.Time, format string, args ...any) {
	s.Complete(kind, at)
	d.record(kind, at, format, args...)
}

// Advance moves the state forward by the provided completed candle. The
// history must end with the candle and is used for the moving average.
//
// Candles not newer than the last evaluated one are ignored so repeated
// cycles over the same data are idempotent. A completed state never changes.
func (s *State) Advance(candle shared.Candle, history []shared.Candle, params Params) Decision {
	var d Decision

	if s.TradeCompleted || s.Phase == Completed {
		return d
	}
	if !s.LastCandle.IsZero() && !candle.Date.After(s.LastCandle) {
		return d
	}

	s.LastCandle = candle.Date
	s.LastUpdate = candle.Date

	switch s.Phase {
	case NoBias:
		s.checkSetup(&d, candle, history, params)
	case BiasSet, RejectionConfirmed, SkipWait, EntryArmed:
		if candle.Date.After(params.EntryCutoff.On(candle.Date)) {
			s.complete(&d, EntryCutoff, candle.Date, "entry cutoff %s passed in %s, no trade today",
				params.EntryCutoff, s.Phase)
			return d
		}

		switch s.Phase {
		case BiasSet:
			s.checkRejection(&d, candle, history, params)
		case RejectionConfirmed, SkipWait:
			s.skip(&d, candle)
		case EntryArmed:
			s.checkEntry(&d, candle)
		}
	case PositionActive:
		price, reason := EvaluateExit(candle, s.Bias, s.StopLoss, s.Target)
		if reason != shared.NoExit {
			d.Exit = &shared.ExitSignal{
				Symbol:    s.Symbol,
				Price:     price,
				Reason:    reason,
				CreatedOn: candle.Date,
			}
			d.record(ExitTriggered, candle.Date, "%s exit triggered @ %.2f", reason, price)
		}
	}

	return d
}

// checkSetup classifies the setup candle once the setup window is reached.
func (s *State) checkSetup(d *Decision, candle shared.Candle, history []shared.Candle, params Params) {
	if candle.Date.Before(params.SetupStart.On(candle.Date)) {
		return
	}
	if !candle.Date.Before(params.SetupEnd.On(candle.Date)) {
		s.complete(d, SetupMissed, candle.Date, "setup window %s-%s closed without an evaluation",
			params.SetupStart, params.SetupEnd)
		return
	}

	if len(history) < params.SMAPeriod+1 {
		d.record(SetupDeferred, candle.Date, "setup needs %d candles, have %d",
			params.SMAPeriod+1, len(history))
		return
	}

	sma, err := indicator.SMA(history, params.SMAPeriod)
	if err != nil {
		d.record(InsufficientData, candle.Date, "computing sma: %v", err)
		return
	}

	s.SMA = sma
	bias := ClassifySetup(candle, sma)
	switch bias {
	case shared.Long, shared.Short:
		c := candle
		s.Bias = bias
		s.SetupCandle = &c
		s.Phase = BiasSet

		kind := SetupLong
		if bias == shared.Short {
			kind = SetupShort
		}
		d.record(kind, candle.Date, "valid %s setup, candle %.2f-%.2f, sma %.2f",
			bias, candle.Low, candle.High, sma)
	default:
		s.complete(d, SetupInvalid, candle.Date, "setup candle %.2f-%.2f touches sma %.2f, skipping day",
			candle.Low, candle.High, sma)
	}
}

// checkRejection confirms a rejection of the moving average or invalidates
// the day when the average is crossed against the bias.
func (s *State) checkRejection(d *Decision, candle shared.Candle, history []shared.Candle, params Params) {
	sma, err := indicator.SMA(history, params.SMAPeriod)
	if err != nil {
		d.record(InsufficientData, candle.Date, "computing sma: %v", err)
		return
	}

	s.SMA = sma
	if IsRejection(candle, sma, s.Bias, params.MinWickPercent) {
		c := candle
		s.RejectionCandle = &c
		s.SkipCandlesRemaining = params.SkipCandles
		s.EntryPrice, s.StopLoss = Levels(candle, s.Bias, params)
		s.Target = Target(s.EntryPrice, s.StopLoss, params.RewardRatio, s.Bias)

		kind := RejectionLong
		wick := candle.LowerWickPercent()
		if s.Bias == shared.Short {
			kind = RejectionShort
			wick = candle.UpperWickPercent()
		}
		d.record(kind, candle.Date, "%s rejection confirmed, wick %.1f%%, entry %.2f, stop %.2f, target %.2f",
			s.Bias, wick, s.EntryPrice, s.StopLoss, s.Target)

		s.Phase = RejectionConfirmed
		if s.SkipCandlesRemaining == 0 {
			s.Phase = EntryArmed
		}

		return
	}

	if CrossesAdversely(candle, sma, s.Bias) {
		s.complete(d, SMACrossed, candle.Date, "sma %.2f crossed against %s bias, day invalidated",
			sma, s.Bias)
	}
}

// skip consumes a candle of the post-rejection skip period.
func (s *State) skip(d *Decision, candle shared.Candle) {
	if s.SkipCandlesRemaining > 0 {
		s.SkipCandlesRemaining--
	}

	s.Phase = SkipWait
	d.record(SkipCandle, candle.Date, "skipping candle, %d remaining", s.SkipCandlesRemaining)

	if s.SkipCandlesRemaining == 0 {
		s.Phase = EntryArmed
		d.record(SkipComplete, candle.Date, "skip period completed, ready for entry")
	}
}

// checkEntry signals an entry once the candle trades through the entry level.
func (s *State) checkEntry(d *Decision, candle shared.Candle) {
	if !Triggered(candle, s.EntryPrice, s.Bias) {
		return
	}

	d.Entry = &shared.EntrySignal{
		Symbol:     s.Symbol,
		Direction:  s.Bias,
		EntryPrice: s.EntryPrice,
		StopLoss:   s.StopLoss,
		Target:     s.Target,
		CreatedOn:  candle.Date,
	}
	d.record(EntryTriggered, candle.Date, "%s entry triggered @ %.2f", s.Bias, s.EntryPrice)
}

// ConfirmEntry records a filled entry, moving the state to position active.
func (s *State) ConfirmEntry(signal *shared.EntrySignal) error {
	if s.Phase != EntryArmed {
		return fmt.Errorf("%s: cannot enter a position in phase %s", s.Symbol, s.Phase)
	}

	s.EntryPrice = signal.EntryPrice
	s.StopLoss = signal.StopLoss
	s.Target = signal.Target
	s.IsPositionActive = true
	s.Phase = PositionActive
	s.LastUpdate = signal.CreatedOn
	return nil
}

// Complete ends the day for the symbol, typically after a position closes.
func (s *State) Complete(kind EventKind, at time.Time) {
	s.Phase = Completed
	s.TradeCompleted = true
	s.IsPositionActive = false
	s.CompletionReason = kind
	s.LastUpdate = at
}
