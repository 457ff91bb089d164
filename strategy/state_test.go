package strategy

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/vnarwal17/zerodha/shared"
)

// at returns the provided time of day on the test session.
func at(hour int, minute int) time.Time {
	return time.Date(2025, 6, 2, hour, minute, 0, 0, shared.IndiaLocationOrFixed())
}

// candle creates a 3 minute test candle.
func candle(ts time.Time, open, high, low, close float64) shared.Candle {
	return shared.Candle{
		Symbol:   "INFY",
		Interval: shared.ThreeMinute,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   1000,
		Date:     ts,
	}
}

// flatHistory returns n candles closing at price, ending just before the provided time.
func flatHistory(n int, price float64, before time.Time) []shared.Candle {
	history := make([]shared.Candle, 0, n)
	for idx := n; idx > 0; idx-- {
		ts := before.Add(-time.Minute * 3 * time.Duration(idx))
		history = append(history, candle(ts, price, price+0.5, price-0.5, price))
	}

	return history
}

// feeder advances a state candle by candle, tracking history.
type feeder struct {
	t       *testing.T
	state   *State
	params  Params
	history []shared.Candle
}

func newFeeder(t *testing.T, params Params, prior []shared.Candle) *feeder {
	return &feeder{
		t:       t,
		state:   NewState("INFY"),
		params:  params,
		history: prior,
	}
}

func (f *feeder) feed(c shared.Candle) Decision {
	f.history = append(f.history, c)
	return f.state.Advance(c, f.history, f.params)
}

// kinds returns the event kinds of a decision.
func kinds(d Decision) []EventKind {
	set := make([]EventKind, 0, len(d.Events))
	for _, evt := range d.Events {
		set = append(set, evt.Kind)
	}

	return set
}

func TestLongScenario(t *testing.T) {
	params := DefaultParams()
	f := newFeeder(t, params, flatHistory(50, 100, at(9, 57)))

	// Ensure candles before the setup window leave the state untouched.
	d := f.state.Advance(f.history[len(f.history)-1], f.history, params)
	assert.Equal(t, len(d.Events), 0)
	assert.Equal(t, f.state.Phase, NoBias)

	// Ensure a setup candle entirely above the sma sets a long bias.
	d = f.feed(candle(at(9, 57), 101.5, 103, 101, 102))
	assert.Equal(t, f.state.Phase, BiasSet)
	assert.Equal(t, f.state.Bias, shared.Long)
	assert.Equal(t, f.state.SMA, 100.04)
	assert.NotNil(t, f.state.SetupCandle)
	assert.Equal(t, kinds(d), []EventKind{SetupLong})

	// Ensure a lower wick rejection of the sma is confirmed.
	d = f.feed(candle(at(10, 0), 102, 103, 99.5, 101.5))
	assert.Equal(t, f.state.Phase, RejectionConfirmed)
	assert.Equal(t, f.state.SkipCandlesRemaining, 2)
	assert.Equal(t, f.state.EntryPrice, 103.01)
	assert.Equal(t, f.state.StopLoss, 99.49)
	assert.Equal(t, f.state.Target, 120.61)
	assert.Equal(t, kinds(d), []EventKind{RejectionLong})
	assert.False(t, f.state.TradeCompleted)

	// Ensure the skip period consumes candles without action, even ones
	// trading through the entry level.
	d = f.feed(candle(at(10, 3), 101.5, 104, 101, 103.5))
	assert.Equal(t, f.state.Phase, SkipWait)
	assert.Equal(t, f.state.SkipCandlesRemaining, 1)
	assert.Nil(t, d.Entry)

	d = f.feed(candle(at(10, 6), 103.5, 103.8, 102.5, 102.8))
	assert.Equal(t, f.state.Phase, EntryArmed)
	assert.Equal(t, f.state.SkipCandlesRemaining, 0)
	assert.Equal(t, kinds(d), []EventKind{SkipCandle, SkipComplete})
	assert.Nil(t, d.Entry)

	// Ensure a candle below the entry level does not trigger.
	d = f.feed(candle(at(10, 9), 102.8, 103, 102.2, 102.5))
	assert.Nil(t, d.Entry)
	assert.Equal(t, f.state.Phase, EntryArmed)

	// Ensure a candle reaching the entry level triggers a long entry.
	d = f.feed(candle(at(10, 12), 102.5, 103.5, 102.4, 103.2))
	assert.NotNil(t, d.Entry)
	want := &shared.EntrySignal{
		Symbol:     "INFY",
		Direction:  shared.Long,
		EntryPrice: 103.01,
		StopLoss:   99.49,
		Target:     120.61,
		CreatedOn:  at(10, 12),
	}
	assert.Equal(t, cmp.Diff(want, d.Entry), "")

	// Ensure the target is reproducible from entry, stop and ratio.
	assert.Equal(t, Target(d.Entry.EntryPrice, d.Entry.StopLoss, params.RewardRatio, shared.Long), d.Entry.Target)

	// Ensure confirming the entry activates the position.
	err := f.state.ConfirmEntry(d.Entry)
	assert.NoError(t, err)
	assert.Equal(t, f.state.Phase, PositionActive)
	assert.True(t, f.state.IsPositionActive)

	// Ensure an entry cannot be confirmed twice.
	err = f.state.ConfirmEntry(d.Entry)
	assert.Error(t, err)

	// Ensure a candle inside the stop and target produces no exit.
	d = f.feed(candle(at(10, 15), 103.2, 104, 101, 102))
	assert.Nil(t, d.Exit)

	// Ensure a candle trading through the stop exits at the stop.
	d = f.feed(candle(at(10, 18), 102, 102.2, 99, 99.8))
	assert.NotNil(t, d.Exit)
	assert.Equal(t, d.Exit.Price, 99.49)
	assert.Equal(t, d.Exit.Reason, shared.StopLossHit)

	f.state.Complete(PositionClosed, at(10, 18))
	assert.True(t, f.state.TradeCompleted)
	assert.Equal(t, f.state.Phase, Completed)
	assert.False(t, f.state.IsPositionActive)

	// Ensure no further action happens once the trade completed.
	d = f.feed(candle(at(10, 21), 99.8, 104, 99, 103.5))
	assert.Nil(t, d.Entry)
	assert.Nil(t, d.Exit)
	assert.Equal(t, len(d.Events), 0)
}

func TestShortScenario(t *testing.T) {
	params := DefaultParams()
	params.SkipCandles = 0
	f := newFeeder(t, params, flatHistory(50, 100, at(9, 57)))

	// Ensure a setup candle entirely below the sma sets a short bias.
	f.feed(candle(at(9, 57), 98.5, 99, 97, 98))
	assert.Equal(t, f.state.Bias, shared.Short)
	assert.Equal(t, f.state.Phase, BiasSet)

	// Ensure an upper wick rejection with no skip period arms the entry immediately.
	d := f.feed(candle(at(10, 0), 98, 100.5, 97.5, 98.5))
	assert.Equal(t, kinds(d), []EventKind{RejectionShort})
	assert.Equal(t, f.state.Phase, EntryArmed)
	assert.Equal(t, f.state.EntryPrice, 97.49)
	assert.Equal(t, f.state.StopLoss, 100.51)
	assert.Equal(t, f.state.Target, 82.39)

	// Ensure a candle reaching below the entry triggers a short entry.
	d = f.feed(candle(at(10, 3), 98, 98.2, 97.4, 97.6))
	assert.NotNil(t, d.Entry)
	assert.Equal(t, d.Entry.Direction, shared.Short)
	assert.NoError(t, f.state.ConfirmEntry(d.Entry))

	// Ensure a short position exits at target when price falls through it.
	d = f.feed(candle(at(10, 6), 97.6, 97.8, 82, 83))
	assert.NotNil(t, d.Exit)
	assert.Equal(t, d.Exit.Reason, shared.TargetHit)
	assert.Equal(t, d.Exit.Price, 82.39)
}

func TestSetupOutcomes(t *testing.T) {
	params := DefaultParams()

	// Ensure a setup candle touching the sma completes the day.
	f := newFeeder(t, params, flatHistory(50, 100, at(9, 57)))
	d := f.feed(candle(at(9, 57), 99.8, 100.4, 99.6, 100.2))
	assert.Equal(t, kinds(d), []EventKind{SetupInvalid})
	assert.True(t, f.state.TradeCompleted)
	assert.Equal(t, f.state.CompletionReason, SetupInvalid)

	// Ensure setup is deferred on insufficient history and retried on the next candle.
	f = newFeeder(t, params, flatHistory(49, 100, at(9, 57)))
	d = f.feed(candle(at(9, 57), 101.5, 103, 101, 102))
	assert.Equal(t, kinds(d), []EventKind{SetupDeferred})
	assert.Equal(t, f.state.Phase, NoBias)

	d = f.feed(candle(at(10, 0), 101.5, 103, 101, 102))
	assert.Equal(t, kinds(d), []EventKind{SetupLong})
	assert.Equal(t, f.state.Phase, BiasSet)

	// Ensure the day completes if the setup window closes without an evaluation.
	f = newFeeder(t, params, flatHistory(10, 100, at(9, 57)))
	f.feed(candle(at(9, 57), 101.5, 103, 101, 102))
	f.feed(candle(at(10, 0), 101.5, 103, 101, 102))
	f.feed(candle(at(10, 3), 101.5, 103, 101, 102))
	assert.Equal(t, f.state.Phase, NoBias)
	d = f.feed(candle(at(10, 6), 101.5, 103, 101, 102))
	assert.Equal(t, kinds(d), []EventKind{SetupMissed})
	assert.True(t, f.state.TradeCompleted)
}

func TestRejectionInvalidation(t *testing.T) {
	params := DefaultParams()
	f := newFeeder(t, params, flatHistory(50, 100, at(9, 57)))
	f.feed(candle(at(9, 57), 101.5, 103, 101, 102))

	// Ensure a candle staying above the sma keeps waiting for a rejection.
	d := f.feed(candle(at(10, 0), 102, 103, 101, 102.5))
	assert.Equal(t, len(d.Events), 0)
	assert.Equal(t, f.state.Phase, BiasSet)

	// Ensure a body closing through the sma invalidates the day.
	d = f.feed(candle(at(10, 3), 102, 102.5, 98, 98.5))
	assert.Equal(t, kinds(d), []EventKind{SMACrossed})
	assert.True(t, f.state.TradeCompleted)
	assert.Nil(t, f.state.RejectionCandle)
}

func TestEntryCutoff(t *testing.T) {
	params := DefaultParams()
	f := newFeeder(t, params, flatHistory(50, 100, at(9, 57)))
	f.feed(candle(at(9, 57), 101.5, 103, 101, 102))
	f.feed(candle(at(10, 0), 102, 103, 99.5, 101.5))
	f.feed(candle(at(10, 3), 101.5, 102, 101, 101.8))
	f.feed(candle(at(10, 6), 101.8, 102, 101, 101.6))
	assert.Equal(t, f.state.Phase, EntryArmed)

	// Ensure the cutoff candle itself may still be evaluated.
	d := f.feed(candle(at(13, 0), 101.6, 102, 101, 101.7))
	assert.Nil(t, d.Entry)
	assert.Equal(t, f.state.Phase, EntryArmed)

	// Ensure candles after the cutoff end the day without a trade.
	d = f.feed(candle(at(13, 3), 101.7, 104, 101, 103.8))
	assert.Nil(t, d.Entry)
	assert.Equal(t, kinds(d), []EventKind{EntryCutoff})
	assert.True(t, f.state.TradeCompleted)
}

func TestAdvanceIdempotent(t *testing.T) {
	params := DefaultParams()
	f := newFeeder(t, params, flatHistory(50, 100, at(9, 57)))
	setup := candle(at(9, 57), 101.5, 103, 101, 102)
	f.feed(setup)
	before := f.state.Snapshot()

	// Ensure re-evaluating an already processed candle is a no-op.
	d := f.state.Advance(setup, f.history, params)
	assert.Equal(t, len(d.Events), 0)
	assert.True(t, cmp.Equal(f.state.Snapshot(), before))

	// Ensure snapshots do not alias the live state.
	snap := f.state.Snapshot()
	snap.SetupCandle.High = 999
	assert.Equal(t, f.state.SetupCandle.High, float64(103))

	// Ensure a reset starts a fresh session.
	f.state.Reset()
	assert.Equal(t, f.state.Phase, NoBias)
	assert.Equal(t, f.state.Symbol, "INFY")
	assert.Nil(t, f.state.SetupCandle)
	assert.True(t, f.state.LastCandle.IsZero())
}

func TestParamsValidate(t *testing.T) {
	params := DefaultParams()
	assert.NoError(t, params.Validate())

	params.SMAPeriod = 0
	params.SetupStart = shared.ClockTime{Hour: 10, Minute: 5}
	params.RewardRatio = 0
	params.SkipCandles = -1
	err := params.Validate()
	assert.Error(t, err)
	for _, want := range []string{"sma period", "setup window", "reward ratio", "skip candles"} {
		assert.True(t, strings.Contains(err.Error(), want))
	}
}
