package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/position"
	"github.com/vnarwal17/zerodha/risk"
	"github.com/vnarwal17/zerodha/shared"
	"github.com/vnarwal17/zerodha/strategy"
	"go.uber.org/atomic"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// maxWorkers is the maximum number of concurrent workers.
	maxWorkers = 16
)

var (
	// errOrderPending marks an order still working at the exchange.
	errOrderPending = errors.New("order pending")
)

// EngineConfig represents the configuration of the trading engine.
type EngineConfig struct {
	// Params represents the strategy parameters.
	Params strategy.Params
	// Settings represents the initial trading settings.
	Settings Settings
	// Lookback is the number of candles evaluated per symbol.
	Lookback int
	// ForceExit is the time open positions are closed at.
	ForceExit shared.ClockTime
	// EmergencyExit is the time open positions are closed at ahead of the
	// exchange's automatic square off.
	EmergencyExit shared.ClockTime
	// Poll fetches the completed candles of a symbol, oldest first.
	Poll func(ctx context.Context, symbol string) ([]shared.Candle, error)
	// Brokerage places orders and serves account data.
	Brokerage shared.Brokerage
	// Gate authorizes order intents.
	Gate *risk.Gate
	// Ledger tracks positions.
	Ledger *position.Ledger
	// Retry is the retry policy applied to order placement and confirmation.
	Retry *shared.RetryPolicy
	// PersistClosedPosition stores a closed position.
	PersistClosedPosition func(ctx context.Context, pos *position.Position) error
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the engine logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *EngineConfig) Validate() error {
	var errs error

	err := cfg.Params.Validate()
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("strategy params: %w", err))
	}
	err = cfg.Settings.Validate()
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("settings: %w", err))
	}
	if cfg.Lookback <= cfg.Params.SMAPeriod {
		errs = errors.Join(errs, fmt.Errorf("lookback %d must exceed the sma period %d",
			cfg.Lookback, cfg.Params.SMAPeriod))
	}
	if cfg.EmergencyExit.Minutes() < cfg.ForceExit.Minutes() {
		errs = errors.Join(errs, fmt.Errorf("emergency exit %s cannot precede force exit %s",
			cfg.EmergencyExit, cfg.ForceExit))
	}
	if cfg.Poll == nil {
		errs = errors.Join(errs, fmt.Errorf("poll function cannot be nil"))
	}
	if cfg.Brokerage == nil {
		errs = errors.Join(errs, fmt.Errorf("brokerage cannot be nil"))
	}
	if cfg.Gate == nil {
		errs = errors.Join(errs, fmt.Errorf("risk gate cannot be nil"))
	}
	if cfg.Ledger == nil {
		errs = errors.Join(errs, fmt.Errorf("position ledger cannot be nil"))
	}
	if cfg.Retry == nil {
		errs = errors.Join(errs, fmt.Errorf("retry policy cannot be nil"))
	}
	if cfg.PersistClosedPosition == nil {
		errs = errors.Join(errs, fmt.Errorf("persist closed position function cannot be nil"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// pendingEntry is an entry order still working at the exchange. It holds
// its reserved position slot until it fills, fails or is cancelled.
type pendingEntry struct {
	orderID  string
	signal   shared.EntrySignal
	quantity int
	placedAt time.Time
}

// symbolState is the engine state of a monitored symbol. Its mutex
// serializes evaluations and fill decisions of the symbol.
type symbolState struct {
	mtx     sync.Mutex
	state   *strategy.State
	history *shared.CandleSnapshot
	entry   *pendingEntry
}

// Status is a snapshot of the engine.
type Status struct {
	MarketOpen           bool
	DryRun               bool
	EntriesHalted        bool
	ActivePositionCount  int
	TotalPositionCount   int
	MonitoredSymbolCount int
	Positions            []position.Position
	States               []strategy.State
	Risk                 risk.State
	Settings             Settings
	RecentLogs           []LogEntry
}

// Engine drives the per-symbol strategy states and executes their signals.
type Engine struct {
	cfg           *EngineConfig
	symbols       map[string]*symbolState
	symbolsMtx    sync.RWMutex
	settings      Settings
	settingsMtx   sync.RWMutex
	log           *StrategyLog
	entriesHalted *atomic.Bool
	workers       chan struct{}
	candles       chan shared.Candle
	inflight      sync.WaitGroup
}

// NewEngine initializes a new trading engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}

	return &Engine{
		cfg:           cfg,
		symbols:       make(map[string]*symbolState),
		settings:      cfg.Settings,
		log:           NewStrategyLog(logSize),
		entriesHalted: atomic.NewBool(false),
		workers:       make(chan struct{}, maxWorkers),
		candles:       make(chan shared.Candle, bufferSize),
	}, nil
}

// Track starts monitoring the provided symbols, returning the number added.
// Symbols already monitored keep their state.
func (e *Engine) Track(symbols []string) int {
	e.symbolsMtx.Lock()
	defer e.symbolsMtx.Unlock()

	added := 0
	for _, symbol := range symbols {
		if _, ok := e.symbols[symbol]; ok {
			continue
		}

		history, err := shared.NewCandleSnapshot(shared.SnapshotSize)
		if err != nil {
			e.cfg.Logger.Error().Msgf("creating candle history for %s: %v", symbol, err)
			continue
		}

		e.symbols[symbol] = &symbolState{
			state:   strategy.NewState(symbol),
			history: history,
		}
		added++
	}

	return added
}

// Symbols returns the monitored symbols, sorted.
func (e *Engine) Symbols() []string {
	e.symbolsMtx.RLock()
	defer e.symbolsMtx.RUnlock()

	symbols := make([]string, 0, len(e.symbols))
	for symbol := range e.symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	return symbols
}

// symbol returns the state of the provided symbol.
func (e *Engine) symbol(symbol string) (*symbolState, bool) {
	e.symbolsMtx.RLock()
	defer e.symbolsMtx.RUnlock()

	ss, ok := e.symbols[symbol]
	return ss, ok
}

// Seed preloads the candle history of a symbol, used when candles are
// pushed rather than polled. Candles not newer than the history are ignored.
func (e *Engine) Seed(symbol string, candles []shared.Candle) int {
	ss, ok := e.symbol(symbol)
	if !ok {
		return 0
	}

	ss.mtx.Lock()
	defer ss.mtx.Unlock()

	added := 0
	for idx := range candles {
		if ss.history.Update(candles[idx]) == nil {
			added++
		}
	}

	return added
}

// ResetSession discards all strategy state at the start of a new session
// and lifts halted entries. Candle history carries over since the moving
// average of the opening candles spans the previous session. Entry orders
// left working expire with the session and positions closed before the
// session are pruned from the ledger.
func (e *Engine) ResetSession(start time.Time) {
	e.symbolsMtx.RLock()
	for _, ss := range e.symbols {
		ss.mtx.Lock()
		ss.state.Reset()
		if ss.entry != nil {
			e.cfg.Logger.Warn().Msgf("%s: dropping entry order %s left working", ss.state.Symbol, ss.entry.orderID)
			ss.entry = nil
			e.cfg.Gate.ReleaseEntry()
		}
		ss.mtx.Unlock()
	}
	e.symbolsMtx.RUnlock()

	pruned := e.cfg.Ledger.PruneClosed(start)
	e.entriesHalted.Store(false)
	e.cfg.Logger.Info().Msgf("session reset, pruned %d closed positions", pruned)
}

// HaltEntries stops or resumes new entries. Exits are unaffected.
func (e *Engine) HaltEntries(halted bool) {
	if e.entriesHalted.Swap(halted) == halted {
		return
	}

	if halted {
		e.cfg.Logger.Warn().Msg("new entries halted")
		return
	}
	e.cfg.Logger.Info().Msg("new entries resumed")
}

// EntriesHalted checks whether new entries are halted.
func (e *Engine) EntriesHalted() bool {
	return e.entriesHalted.Load()
}

// Settings returns the current trading settings.
func (e *Engine) Settings() Settings {
	e.settingsMtx.RLock()
	defer e.settingsMtx.RUnlock()

	return e.settings
}

// UpdateSettings applies the provided partial settings update.
func (e *Engine) UpdateSettings(update SettingsUpdate) (Settings, error) {
	e.settingsMtx.Lock()
	defer e.settingsMtx.Unlock()

	next := update.Apply(e.settings)
	err := next.Validate()
	if err != nil {
		return e.settings, fmt.Errorf("validating settings: %w", err)
	}

	e.settings = next
	e.cfg.Logger.Info().Msgf("settings updated: dry run %v, capital %.2f, risk %.2f%%, leverage %.2f, sizing %s",
		next.DryRun, next.Capital, next.RiskPercent, next.Leverage, next.Sizing)

	return next, nil
}

// record appends an event of the provided symbol to the strategy log.
func (e *Engine) record(symbol string, kind strategy.EventKind, at time.Time, format string, args ...any) {
	e.log.Append(LogEntry{
		Timestamp: at,
		Symbol:    symbol,
		Event:     kind,
		Message:   fmt.Sprintf(format, args...),
	})
}

// recordEvents appends the provided strategy events to the strategy log.
func (e *Engine) recordEvents(symbol string, events []strategy.Event) {
	for _, ev := range events {
		e.log.Append(LogEntry{
			Timestamp: ev.Time,
			Symbol:    symbol,
			Event:     ev.Kind,
			Message:   ev.Message,
		})
		e.cfg.Logger.Info().Msgf("%s: %s %s", symbol, ev.Kind, ev.Message)
	}
}

// escalate halts new entries on session level failures.
func (e *Engine) escalate(err error) {
	if errors.Is(err, shared.ErrRetriesExhausted) || shared.IsKind(err, shared.AuthExpired) {
		e.cfg.Logger.Error().Msgf("session level failure: %v", err)
		e.HaltEntries(true)
	}
}

// confirmOrder waits for the provided order to leave the pending status.
// Orders still working once the retry policy gives up are reported pending
// without an error.
func (e *Engine) confirmOrder(ctx context.Context, symbol string, orderID string) (shared.OrderStatus, error) {
	op := fmt.Sprintf("confirm %s order %s", symbol, orderID)
	status, err := shared.Retry(ctx, e.cfg.Retry, op, func(ctx context.Context) (shared.OrderStatus, error) {
		status, err := e.cfg.Brokerage.FetchOrderStatus(ctx, orderID)
		if err != nil {
			return status, err
		}
		if status == shared.OrderPending {
			return status, shared.NewError(shared.TransientNetwork, op, errOrderPending)
		}

		return status, nil
	})
	if err != nil {
		if errors.Is(err, errOrderPending) {
			e.cfg.Logger.Warn().Msgf("%s: order %s still pending", symbol, orderID)
			return shared.OrderPending, nil
		}

		return status, err
	}

	if status.Failed() {
		return status, shared.Errorf(shared.InvalidInput, op, "order %s", status)
	}

	return status, nil
}

// submit places and confirms the provided order, returning its id and
// status. The status is either complete or pending. Dry runs simulate the
// fill without contacting the brokerage.
func (e *Engine) submit(ctx context.Context, req shared.OrderRequest) (string, shared.OrderStatus, error) {
	if e.Settings().DryRun {
		return "DRY-" + uuid.New().String(), shared.OrderComplete, nil
	}

	op := fmt.Sprintf("place %s %s order", req.Symbol, req.Type)
	resp, err := shared.Retry(ctx, e.cfg.Retry, op, func(ctx context.Context) (shared.OrderResponse, error) {
		return e.cfg.Brokerage.PlaceOrder(ctx, req)
	})
	if err != nil {
		return "", shared.OrderPending, err
	}

	status, err := e.confirmOrder(ctx, req.Symbol, resp.OrderID)
	if err != nil {
		return resp.OrderID, status, err
	}

	return resp.OrderID, status, nil
}

// fetchStatus fetches the current status of the provided order once, retrying
// only failed lookups.
func (e *Engine) fetchStatus(ctx context.Context, symbol string, orderID string) (shared.OrderStatus, error) {
	op := fmt.Sprintf("check %s order %s", symbol, orderID)
	return shared.Retry(ctx, e.cfg.Retry, op, func(ctx context.Context) (shared.OrderStatus, error) {
		return e.cfg.Brokerage.FetchOrderStatus(ctx, orderID)
	})
}

// executeEntry sizes, authorizes and places the provided entry, recording
// the position once the brokerage confirms the order. An entry still working
// at the exchange is kept pending for later cycles to resolve. A failed entry
// leaves the strategy state unchanged so a later candle can trigger it again.
func (e *Engine) executeEntry(ctx context.Context, ss *symbolState, signal *shared.EntrySignal) {
	symbol := signal.Symbol
	at := e.cfg.Now()

	if e.EntriesHalted() {
		e.record(symbol, EntrySkipped, at, "entries halted, skipping %s entry @ %.2f",
			signal.Direction, signal.EntryPrice)
		return
	}

	settings := e.Settings()
	qty := settings.Quantity(signal.EntryPrice, signal.StopLoss)

	err := e.cfg.Gate.Validate(ctx, risk.Intent{
		Symbol:   symbol,
		Side:     signal.Direction.EntrySide(),
		Quantity: qty,
		Price:    signal.EntryPrice,
		Opening:  true,
	})
	if err != nil {
		e.record(symbol, RiskRejected, at, "%s entry of %d @ %.2f rejected: %v",
			signal.Direction, qty, signal.EntryPrice, err)
		e.cfg.Logger.Warn().Msgf("%s: entry rejected: %v", symbol, err)
		return
	}

	orderID, status, err := e.submit(ctx, shared.OrderRequest{
		Symbol:   symbol,
		Exchange: shared.Exchange,
		Side:     signal.Direction.EntrySide(),
		Type:     shared.LimitOrder,
		Quantity: qty,
		Price:    signal.EntryPrice,
	})
	if err != nil {
		e.cfg.Gate.ReleaseEntry()
		e.record(symbol, OrderFailed, at, "%s entry of %d @ %.2f failed: %v",
			signal.Direction, qty, signal.EntryPrice, err)
		e.cfg.Logger.Error().Msgf("%s: entry order failed: %v", symbol, err)
		e.escalate(err)
		return
	}

	if status == shared.OrderPending {
		ss.entry = &pendingEntry{orderID: orderID, signal: *signal, quantity: qty, placedAt: at}
		e.record(symbol, EntryPending, at, "%s entry of %d @ %.2f working, order %s",
			signal.Direction, qty, signal.EntryPrice, orderID)
		return
	}

	e.openPosition(ss, signal, qty, orderID, at)
}

// openPosition records the position of a filled entry order.
func (e *Engine) openPosition(ss *symbolState, signal *shared.EntrySignal, qty int, orderID string, at time.Time) {
	symbol := signal.Symbol

	pos, err := position.NewPosition(signal, qty, orderID, at)
	if err != nil {
		e.cfg.Gate.ReleaseEntry()
		e.cfg.Logger.Error().Msgf("%s: creating position for order %s: %v", symbol, orderID, err)
		return
	}

	err = e.cfg.Ledger.Open(pos)
	if err != nil {
		e.cfg.Gate.ReleaseEntry()
		e.cfg.Logger.Error().Msgf("%s: recording position for order %s: %v\n%s",
			symbol, orderID, err, spew.Sdump(pos))
		return
	}

	e.cfg.Gate.RecordEntry()

	err = ss.state.ConfirmEntry(signal)
	if err != nil {
		e.cfg.Logger.Error().Msgf("%s: confirming entry: %v", symbol, err)
	}

	e.record(symbol, strategy.PositionEntered, at, "%s %d @ %.2f, stop %.2f, target %.2f, order %s",
		signal.Direction, qty, signal.EntryPrice, signal.StopLoss, signal.Target, orderID)
}

// executeExit authorizes and places a market exit for the symbol's active
// position, closing it once the brokerage confirms the order. A failed exit
// keeps the position active with a pending exit retried on the next cycle,
// an exit still working is confirmed by later cycles instead.
func (e *Engine) executeExit(ctx context.Context, ss *symbolState, signal *shared.ExitSignal) bool {
	symbol := signal.Symbol
	at := e.cfg.Now()

	pos, ok := e.cfg.Ledger.Active(symbol)
	if !ok {
		e.cfg.Logger.Error().Msgf("%s: %s exit without an active position", symbol, signal.Reason)
		return false
	}

	fail := func(err error) bool {
		merr := e.cfg.Ledger.MarkPendingExit(symbol, signal.Price, signal.Reason, err)
		if merr != nil {
			e.cfg.Logger.Error().Msgf("%s: marking pending exit: %v", symbol, merr)
		}

		e.record(symbol, OrderFailed, at, "%s exit of %d @ %.2f failed: %v",
			signal.Reason, pos.Quantity, signal.Price, err)
		e.cfg.Logger.Error().Msgf("%s: exit order failed: %v", symbol, err)
		return false
	}

	err := e.cfg.Gate.Validate(ctx, risk.Intent{
		Symbol:   symbol,
		Side:     pos.Direction.ExitSide(),
		Quantity: pos.Quantity,
	})
	if err != nil {
		return fail(err)
	}

	orderID, status, err := e.submit(ctx, shared.OrderRequest{
		Symbol:   symbol,
		Exchange: shared.Exchange,
		Side:     pos.Direction.ExitSide(),
		Type:     shared.MarketOrder,
		Quantity: pos.Quantity,
	})
	if err != nil {
		return fail(err)
	}

	if status == shared.OrderPending {
		err = e.cfg.Ledger.AwaitExit(symbol, signal.Price, signal.Reason, orderID)
		if err != nil {
			e.cfg.Logger.Error().Msgf("%s: awaiting exit order %s: %v", symbol, orderID, err)
		}

		e.record(symbol, ExitPending, at, "%s exit of %d @ %.2f working, order %s",
			signal.Reason, pos.Quantity, signal.Price, orderID)
		return false
	}

	return e.closePosition(ctx, ss, signal, orderID, at)
}

// closePosition records the close of the symbol's active position once its
// exit order filled.
func (e *Engine) closePosition(ctx context.Context, ss *symbolState, signal *shared.ExitSignal, orderID string, at time.Time) bool {
	symbol := signal.Symbol

	closed, err := e.cfg.Ledger.Close(symbol, signal.Price, signal.Reason, orderID, at)
	if err != nil {
		e.cfg.Logger.Error().Msgf("%s: closing position for order %s: %v", symbol, orderID, err)
		return false
	}

	e.cfg.Gate.RecordExit(closed.RealizedPNL)
	ss.state.Complete(strategy.PositionClosed, at)
	e.record(symbol, strategy.PositionClosed, at, "%s @ %.2f, realized pnl %.2f, order %s",
		signal.Reason, signal.Price, closed.RealizedPNL, orderID)

	err = e.cfg.PersistClosedPosition(ctx, &closed)
	if err != nil {
		e.cfg.Logger.Error().Msgf("%s: persisting closed position %s: %v", symbol, closed.ID, err)
	}

	return true
}

// timedExit returns the forced exit reason due at the provided time, if any.
func (e *Engine) timedExit(now time.Time) shared.ExitReason {
	switch {
	case e.cfg.EmergencyExit.Reached(now):
		return shared.EmergencyExit
	case e.cfg.ForceExit.Reached(now):
		return shared.ForceExit
	default:
		return shared.NoExit
	}
}

// fallback monitors an active position against the last traded price when
// candles are unavailable.
func (e *Engine) fallback(ctx context.Context, ss *symbolState, pos position.Position, cause error) {
	symbol := pos.Symbol
	now := e.cfg.Now()

	prices, err := e.cfg.Brokerage.FetchLastPrices(ctx, []string{symbol})
	if err != nil || prices[symbol] <= 0 {
		e.cfg.Logger.Warn().Msgf("%s: no candles (%v) and no last price (%v), keeping last known price %.2f",
			symbol, cause, err, pos.CurrentPrice)
		return
	}

	ltp := prices[symbol]
	e.record(symbol, PriceFallback, now, "candles unavailable, monitoring @ last price %.2f", ltp)

	_, err = e.cfg.Ledger.UpdatePrice(symbol, ltp)
	if err != nil {
		e.cfg.Logger.Error().Msgf("%s: updating price: %v", symbol, err)
		return
	}

	synthetic := shared.Candle{Symbol: symbol, Open: ltp, High: ltp, Low: ltp, Close: ltp, Date: now}
	price, reason := strategy.EvaluateExit(synthetic, pos.Direction, pos.StopLoss, pos.Target)
	if reason == shared.NoExit {
		return
	}

	e.record(symbol, strategy.ExitTriggered, now, "%s exit triggered @ %.2f on last price", reason, price)
	e.executeExit(ctx, ss, &shared.ExitSignal{Symbol: symbol, Price: price, Reason: reason, CreatedOn: now})
}

// evaluate advances the symbol's strategy state by the provided candle and
// executes the resulting signals.
func (e *Engine) evaluate(ctx context.Context, ss *symbolState, candle shared.Candle, history []shared.Candle) {
	symbol := ss.state.Symbol

	if !ss.state.LastCandle.IsZero() && !candle.Date.After(ss.state.LastCandle) {
		return
	}

	if _, ok := e.cfg.Ledger.Active(symbol); ok {
		_, err := e.cfg.Ledger.UpdatePrice(symbol, candle.Close)
		if err != nil {
			e.cfg.Logger.Error().Msgf("%s: updating price: %v", symbol, err)
		}
	}

	d := ss.state.Advance(candle, history, e.cfg.Params)
	e.recordEvents(symbol, d.Events)

	if d.Entry != nil {
		e.executeEntry(ctx, ss, d.Entry)
	}
	if d.Exit != nil {
		e.executeExit(ctx, ss, d.Exit)
	}
}

// guard runs fn holding the symbol's mutex, recovering and logging panics
// so a fault in one symbol never affects the others.
func (e *Engine) guard(symbol string, fn func(ss *symbolState)) {
	ss, ok := e.symbol(symbol)
	if !ok {
		return
	}

	ss.mtx.Lock()
	defer ss.mtx.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.record(symbol, EvaluationFailed, e.cfg.Now(), "evaluation panicked: %v", r)
			e.cfg.Logger.Error().Msgf("%s: recovered from evaluation panic: %v\n%s", symbol, r, debug.Stack())
		}
	}()

	fn(ss)
}

// resolveEntry checks a working entry order, opening the position once it
// filled and releasing its slot once it failed. Entries still working when
// entries close for the day are cancelled. It reports whether the entry is
// resolved.
func (e *Engine) resolveEntry(ctx context.Context, ss *symbolState, now time.Time) bool {
	pending := ss.entry
	symbol := pending.signal.Symbol

	status, err := e.fetchStatus(ctx, symbol, pending.orderID)
	if err != nil {
		e.cfg.Logger.Warn().Msgf("%s: checking entry order %s: %v", symbol, pending.orderID, err)
		e.escalate(err)
		return false
	}

	switch {
	case status == shared.OrderComplete:
		ss.entry = nil
		e.openPosition(ss, &pending.signal, pending.quantity, pending.orderID, now)
		return true

	case status.Failed():
		ss.entry = nil
		e.cfg.Gate.ReleaseEntry()
		e.record(symbol, OrderFailed, now, "%s entry order %s %s",
			pending.signal.Direction, pending.orderID, status)
		return true
	}

	if !e.cfg.Params.EntryCutoff.Reached(now) && e.timedExit(now) == shared.NoExit {
		e.cfg.Logger.Debug().Msgf("%s: entry order %s working since %s", symbol, pending.orderID,
			pending.placedAt.Format(shared.DateTimeLayout))
		return false
	}

	err = e.cfg.Brokerage.CancelOrder(ctx, pending.orderID)
	if err != nil {
		e.cfg.Logger.Error().Msgf("%s: cancelling entry order %s: %v", symbol, pending.orderID, err)
		return false
	}

	ss.entry = nil
	e.cfg.Gate.ReleaseEntry()
	e.record(symbol, EntryCancelled, now, "%s entry order %s unfilled at %s, cancelled",
		pending.signal.Direction, pending.orderID, now.Format(shared.DateTimeLayout))
	return true
}

// confirmExit checks a working exit order, closing the position once it
// filled. A failed exit order is placed again on the next cycle.
func (e *Engine) confirmExit(ctx context.Context, ss *symbolState, pos position.Position, now time.Time) {
	symbol := pos.Symbol
	pending := pos.PendingExit

	status, err := e.fetchStatus(ctx, symbol, pending.OrderID)
	if err != nil {
		e.cfg.Logger.Warn().Msgf("%s: checking exit order %s: %v", symbol, pending.OrderID, err)
		return
	}

	switch {
	case status == shared.OrderComplete:
		e.closePosition(ctx, ss, &shared.ExitSignal{
			Symbol:    symbol,
			Price:     pending.Price,
			Reason:    pending.Reason,
			CreatedOn: now,
		}, pending.OrderID, now)

	case status.Failed():
		cause := fmt.Errorf("exit order %s %s", pending.OrderID, status)
		err = e.cfg.Ledger.MarkPendingExit(symbol, pending.Price, pending.Reason, cause)
		if err != nil {
			e.cfg.Logger.Error().Msgf("%s: marking pending exit: %v", symbol, err)
		}
		e.record(symbol, OrderFailed, now, "%s exit of %d @ %.2f failed: %v",
			pending.Reason, pos.Quantity, pending.Price, cause)

	default:
		e.cfg.Logger.Debug().Msgf("%s: exit order %s still working", symbol, pending.OrderID)
	}
}

// settle resolves a working entry, confirms or retries a pending exit of
// the symbol's active position or closes it once a timed exit is due. It
// reports whether the cycle should stop short of evaluating candles.
func (e *Engine) settle(ctx context.Context, ss *symbolState, now time.Time) bool {
	if ss.entry != nil && !e.resolveEntry(ctx, ss, now) {
		return true
	}

	symbol := ss.state.Symbol
	pos, active := e.cfg.Ledger.Active(symbol)
	if !active {
		return false
	}

	if pos.PendingExit != nil {
		if pos.PendingExit.OrderID != "" {
			e.confirmExit(ctx, ss, pos, now)
			return true
		}

		e.cfg.Logger.Info().Msgf("%s: retrying pending %s exit (attempt %d)",
			symbol, pos.PendingExit.Reason, pos.PendingExit.Attempts+1)
		e.executeExit(ctx, ss, &shared.ExitSignal{
			Symbol:    symbol,
			Price:     pos.PendingExit.Price,
			Reason:    pos.PendingExit.Reason,
			CreatedOn: now,
		})
		return true
	}

	reason := e.timedExit(now)
	if reason == shared.NoExit {
		return false
	}

	e.record(symbol, TimedExit, now, "%s due, closing @ last price %.2f", reason, pos.CurrentPrice)
	e.executeExit(ctx, ss, &shared.ExitSignal{
		Symbol:    symbol,
		Price:     pos.CurrentPrice,
		Reason:    reason,
		CreatedOn: now,
	})
	return true
}

// process runs one cycle for the provided symbol. A provided candle extends
// the history first. Working orders, pending and timed exits are settled
// next, then the provided candle or, when none is provided, the latest
// polled candle is evaluated.
func (e *Engine) process(ctx context.Context, symbol string, candle *shared.Candle) {
	e.guard(symbol, func(ss *symbolState) {
		now := e.cfg.Now()
		if candle != nil {
			err := ss.history.Update(*candle)
			if err != nil {
				e.cfg.Logger.Debug().Msgf("%s: %v", symbol, err)
				return
			}
		}

		if e.settle(ctx, ss, now) {
			return
		}

		pos, active := e.cfg.Ledger.Active(symbol)
		if ss.state.TradeCompleted && !active {
			return
		}

		if candle != nil {
			e.evaluate(ctx, ss, *candle, ss.history.LastN(int32(e.cfg.Lookback)))
			return
		}

		candles, err := e.cfg.Poll(ctx, symbol)
		if err != nil {
			if active {
				e.fallback(ctx, ss, pos, err)
				return
			}

			e.cfg.Logger.Warn().Msgf("%s: skipping cycle: %v", symbol, err)
			return
		}

		for idx := range candles {
			// Candles already held are rejected, only newer ones extend the history.
			_ = ss.history.Update(candles[idx])
		}

		latest, ok := ss.history.Last()
		if !ok || !shared.SameDay(latest.Date, now) {
			e.cfg.Logger.Debug().Msgf("%s: no candle of the current session yet", symbol)
			return
		}

		e.evaluate(ctx, ss, latest, ss.history.LastN(int32(e.cfg.Lookback)))
	})
}

// Supervise settles working entries, pending and timed exits of every
// symbol without evaluating candles. It keeps exits timely when candles are
// pushed.
func (e *Engine) Supervise(ctx context.Context) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	now := e.cfg.Now()
	for _, symbol := range e.Symbols() {
		e.guard(symbol, func(ss *symbolState) {
			e.settle(ctx, ss, now)
		})
	}
}

// dispatch runs process for the provided symbol on a worker.
func (e *Engine) dispatch(ctx context.Context, wg *sync.WaitGroup, symbol string, candle *shared.Candle) {
	e.workers <- struct{}{}
	wg.Add(1)
	go func() {
		defer func() {
			<-e.workers
			wg.Done()
		}()

		e.process(ctx, symbol, candle)
	}()
}

// RunCycle polls and evaluates every monitored symbol for its latest
// completed candle. Symbols are processed concurrently and independently.
func (e *Engine) RunCycle(ctx context.Context) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	var wg sync.WaitGroup
	for _, symbol := range e.Symbols() {
		e.dispatch(ctx, &wg, symbol, nil)
	}
	wg.Wait()
}

// SendCandle relays the provided completed candle for evaluation.
func (e *Engine) SendCandle(candle shared.Candle) {
	select {
	case e.candles <- candle:
		// do nothing.
	default:
		e.cfg.Logger.Error().Msgf("candle channel at capacity: %d/%d", len(e.candles), bufferSize)
	}
}

// Wait blocks until in-flight cycles complete.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Run evaluates pushed candles until the context is done. Candles of a
// symbol are evaluated one at a time in the order received, distinct
// symbols concurrently.
func (e *Engine) Run(ctx context.Context) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	var wg sync.WaitGroup
	defer wg.Wait()

	// queued holds the candles awaiting each busy symbol.
	queued := make(map[string][]shared.Candle)
	done := make(chan string, maxWorkers)

	start := func(candle shared.Candle) {
		e.workers <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()

			e.process(ctx, candle.Symbol, &candle)
			<-e.workers

			select {
			case done <- candle.Symbol:
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case candle := <-e.candles:
			if _, busy := queued[candle.Symbol]; busy {
				queued[candle.Symbol] = append(queued[candle.Symbol], candle)
				continue
			}

			queued[candle.Symbol] = nil
			start(candle)

		case symbol := <-done:
			next := queued[symbol]
			if len(next) == 0 {
				delete(queued, symbol)
				continue
			}

			queued[symbol] = next[1:]
			start(next[0])
		}
	}
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	now := e.cfg.Now()
	positions := e.cfg.Ledger.Positions()

	e.symbolsMtx.RLock()
	states := make([]strategy.State, 0, len(e.symbols))
	for _, ss := range e.symbols {
		ss.mtx.Lock()
		states = append(states, ss.state.Snapshot())
		ss.mtx.Unlock()
	}
	e.symbolsMtx.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })

	settings := e.Settings()

	return Status{
		MarketOpen:           shared.IsMarketOpen(now),
		DryRun:               settings.DryRun,
		EntriesHalted:        e.EntriesHalted(),
		ActivePositionCount:  e.cfg.Ledger.ActiveCount(),
		TotalPositionCount:   len(positions),
		MonitoredSymbolCount: len(states),
		Positions:            positions,
		States:               states,
		Risk:                 e.cfg.Gate.Snapshot(),
		Settings:             settings,
		RecentLogs:           e.log.Recent(recentLogs),
	}
}
