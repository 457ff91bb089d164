package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vnarwal17/zerodha/shared"
)

const (
	// DefaultCircuitBand is the fraction around the last traded price orders
	// are allowed within.
	DefaultCircuitBand = 0.20
	// DefaultFreezeQuantity caps order quantity for symbols absent from the freeze table.
	DefaultFreezeQuantity = 1000
)

var (
	ErrDailyLossLimit     = errors.New("daily loss limit reached")
	ErrPositionSize       = errors.New("order value exceeds max position size")
	ErrMaxPositions       = errors.New("max open positions reached")
	ErrCircuitLimit       = errors.New("price beyond circuit limits")
	ErrFreezeQuantity     = errors.New("quantity exceeds freeze limit")
	ErrInsufficientMargin = errors.New("insufficient margin")
)

// DefaultFreezeQuantities returns the exchange freeze limits of commonly traded symbols.
func DefaultFreezeQuantities() map[string]int {
	return map[string]int{
		"RELIANCE":  10000,
		"TCS":       4000,
		"HDFCBANK":  3000,
		"INFY":      7000,
		"ICICIBANK": 4000,
		"SBIN":      15000,
	}
}

// Intent represents an order awaiting authorization.
type Intent struct {
	Symbol   string
	Side     shared.Side
	Quantity int
	// Price is the reference price of the order, zero when none is supplied.
	Price float64
	// Opening marks intents that add exposure. Exits only face the price
	// and quantity checks.
	Opening bool
}

// Notional returns the order value of the intent.
func (i *Intent) Notional() float64 {
	return decimal.NewFromFloat(i.Price).Mul(decimal.NewFromInt(int64(i.Quantity))).InexactFloat64()
}

// GateConfig represents the risk gate configuration.
type GateConfig struct {
	// MaxPositionSize is the maximum notional value of a single order.
	MaxPositionSize float64
	// MaxDailyLoss is the realized loss at which new entries stop.
	MaxDailyLoss float64
	// MaxPositions is the maximum number of concurrently open positions.
	MaxPositions int
	// CircuitBand is the allowed fractional deviation from the last traded price.
	CircuitBand float64
	// FreezeQuantities maps symbols to their maximum order quantity.
	FreezeQuantities map[string]int
	// DefaultFreezeQuantity caps symbols absent from the freeze table.
	DefaultFreezeQuantity int
	// FetchLastPrices fetches the last traded prices of the provided symbols.
	FetchLastPrices func(ctx context.Context, symbols []string) (map[string]float64, error)
	// FetchMargin fetches the available margin.
	FetchMargin func(ctx context.Context) (float64, error)
	// Logger represents the risk gate logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *GateConfig) Validate() error {
	var errs error

	if cfg.MaxPositionSize <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max position size must be positive"))
	}
	if cfg.MaxDailyLoss <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max daily loss must be positive"))
	}
	if cfg.MaxPositions <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max positions must be positive"))
	}
	if cfg.CircuitBand <= 0 || cfg.CircuitBand >= 1 {
		errs = errors.Join(errs, fmt.Errorf("circuit band must be within (0, 1)"))
	}
	if cfg.DefaultFreezeQuantity <= 0 {
		errs = errors.Join(errs, fmt.Errorf("default freeze quantity must be positive"))
	}
	if cfg.FetchLastPrices == nil {
		errs = errors.Join(errs, fmt.Errorf("fetch last prices function cannot be nil"))
	}
	if cfg.FetchMargin == nil {
		errs = errors.Join(errs, fmt.Errorf("fetch margin function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// State is a snapshot of the gate's aggregate counters.
type State struct {
	DailyPNL       float64
	PositionsCount int
	Reserved       int
}

// Gate authorizes order intents against daily loss, exposure, price band,
// freeze quantity and margin limits.
type Gate struct {
	cfg            *GateConfig
	mtx            sync.Mutex
	dailyPNL       decimal.Decimal
	positionsCount int
	reserved       int
}

// NewGate initializes a new risk gate.
func NewGate(cfg *GateConfig) (*Gate, error) {
	if cfg.CircuitBand == 0 {
		cfg.CircuitBand = DefaultCircuitBand
	}
	if cfg.DefaultFreezeQuantity == 0 {
		cfg.DefaultFreezeQuantity = DefaultFreezeQuantity
	}
	if cfg.FreezeQuantities == nil {
		cfg.FreezeQuantities = DefaultFreezeQuantities()
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating risk gate config: %w", err)
	}

	return &Gate{cfg: cfg}, nil
}

// violation classifies the provided rejection as a risk violation.
func violation(err error, format string, args ...any) error {
	return shared.NewError(shared.RiskViolation, "validate order intent",
		fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)))
}

// reserve checks the aggregate limits of an opening intent and holds a
// position slot for it until the entry is recorded or released.
func (g *Gate) reserve(intent *Intent) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	maxLoss := decimal.NewFromFloat(g.cfg.MaxDailyLoss).Neg()
	if g.dailyPNL.LessThanOrEqual(maxLoss) {
		return violation(ErrDailyLossLimit, "daily pnl %s, limit %s",
			g.dailyPNL.StringFixed(2), maxLoss.StringFixed(2))
	}

	notional := intent.Notional()
	if notional > g.cfg.MaxPositionSize {
		return violation(ErrPositionSize, "%s order value %.2f exceeds %.2f",
			intent.Symbol, notional, g.cfg.MaxPositionSize)
	}

	open := g.positionsCount + g.reserved
	if open >= g.cfg.MaxPositions {
		return violation(ErrMaxPositions, "%d/%d positions open", open, g.cfg.MaxPositions)
	}

	g.reserved++
	return nil
}

// checkCircuit asserts the reference price lies within the circuit band of
// the last traded price.
func (g *Gate) checkCircuit(ctx context.Context, intent *Intent) error {
	prices, err := g.cfg.FetchLastPrices(ctx, []string{intent.Symbol})
	if err != nil {
		return violation(ErrCircuitLimit, "fetching last price for %s: %v", intent.Symbol, err)
	}

	ltp := prices[intent.Symbol]
	if ltp <= 0 {
		return violation(ErrCircuitLimit, "no last price for %s", intent.Symbol)
	}

	lower := ltp * (1 - g.cfg.CircuitBand)
	upper := ltp * (1 + g.cfg.CircuitBand)
	if intent.Price < lower || intent.Price > upper {
		return violation(ErrCircuitLimit, "%s price %.2f outside [%.2f, %.2f]",
			intent.Symbol, intent.Price, lower, upper)
	}

	return nil
}

// checkFreeze asserts the quantity is within the symbol's freeze limit.
func (g *Gate) checkFreeze(intent *Intent) error {
	limit, ok := g.cfg.FreezeQuantities[intent.Symbol]
	if !ok {
		limit = g.cfg.DefaultFreezeQuantity
	}

	if intent.Quantity > limit {
		return violation(ErrFreezeQuantity, "%s quantity %d exceeds %d", intent.Symbol, intent.Quantity, limit)
	}

	return nil
}

// checkMargin asserts the order value is covered by available margin. A
// failed margin lookup only warns.
func (g *Gate) checkMargin(ctx context.Context, intent *Intent) error {
	available, err := g.cfg.FetchMargin(ctx)
	if err != nil {
		g.cfg.Logger.Warn().Msgf("could not check margin for %s: %v", intent.Symbol, err)
		return nil
	}

	notional := intent.Notional()
	if notional > available {
		return violation(ErrInsufficientMargin, "%s order value %.2f exceeds available %.2f",
			intent.Symbol, notional, available)
	}

	return nil
}

// Validate authorizes the provided intent or rejects it with a risk
// violation. Checks run in order and stop at the first failure.
//
// An authorized opening intent holds a position slot that must be settled
// with RecordEntry or ReleaseEntry.
func (g *Gate) Validate(ctx context.Context, intent Intent) error {
	if intent.Quantity <= 0 {
		return shared.Errorf(shared.InvalidInput, "validate order intent",
			"%s quantity must be positive, got %d", intent.Symbol, intent.Quantity)
	}

	if intent.Opening {
		err := g.reserve(&intent)
		if err != nil {
			return err
		}
	}

	err := g.checkIntent(ctx, &intent)
	if err != nil {
		if intent.Opening {
			g.ReleaseEntry()
		}
		return err
	}

	return nil
}

// checkIntent runs the per order checks.
func (g *Gate) checkIntent(ctx context.Context, intent *Intent) error {
	if intent.Price > 0 {
		err := g.checkCircuit(ctx, intent)
		if err != nil {
			return err
		}
	}

	err := g.checkFreeze(intent)
	if err != nil {
		return err
	}

	if intent.Opening {
		return g.checkMargin(ctx, intent)
	}

	return nil
}

// RecordEntry settles a reserved slot as an open position.
func (g *Gate) RecordEntry() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.reserved > 0 {
		g.reserved--
	}
	g.positionsCount++
}

// ReleaseEntry frees a reserved slot whose entry did not fill.
func (g *Gate) ReleaseEntry() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.reserved > 0 {
		g.reserved--
	}
}

// RecordExit closes an open position, adding its realized pnl to the day.
func (g *Gate) RecordExit(pnl float64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.positionsCount > 0 {
		g.positionsCount--
	}
	g.dailyPNL = g.dailyPNL.Add(decimal.NewFromFloat(pnl))
}

// ResetDaily clears the daily pnl at the start of a session. Open positions
// carry over.
func (g *Gate) ResetDaily() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	g.dailyPNL = decimal.Zero
}

// Snapshot returns the current counters.
func (g *Gate) Snapshot() State {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	return State{
		DailyPNL:       g.dailyPNL.InexactFloat64(),
		PositionsCount: g.positionsCount,
		Reserved:       g.reserved,
	}
}

// UpdateLimits replaces the position size, daily loss and position count limits.
func (g *Gate) UpdateLimits(maxPositionSize float64, maxDailyLoss float64, maxPositions int) error {
	if maxPositionSize <= 0 || maxDailyLoss <= 0 || maxPositions <= 0 {
		return fmt.Errorf("risk limits must be positive")
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	g.cfg.MaxPositionSize = maxPositionSize
	g.cfg.MaxDailyLoss = maxDailyLoss
	g.cfg.MaxPositions = maxPositions
	return nil
}
