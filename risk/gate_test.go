package risk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/shared"
)

// brokerMock serves last prices and margin for the gate.
type brokerMock struct {
	prices    map[string]float64
	pricesErr error
	margin    float64
	marginErr error
	ltpCalls  int
}

func (b *brokerMock) FetchLastPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	b.ltpCalls++
	return b.prices, b.pricesErr
}

func (b *brokerMock) FetchMargin(ctx context.Context) (float64, error) {
	return b.margin, b.marginErr
}

func setupGate(t *testing.T, broker *brokerMock) *Gate {
	logger := zerolog.Nop()
	gate, err := NewGate(&GateConfig{
		MaxPositionSize: 100000,
		MaxDailyLoss:    10000,
		MaxPositions:    2,
		FetchLastPrices: broker.FetchLastPrices,
		FetchMargin:     broker.FetchMargin,
		Logger:          &logger,
	})
	assert.NoError(t, err)

	return gate
}

func newBroker() *brokerMock {
	return &brokerMock{
		prices: map[string]float64{"SBIN": 100, "INFY": 1500, "XYZ": 50},
		margin: 500000,
	}
}

func TestGateConfigValidate(t *testing.T) {
	logger := zerolog.Nop()
	broker := newBroker()
	baseCfg := &GateConfig{
		MaxPositionSize:       100000,
		MaxDailyLoss:          10000,
		MaxPositions:          5,
		CircuitBand:           0.2,
		DefaultFreezeQuantity: 1000,
		FetchLastPrices:       broker.FetchLastPrices,
		FetchMargin:           broker.FetchMargin,
		Logger:                &logger,
	}

	tests := []struct {
		name        string
		modify      func(cfg *GateConfig)
		wantErr     bool
		errContains []string
	}{
		{
			name:    "valid config returns nil",
			modify:  func(cfg *GateConfig) {},
			wantErr: false,
		},
		{
			name:        "non positive limits",
			modify:      func(cfg *GateConfig) { cfg.MaxPositionSize = 0; cfg.MaxDailyLoss = -1; cfg.MaxPositions = 0 },
			wantErr:     true,
			errContains: []string{"max position size", "max daily loss", "max positions"},
		},
		{
			name:        "circuit band out of range",
			modify:      func(cfg *GateConfig) { cfg.CircuitBand = 1.5 },
			wantErr:     true,
			errContains: []string{"circuit band"},
		},
		{
			name: "missing collaborators",
			modify: func(cfg *GateConfig) {
				cfg.FetchLastPrices = nil
				cfg.FetchMargin = nil
				cfg.Logger = nil
			},
			wantErr: true,
			errContains: []string{
				"fetch last prices function cannot be nil",
				"fetch margin function cannot be nil",
				"logger cannot be nil",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *baseCfg
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				for _, substr := range tt.errContains {
					assert.True(t, strings.Contains(err.Error(), substr))
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGateValidate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(g *Gate, b *brokerMock)
		intent  Intent
		wantErr error
	}{
		{
			name:   "authorized entry",
			intent: Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 500, Price: 100, Opening: true},
		},
		{
			name:    "position size exceeded while all else passes",
			intent:  Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 2000, Price: 100, Opening: true},
			wantErr: ErrPositionSize,
		},
		{
			name: "daily loss limit reached",
			setup: func(g *Gate, b *brokerMock) {
				g.RecordEntry()
				g.RecordExit(-10000)
			},
			intent:  Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 10, Price: 100, Opening: true},
			wantErr: ErrDailyLossLimit,
		},
		{
			name: "max positions reached",
			setup: func(g *Gate, b *brokerMock) {
				g.RecordEntry()
				g.RecordEntry()
			},
			intent:  Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 10, Price: 100, Opening: true},
			wantErr: ErrMaxPositions,
		},
		{
			name:    "price above circuit band",
			intent:  Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 10, Price: 121, Opening: true},
			wantErr: ErrCircuitLimit,
		},
		{
			name:    "price below circuit band",
			intent:  Intent{Symbol: "SBIN", Side: shared.Sell, Quantity: 10, Price: 79, Opening: true},
			wantErr: ErrCircuitLimit,
		},
		{
			name:    "last price unavailable",
			setup:   func(g *Gate, b *brokerMock) { b.pricesErr = errors.New("timeout") },
			intent:  Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 10, Price: 100, Opening: true},
			wantErr: ErrCircuitLimit,
		},
		{
			name:    "default freeze quantity applies to unlisted symbols",
			intent:  Intent{Symbol: "XYZ", Side: shared.Buy, Quantity: 1001, Price: 50, Opening: true},
			wantErr: ErrFreezeQuantity,
		},
		{
			name:    "insufficient margin",
			setup:   func(g *Gate, b *brokerMock) { b.margin = 1000 },
			intent:  Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 500, Price: 100, Opening: true},
			wantErr: ErrInsufficientMargin,
		},
		{
			name:   "margin lookup failure only warns",
			setup:  func(g *Gate, b *brokerMock) { b.marginErr = errors.New("timeout") },
			intent: Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 500, Price: 100, Opening: true},
		},
		{
			name: "exits bypass exposure limits",
			setup: func(g *Gate, b *brokerMock) {
				g.RecordEntry()
				g.RecordEntry()
				g.RecordExit(-20000)
				g.RecordEntry()
				b.margin = 0
			},
			intent: Intent{Symbol: "SBIN", Side: shared.Sell, Quantity: 2000, Opening: false},
		},
		{
			name:    "exits still face the freeze limit",
			intent:  Intent{Symbol: "XYZ", Side: shared.Sell, Quantity: 5000, Opening: false},
			wantErr: ErrFreezeQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newBroker()
			gate := setupGate(t, broker)
			if tt.setup != nil {
				tt.setup(gate, broker)
			}

			before := gate.Snapshot()
			err := gate.Validate(ctx, tt.intent)
			after := gate.Snapshot()

			if tt.wantErr != nil {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Equal(t, shared.KindOf(err), shared.RiskViolation)

				// Ensure rejected intents hold no slot.
				assert.Equal(t, after.Reserved, before.Reserved)
				return
			}

			assert.NoError(t, err)
			if tt.intent.Opening {
				assert.Equal(t, after.Reserved, before.Reserved+1)
			}
		})
	}
}

func TestGateShortCircuits(t *testing.T) {
	broker := newBroker()
	gate := setupGate(t, broker)

	// Ensure later checks are not reached once an earlier one fails.
	err := gate.Validate(context.Background(), Intent{Symbol: "SBIN", Quantity: 2000, Price: 100, Opening: true})
	assert.True(t, errors.Is(err, ErrPositionSize))
	assert.Equal(t, broker.ltpCalls, 0)

	// Ensure intents without a reference price skip the circuit check.
	err = gate.Validate(context.Background(), Intent{Symbol: "SBIN", Quantity: 10, Opening: false})
	assert.NoError(t, err)
	assert.Equal(t, broker.ltpCalls, 0)

	// Ensure non positive quantities are invalid input.
	err = gate.Validate(context.Background(), Intent{Symbol: "SBIN", Quantity: 0, Price: 100, Opening: true})
	assert.Equal(t, shared.KindOf(err), shared.InvalidInput)
}

func TestGateCounters(t *testing.T) {
	ctx := context.Background()
	gate := setupGate(t, newBroker())
	intent := Intent{Symbol: "SBIN", Side: shared.Buy, Quantity: 100, Price: 100, Opening: true}

	// Ensure authorized entries reserve slots so concurrent entries cannot
	// exceed the position limit.
	assert.NoError(t, gate.Validate(ctx, intent))
	assert.NoError(t, gate.Validate(ctx, intent))
	err := gate.Validate(ctx, intent)
	assert.True(t, errors.Is(err, ErrMaxPositions))

	// Ensure released and recorded reservations settle the counters.
	gate.ReleaseEntry()
	gate.RecordEntry()
	assert.Equal(t, gate.Snapshot(), State{PositionsCount: 1})

	// Ensure exits realize pnl and free the position.
	gate.RecordExit(-250.5)
	assert.Equal(t, gate.Snapshot(), State{DailyPNL: -250.5})

	// Ensure exits never drive the position count negative.
	gate.RecordExit(100)
	assert.Equal(t, gate.Snapshot().PositionsCount, 0)
	assert.Equal(t, gate.Snapshot().DailyPNL, -150.5)

	// Ensure the daily reset clears pnl but keeps open positions.
	gate.RecordEntry()
	gate.ResetDaily()
	assert.Equal(t, gate.Snapshot(), State{PositionsCount: 1})

	// Ensure limits can be updated at runtime.
	assert.Error(t, gate.UpdateLimits(0, 1, 1))
	assert.NoError(t, gate.UpdateLimits(100000, 10000, 1))
	err = gate.Validate(ctx, intent)
	assert.True(t, errors.Is(err, ErrMaxPositions))
}
