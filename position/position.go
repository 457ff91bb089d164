package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vnarwal17/zerodha/shared"
)

// Status represents the status of a position.
type Status int

const (
	Active Status = iota
	Closed
)

// String stringifies the provided position status.
func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PendingExit represents an exit that was triggered but not yet confirmed by the brokerage.
// An exit with an order id is working at the exchange and awaits its fill.
type PendingExit struct {
	Price     float64
	Reason    shared.ExitReason
	OrderID   string
	Attempts  int
	LastError string
}

// Position represents an intraday position opened by a confirmed entry.
type Position struct {
	ID            string
	Symbol        string
	Direction     shared.Direction
	EntryPrice    float64
	CurrentPrice  float64
	StopLoss      float64
	Target        float64
	Quantity      int
	Status        Status
	UnrealizedPNL float64
	RealizedPNL   float64
	ExitPrice     float64
	ExitReason    shared.ExitReason
	EntryTime     time.Time
	ExitTime      time.Time
	EntryOrderID  string
	ExitOrderID   string
	PendingExit   *PendingExit
}

// NewPosition initializes a new active position from the provided entry.
func NewPosition(entry *shared.EntrySignal, quantity int, orderID string, at time.Time) (*Position, error) {
	if entry == nil {
		return nil, fmt.Errorf("entry signal cannot be nil")
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%s: position quantity must be positive, got %d", entry.Symbol, quantity)
	}
	if entry.Direction != shared.Long && entry.Direction != shared.Short {
		return nil, fmt.Errorf("%s: unknown direction for position: %s", entry.Symbol, entry.Direction)
	}

	pos := &Position{
		ID:           uuid.New().String(),
		Symbol:       entry.Symbol,
		Direction:    entry.Direction,
		EntryPrice:   entry.EntryPrice,
		CurrentPrice: entry.EntryPrice,
		StopLoss:     entry.StopLoss,
		Target:       entry.Target,
		Quantity:     quantity,
		Status:       Active,
		EntryTime:    at,
		EntryOrderID: orderID,
	}

	return pos, nil
}

// PNL returns the profit or loss of the position at the provided price.
func (p *Position) PNL(price float64) float64 {
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.EntryPrice))
	if p.Direction == shared.Short {
		diff = diff.Neg()
	}

	return diff.Mul(decimal.NewFromInt(int64(p.Quantity))).Round(2).InexactFloat64()
}

// UpdatePrice marks the position to the provided price, returning the unrealized pnl.
func (p *Position) UpdatePrice(price float64) (float64, error) {
	if p.Status != Active {
		return 0, fmt.Errorf("%s: cannot update %s position %s", p.Symbol, p.Status, p.ID)
	}

	p.CurrentPrice = price
	p.UnrealizedPNL = p.PNL(price)
	return p.UnrealizedPNL, nil
}

// Close closes the position at the provided price. A position closes exactly once.
func (p *Position) Close(price float64, reason shared.ExitReason, orderID string, at time.Time) (float64, error) {
	if p.Status == Closed {
		return 0, fmt.Errorf("%s: position %s already closed (%s)", p.Symbol, p.ID, p.ExitReason)
	}

	p.CurrentPrice = price
	p.ExitPrice = price
	p.ExitReason = reason
	p.ExitOrderID = orderID
	p.ExitTime = at
	p.RealizedPNL = p.PNL(price)
	p.UnrealizedPNL = 0
	p.PendingExit = nil
	p.Status = Closed

	return p.RealizedPNL, nil
}

// Copy returns a deep copy of the position.
func (p *Position) Copy() Position {
	cp := *p
	if p.PendingExit != nil {
		pending := *p.PendingExit
		cp.PendingExit = &pending
	}

	return cp
}
