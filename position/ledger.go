package position

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vnarwal17/zerodha/shared"
)

// Ledger tracks the positions of the trading session. At most one position
// per symbol is active at a time. Callers receive copies, mutation goes
// through the ledger.
type Ledger struct {
	positions    []*Position
	active       map[string]*Position
	positionsMtx sync.RWMutex
}

// NewLedger initializes an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		positions: []*Position{},
		active:    make(map[string]*Position),
	}
}

// Open records the provided active position.
func (l *Ledger) Open(pos *Position) error {
	l.positionsMtx.Lock()
	defer l.positionsMtx.Unlock()

	if pos.Status != Active {
		return fmt.Errorf("%s: cannot open %s position %s", pos.Symbol, pos.Status, pos.ID)
	}
	if existing, ok := l.active[pos.Symbol]; ok {
		return fmt.Errorf("%s: position %s already active", pos.Symbol, existing.ID)
	}

	l.positions = append(l.positions, pos)
	l.active[pos.Symbol] = pos
	return nil
}

// Active returns a copy of the symbol's active position.
func (l *Ledger) Active(symbol string) (Position, bool) {
	l.positionsMtx.RLock()
	defer l.positionsMtx.RUnlock()

	pos, ok := l.active[symbol]
	if !ok {
		return Position{}, false
	}

	return pos.Copy(), true
}

// UpdatePrice marks the symbol's active position to the provided price.
func (l *Ledger) UpdatePrice(symbol string, price float64) (float64, error) {
	l.positionsMtx.Lock()
	defer l.positionsMtx.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return 0, fmt.Errorf("%s: no active position", symbol)
	}

	return pos.UpdatePrice(price)
}

// MarkPendingExit records a failed exit attempt for retry.
func (l *Ledger) MarkPendingExit(symbol string, price float64, reason shared.ExitReason, cause error) error {
	l.positionsMtx.Lock()
	defer l.positionsMtx.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return fmt.Errorf("%s: no active position", symbol)
	}

	if pos.PendingExit == nil {
		pos.PendingExit = &PendingExit{Price: price, Reason: reason}
	}

	pos.PendingExit.OrderID = ""
	pos.PendingExit.Attempts++
	if cause != nil {
		pos.PendingExit.LastError = cause.Error()
	}

	return nil
}

// AwaitExit records an exit order still working at the exchange. The
// position stays active until the order is confirmed.
func (l *Ledger) AwaitExit(symbol string, price float64, reason shared.ExitReason, orderID string) error {
	l.positionsMtx.Lock()
	defer l.positionsMtx.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return fmt.Errorf("%s: no active position", symbol)
	}

	if pos.PendingExit == nil {
		pos.PendingExit = &PendingExit{Price: price, Reason: reason}
	}

	pos.PendingExit.OrderID = orderID
	pos.PendingExit.Attempts++
	return nil
}

// Close closes the symbol's active position, returning a copy of it.
func (l *Ledger) Close(symbol string, price float64, reason shared.ExitReason, orderID string, at time.Time) (Position, error) {
	l.positionsMtx.Lock()
	defer l.positionsMtx.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return Position{}, fmt.Errorf("%s: no active position", symbol)
	}

	_, err := pos.Close(price, reason, orderID, at)
	if err != nil {
		return Position{}, err
	}

	delete(l.active, symbol)
	return pos.Copy(), nil
}

// ActiveCount returns the number of active positions.
func (l *Ledger) ActiveCount() int {
	l.positionsMtx.RLock()
	defer l.positionsMtx.RUnlock()

	return len(l.active)
}

// ActiveSymbols returns the symbols with an active position.
func (l *Ledger) ActiveSymbols() []string {
	l.positionsMtx.RLock()
	defer l.positionsMtx.RUnlock()

	symbols := make([]string, 0, len(l.active))
	for symbol := range l.active {
		symbols = append(symbols, symbol)
	}

	slices.Sort(symbols)
	return symbols
}

// Positions returns copies of all positions in the order they were opened.
func (l *Ledger) Positions() []Position {
	l.positionsMtx.RLock()
	defer l.positionsMtx.RUnlock()

	set := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		set = append(set, pos.Copy())
	}

	return set
}

// PruneClosed drops closed positions that exited before the provided time.
func (l *Ledger) PruneClosed(before time.Time) int {
	l.positionsMtx.Lock()
	defer l.positionsMtx.Unlock()

	n := len(l.positions)
	l.positions = slices.DeleteFunc(l.positions, func(pos *Position) bool {
		return pos.Status == Closed && pos.ExitTime.Before(before)
	})

	return n - len(l.positions)
}
