package position

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/vnarwal17/zerodha/shared"
)

func TestPositionStatusString(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   string
	}{
		{
			name:   "active",
			status: Active,
			want:   "ACTIVE",
		},
		{
			name:   "closed",
			status: Closed,
			want:   "CLOSED",
		},
		{
			name:   "unknown",
			status: Status(999),
			want:   "UNKNOWN",
		},
	}

	for _, test := range tests {
		str := test.status.String()
		if str != test.want {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, str)
		}
	}
}

func longEntry(symbol string) *shared.EntrySignal {
	return &shared.EntrySignal{
		Symbol:     symbol,
		Direction:  shared.Long,
		EntryPrice: 103.01,
		StopLoss:   99.49,
		Target:     120.61,
		CreatedOn:  time.Date(2025, 6, 2, 10, 12, 0, 0, time.UTC),
	}
}

func TestPosition(t *testing.T) {
	at := time.Date(2025, 6, 2, 10, 15, 0, 0, time.UTC)

	// Ensure positions cannot be created with nil entry signals.
	_, err := NewPosition(nil, 10, "1", at)
	assert.Error(t, err)

	// Ensure positions cannot be created with non positive quantities.
	_, err = NewPosition(longEntry("SBIN"), 0, "1", at)
	assert.Error(t, err)

	// Ensure positions cannot be created without a direction.
	neutral := longEntry("SBIN")
	neutral.Direction = shared.Neutral
	_, err = NewPosition(neutral, 10, "1", at)
	assert.Error(t, err)

	// Ensure positions can be created with valid entry signals.
	pos, err := NewPosition(longEntry("SBIN"), 97, "1001", at)
	assert.NoError(t, err)
	assert.Equal(t, pos.Status, Active)
	assert.Equal(t, pos.CurrentPrice, 103.01)
	assert.True(t, pos.ID != "")

	// Ensure a long position's pnl tracks the price.
	pnl, err := pos.UpdatePrice(105.01)
	assert.NoError(t, err)
	assert.Equal(t, pnl, 194.0)
	assert.Equal(t, pos.UnrealizedPNL, 194.0)

	// Ensure a position can be closed.
	realized, err := pos.Close(99.49, shared.StopLossHit, "1002", at.Add(time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, realized, -341.44)
	assert.Equal(t, pos.Status, Closed)
	assert.Equal(t, pos.UnrealizedPNL, 0.0)
	assert.Equal(t, pos.ExitReason, shared.StopLossHit)

	// Ensure a closed position cannot be closed or updated again.
	_, err = pos.Close(100, shared.TargetHit, "1003", at.Add(time.Hour))
	assert.Error(t, err)
	_, err = pos.UpdatePrice(100)
	assert.Error(t, err)
	assert.Equal(t, pos.RealizedPNL, -341.44)
}

func TestShortPositionPNL(t *testing.T) {
	entry := &shared.EntrySignal{
		Symbol:     "INFY",
		Direction:  shared.Short,
		EntryPrice: 97.49,
		StopLoss:   100.51,
		Target:     82.39,
	}

	pos, err := NewPosition(entry, 10, "1", time.Time{})
	assert.NoError(t, err)

	// Ensure short positions profit as the price falls.
	assert.Equal(t, pos.PNL(82.39), 151.0)
	assert.Equal(t, pos.PNL(100.51), -30.2)
}

func TestLedger(t *testing.T) {
	at := time.Date(2025, 6, 2, 10, 15, 0, 0, time.UTC)
	ledger := NewLedger()

	sbin, err := NewPosition(longEntry("SBIN"), 10, "1", at)
	assert.NoError(t, err)
	assert.NoError(t, ledger.Open(sbin))

	// Ensure a symbol cannot hold two active positions.
	dup, err := NewPosition(longEntry("SBIN"), 5, "2", at)
	assert.NoError(t, err)
	assert.Error(t, ledger.Open(dup))

	infy, err := NewPosition(longEntry("INFY"), 5, "3", at)
	assert.NoError(t, err)
	assert.NoError(t, ledger.Open(infy))
	assert.Equal(t, ledger.ActiveCount(), 2)
	assert.Equal(t, ledger.ActiveSymbols(), []string{"INFY", "SBIN"})

	// Ensure callers receive copies.
	cp, ok := ledger.Active("SBIN")
	assert.True(t, ok)
	cp.Quantity = 1000
	cp, _ = ledger.Active("SBIN")
	assert.Equal(t, cp.Quantity, 10)

	// Ensure prices update through the ledger.
	pnl, err := ledger.UpdatePrice("SBIN", 104.01)
	assert.NoError(t, err)
	assert.Equal(t, pnl, 10.0)
	_, err = ledger.UpdatePrice("TCS", 100)
	assert.Error(t, err)

	// Ensure failed exits are tracked as pending.
	assert.NoError(t, ledger.MarkPendingExit("SBIN", 99.49, shared.StopLossHit, nil))
	assert.NoError(t, ledger.MarkPendingExit("SBIN", 99.49, shared.StopLossHit, shared.ErrRetriesExhausted))
	cp, _ = ledger.Active("SBIN")
	assert.True(t, cp.PendingExit != nil)
	assert.Equal(t, cp.PendingExit.Attempts, 2)
	assert.Equal(t, cp.PendingExit.LastError, shared.ErrRetriesExhausted.Error())

	// Ensure a working exit order is awaited and cleared by a later failure.
	assert.NoError(t, ledger.AwaitExit("SBIN", 99.49, shared.StopLossHit, "3"))
	cp, _ = ledger.Active("SBIN")
	assert.Equal(t, cp.PendingExit.OrderID, "3")
	assert.Equal(t, cp.PendingExit.Attempts, 3)
	assert.NoError(t, ledger.MarkPendingExit("SBIN", 99.49, shared.StopLossHit, shared.ErrRetriesExhausted))
	cp, _ = ledger.Active("SBIN")
	assert.Equal(t, cp.PendingExit.OrderID, "")
	assert.Error(t, ledger.AwaitExit("TCS", 100, shared.StopLossHit, "3"))

	// Ensure closing frees the symbol.
	closed, err := ledger.Close("SBIN", 99.49, shared.StopLossHit, "4", at.Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, closed.Status, Closed)
	assert.True(t, closed.PendingExit == nil)
	_, ok = ledger.Active("SBIN")
	assert.False(t, ok)
	assert.Equal(t, ledger.ActiveCount(), 1)

	_, err = ledger.Close("SBIN", 99.49, shared.StopLossHit, "5", at.Add(time.Minute))
	assert.Error(t, err)

	// Ensure the symbol can be traded again once closed.
	again, err := NewPosition(longEntry("SBIN"), 3, "6", at.Add(time.Hour))
	assert.NoError(t, err)
	assert.NoError(t, ledger.Open(again))
	assert.Equal(t, len(ledger.Positions()), 3)

	// Ensure only closed positions older than the cutoff are pruned.
	assert.Equal(t, ledger.PruneClosed(at.Add(30*time.Minute)), 1)
	assert.Equal(t, len(ledger.Positions()), 2)
	assert.Equal(t, ledger.PruneClosed(at), 0)
}
