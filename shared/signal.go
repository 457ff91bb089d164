package shared

import (
	"time"
)

// EntrySignal represents a triggered entry awaiting execution.
type EntrySignal struct {
	Symbol     string
	Direction  Direction
	EntryPrice float64
	StopLoss   float64
	Target     float64
	CreatedOn  time.Time
}

// ExitSignal represents a triggered exit awaiting execution.
type ExitSignal struct {
	Symbol    string
	Price     float64
	Reason    ExitReason
	CreatedOn time.Time
}
