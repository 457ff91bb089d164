package engine

import (
	"sync"
	"time"

	"github.com/vnarwal17/zerodha/strategy"
)

const (
	// logSize is the number of strategy log entries retained.
	logSize = 1000
	// recentLogs is the number of strategy log entries reported in status.
	recentLogs = 50
)

// Engine events beyond the strategy transitions.
const (
	OrderFailed      strategy.EventKind = "ORDER_FAILED"
	RiskRejected     strategy.EventKind = "RISK_REJECTED"
	EntrySkipped     strategy.EventKind = "ENTRY_SKIPPED"
	EntryPending     strategy.EventKind = "ENTRY_PENDING"
	EntryCancelled   strategy.EventKind = "ENTRY_CANCELLED"
	ExitPending      strategy.EventKind = "EXIT_PENDING"
	TimedExit        strategy.EventKind = "TIMED_EXIT"
	PriceFallback    strategy.EventKind = "LTP_FALLBACK"
	EvaluationFailed strategy.EventKind = "EVALUATION_FAILED"
)

// LogEntry represents a logged strategy event of a symbol.
type LogEntry struct {
	Timestamp time.Time
	Symbol    string
	Event     strategy.EventKind
	Message   string
}

// StrategyLog is a bounded, ordered log of strategy events.
type StrategyLog struct {
	entries []LogEntry
	start   int
	count   int
	mtx     sync.RWMutex
}

// NewStrategyLog initializes a strategy log retaining the provided number of entries.
func NewStrategyLog(size int) *StrategyLog {
	if size <= 0 {
		size = logSize
	}

	return &StrategyLog{entries: make([]LogEntry, size)}
}

// Append adds the provided entry, overwriting the oldest entry when full.
func (l *StrategyLog) Append(entry LogEntry) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	size := len(l.entries)
	l.entries[(l.start+l.count)%size] = entry

	if l.count == size {
		l.start = (l.start + 1) % size
		return
	}
	l.count++
}

// Len returns the number of entries held.
func (l *StrategyLog) Len() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	return l.count
}

// Recent returns up to the last n entries, oldest first.
func (l *StrategyLog) Recent(n int) []LogEntry {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return []LogEntry{}
	}

	size := len(l.entries)
	set := make([]LogEntry, n)
	first := l.start + l.count - n
	for i := range n {
		set[i] = l.entries[(first+i)%size]
	}

	return set
}
