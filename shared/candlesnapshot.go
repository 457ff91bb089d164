package shared

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

const (
	// SnapshotSize is the default number of candles retained per symbol.
	//
	// A trading day of 3 minute candles is 125 entries, the remainder covers
	// the previous session needed to seed the moving average at the open.
	SnapshotSize = 250
)

// CandleSnapshot represents a bounded, ordered history of candles for a symbol.
type CandleSnapshot struct {
	data    []Candle
	dataMtx sync.RWMutex
	start   atomic.Int32
	count   atomic.Int32
	size    atomic.Int32
}

// NewCandleSnapshot initializes a new candle snapshot.
func NewCandleSnapshot(size int32) (*CandleSnapshot, error) {
	if size < 0 {
		return nil, errors.New("snapshot size cannot be negative")
	}
	if size == 0 {
		return nil, errors.New("snapshot size cannot be zero")
	}

	snapshot := &CandleSnapshot{
		data: make([]Candle, size),
	}

	snapshot.size.Store(size)
	return snapshot, nil
}

// Update adds the provided candle to the snapshot. Candles must be supplied
// in ascending time order, a candle not newer than the last entry is rejected.
func (s *CandleSnapshot) Update(candle Candle) error {
	s.dataMtx.Lock()
	defer s.dataMtx.Unlock()

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()

	if count > 0 {
		last := s.data[(start+count-1)%size]
		if !candle.Date.After(last.Date) {
			return fmt.Errorf("candle at %s is not newer than last entry at %s",
				candle.Date.Format(DateTimeLayout), last.Date.Format(DateTimeLayout))
		}
	}

	end := (start + count) % size
	s.data[end] = candle

	if count == size {
		// Overwrite the oldest entry when the snapshot is at capacity.
		s.start.Store((start + 1) % size)
	} else {
		s.count.Add(1)
	}

	return nil
}

// Count returns the number of candles held.
func (s *CandleSnapshot) Count() int32 {
	return s.count.Load()
}

// Last returns the last added entry for the snapshot.
func (s *CandleSnapshot) Last() (Candle, bool) {
	s.dataMtx.RLock()
	defer s.dataMtx.RUnlock()

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()
	if count == 0 {
		return Candle{}, false
	}

	end := (start + count - 1) % size
	return s.data[end], true
}

// LastN fetches the last n number of elements from the snapshot, oldest first.
func (s *CandleSnapshot) LastN(n int32) []Candle {
	s.dataMtx.RLock()
	defer s.dataMtx.RUnlock()

	if n <= 0 {
		return nil
	}

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()

	// Clamp the number of elements expected if it is greater than the snapshot count.
	if n > count {
		n = count
	}

	set := make([]Candle, n)
	start = (start + count - n + size) % size

	for i := range n {
		idx := (start + i) % size
		set[i] = s.data[idx]
	}

	return set
}

// Reset clears the snapshot.
func (s *CandleSnapshot) Reset() {
	s.dataMtx.Lock()
	defer s.dataMtx.Unlock()

	s.start.Store(0)
	s.count.Store(0)
	clear(s.data)
}
