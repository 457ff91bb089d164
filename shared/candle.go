package shared

import (
	"fmt"
	"math"
	"time"
)

// Interval represents the time period covered by a candle.
type Interval int

const (
	OneMinute Interval = iota
	ThreeMinute
	FiveMinute
	FifteenMinute
)

// String stringifies the provided interval using the brokerage naming.
func (i Interval) String() string {
	switch i {
	case OneMinute:
		return "minute"
	case ThreeMinute:
		return "3minute"
	case FiveMinute:
		return "5minute"
	case FifteenMinute:
		return "15minute"
	default:
		return "unknown"
	}
}

// Duration returns the length of the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case OneMinute:
		return time.Minute
	case ThreeMinute:
		return time.Minute * 3
	case FiveMinute:
		return time.Minute * 5
	case FifteenMinute:
		return time.Minute * 15
	default:
		return 0
	}
}

// ParseInterval parses an interval from its minute count.
func ParseInterval(minutes int) (Interval, error) {
	switch minutes {
	case 1:
		return OneMinute, nil
	case 3:
		return ThreeMinute, nil
	case 5:
		return FiveMinute, nil
	case 15:
		return FifteenMinute, nil
	default:
		return 0, fmt.Errorf("unsupported candle interval: %d minutes", minutes)
	}
}

// Start returns the opening time of the interval bucket containing t.
//
// Buckets are aligned to the start of the day in t's location so that
// 3 minute candles open at 09:15, 09:18, 09:21 and so on.
func (i Interval) Start(t time.Time) time.Time {
	d := i.Duration()
	if d == 0 {
		return t
	}

	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	elapsed := t.Sub(midnight)
	return midnight.Add(elapsed - elapsed%d)
}

// Candle represents an OHLCV aggregate for one symbol over one interval.
type Candle struct {
	Symbol   string
	Interval Interval
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Date     time.Time
}

// BodyHigh returns the upper bound of the candle body.
func (c *Candle) BodyHigh() float64 {
	return math.Max(c.Open, c.Close)
}

// BodyLow returns the lower bound of the candle body.
func (c *Candle) BodyLow() float64 {
	return math.Min(c.Open, c.Close)
}

// Range returns the high to low range of the candle.
func (c *Candle) Range() float64 {
	return c.High - c.Low
}

// LowerWickPercent returns the lower wick as a percentage of the candle range.
func (c *Candle) LowerWickPercent() float64 {
	r := c.Range()
	if r <= 0 {
		return 0
	}

	return ((c.BodyLow() - c.Low) / r) * 100
}

// UpperWickPercent returns the upper wick as a percentage of the candle range.
func (c *Candle) UpperWickPercent() float64 {
	r := c.Range()
	if r <= 0 {
		return 0
	}

	return ((c.High - c.BodyHigh()) / r) * 100
}

// CloseTime returns the time the candle's interval elapses.
func (c *Candle) CloseTime() time.Time {
	return c.Date.Add(c.Interval.Duration())
}
