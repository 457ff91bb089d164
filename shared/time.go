package shared

import (
	"fmt"
	"time"
)

const (
	// ClockLayout is the format layout for parsing times in a day.
	ClockLayout = "15:04"
	// DateLayout is the format layout for calendar dates.
	DateLayout = "2006-01-02"
	// DateTimeLayout is the format layout for parsing candle timestamps.
	DateTimeLayout = "2006-01-02 15:04:05"

	// IndiaLocation is the locale the exchange operates in.
	IndiaLocation = "Asia/Kolkata"

	// Regular NSE equity session in IST.
	MarketOpen  = "09:15"
	MarketClose = "15:30"
)

// nseHolidays are the exchange trading holidays.
var nseHolidays = map[string]struct{}{
	"2025-01-26": {},
	"2025-03-14": {},
	"2025-04-18": {},
	"2025-04-21": {},
	"2025-05-01": {},
	"2025-06-15": {},
	"2025-08-15": {},
	"2025-08-16": {},
	"2025-09-07": {},
	"2025-10-02": {},
	"2025-10-21": {},
	"2025-11-01": {},
	"2025-11-02": {},
	"2025-11-05": {},
	"2025-11-24": {},
	"2025-12-25": {},
}

// IndiaLocationOrFixed loads the exchange's location, falling back to a fixed
// +05:30 zone when the host lacks timezone data.
func IndiaLocationOrFixed() *time.Location {
	loc, err := time.LoadLocation(IndiaLocation)
	if err != nil {
		return time.FixedZone("IST", int((5*time.Hour + 30*time.Minute).Seconds()))
	}

	return loc
}

// IndiaTime returns the current time in india.
func IndiaTime() (time.Time, *time.Location) {
	loc := IndiaLocationOrFixed()
	return time.Now().In(loc), loc
}

// ClockTime represents a time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses a time of day in the "15:04" layout.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse(ClockLayout, s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parsing clock time %q: %w", s, err)
	}

	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustParseClockTime parses the provided clock time, panicking on failure.
// It is intended for package level constants.
func MustParseClockTime(s string) ClockTime {
	c, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}

	return c
}

// On returns the clock time on the day of the provided time.
func (c ClockTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Add returns the clock time shifted by the provided duration.
func (c ClockTime) Add(d time.Duration) ClockTime {
	minutes := c.Minutes() + int(d/time.Minute)
	minutes = ((minutes % 1440) + 1440) % 1440
	return ClockTime{Hour: minutes / 60, Minute: minutes % 60}
}

// Reached checks whether the provided time is at or past the clock time on its day.
func (c ClockTime) Reached(t time.Time) bool {
	return !t.Before(c.On(t))
}

// Minutes returns the minutes elapsed since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// String stringifies the clock time.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// IsHoliday checks whether the provided day is an exchange holiday.
func IsHoliday(t time.Time) bool {
	_, ok := nseHolidays[t.Format(DateLayout)]
	return ok
}

// IsTradingDay checks whether the exchange trades on the provided day.
func IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	return !IsHoliday(t)
}

// IsMarketOpen checks whether the regular session is open at the provided time.
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}

	open := MustParseClockTime(MarketOpen).On(t)
	closing := MustParseClockTime(MarketClose).On(t)
	return !t.Before(open) && !t.After(closing)
}

// SameDay checks whether both times fall on the same calendar day.
func SameDay(a time.Time, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
