package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// SizingMode represents how order quantities are derived.
type SizingMode int

const (
	// FixedCapital sizes positions by the capital committed per trade.
	FixedCapital SizingMode = iota
	// FixedRisk sizes positions by the capital risked between entry and stop.
	FixedRisk
)

const (
	// marginMultiple is the intraday buying power per unit of risked capital.
	marginMultiple = 50
)

// String stringifies the provided sizing mode.
func (m SizingMode) String() string {
	switch m {
	case FixedCapital:
		return "fixed_capital"
	case FixedRisk:
		return "fixed_risk"
	default:
		return "unknown"
	}
}

// ParseSizingMode parses the provided sizing mode name.
func ParseSizingMode(s string) (SizingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed_capital":
		return FixedCapital, nil
	case "fixed_risk":
		return FixedRisk, nil
	default:
		return 0, fmt.Errorf("unknown position sizing mode %q", s)
	}
}

// Settings represents the runtime adjustable trading settings.
type Settings struct {
	// DryRun simulates fills without placing brokerage orders.
	DryRun bool
	// Capital is the capital committed per trade.
	Capital float64
	// RiskPercent is the percentage of capital risked per trade in fixed risk mode.
	RiskPercent float64
	// Leverage scales the sized quantity.
	Leverage float64
	// Sizing is the position sizing mode.
	Sizing SizingMode
}

// DefaultSettings returns the default trading settings.
func DefaultSettings() Settings {
	return Settings{
		DryRun:      true,
		Capital:     100000,
		RiskPercent: 1,
		Leverage:    1,
		Sizing:      FixedCapital,
	}
}

// Validate asserts the settings are sane.
func (s *Settings) Validate() error {
	var errs error

	if s.Capital <= 0 {
		errs = errors.Join(errs, fmt.Errorf("capital per trade must be positive"))
	}
	if s.RiskPercent <= 0 || s.RiskPercent > 100 {
		errs = errors.Join(errs, fmt.Errorf("risk percent must be within (0, 100]"))
	}
	if s.Leverage <= 0 {
		errs = errors.Join(errs, fmt.Errorf("leverage must be positive"))
	}
	if s.Sizing != FixedCapital && s.Sizing != FixedRisk {
		errs = errors.Join(errs, fmt.Errorf("unknown position sizing mode %d", s.Sizing))
	}

	return errs
}

// Quantity sizes a position entering at the provided entry with the provided
// stop. Sized positions always hold at least one share.
func (s *Settings) Quantity(entry float64, stop float64) int {
	var qty float64

	switch s.Sizing {
	case FixedRisk:
		risk := math.Abs(entry - stop)
		if risk > 0 {
			qty = math.Floor(s.Capital * marginMultiple * s.RiskPercent / 100 / risk)
		}
	default:
		if entry > 0 {
			qty = math.Floor(s.Capital / entry)
		}
	}

	qty = math.Floor(qty * s.Leverage)
	if qty < 1 {
		return 1
	}

	return int(qty)
}

// SettingsUpdate represents a partial settings update, nil fields are kept.
type SettingsUpdate struct {
	DryRun      *bool
	Capital     *float64
	RiskPercent *float64
	Leverage    *float64
	Sizing      *SizingMode
}

// Apply returns the provided settings with the update applied.
func (u *SettingsUpdate) Apply(s Settings) Settings {
	if u.DryRun != nil {
		s.DryRun = *u.DryRun
	}
	if u.Capital != nil {
		s.Capital = *u.Capital
	}
	if u.RiskPercent != nil {
		s.RiskPercent = *u.RiskPercent
	}
	if u.Leverage != nil {
		s.Leverage = *u.Leverage
	}
	if u.Sizing != nil {
		s.Sizing = *u.Sizing
	}

	return s
}
