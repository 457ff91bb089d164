package shared

// Direction represents market direction. Neutral doubles as the absence of a bias.
type Direction int

const (
	Neutral Direction = iota
	Long
	Short
)

// String stringifies the provided direction.
func (d Direction) String() string {
	switch d {
	case Neutral:
		return "none"
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Sign returns 1 for long, -1 for short and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// EntrySide returns the order side opening a position in the direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}

	return Buy
}

// ExitSide returns the order side closing a position in the direction.
func (d Direction) ExitSide() Side {
	if d == Short {
		return Buy
	}

	return Sell
}
