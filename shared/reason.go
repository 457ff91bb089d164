package shared

// ExitReason represents the reason a position was closed.
type ExitReason int

const (
	NoExit ExitReason = iota
	StopLossHit
	TargetHit
	ForceExit
	EmergencyExit
)

// String stringifies the provided exit reason.
func (r ExitReason) String() string {
	switch r {
	case NoExit:
		return ""
	case StopLossHit:
		return "STOP_LOSS"
	case TargetHit:
		return "TARGET"
	case ForceExit:
		return "FORCE_EXIT"
	case EmergencyExit:
		return "EMERGENCY_EXIT"
	default:
		return "UNKNOWN"
	}
}
