package shared

import "testing"

func TestExitReasonString(t *testing.T) {
	tests := []struct {
		name   string
		reason ExitReason
		want   string
	}{
		{
			"no exit",
			NoExit,
			"",
		},
		{
			"stop loss hit",
			StopLossHit,
			"STOP_LOSS",
		},
		{
			"target hit",
			TargetHit,
			"TARGET",
		},
		{
			"force exit",
			ForceExit,
			"FORCE_EXIT",
		},
		{
			"emergency exit",
			EmergencyExit,
			"EMERGENCY_EXIT",
		},
		{
			"unknown",
			ExitReason(99),
			"UNKNOWN",
		},
	}

	for _, test := range tests {
		str := test.reason.String()
		if str != test.want {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, str)
		}
	}
}

func TestDirection(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		want      string
		sign      float64
		entry     Side
		exit      Side
	}{
		{"no direction", Neutral, "none", 0, Buy, Sell},
		{"long direction", Long, "long", 1, Buy, Sell},
		{"short direction", Short, "short", -1, Sell, Buy},
		{"unknown direction", Direction(999), "unknown", 0, Buy, Sell},
	}

	for _, test := range tests {
		str := test.direction.String()
		if str != test.want {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, str)
		}
		if test.direction.Sign() != test.sign {
			t.Errorf("%s: expected sign %v, got %v", test.name, test.sign, test.direction.Sign())
		}
		if test.direction.EntrySide() != test.entry || test.direction.ExitSide() != test.exit {
			t.Errorf("%s: unexpected order sides", test.name)
		}
	}
}
