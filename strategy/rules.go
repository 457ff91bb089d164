package strategy

import (
	"math"

	"github.com/vnarwal17/zerodha/indicator"
	"github.com/vnarwal17/zerodha/shared"
)

// ClassifySetup classifies the setup candle against the moving average. A
// candle entirely above the average is long, entirely below is short and
// anything touching it is neutral.
func ClassifySetup(candle shared.Candle, sma float64) shared.Direction {
	switch {
	case candle.Low > sma:
		return shared.Long
	case candle.High < sma:
		return shared.Short
	default:
		return shared.Neutral
	}
}

// IsRejection checks whether the candle rejects the moving average in the
// direction of the bias: the wick touches or crosses the average, the body
// stays on the biased side and the wick is at least minWickPercent of the range.
func IsRejection(candle shared.Candle, sma float64, bias shared.Direction, minWickPercent float64) bool {
	if candle.Range() <= 0 {
		return false
	}

	switch bias {
	case shared.Long:
		return candle.Low <= sma && sma <= candle.BodyLow() &&
			candle.BodyHigh() > sma &&
			candle.LowerWickPercent() >= minWickPercent
	case shared.Short:
		return candle.BodyHigh() <= sma && sma <= candle.High &&
			candle.BodyLow() < sma &&
			candle.UpperWickPercent() >= minWickPercent
	default:
		return false
	}
}

// CrossesAdversely checks whether the candle trades through the moving
// average against the bias.
func CrossesAdversely(candle shared.Candle, sma float64, bias shared.Direction) bool {
	switch bias {
	case shared.Long:
		return candle.Low < sma
	case shared.Short:
		return candle.High > sma
	default:
		return false
	}
}

// Levels returns the entry and stop for a position off the rejection candle.
func Levels(rejection shared.Candle, bias shared.Direction, params Params) (float64, float64) {
	switch bias {
	case shared.Short:
		return indicator.RoundPrice(rejection.Low - params.EntryOffset),
			indicator.RoundPrice(rejection.High + params.StopOffset)
	default:
		return indicator.RoundPrice(rejection.High + params.EntryOffset),
			indicator.RoundPrice(rejection.Low - params.StopOffset)
	}
}

// Target returns the profit target for a position, the entry shifted in the
// position's direction by ratio times the risk.
func Target(entry float64, stop float64, ratio float64, direction shared.Direction) float64 {
	risk := math.Abs(entry - stop)
	return indicator.RoundPrice(entry + direction.Sign()*ratio*risk)
}

// Triggered checks whether the candle trades through the entry level.
func Triggered(candle shared.Candle, entry float64, bias shared.Direction) bool {
	switch bias {
	case shared.Long:
		return candle.High >= entry
	case shared.Short:
		return candle.Low <= entry
	default:
		return false
	}
}

// EvaluateExit checks the candle's extremes against the stop and target of a
// position, returning the exit level and reason. The stop takes priority when
// both are touched since the intrabar order is unknown.
func EvaluateExit(candle shared.Candle, direction shared.Direction, stop float64, target float64) (float64, shared.ExitReason) {
	switch direction {
	case shared.Long:
		if candle.Low <= stop {
			return stop, shared.StopLossHit
		}
		if candle.High >= target {
			return target, shared.TargetHit
		}
	case shared.Short:
		if candle.High >= stop {
			return stop, shared.StopLossHit
		}
		if candle.Low <= target {
			return target, shared.TargetHit
		}
	}

	return 0, shared.NoExit
}
