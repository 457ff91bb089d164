package strategy

import (
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/vnarwal17/zerodha/shared"
)

func TestClassifySetup(t *testing.T) {
	tests := []struct {
		name string
		low  float64
		high float64
		sma  float64
		want shared.Direction
	}{
		{"entirely above", 101, 103, 100, shared.Long},
		{"entirely below", 97, 99, 100, shared.Short},
		{"low touches", 100, 103, 100, shared.Neutral},
		{"high touches", 97, 100, 100, shared.Neutral},
		{"straddles", 99, 101, 100, shared.Neutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := shared.Candle{Open: tt.low, Close: tt.high, Low: tt.low, High: tt.high}
			assert.Equal(t, ClassifySetup(c, tt.sma), tt.want)

			// Ensure classification is deterministic.
			assert.Equal(t, ClassifySetup(c, tt.sma), ClassifySetup(c, tt.sma))
		})
	}
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name   string
		candle shared.Candle
		bias   shared.Direction
		want   bool
	}{
		{
			name:   "long wick through sma with body above",
			candle: shared.Candle{Open: 102, Close: 101.5, High: 102, Low: 99.5},
			bias:   shared.Long,
			want:   true,
		},
		{
			name:   "long wick exactly at sma",
			candle: shared.Candle{Open: 101, Close: 102, High: 102.5, Low: 100},
			bias:   shared.Long,
			want:   true,
		},
		{
			name:   "long wick too small",
			candle: shared.Candle{Open: 100.1, Close: 105, High: 110, Low: 99.9},
			bias:   shared.Long,
			want:   false,
		},
		{
			name:   "long body below sma",
			candle: shared.Candle{Open: 99.8, Close: 101, High: 101.5, Low: 98},
			bias:   shared.Long,
			want:   false,
		},
		{
			name:   "long wick never reaches sma",
			candle: shared.Candle{Open: 102, Close: 103, High: 103.5, Low: 100.5},
			bias:   shared.Long,
			want:   false,
		},
		{
			name:   "short wick through sma with body below",
			candle: shared.Candle{Open: 98, Close: 98.5, High: 100.5, Low: 97.5},
			bias:   shared.Short,
			want:   true,
		},
		{
			name:   "short body above sma",
			candle: shared.Candle{Open: 100.2, Close: 99, High: 101, Low: 98.5},
			bias:   shared.Short,
			want:   false,
		},
		{
			name:   "zero range candle",
			candle: shared.Candle{Open: 100, Close: 100, High: 100, Low: 100},
			bias:   shared.Long,
			want:   false,
		},
		{
			name:   "no bias",
			candle: shared.Candle{Open: 102, Close: 101.5, High: 102, Low: 99.5},
			bias:   shared.Neutral,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, IsRejection(tt.candle, 100, tt.bias, 15), tt.want)
		})
	}
}

func TestTargetRoundTrip(t *testing.T) {
	params := DefaultParams()

	// Ensure target is entry shifted by ratio times risk in the position's direction.
	for _, tt := range []struct {
		entry     float64
		stop      float64
		direction shared.Direction
		want      float64
	}{
		{103.01, 99.49, shared.Long, 120.61},
		{97.49, 100.51, shared.Short, 82.39},
		{250, 245, shared.Long, 275},
		{250, 255, shared.Short, 225},
	} {
		target := Target(tt.entry, tt.stop, params.RewardRatio, tt.direction)
		assert.Equal(t, target, tt.want)
		assert.Equal(t, Target(tt.entry, tt.stop, params.RewardRatio, tt.direction), target)
	}

	// Ensure levels are taken off the rejection candle extremes.
	rejection := shared.Candle{Open: 102, Close: 101.5, High: 103, Low: 99.5}
	entry, stop := Levels(rejection, shared.Long, params)
	assert.Equal(t, entry, 103.01)
	assert.Equal(t, stop, 99.49)

	entry, stop = Levels(rejection, shared.Short, params)
	assert.Equal(t, entry, 99.49)
	assert.Equal(t, stop, 103.01)
}

func TestEvaluateExit(t *testing.T) {
	tests := []struct {
		name      string
		candle    shared.Candle
		direction shared.Direction
		price     float64
		reason    shared.ExitReason
	}{
		{
			name:      "long inside range",
			candle:    shared.Candle{High: 110, Low: 100},
			direction: shared.Long,
			reason:    shared.NoExit,
		},
		{
			name:      "long stop hit on low",
			candle:    shared.Candle{High: 110, Low: 95, Close: 105},
			direction: shared.Long,
			price:     99,
			reason:    shared.StopLossHit,
		},
		{
			name:      "long target hit on high",
			candle:    shared.Candle{High: 121, Low: 100, Close: 105},
			direction: shared.Long,
			price:     120,
			reason:    shared.TargetHit,
		},
		{
			name:      "long stop wins when both hit",
			candle:    shared.Candle{High: 121, Low: 95},
			direction: shared.Long,
			price:     99,
			reason:    shared.StopLossHit,
		},
		{
			name:      "short stop hit on high",
			candle:    shared.Candle{High: 121, Low: 100},
			direction: shared.Short,
			price:     120,
			reason:    shared.StopLossHit,
		},
		{
			name:      "short target hit on low",
			candle:    shared.Candle{High: 110, Low: 98},
			direction: shared.Short,
			price:     99,
			reason:    shared.TargetHit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stop, target float64 = 99, 120
			if tt.direction == shared.Short {
				stop, target = 120, 99
			}

			price, reason := EvaluateExit(tt.candle, tt.direction, stop, target)
			assert.Equal(t, reason, tt.reason)
			assert.Equal(t, price, tt.price)
		})
	}
}
