package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vnarwal17/zerodha/shared"
)

// SMA returns the simple moving average of the closes of the last period
// candles in the provided history.
func SMA(history []shared.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma period must be positive, got %d", period)
	}
	if len(history) < period {
		return 0, fmt.Errorf("sma(%d) needs %d candles, got %d", period, period, len(history))
	}

	sum := decimal.Zero
	for _, candle := range history[len(history)-period:] {
		sum = sum.Add(decimal.NewFromFloat(candle.Close))
	}

	return sum.Div(decimal.NewFromInt(int64(period))).InexactFloat64(), nil
}

// RoundPrice rounds the provided price to the exchange's paise precision.
func RoundPrice(price float64) float64 {
	return decimal.NewFromFloat(price).Round(2).InexactFloat64()
}
