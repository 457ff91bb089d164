package shared

import (
	"context"
)

// CandleFetcher defines the requirements for fetching historical candles.
type CandleFetcher interface {
	// FetchCandles fetches the most recent lookback candles for the symbol,
	// oldest first. It fails with DataUnavailable when no data can be served.
	FetchCandles(ctx context.Context, symbol string, interval Interval, lookback int) ([]Candle, error)
}

// Brokerage defines the order and account surface of the brokerage.
type Brokerage interface {
	// PlaceOrder submits the provided order.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	// FetchOrderStatus fetches the latest status of the provided order.
	FetchOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	// CancelOrder cancels the provided working order.
	CancelOrder(ctx context.Context, orderID string) error
	// FetchMargin fetches the available equity margin.
	FetchMargin(ctx context.Context) (float64, error)
	// FetchLastPrices fetches the last traded prices of the provided symbols.
	FetchLastPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// SessionKeeper defines the requirements for keeping a brokerage session alive.
type SessionKeeper interface {
	// Ping performs a cheap authenticated call.
	Ping(ctx context.Context) error
	// RefreshSession renews the session credentials.
	RefreshSession(ctx context.Context) error
}

// InstrumentResolver defines the requirements for resolving symbols to instrument tokens.
type InstrumentResolver interface {
	// Resolve returns the token of the symbol on the exchange, failing with NotFound.
	Resolve(symbol string, exchange string) (uint32, error)
	// Symbol returns the symbol of the provided token.
	Symbol(token uint32) (string, bool)
}

// TickSubscriber defines the requirements for subscribing to live ticks.
type TickSubscriber interface {
	// Subscribe adds the provided tokens to the live feed.
	Subscribe(tokens []uint32) error
	// Unsubscribe removes the provided tokens from the live feed.
	Unsubscribe(tokens []uint32) error
}
