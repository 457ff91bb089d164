package shared

import (
	"strings"
	"time"
)

const (
	// Exchange is the default exchange traded.
	Exchange = "NSE"
	// ProductMIS is the intraday product code.
	ProductMIS = "MIS"
)

// Side represents the side of an order.
type Side int

const (
	Buy Side = iota
	Sell
)

// String stringifies the provided side using the brokerage naming.
func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderType represents the pricing of an order.
type OrderType int

const (
	LimitOrder OrderType = iota
	MarketOrder
)

// String stringifies the provided order type using the brokerage naming.
func (o OrderType) String() string {
	switch o {
	case LimitOrder:
		return "LIMIT"
	case MarketOrder:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus represents the lifecycle status of a submitted order.
type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderComplete
	OrderRejected
	OrderCancelled
)

// String stringifies the provided order status.
func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "PENDING"
	case OrderComplete:
		return "COMPLETE"
	case OrderRejected:
		return "REJECTED"
	case OrderCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Failed checks whether the order will never fill.
func (s OrderStatus) Failed() bool {
	return s == OrderRejected || s == OrderCancelled
}

// ParseOrderStatus maps brokerage order statuses to an order status. Every
// status that is not terminal is treated as pending.
func ParseOrderStatus(s string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETE":
		return OrderComplete
	case "REJECTED":
		return OrderRejected
	case "CANCELLED":
		return OrderCancelled
	default:
		return OrderPending
	}
}

// OrderRequest represents an order intent submitted to the brokerage.
type OrderRequest struct {
	Symbol   string
	Exchange string
	Side     Side
	Type     OrderType
	Quantity int
	// Price is the limit price, ignored for market orders.
	Price float64
}

// OrderResponse represents the brokerage acknowledgement of an order.
type OrderResponse struct {
	OrderID string
	Status  OrderStatus
}

// Tick represents a live trade update for an instrument.
type Tick struct {
	Token     uint32
	LastPrice float64
	// Volume is the cumulative traded volume for the day.
	Volume    float64
	Timestamp time.Time
}
