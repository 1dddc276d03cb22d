package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderSide indicates whether an order buys or sells shares of an outcome.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// ParseOrderSide accepts "buy"/"sell" in any case.
func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BID":
		return OrderSideBuy, nil
	case "SELL", "ASK":
		return OrderSideSell, nil
	default:
		return "", fmt.Errorf("unknown order side %q", s)
	}
}

// OrderType distinguishes priced limit orders from unpriced market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further mutation of the order is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// CanTransition reports whether s -> next is a legal lifecycle move.
// Staying in the same non-terminal status is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusOpen:
		return next != ""
	case OrderStatusPartial:
		return next == OrderStatusPartial || next == OrderStatusFilled || next == OrderStatusCancelled
	default:
		return false
	}
}

// FillStatus is the status an order reaches after its remaining quantity
// drops to remaining.
func FillStatus(remaining int64) OrderStatus {
	if remaining <= 0 {
		return OrderStatusFilled
	}
	return OrderStatusPartial
}

// Order is a resting or historical order. Quantity is the remaining
// quantity; OriginalQuantity never changes after creation. Price is nil for
// market orders.
type Order struct {
	ID               int64       `json:"id"`
	AccountID        int64       `json:"account_id"`
	OutcomeID        string      `json:"outcome_id"`
	Side             OrderSide   `json:"side"`
	Type             OrderType   `json:"order_type"`
	Price            *int64      `json:"price,omitempty"`
	Quantity         int64       `json:"quantity"`
	OriginalQuantity int64       `json:"original_quantity"`
	Status           OrderStatus `json:"status"`
	TimeInForce      string      `json:"time_in_force,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Reservation returns the coins a buy order holds in reserve for qty shares.
// Sell orders and market orders hold no coin reservation.
func (o Order) Reservation(qty int64) (int64, error) {
	if o.Side != OrderSideBuy || o.Price == nil {
		return 0, nil
	}
	return MulAmount(*o.Price, qty)
}
