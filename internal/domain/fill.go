package domain

import "time"

// Fill records one match between a buy and a sell order. Fills are
// immutable and ID is the idempotency key for trade application.
type Fill struct {
	ID              string    `json:"id"`
	OutcomeID       string    `json:"outcome_id"`
	BuyOrderID      int64     `json:"buy_order_id"`
	SellOrderID     int64     `json:"sell_order_id"`
	BuyerAccountID  int64     `json:"buyer_account_id"`
	SellerAccountID int64     `json:"seller_account_id"`
	Price           int64     `json:"price"`
	Quantity        int64     `json:"quantity"`
	CreatedAt       time.Time `json:"created_at"`
}

// Cost is price times quantity in minor units. It fails with
// ErrAmountOutOfRange when the product does not fit in an int64.
func (f Fill) Cost() (int64, error) {
	return MulAmount(f.Price, f.Quantity)
}
