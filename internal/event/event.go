// Package event defines the closed set of matching-engine events the ledger
// consumes and decodes them from raw stream entries.
package event

import (
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// Kind is the value of an entry's "type" field.
type Kind string

const (
	KindOrderPlaced    Kind = "order.placed"
	KindOrderPartial   Kind = "order.partial"
	KindOrderFilled    Kind = "order.filled"
	KindTrade          Kind = "trade"
	KindOrderCancelled Kind = "order.cancelled"
	KindOrderRejected  Kind = "order.rejected"
	KindBookDepth      Kind = "book.depth"
	KindMarketData     Kind = "market.data"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// OrderPlaced announces a new resting order. Price is nil for market orders.
type OrderPlaced struct {
	OrderID     int64
	AccountID   int64
	OutcomeID   string
	Side        domain.OrderSide
	Price       *int64
	Quantity    int64
	TimeInForce string
	Timestamp   time.Time
}

// OrderPartial reports an order's remaining quantity after partial matching.
type OrderPartial struct {
	OrderID          int64
	AccountID        int64
	OutcomeID        string
	Side             domain.OrderSide
	Price            *int64
	Remaining        int64
	OriginalQuantity int64
	Timestamp        time.Time
}

// Trade is one match between a buy and a sell order. Both order.filled and
// trade entries decode to it; Source records which.
type Trade struct {
	Source          Kind
	FillID          string
	OutcomeID       string
	BuyOrderID      int64
	SellOrderID     int64
	BuyerAccountID  int64
	SellerAccountID int64
	Price           int64
	Quantity        int64
	Timestamp       time.Time

	// Taker is set for trade entries, which carry the taker order's
	// remaining and original quantities.
	Taker *TakerState
}

// TakerState is the taker order's quantity after a trade.
type TakerState struct {
	OrderID          int64
	Remaining        int64
	OriginalQuantity int64
}

// Fill converts t into the ledger row it produces.
func (t Trade) Fill() domain.Fill {
	return domain.Fill{
		ID:              t.FillID,
		OutcomeID:       t.OutcomeID,
		BuyOrderID:      t.BuyOrderID,
		SellOrderID:     t.SellOrderID,
		BuyerAccountID:  t.BuyerAccountID,
		SellerAccountID: t.SellerAccountID,
		Price:           t.Price,
		Quantity:        t.Quantity,
		CreatedAt:       t.Timestamp,
	}
}

// OrderCancelled announces that the engine removed an order from the book.
type OrderCancelled struct {
	OrderID   int64
	AccountID int64
	OutcomeID string
	Side      domain.OrderSide
	Price     *int64
	Quantity  int64
	Timestamp time.Time
}

// OrderRejected announces that the engine refused an order before it
// rested. The order never existed in the book.
type OrderRejected struct {
	AccountID int64
	OutcomeID string
	Side      domain.OrderSide
	Price     *int64
	Quantity  int64
	Reason    string
}

// BookDepth is an order book snapshot.
type BookDepth struct {
	domain.BookDepth
}

// MarketData is a batch of per-outcome price samples for one market.
type MarketData struct {
	MarketID string
	Points   []domain.MarketDataPoint
}

// Unknown is a well-formed entry whose type this consumer does not handle.
type Unknown struct {
	Type string
}

func (OrderPlaced) Kind() Kind    { return KindOrderPlaced }
func (OrderPartial) Kind() Kind   { return KindOrderPartial }
func (t Trade) Kind() Kind        { return t.Source }
func (OrderCancelled) Kind() Kind { return KindOrderCancelled }
func (OrderRejected) Kind() Kind  { return KindOrderRejected }
func (BookDepth) Kind() Kind      { return KindBookDepth }
func (MarketData) Kind() Kind     { return KindMarketData }
func (u Unknown) Kind() Kind      { return Kind(u.Type) }

func (OrderPlaced) sealed()    {}
func (OrderPartial) sealed()   {}
func (Trade) sealed()          {}
func (OrderCancelled) sealed() {}
func (OrderRejected) sealed()  {}
func (BookDepth) sealed()      {}
func (MarketData) sealed()     {}
func (Unknown) sealed()        {}
