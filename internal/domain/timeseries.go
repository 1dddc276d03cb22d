package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepthLevel is one aggregated price level of an order book snapshot.
type DepthLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
}

// BookDepth is an order book snapshot for one outcome. A snapshot with no
// bids and no asks is stored as a single empty marker row.
type BookDepth struct {
	Time      time.Time    `json:"time"`
	MarketID  string       `json:"market_id,omitempty"`
	OutcomeID string       `json:"outcome_id"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
}

// Empty reports whether the snapshot has no levels on either side.
func (b BookDepth) Empty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

// MarketDataPoint is a per-outcome price and volume sample.
type MarketDataPoint struct {
	Time        time.Time       `json:"time"`
	MarketID    string          `json:"market_id"`
	OutcomeID   string          `json:"outcome_id"`
	FairPrice   decimal.Decimal `json:"fair_price"`
	TotalVolume decimal.Decimal `json:"total_volume"`
}
