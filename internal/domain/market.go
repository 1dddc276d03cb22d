package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusDraft     MarketStatus = "DRAFT"
	MarketStatusOpen      MarketStatus = "OPEN"
	MarketStatusClosed    MarketStatus = "CLOSED"
	MarketStatusSettling  MarketStatus = "SETTLING"
	MarketStatusSettled   MarketStatus = "SETTLED"
	MarketStatusCancelled MarketStatus = "CANCELLED"
)

// Market is a prediction market with a betting window.
type Market struct {
	ID             int64        `json:"id"`
	Title          string       `json:"title,omitempty"`
	Status         MarketStatus `json:"status"`
	BettingStartAt time.Time    `json:"betting_start_at"`
	BettingEndAt   time.Time    `json:"betting_end_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Outcomes       []Outcome    `json:"outcomes,omitempty"`
}

// Outcome is one answer of a market. WinningOutcome and IsResolved are set
// by the external resolution process.
type Outcome struct {
	ID             string `json:"id"`
	MarketID       int64  `json:"market_id"`
	Name           string `json:"name"`
	WinningOutcome bool   `json:"winning_outcome"`
	IsResolved     bool   `json:"is_resolved"`
}

// Settleable reports whether o is the resolved winner of its market.
func (o Outcome) Settleable() bool {
	return o.WinningOutcome && o.IsResolved
}
