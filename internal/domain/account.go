package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a trader's balances in minor units (cents). Coins are
// spendable; ReservedCoins are earmarked against resting buy orders.
type Account struct {
	ID            int64     `json:"id"`
	Coins         int64     `json:"coins"`
	ReservedCoins int64     `json:"reserved_coins"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Total returns coins plus reserved coins.
func (a Account) Total() int64 {
	return a.Coins + a.ReservedCoins
}

// minorUnitExp is the decimal exponent of one minor unit.
const minorUnitExp = -2

// FormatCoins renders a minor-unit amount as a fixed two-decimal string,
// e.g. 12345 -> "123.45".
func FormatCoins(minor int64) string {
	return decimal.New(minor, minorUnitExp).StringFixed(2)
}
