package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// LedgerHandler serves read-only account and market lookups.
type LedgerHandler struct {
	accounts domain.AccountReader
	markets  domain.MarketReader
	logger   *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(accounts domain.AccountReader, markets domain.MarketReader, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{accounts: accounts, markets: markets, logger: logger}
}

type accountResponse struct {
	domain.Account
	CoinsDisplay    string `json:"coins_display"`
	ReservedDisplay string `json:"reserved_display"`
	TotalDisplay    string `json:"total_display"`
}

// GetAccount returns an account's balances in minor units with display
// strings.
// GET /api/accounts/{id}
func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	a, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get account failed",
			slog.Int64("account_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		Account:         a,
		CoinsDisplay:    domain.FormatCoins(a.Coins),
		ReservedDisplay: domain.FormatCoins(a.ReservedCoins),
		TotalDisplay:    domain.FormatCoins(a.Total()),
	})
}

// GetMarket returns a market with its outcomes.
// GET /api/markets/{id}
func (h *LedgerHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.Int64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}
