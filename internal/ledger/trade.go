package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/event"
)

// trade applies one fill. The buyer pays price*quantity, drawn first from
// the reservation their buy order holds and then from spendable coins; any
// excess reservation from a better-than-limit price returns to coins. The
// seller is credited price*quantity. Sell orders reserve shares, not coins,
// so the seller's reserved balance is untouched.
func (h *Handlers) trade(ctx context.Context, tx domain.LedgerTx, t event.Trade) error {
	// Rows are locked in ascending id order so two consumers applying
	// fills between the same pair of accounts cannot deadlock. The fill
	// check follows the locks so it sees a concurrent duplicate's commit.
	accounts, err := lockAccounts(ctx, tx, t.BuyerAccountID, t.SellerAccountID)
	if err != nil {
		return err
	}
	buyer := accounts[t.BuyerAccountID]

	exists, err := tx.FillExists(ctx, t.FillID)
	if err != nil {
		return err
	}
	if exists {
		h.logger.DebugContext(ctx, "fill already applied", slog.String("fill_id", t.FillID))
		return nil
	}

	orders, err := lockOrders(ctx, tx, t.BuyOrderID, t.SellOrderID)
	if err != nil {
		return err
	}
	buyOrder, buyFound := orders[t.BuyOrderID]
	sellOrder, sellFound := orders[t.SellOrderID]

	fill := t.Fill()
	if fill.OutcomeID == "" {
		switch {
		case buyFound:
			fill.OutcomeID = buyOrder.OutcomeID
		case sellFound:
			fill.OutcomeID = sellOrder.OutcomeID
		}
	}
	if fill.OutcomeID == "" {
		return fmt.Errorf("ledger: fill %s: neither order %d nor %d is known and the event names no outcome: %w",
			fill.ID, fill.BuyOrderID, fill.SellOrderID, domain.ErrUnknownOutcome)
	}

	cost, err := fill.Cost()
	if err != nil {
		return fmt.Errorf("ledger: fill %s cost: %w", fill.ID, err)
	}
	reserved := cost
	if buyFound && !buyOrder.Status.Terminal() && buyOrder.Price != nil {
		if reserved, err = buyOrder.Reservation(fill.Quantity); err != nil {
			return fmt.Errorf("ledger: fill %s reservation: %w", fill.ID, err)
		}
	}
	release := min(reserved, buyer.ReservedCoins)
	coinsDelta := release - cost
	if buyer.Coins+coinsDelta < 0 {
		return fmt.Errorf("ledger: fill %s needs %d coins from account %d, has %d: %w",
			fill.ID, -coinsDelta, buyer.ID, buyer.Coins, domain.ErrInsufficientFunds)
	}

	if err := tx.InsertFill(ctx, fill); err != nil {
		return err
	}
	if err := tx.AdjustAccount(ctx, buyer.ID, coinsDelta, -release); err != nil {
		return fmt.Errorf("ledger: debit buyer %d: %w", buyer.ID, err)
	}
	if err := tx.AdjustAccount(ctx, fill.SellerAccountID, cost, 0); err != nil {
		return fmt.Errorf("ledger: credit seller %d: %w", fill.SellerAccountID, err)
	}

	if err := h.fillOrder(ctx, tx, buyOrder, buyFound, orderFillSide{
		orderID:   fill.BuyOrderID,
		accountID: fill.BuyerAccountID,
		side:      domain.OrderSideBuy,
	}, fill, t.Taker); err != nil {
		return err
	}
	if err := h.fillOrder(ctx, tx, sellOrder, sellFound, orderFillSide{
		orderID:   fill.SellOrderID,
		accountID: fill.SellerAccountID,
		side:      domain.OrderSideSell,
	}, fill, t.Taker); err != nil {
		return err
	}

	h.logger.DebugContext(ctx, "fill applied",
		slog.String("fill_id", fill.ID),
		slog.Int64("buyer", fill.BuyerAccountID),
		slog.Int64("seller", fill.SellerAccountID),
		slog.Int64("cost", cost),
		slog.Int64("reservation_released", release),
	)
	return nil
}

type orderFillSide struct {
	orderID   int64
	accountID int64
	side      domain.OrderSide
}

// fillOrder decrements an order by the fill quantity, creating a
// placeholder row for orders the ledger has not seen yet.
func (h *Handlers) fillOrder(ctx context.Context, tx domain.LedgerTx, o domain.Order, found bool, s orderFillSide, fill domain.Fill, taker *event.TakerState) error {
	if !found {
		original := fill.Quantity
		remaining := int64(0)
		if taker != nil && taker.OrderID == s.orderID {
			original = max(taker.OriginalQuantity, taker.Remaining+fill.Quantity)
			remaining = taker.Remaining
		}
		price := fill.Price
		_, err := tx.InsertOrder(ctx, domain.Order{
			ID:               s.orderID,
			AccountID:        s.accountID,
			OutcomeID:        fill.OutcomeID,
			Side:             s.side,
			Type:             domain.OrderTypeLimit,
			Price:            &price,
			Quantity:         remaining,
			OriginalQuantity: original,
			Status:           domain.FillStatus(remaining),
			CreatedAt:        fill.CreatedAt,
		})
		return err
	}

	if o.Status.Terminal() {
		h.logger.WarnContext(ctx, "fill against terminal order",
			slog.Int64("order_id", o.ID),
			slog.String("status", string(o.Status)),
			slog.String("fill_id", fill.ID),
		)
		return nil
	}

	o.Quantity = max(o.Quantity-fill.Quantity, 0)
	o.Status = domain.FillStatus(o.Quantity)
	return tx.SaveOrder(ctx, o)
}

func lockAccounts(ctx context.Context, tx domain.LedgerTx, ids ...int64) (map[int64]domain.Account, error) {
	out := make(map[int64]domain.Account, len(ids))
	for _, id := range sortedUnique(ids) {
		a, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ledger: lock account %d: %w", id, err)
		}
		out[id] = a
	}
	return out, nil
}

// lockOrders returns the orders that exist; unknown ids are absent from
// the map.
func lockOrders(ctx context.Context, tx domain.LedgerTx, ids ...int64) (map[int64]domain.Order, error) {
	out := make(map[int64]domain.Order, len(ids))
	for _, id := range sortedUnique(ids) {
		o, err := tx.GetOrderForUpdate(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: lock order %d: %w", id, err)
		}
		out[id] = o
	}
	return out, nil
}

func sortedUnique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
