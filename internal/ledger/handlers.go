// Package ledger applies matching-engine events to accounts, orders and
// fills. Every event is applied in its own store transaction and every
// handler is safe to replay.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/event"
)

// ErrNoHandler is returned for event kinds the ledger does not apply.
var ErrNoHandler = errors.New("ledger: no handler for event")

// Handlers dispatches decoded events to their ledger transition.
type Handlers struct {
	ledger domain.Ledger
	logger *slog.Logger
}

// NewHandlers creates Handlers over the given ledger store.
func NewHandlers(ledger domain.Ledger, logger *slog.Logger) *Handlers {
	return &Handlers{
		ledger: ledger,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Apply applies ev in one transaction. entryID is the stream entry the
// event came from; when non-empty it is recorded so a redelivered entry is
// a no-op even for events without a natural idempotency key.
func (h *Handlers) Apply(ctx context.Context, entryID string, ev event.Event) error {
	if _, ok := ev.(event.Unknown); ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind())
	}

	return h.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		if entryID != "" {
			fresh, err := tx.MarkEntryProcessed(ctx, entryID)
			if err != nil {
				return err
			}
			if !fresh {
				h.logger.DebugContext(ctx, "entry already applied",
					slog.String("entry_id", entryID),
					slog.String("type", string(ev.Kind())),
				)
				return nil
			}
		}

		switch e := ev.(type) {
		case event.OrderPlaced:
			return h.orderPlaced(ctx, tx, e)
		case event.OrderPartial:
			return h.orderPartial(ctx, tx, e)
		case event.Trade:
			return h.trade(ctx, tx, e)
		case event.OrderCancelled:
			return h.orderCancelled(ctx, tx, e)
		case event.OrderRejected:
			return h.orderRejected(ctx, tx, e)
		case event.BookDepth:
			return tx.AppendBookDepth(ctx, e.BookDepth)
		case event.MarketData:
			if len(e.Points) == 0 {
				return nil
			}
			return tx.AppendMarketData(ctx, e.Points)
		default:
			return fmt.Errorf("%w: %T", ErrNoHandler, ev)
		}
	})
}

func (h *Handlers) orderPlaced(ctx context.Context, tx domain.LedgerTx, e event.OrderPlaced) error {
	o := domain.Order{
		ID:               e.OrderID,
		AccountID:        e.AccountID,
		OutcomeID:        e.OutcomeID,
		Side:             e.Side,
		Type:             orderType(e.Price),
		Price:            e.Price,
		Quantity:         e.Quantity,
		OriginalQuantity: e.Quantity,
		Status:           domain.OrderStatusOpen,
		TimeInForce:      e.TimeInForce,
		CreatedAt:        e.Timestamp,
	}
	created, err := tx.InsertOrder(ctx, o)
	if err != nil {
		return err
	}
	if !created {
		h.logger.DebugContext(ctx, "order already recorded", slog.Int64("order_id", e.OrderID))
	}
	return nil
}

// orderPartial lowers the remaining quantity. Remaining never grows: a
// partial that arrives after a later trade was already applied keeps the
// smaller value. A partial for an unseen order creates it only when the
// event carries the side and owner; otherwise it is skipped.
func (h *Handlers) orderPartial(ctx context.Context, tx domain.LedgerTx, e event.OrderPartial) error {
	o, err := tx.GetOrderForUpdate(ctx, e.OrderID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if !e.Side.Valid() || e.AccountID == 0 {
			h.logger.WarnContext(ctx, "partial for unknown order lacks side or account, skipped",
				slog.Int64("order_id", e.OrderID),
				slog.String("side", string(e.Side)),
				slog.Int64("account_id", e.AccountID),
			)
			return nil
		}
		original := e.OriginalQuantity
		if original < e.Remaining {
			original = e.Remaining
		}
		_, err := tx.InsertOrder(ctx, domain.Order{
			ID:               e.OrderID,
			AccountID:        e.AccountID,
			OutcomeID:        e.OutcomeID,
			Side:             e.Side,
			Type:             orderType(e.Price),
			Price:            e.Price,
			Quantity:         e.Remaining,
			OriginalQuantity: original,
			Status:           partialStatus(e.Remaining, original),
			CreatedAt:        e.Timestamp,
		})
		return err
	case err != nil:
		return err
	}

	if o.Status.Terminal() {
		h.logger.InfoContext(ctx, "partial for terminal order ignored",
			slog.Int64("order_id", o.ID),
			slog.String("status", string(o.Status)),
		)
		return nil
	}

	if e.Remaining < o.Quantity {
		o.Quantity = e.Remaining
	}
	o.Status = partialStatus(o.Quantity, o.OriginalQuantity)
	return tx.SaveOrder(ctx, o)
}

func (h *Handlers) orderCancelled(ctx context.Context, tx domain.LedgerTx, e event.OrderCancelled) error {
	o, err := tx.GetOrderForUpdate(ctx, e.OrderID)
	if err != nil {
		return fmt.Errorf("ledger: cancel order %d: %w", e.OrderID, err)
	}
	if o.Status.Terminal() {
		if o.Status == domain.OrderStatusFilled {
			h.logger.WarnContext(ctx, "cancel for filled order ignored", slog.Int64("order_id", o.ID))
		}
		return nil
	}

	reserved, err := o.Reservation(o.Quantity)
	if err != nil {
		return fmt.Errorf("ledger: cancel order %d: %w", o.ID, err)
	}
	refunded, err := ReleaseReservation(ctx, tx, o.AccountID, reserved)
	if err != nil {
		return err
	}

	o.Status = domain.OrderStatusCancelled
	if err := tx.SaveOrder(ctx, o); err != nil {
		return err
	}

	h.logger.DebugContext(ctx, "order cancelled",
		slog.Int64("order_id", o.ID),
		slog.Int64("account_id", o.AccountID),
		slog.Int64("refunded", refunded),
	)
	return nil
}

func (h *Handlers) orderRejected(ctx context.Context, tx domain.LedgerTx, e event.OrderRejected) error {
	if e.Side != domain.OrderSideBuy || e.Price == nil {
		return nil
	}
	reserved, err := domain.MulAmount(*e.Price, e.Quantity)
	if err != nil {
		return fmt.Errorf("ledger: reject for account %d: %w", e.AccountID, err)
	}
	_, err = ReleaseReservation(ctx, tx, e.AccountID, reserved)
	return err
}

// ReleaseReservation moves up to amount from the account's reserved coins
// back to its spendable coins and returns the amount moved. The release is
// capped at what is actually reserved so reserved coins never go negative.
func ReleaseReservation(ctx context.Context, tx domain.LedgerTx, accountID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	acct, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("ledger: lock account %d: %w", accountID, err)
	}
	release := min(amount, acct.ReservedCoins)
	if release <= 0 {
		return 0, nil
	}
	if err := tx.AdjustAccount(ctx, accountID, release, -release); err != nil {
		return 0, fmt.Errorf("ledger: release reservation for account %d: %w", accountID, err)
	}
	return release, nil
}

func orderType(price *int64) domain.OrderType {
	if price == nil {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

func partialStatus(remaining, original int64) domain.OrderStatus {
	if remaining >= original && original > 0 {
		return domain.OrderStatusOpen
	}
	return domain.FillStatus(remaining)
}
