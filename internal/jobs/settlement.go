package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/observability"
)

// DefaultPayoutPerShare is what one winning share pays, in minor units.
const DefaultPayoutPerShare int64 = 100

// SettlerConfig tunes the settlement job.
type SettlerConfig struct {
	Batch          int
	PayoutPerShare int64
	// IsolateMarkets settles each market in its own savepoint so one failing
	// market is skipped instead of aborting the batch.
	IsolateMarkets bool
}

// SettlementReport summarises the settlement of one market.
type SettlementReport struct {
	MarketID         int64  `json:"market_id"`
	WinningOutcomeID string `json:"winning_outcome_id"`
	CancelledOrders  int    `json:"cancelled_orders"`
	Refunded         int64  `json:"refunded"`
	Winners          int    `json:"winners"`
	TotalShares      int64  `json:"total_shares"`
	TotalPayout      int64  `json:"total_payout"`
}

// Settler settles CLOSED markets that have a resolved winning outcome.
type Settler struct {
	ledger  domain.Ledger
	cfg     SettlerConfig
	audit   Auditor
	alerts  Alerter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewSettler creates a Settler. audit and alerts may be nil.
func NewSettler(l domain.Ledger, cfg SettlerConfig, audit Auditor, alerts Alerter, metrics *observability.Metrics, logger *slog.Logger) *Settler {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.PayoutPerShare <= 0 {
		cfg.PayoutPerShare = DefaultPayoutPerShare
	}
	return &Settler{
		ledger:  l,
		cfg:     cfg,
		audit:   audit,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "job"), slog.String("job", NameSettle)),
	}
}

// Name returns the job name.
func (s *Settler) Name() string { return NameSettle }

// Run settles one batch of markets.
func (s *Settler) Run(ctx context.Context) error {
	_, err := s.Settle(ctx)
	return err
}

// Settle settles one batch of CLOSED markets in a single transaction and
// returns a report per settled market. Markets without a resolved winner
// are skipped and stay CLOSED. Unless markets are isolated, any failure
// rolls back the whole batch.
func (s *Settler) Settle(ctx context.Context) ([]SettlementReport, error) {
	var reports []SettlementReport
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		reports = nil
		markets, err := tx.LockMarketsToSettle(ctx, s.cfg.Batch)
		if err != nil {
			return err
		}

		for _, m := range markets {
			var (
				rep     SettlementReport
				settled bool
			)
			settle := func(tx domain.LedgerTx) error {
				var err error
				rep, settled, err = s.settleMarket(ctx, tx, m)
				return err
			}

			if s.cfg.IsolateMarkets {
				if err := tx.Savepoint(ctx, settle); err != nil {
					s.logger.ErrorContext(ctx, "market settlement failed, left CLOSED",
						slog.Int64("market_id", m.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
			} else if err := settle(tx); err != nil {
				return fmt.Errorf("market %d: %w", m.ID, err)
			}

			if settled {
				reports = append(reports, rep)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: settle: %w", err)
	}

	for _, rep := range reports {
		s.record(ctx, rep)
	}
	return reports, nil
}

func (s *Settler) settleMarket(ctx context.Context, tx domain.LedgerTx, m domain.Market) (SettlementReport, bool, error) {
	rep := SettlementReport{MarketID: m.ID}

	outcomes, err := tx.ListOutcomes(ctx, m.ID)
	if err != nil {
		return rep, false, err
	}
	var (
		winner     *domain.Outcome
		outcomeIDs []string
	)
	for i := range outcomes {
		outcomeIDs = append(outcomeIDs, outcomes[i].ID)
		if winner == nil && outcomes[i].Settleable() {
			winner = &outcomes[i]
		}
	}
	if winner == nil {
		s.logger.InfoContext(ctx, "market has no resolved winner, skipping", slog.Int64("market_id", m.ID))
		return rep, false, nil
	}
	rep.WinningOutcomeID = winner.ID

	resting, err := tx.ListRestingOrdersForUpdate(ctx, outcomeIDs)
	if err != nil {
		return rep, false, err
	}
	for _, o := range resting {
		reserved, err := o.Reservation(o.Quantity)
		if err != nil {
			return rep, false, fmt.Errorf("order %d: %w", o.ID, err)
		}
		refunded, err := ledger.ReleaseReservation(ctx, tx, o.AccountID, reserved)
		if err != nil {
			return rep, false, err
		}
		o.Status = domain.OrderStatusCancelled
		if err := tx.SaveOrder(ctx, o); err != nil {
			return rep, false, err
		}
		rep.CancelledOrders++
		rep.Refunded += refunded
	}

	fills, err := tx.ListFillsByOutcome(ctx, winner.ID)
	if err != nil {
		return rep, false, err
	}
	positions := NetPositions(fills)

	accounts := make([]int64, 0, len(positions))
	for id, shares := range positions {
		if shares > 0 {
			accounts = append(accounts, id)
		}
	}
	slices.Sort(accounts)

	for _, id := range accounts {
		shares := positions[id]
		payout, err := domain.MulAmount(shares, s.cfg.PayoutPerShare)
		if err != nil {
			return rep, false, fmt.Errorf("payout for account %d: %w", id, err)
		}
		if err := tx.AdjustAccount(ctx, id, payout, 0); err != nil {
			return rep, false, fmt.Errorf("pay account %d: %w", id, err)
		}
		rep.Winners++
		if rep.TotalShares, err = domain.AddAmount(rep.TotalShares, shares); err != nil {
			return rep, false, fmt.Errorf("total shares: %w", err)
		}
		if rep.TotalPayout, err = domain.AddAmount(rep.TotalPayout, payout); err != nil {
			return rep, false, fmt.Errorf("total payout: %w", err)
		}
	}

	if err := tx.SetMarketStatus(ctx, []int64{m.ID}, domain.MarketStatusSettled); err != nil {
		return rep, false, err
	}
	return rep, true, nil
}

// NetPositions replays fills into net share positions per account: buyers
// gain the fill quantity and sellers lose it.
func NetPositions(fills []domain.Fill) map[int64]int64 {
	positions := make(map[int64]int64)
	for _, f := range fills {
		positions[f.BuyerAccountID] += f.Quantity
		positions[f.SellerAccountID] -= f.Quantity
	}
	return positions
}

func (s *Settler) record(ctx context.Context, rep SettlementReport) {
	s.metrics.MarketsTransitioned.WithLabelValues(NameSettle).Inc()
	s.metrics.SettlementPayout.Add(float64(rep.TotalPayout))
	s.metrics.SettlementWinners.Add(float64(rep.Winners))
	s.metrics.OrdersRefunded.Add(float64(rep.CancelledOrders))

	s.logger.InfoContext(ctx, "market settled",
		slog.Int64("market_id", rep.MarketID),
		slog.String("winning_outcome", rep.WinningOutcomeID),
		slog.Int("cancelled_orders", rep.CancelledOrders),
		slog.Int64("refunded", rep.Refunded),
		slog.Int("winners", rep.Winners),
		slog.Int64("total_payout", rep.TotalPayout),
	)

	if s.audit != nil {
		detail := map[string]any{
			"market_id":          rep.MarketID,
			"winning_outcome_id": rep.WinningOutcomeID,
			"cancelled_orders":   rep.CancelledOrders,
			"refunded":           rep.Refunded,
			"winners":            rep.Winners,
			"total_shares":       rep.TotalShares,
			"total_payout":       rep.TotalPayout,
			"settled_at":         time.Now().UTC(),
		}
		if err := s.audit.Log(ctx, "market.settled", detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if s.alerts != nil {
		msg := fmt.Sprintf("Market %d settled on outcome %s\nWinners: %d (%d shares)\nPaid: %s\nRefunded: %s across %d orders",
			rep.MarketID, rep.WinningOutcomeID, rep.Winners, rep.TotalShares,
			domain.FormatCoins(rep.TotalPayout), domain.FormatCoins(rep.Refunded), rep.CancelledOrders)
		if err := s.alerts.Notify(ctx, notify.EventSettlement, "Market settled", msg); err != nil {
			s.logger.WarnContext(ctx, "settlement alert failed", slog.String("error", err.Error()))
		}
	}
}
