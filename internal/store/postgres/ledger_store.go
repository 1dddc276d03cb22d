package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerStore implements domain.Ledger using PostgreSQL. Every unit of work
// runs in one READ COMMITTED transaction; row locks serialize writers.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// PruneProcessedEntries deletes processed entry ids older than before.
func (s *LedgerStore) PruneProcessedEntries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_entries WHERE processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune processed entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// txStore implements domain.LedgerTx over an open pgx transaction.
type txStore struct {
	tx pgx.Tx
}

func (s *txStore) MarkEntryProcessed(ctx context.Context, entryID string) (bool, error) {
	tag, err := s.tx.Exec(ctx,
		`INSERT INTO processed_entries (entry_id) VALUES ($1) ON CONFLICT (entry_id) DO NOTHING`,
		entryID,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: mark entry %s processed: %w", entryID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const accountSelectCols = `id, coins, reserved_coins, updated_at`

func scanAccount(scanner interface{ Scan(dest ...any) error }) (domain.Account, error) {
	var a domain.Account
	err := scanner.Scan(&a.ID, &a.Coins, &a.ReservedCoins, &a.UpdatedAt)
	return a, err
}

func (s *txStore) GetAccountForUpdate(ctx context.Context, id int64) (domain.Account, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT `+accountSelectCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("postgres: account %d: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("postgres: lock account %d: %w", id, err)
	}
	return a, nil
}

// AdjustAccount applies both deltas in one guarded UPDATE so a balance can
// never be observed negative, even without a prior row lock.
func (s *txStore) AdjustAccount(ctx context.Context, id int64, coinsDelta, reservedDelta int64) error {
	const query = `
		UPDATE accounts
		SET coins = coins + $2,
		    reserved_coins = reserved_coins + $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND coins + $2 >= 0
		  AND reserved_coins + $3 >= 0`

	tag, err := s.tx.Exec(ctx, query, id, coinsDelta, reservedDelta)
	if err != nil {
		return fmt.Errorf("postgres: adjust account %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: adjust account %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("postgres: account %d: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: account %d coins %+d reserved %+d: %w",
		id, coinsDelta, reservedDelta, domain.ErrInsufficientFunds)
}

const orderSelectCols = `id, account_id, outcome_id, side, order_type, price,
	quantity, original_quantity, status, time_in_force, created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	err := scanner.Scan(
		&o.ID, &o.AccountID, &o.OutcomeID, &side, &orderType, &o.Price,
		&o.Quantity, &o.OriginalQuantity, &status, &o.TimeInForce,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func (s *txStore) GetOrderForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: order %d: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: lock order %d: %w", id, err)
	}
	return o, nil
}

func orderType(o domain.Order) string {
	if o.Type == "" {
		return string(domain.OrderTypeLimit)
	}
	return string(o.Type)
}

func createdAt(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *txStore) InsertOrder(ctx context.Context, o domain.Order) (bool, error) {
	const query = `
		INSERT INTO orders (
			id, account_id, outcome_id, side, order_type, price,
			quantity, original_quantity, status, time_in_force,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			COALESCE($11, NOW()), NOW()
		)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.tx.Exec(ctx, query,
		o.ID, o.AccountID, o.OutcomeID, string(o.Side), orderType(o), o.Price,
		o.Quantity, o.OriginalQuantity, string(o.Status), o.TimeInForce,
		createdAt(o.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert order %d: %w", o.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveOrder upserts the order. An existing row is only overwritten while it
// is resting and the status move is legal; PARTIAL never returns to OPEN.
func (s *txStore) SaveOrder(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, account_id, outcome_id, side, order_type, price,
			quantity, original_quantity, status, time_in_force,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			COALESCE($11, NOW()), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			outcome_id = EXCLUDED.outcome_id,
			price = EXCLUDED.price,
			quantity = EXCLUDED.quantity,
			original_quantity = EXCLUDED.original_quantity,
			status = EXCLUDED.status,
			time_in_force = EXCLUDED.time_in_force,
			updated_at = NOW()
		WHERE orders.status IN ('OPEN', 'PARTIAL')
		  AND NOT (orders.status = 'PARTIAL' AND EXCLUDED.status = 'OPEN')`

	tag, err := s.tx.Exec(ctx, query,
		o.ID, o.AccountID, o.OutcomeID, string(o.Side), orderType(o), o.Price,
		o.Quantity, o.OriginalQuantity, string(o.Status), o.TimeInForce,
		createdAt(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: order %d -> %s: %w", o.ID, o.Status, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *txStore) ListRestingOrdersForUpdate(ctx context.Context, outcomeIDs []string) ([]domain.Order, error) {
	if len(outcomeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.tx.Query(ctx, `
		SELECT `+orderSelectCols+`
		FROM orders
		WHERE outcome_id = ANY($1) AND status IN ('OPEN', 'PARTIAL')
		ORDER BY id
		FOR UPDATE`, outcomeIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list resting orders rows: %w", err)
	}
	return orders, nil
}

func (s *txStore) FillExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM fills WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: check fill %s: %w", id, err)
	}
	return exists, nil
}

func (s *txStore) InsertFill(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (
			id, outcome_id, buy_order_id, sell_order_id,
			buyer_account_id, seller_account_id, price, quantity, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`

	_, err := s.tx.Exec(ctx, query,
		f.ID, f.OutcomeID, f.BuyOrderID, f.SellOrderID,
		f.BuyerAccountID, f.SellerAccountID, f.Price, f.Quantity,
		createdAt(f.CreatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: fill %s: %w", f.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert fill %s: %w", f.ID, err)
	}
	return nil
}

const fillSelectCols = `id, outcome_id, buy_order_id, sell_order_id,
	buyer_account_id, seller_account_id, price, quantity, created_at`

func scanFills(rows pgx.Rows) ([]domain.Fill, error) {
	defer rows.Close()
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(
			&f.ID, &f.OutcomeID, &f.BuyOrderID, &f.SellOrderID,
			&f.BuyerAccountID, &f.SellerAccountID, &f.Price, &f.Quantity, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *txStore) ListFillsByOutcome(ctx context.Context, outcomeID string) ([]domain.Fill, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE outcome_id = $1 ORDER BY created_at, id`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for outcome %s: %w", outcomeID, err)
	}
	fills, err := scanFills(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills for outcome %s: %w", outcomeID, err)
	}
	return fills, nil
}

const marketSelectCols = `id, title, status, betting_start_at, betting_end_at, updated_at`

func scanMarket(scanner interface{ Scan(dest ...any) error }) (domain.Market, error) {
	var m domain.Market
	var status string
	if err := scanner.Scan(&m.ID, &m.Title, &status, &m.BettingStartAt, &m.BettingEndAt, &m.UpdatedAt); err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

// lockMarkets runs a SKIP LOCKED selection so concurrent jobs partition the
// due markets between them instead of blocking.
func (s *txStore) lockMarkets(ctx context.Context, what, where, orderBy string, limit int, args ...any) ([]domain.Market, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + marketSelectCols + ` FROM markets WHERE ` + where + ` ORDER BY ` + orderBy)
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	b.WriteString(" FOR UPDATE SKIP LOCKED")

	rows, err := s.tx.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock markets to %s: %w", what, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lock markets to %s rows: %w", what, err)
	}
	return markets, nil
}

func (s *txStore) LockMarketsToOpen(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return s.lockMarkets(ctx, "open",
		`status = 'DRAFT' AND betting_start_at <= $1`, `betting_start_at, id`, limit, now)
}

func (s *txStore) LockMarketsToClose(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return s.lockMarkets(ctx, "close",
		`status = 'OPEN' AND betting_end_at <= $1`, `betting_end_at, id`, limit, now)
}

// LockMarketsToSettle selects only CLOSED markets that already have a
// resolved winner, so unresolved markets cannot fill every batch.
func (s *txStore) LockMarketsToSettle(ctx context.Context, limit int) ([]domain.Market, error) {
	return s.lockMarkets(ctx, "settle",
		`status = 'CLOSED' AND EXISTS (
			SELECT 1 FROM outcomes o
			WHERE o.market_id = markets.id AND o.winning_outcome AND o.is_resolved)`,
		`betting_end_at, id`, limit)
}

func (s *txStore) SetMarketStatus(ctx context.Context, ids []int64, status domain.MarketStatus) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := s.tx.Exec(ctx,
		`UPDATE markets SET status = $1, updated_at = NOW() WHERE id = ANY($2)`, string(status), ids)
	if err != nil {
		return fmt.Errorf("postgres: set %d markets %s: %w", len(ids), status, err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("postgres: set markets %v %s: %w", ids, status, domain.ErrNotFound)
	}
	return nil
}

func (s *txStore) ListOutcomes(ctx context.Context, marketID int64) ([]domain.Outcome, error) {
	return listOutcomes(ctx, s.tx, marketID)
}

func listOutcomes(ctx context.Context, q querier, marketID int64) ([]domain.Outcome, error) {
	rows, err := q.Query(ctx, `
		SELECT id, market_id, name, winning_outcome, is_resolved
		FROM outcomes
		WHERE market_id = $1
		ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes for market %d: %w", marketID, err)
	}
	defer rows.Close()

	var outcomes []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &o.WinningOutcome, &o.IsResolved); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list outcomes rows: %w", err)
	}
	return outcomes, nil
}

// AppendBookDepth writes one row per price level. An empty book becomes a
// single marker row so readers can tell "empty" from "no snapshot".
func (s *txStore) AppendBookDepth(ctx context.Context, d domain.BookDepth) error {
	var rows [][]any
	if d.Empty() {
		rows = append(rows, []any{d.Time, d.MarketID, d.OutcomeID, "none", nil, nil, true})
	}
	for _, l := range d.Bids {
		rows = append(rows, []any{d.Time, d.MarketID, d.OutcomeID, "bid", l.Price, l.Quantity, false})
	}
	for _, l := range d.Asks {
		rows = append(rows, []any{d.Time, d.MarketID, d.OutcomeID, "ask", l.Price, l.Quantity, false})
	}

	_, err := s.tx.CopyFrom(ctx,
		pgx.Identifier{"order_book_depth"},
		[]string{"time", "market_id", "outcome_id", "side", "price", "quantity", "is_empty"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: append book depth for outcome %s: %w", d.OutcomeID, err)
	}
	return nil
}

func (s *txStore) AppendMarketData(ctx context.Context, points []domain.MarketDataPoint) error {
	if len(points) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO market_data (time, market_id, outcome_id, fair_price, total_volume) VALUES `)
	args := make([]any, 0, len(points)*5)
	for i, p := range points {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d::numeric, $%d::numeric)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, p.Time, p.MarketID, p.OutcomeID, p.FairPrice.String(), p.TotalVolume.String())
	}

	if _, err := s.tx.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("postgres: append %d market data points: %w", len(points), err)
	}
	return nil
}

func (s *txStore) Savepoint(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, s.tx, func(nested pgx.Tx) error {
		return fn(&txStore{tx: nested})
	})
}
