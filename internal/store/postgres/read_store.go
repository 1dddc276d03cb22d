package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// ReadStore serves the read-only lookups used by the HTTP API and the
// archive job. It implements domain.AccountReader, domain.MarketReader and
// domain.FillArchiveStore.
type ReadStore struct {
	pool *pgxpool.Pool
}

// NewReadStore creates a new ReadStore backed by the given connection pool.
func NewReadStore(pool *pgxpool.Pool) *ReadStore {
	return &ReadStore{pool: pool}
}

// GetAccount returns an account by id.
func (s *ReadStore) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountSelectCols+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %d: %w", id, err)
	}
	return a, nil
}

// GetMarket returns a market with its outcomes.
func (s *ReadStore) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}

	m.Outcomes, err = listOutcomes(ctx, s.pool, id)
	if err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// ListFillsBefore returns the fills created strictly before the cutoff,
// oldest first.
func (s *ReadStore) ListFillsBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE created_at < $1 ORDER BY created_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before.Format(time.RFC3339), err)
	}
	fills, err := scanFills(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}
