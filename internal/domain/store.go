package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Ledger runs units of work against the ledger tables. fn's mutations
// commit together when it returns nil and are rolled back otherwise.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// EntryPruner drops processed stream entry ids recorded before a cutoff.
// Once pruned, a redelivery of that entry is no longer recognized, so the
// cutoff must lie beyond any entry that can still be redelivered.
type EntryPruner interface {
	PruneProcessedEntries(ctx context.Context, before time.Time) (int64, error)
}

// LedgerTx is the set of row operations available inside one ledger
// transaction. Methods suffixed ForUpdate take a row lock held until the
// transaction ends; Lock* methods skip rows already locked elsewhere.
type LedgerTx interface {
	// MarkEntryProcessed records a stream entry id. It returns false when the
	// entry was already recorded by an earlier committed transaction.
	MarkEntryProcessed(ctx context.Context, entryID string) (bool, error)

	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	// AdjustAccount adds the deltas atomically. It returns
	// ErrInsufficientFunds if either balance would become negative and
	// ErrNotFound if the account does not exist.
	AdjustAccount(ctx context.Context, id int64, coinsDelta, reservedDelta int64) error

	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	// InsertOrder creates the order unless one with the same id exists.
	InsertOrder(ctx context.Context, o Order) (bool, error)
	SaveOrder(ctx context.Context, o Order) error
	// ListRestingOrdersForUpdate returns OPEN and PARTIAL orders on the
	// given outcomes.
	ListRestingOrdersForUpdate(ctx context.Context, outcomeIDs []string) ([]Order, error)

	FillExists(ctx context.Context, id string) (bool, error)
	InsertFill(ctx context.Context, f Fill) error
	ListFillsByOutcome(ctx context.Context, outcomeID string) ([]Fill, error)

	LockMarketsToOpen(ctx context.Context, now time.Time, limit int) ([]Market, error)
	LockMarketsToClose(ctx context.Context, now time.Time, limit int) ([]Market, error)
	LockMarketsToSettle(ctx context.Context, limit int) ([]Market, error)
	SetMarketStatus(ctx context.Context, ids []int64, status MarketStatus) error
	ListOutcomes(ctx context.Context, marketID int64) ([]Outcome, error)

	AppendBookDepth(ctx context.Context, d BookDepth) error
	AppendMarketData(ctx context.Context, points []MarketDataPoint) error

	// Savepoint runs fn in a nested transaction. An error from fn rolls back
	// only fn's work.
	Savepoint(ctx context.Context, fn func(tx LedgerTx) error) error
}

// AccountReader serves read-only account lookups.
type AccountReader interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
}

// MarketReader serves read-only market lookups, outcomes included.
type MarketReader interface {
	GetMarket(ctx context.Context, id int64) (Market, error)
}

// FillArchiveStore lists fills for cold storage.
type FillArchiveStore interface {
	ListFillsBefore(ctx context.Context, before time.Time) ([]Fill, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
