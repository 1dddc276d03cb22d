// Package testutil provides an in-memory ledger store and helpers for
// package tests. The memory store keeps the transactional contract of the
// Postgres store: a failed unit of work leaves no trace, balance guards are
// atomic, and Lock* selections skip markets locked by another open
// transaction.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// MemLedger implements domain.Ledger, domain.AccountReader and
// domain.MarketReader in memory.
type MemLedger struct {
	mu          sync.Mutex
	accounts    map[int64]domain.Account
	orders      map[int64]domain.Order
	fills       map[string]domain.Fill
	fillSeq     []string
	markets     map[int64]domain.Market
	outcomes    map[string]domain.Outcome
	entries     map[string]time.Time
	depth       []domain.BookDepth
	marketData  []domain.MarketDataPoint
	marketLocks map[int64]*memTx
	failAdjust  map[int64]error

	// AfterLock, when set, is called with the selected market ids after a
	// Lock* method returns rows, while the locks are held.
	AfterLock func(ids []int64)
	// Now stamps processed entries; nil means time.Now.
	Now func() time.Time
}

// NewMemLedger returns an empty MemLedger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		accounts:    make(map[int64]domain.Account),
		orders:      make(map[int64]domain.Order),
		fills:       make(map[string]domain.Fill),
		markets:     make(map[int64]domain.Market),
		outcomes:    make(map[string]domain.Outcome),
		entries:     make(map[string]time.Time),
		marketLocks: make(map[int64]*memTx),
		failAdjust:  make(map[int64]error),
	}
}

// PruneProcessedEntries implements domain.EntryPruner.
func (l *MemLedger) PruneProcessedEntries(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, at := range l.entries {
		if at.Before(before) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

// ProcessedEntries returns the number of recorded stream entry ids.
func (l *MemLedger) ProcessedEntries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// PutAccount seeds an account.
func (l *MemLedger) PutAccount(a domain.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[a.ID] = a
}

// PutOrder seeds an order.
func (l *MemLedger) PutOrder(o domain.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o
}

// PutMarket seeds a market and its outcomes.
func (l *MemLedger) PutMarket(m domain.Market, outcomes ...domain.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.Outcomes = nil
	l.markets[m.ID] = m
	for _, o := range outcomes {
		o.MarketID = m.ID
		l.outcomes[o.ID] = o
	}
}

// PutFill seeds a fill without touching balances.
func (l *MemLedger) PutFill(f domain.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills[f.ID] = f
	l.fillSeq = append(l.fillSeq, f.ID)
}

// FailAdjust makes every AdjustAccount call for the account return err.
func (l *MemLedger) FailAdjust(accountID int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAdjust[accountID] = err
}

// Account returns a copy of the account row.
func (l *MemLedger) Account(id int64) domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[id]
}

// Order returns a copy of the order row and whether it exists.
func (l *MemLedger) Order(id int64) (domain.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	return o, ok
}

// Market returns a copy of the market row.
func (l *MemLedger) Market(id int64) domain.Market {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markets[id]
}

// Fills returns all fills in insertion order.
func (l *MemLedger) Fills() []domain.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Fill, 0, len(l.fillSeq))
	for _, id := range l.fillSeq {
		out = append(out, l.fills[id])
	}
	return out
}

// BookDepth returns the appended order book snapshots.
func (l *MemLedger) BookDepth() []domain.BookDepth {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.depth)
}

// MarketData returns the appended market data points.
func (l *MemLedger) MarketData() []domain.MarketDataPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.marketData)
}

// TotalCoins sums coins plus reserved coins over all accounts.
func (l *MemLedger) TotalCoins() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, a := range l.accounts {
		total += a.Total()
	}
	return total
}

// GetAccount implements domain.AccountReader.
func (l *MemLedger) GetAccount(_ context.Context, id int64) (domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

// GetMarket implements domain.MarketReader.
func (l *MemLedger) GetMarket(_ context.Context, id int64) (domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	m.Outcomes = l.outcomesOf(id)
	return m, nil
}

// InTx implements domain.Ledger.
func (l *MemLedger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx := &memTx{l: l}
	if err := fn(tx); err != nil {
		tx.rollbackTo(0)
		tx.release()
		return err
	}
	tx.release()
	return nil
}

func (l *MemLedger) outcomesOf(marketID int64) []domain.Outcome {
	var out []domain.Outcome
	for _, o := range l.outcomes {
		if o.MarketID == marketID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memTx struct {
	l    *MemLedger
	undo []func()
}

func (tx *memTx) record(f func()) {
	tx.undo = append(tx.undo, f)
}

func (tx *memTx) rollbackTo(mark int) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	for i := len(tx.undo) - 1; i >= mark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:mark]
}

func (tx *memTx) release() {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	for id, owner := range tx.l.marketLocks {
		if owner == tx {
			delete(tx.l.marketLocks, id)
		}
	}
}

func (tx *memTx) MarkEntryProcessed(_ context.Context, entryID string) (bool, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	if _, ok := tx.l.entries[entryID]; ok {
		return false, nil
	}
	now := time.Now
	if tx.l.Now != nil {
		now = tx.l.Now
	}
	tx.l.entries[entryID] = now()
	tx.record(func() { delete(tx.l.entries, entryID) })
	return true, nil
}

func (tx *memTx) GetAccountForUpdate(_ context.Context, id int64) (domain.Account, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	a, ok := tx.l.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (tx *memTx) AdjustAccount(_ context.Context, id int64, coinsDelta, reservedDelta int64) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	if err := tx.l.failAdjust[id]; err != nil {
		return err
	}
	a, ok := tx.l.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Coins+coinsDelta < 0 || a.ReservedCoins+reservedDelta < 0 {
		return domain.ErrInsufficientFunds
	}
	prev := a
	a.Coins += coinsDelta
	a.ReservedCoins += reservedDelta
	tx.l.accounts[id] = a
	tx.record(func() { tx.l.accounts[id] = prev })
	return nil
}

func (tx *memTx) GetOrderForUpdate(_ context.Context, id int64) (domain.Order, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	o, ok := tx.l.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o domain.Order) (bool, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	if _, ok := tx.l.orders[o.ID]; ok {
		return false, nil
	}
	if !o.Side.Valid() {
		return false, fmt.Errorf("memledger: order %d has side %q", o.ID, o.Side)
	}
	if _, ok := tx.l.accounts[o.AccountID]; !ok {
		return false, fmt.Errorf("memledger: order %d references unknown account %d", o.ID, o.AccountID)
	}
	tx.l.orders[o.ID] = o
	tx.record(func() { delete(tx.l.orders, o.ID) })
	return true, nil
}

func (tx *memTx) SaveOrder(_ context.Context, o domain.Order) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	prev, existed := tx.l.orders[o.ID]
	if existed && !prev.Status.CanTransition(o.Status) {
		return fmt.Errorf("memledger: order %d %s -> %s: %w", o.ID, prev.Status, o.Status, domain.ErrInvalidTransition)
	}
	tx.l.orders[o.ID] = o
	tx.record(func() {
		if existed {
			tx.l.orders[o.ID] = prev
		} else {
			delete(tx.l.orders, o.ID)
		}
	})
	return nil
}

func (tx *memTx) ListRestingOrdersForUpdate(_ context.Context, outcomeIDs []string) ([]domain.Order, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	var out []domain.Order
	for _, o := range tx.l.orders {
		if o.Status.Terminal() || !slices.Contains(outcomeIDs, o.OutcomeID) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) FillExists(_ context.Context, id string) (bool, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	_, ok := tx.l.fills[id]
	return ok, nil
}

func (tx *memTx) InsertFill(_ context.Context, f domain.Fill) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	if _, ok := tx.l.fills[f.ID]; ok {
		return fmt.Errorf("memledger: fill %s: %w", f.ID, domain.ErrAlreadyExists)
	}
	tx.l.fills[f.ID] = f
	tx.l.fillSeq = append(tx.l.fillSeq, f.ID)
	tx.record(func() {
		delete(tx.l.fills, f.ID)
		tx.l.fillSeq = slices.DeleteFunc(tx.l.fillSeq, func(id string) bool { return id == f.ID })
	})
	return nil
}

func (tx *memTx) ListFillsByOutcome(_ context.Context, outcomeID string) ([]domain.Fill, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	var out []domain.Fill
	for _, id := range tx.l.fillSeq {
		if f := tx.l.fills[id]; f.OutcomeID == outcomeID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (tx *memTx) LockMarketsToOpen(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return tx.lockMarkets(limit, func(m domain.Market) (bool, time.Time) {
		return m.Status == domain.MarketStatusDraft && !m.BettingStartAt.After(now), m.BettingStartAt
	})
}

func (tx *memTx) LockMarketsToClose(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return tx.lockMarkets(limit, func(m domain.Market) (bool, time.Time) {
		return m.Status == domain.MarketStatusOpen && !m.BettingEndAt.After(now), m.BettingEndAt
	})
}

func (tx *memTx) LockMarketsToSettle(_ context.Context, limit int) ([]domain.Market, error) {
	return tx.lockMarkets(limit, func(m domain.Market) (bool, time.Time) {
		if m.Status != domain.MarketStatusClosed {
			return false, m.BettingEndAt
		}
		for _, o := range tx.l.outcomesOf(m.ID) {
			if o.Settleable() {
				return true, m.BettingEndAt
			}
		}
		return false, m.BettingEndAt
	})
}

// lockMarkets selects matching markets ordered by the returned sort key,
// skipping any market locked by another transaction.
func (tx *memTx) lockMarkets(limit int, match func(domain.Market) (bool, time.Time)) ([]domain.Market, error) {
	tx.l.mu.Lock()
	type candidate struct {
		m   domain.Market
		key time.Time
	}
	var cands []candidate
	for _, m := range tx.l.markets {
		ok, key := match(m)
		if !ok {
			continue
		}
		if owner, locked := tx.l.marketLocks[m.ID]; locked && owner != tx {
			continue
		}
		cands = append(cands, candidate{m: m, key: key})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].key.Equal(cands[j].key) {
			return cands[i].m.ID < cands[j].m.ID
		}
		return cands[i].key.Before(cands[j].key)
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]domain.Market, 0, len(cands))
	ids := make([]int64, 0, len(cands))
	for _, c := range cands {
		tx.l.marketLocks[c.m.ID] = tx
		out = append(out, c.m)
		ids = append(ids, c.m.ID)
	}
	hook := tx.l.AfterLock
	tx.l.mu.Unlock()

	if hook != nil && len(ids) > 0 {
		hook(ids)
	}
	return out, nil
}

func (tx *memTx) SetMarketStatus(_ context.Context, ids []int64, status domain.MarketStatus) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	for _, id := range ids {
		m, ok := tx.l.markets[id]
		if !ok {
			return fmt.Errorf("memledger: market %d: %w", id, domain.ErrNotFound)
		}
		prev := m
		m.Status = status
		tx.l.markets[id] = m
		tx.record(func() { tx.l.markets[id] = prev })
	}
	return nil
}

func (tx *memTx) ListOutcomes(_ context.Context, marketID int64) ([]domain.Outcome, error) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	return tx.l.outcomesOf(marketID), nil
}

func (tx *memTx) AppendBookDepth(_ context.Context, d domain.BookDepth) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	n := len(tx.l.depth)
	tx.l.depth = append(tx.l.depth, d)
	tx.record(func() { tx.l.depth = tx.l.depth[:n] })
	return nil
}

func (tx *memTx) AppendMarketData(_ context.Context, points []domain.MarketDataPoint) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	n := len(tx.l.marketData)
	tx.l.marketData = append(tx.l.marketData, points...)
	tx.record(func() { tx.l.marketData = tx.l.marketData[:n] })
	return nil
}

func (tx *memTx) Savepoint(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	mark := len(tx.undo)
	if err := fn(tx); err != nil {
		tx.rollbackTo(mark)
		return err
	}
	return nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
