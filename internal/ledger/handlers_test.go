package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/event"
	"github.com/alanyoungcy/marketledger/internal/testutil"
)

func newTestHandlers(t *testing.T) (*Handlers, *testutil.MemLedger) {
	t.Helper()
	mem := testutil.NewMemLedger()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(mem, logger), mem
}

func limitOrder(id, account int64, side domain.OrderSide, price, qty int64) domain.Order {
	return domain.Order{
		ID:               id,
		AccountID:        account,
		OutcomeID:        "yes",
		Side:             side,
		Type:             domain.OrderTypeLimit,
		Price:            testutil.Ptr(price),
		Quantity:         qty,
		OriginalQuantity: qty,
		Status:           domain.OrderStatusOpen,
	}
}

func fillEvent(id string, price, qty int64) event.Trade {
	return event.Trade{
		Source:          event.KindOrderFilled,
		FillID:          id,
		OutcomeID:       "yes",
		BuyOrderID:      1,
		SellOrderID:     2,
		BuyerAccountID:  10,
		SellerAccountID: 20,
		Price:           price,
		Quantity:        qty,
	}
}

func TestTradeConsumesReservation(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 1000, ReservedCoins: 200})
	mem.PutAccount(domain.Account{ID: 20, Coins: 0})
	mem.PutOrder(limitOrder(1, 10, domain.OrderSideBuy, 50, 4))
	mem.PutOrder(limitOrder(2, 20, domain.OrderSideSell, 50, 4))

	if err := h.Apply(context.Background(), "1-0", fillEvent("f-1", 50, 4)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	buyer := mem.Account(10)
	if buyer.Coins != 1000 || buyer.ReservedCoins != 0 {
		t.Errorf("buyer = %d coins / %d reserved, want 1000 / 0", buyer.Coins, buyer.ReservedCoins)
	}
	if seller := mem.Account(20); seller.Coins != 200 {
		t.Errorf("seller coins = %d, want 200", seller.Coins)
	}
	for _, id := range []int64{1, 2} {
		o, _ := mem.Order(id)
		if o.Status != domain.OrderStatusFilled || o.Quantity != 0 {
			t.Errorf("order %d = %s qty %d, want FILLED qty 0", id, o.Status, o.Quantity)
		}
	}
	if n := len(mem.Fills()); n != 1 {
		t.Errorf("fills = %d, want 1", n)
	}
}

func TestTradeConservesMoney(t *testing.T) {
	tests := []struct {
		name       string
		buyReserve int64
		limit      int64
		price      int64
		qty        int64
		wantCoins  int64
	}{
		{name: "exact reservation", buyReserve: 300, limit: 60, price: 60, qty: 5, wantCoins: 500},
		{name: "price improvement refunds excess", buyReserve: 300, limit: 60, price: 40, qty: 5, wantCoins: 600},
		{name: "partial fill keeps rest reserved", buyReserve: 300, limit: 60, price: 60, qty: 2, wantCoins: 500},
		{name: "under-reserved draws from coins", buyReserve: 100, limit: 60, price: 60, qty: 5, wantCoins: 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mem := newTestHandlers(t)
			mem.PutAccount(domain.Account{ID: 10, Coins: 500, ReservedCoins: tt.buyReserve})
			mem.PutAccount(domain.Account{ID: 20, Coins: 70})
			mem.PutOrder(limitOrder(1, 10, domain.OrderSideBuy, tt.limit, 5))
			mem.PutOrder(limitOrder(2, 20, domain.OrderSideSell, tt.price, 5))
			before := mem.TotalCoins()
			buyerBefore := mem.Account(10).Total()

			if err := h.Apply(context.Background(), "", fillEvent("f", tt.price, tt.qty)); err != nil {
				t.Fatalf("Apply: %v", err)
			}

			if after := mem.TotalCoins(); after != before {
				t.Errorf("total coins %d -> %d, want unchanged", before, after)
			}
			buyer := mem.Account(10)
			if got, want := buyerBefore-buyer.Total(), tt.price*tt.qty; got != want {
				t.Errorf("buyer paid %d, want %d", got, want)
			}
			if buyer.Coins != tt.wantCoins {
				t.Errorf("buyer coins = %d, want %d", buyer.Coins, tt.wantCoins)
			}
			if buyer.ReservedCoins < 0 {
				t.Errorf("buyer reserved went negative: %d", buyer.ReservedCoins)
			}
			if seller := mem.Account(20); seller.Coins != 70+tt.price*tt.qty || seller.ReservedCoins != 0 {
				t.Errorf("seller = %+v", seller)
			}
		})
	}
}

func TestTradeReplayIsNoop(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 1000, ReservedCoins: 200})
	mem.PutAccount(domain.Account{ID: 20})
	mem.PutOrder(limitOrder(1, 10, domain.OrderSideBuy, 50, 4))
	mem.PutOrder(limitOrder(2, 20, domain.OrderSideSell, 50, 4))

	ctx := context.Background()
	ev := fillEvent("f-1", 50, 2)
	// Same entry redelivered, then the same fill under a new entry id.
	for _, entry := range []string{"1-0", "1-0", "2-0"} {
		if err := h.Apply(ctx, entry, ev); err != nil {
			t.Fatalf("Apply(%s): %v", entry, err)
		}
	}

	if n := len(mem.Fills()); n != 1 {
		t.Fatalf("fills = %d, want 1", n)
	}
	if buyer := mem.Account(10); buyer.Coins != 1000 || buyer.ReservedCoins != 100 {
		t.Errorf("buyer = %+v, want one fill applied", buyer)
	}
	if seller := mem.Account(20); seller.Coins != 100 {
		t.Errorf("seller coins = %d, want 100", seller.Coins)
	}
	if o, _ := mem.Order(1); o.Quantity != 2 || o.Status != domain.OrderStatusPartial {
		t.Errorf("buy order = %s qty %d, want PARTIAL qty 2", o.Status, o.Quantity)
	}
}

func TestTradeInsufficientFundsLeavesNoTrace(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 50, ReservedCoins: 0})
	mem.PutAccount(domain.Account{ID: 20})

	err := h.Apply(context.Background(), "9-0", fillEvent("f-x", 50, 4))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if n := len(mem.Fills()); n != 0 {
		t.Errorf("fills = %d, want 0", n)
	}
	if _, ok := mem.Order(1); ok {
		t.Error("placeholder order must not survive a failed fill")
	}
	if buyer := mem.Account(10); buyer.Coins != 50 {
		t.Errorf("buyer coins = %d, want 50", buyer.Coins)
	}

	// The entry was not recorded, so a retry after funding succeeds.
	mem.PutAccount(domain.Account{ID: 10, Coins: 500})
	if err := h.Apply(context.Background(), "9-0", fillEvent("f-x", 50, 4)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(mem.Fills()); n != 1 {
		t.Errorf("fills after retry = %d, want 1", n)
	}
}

func TestTradeRejectsOverflowingCost(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10})
	mem.PutAccount(domain.Account{ID: 20})

	err := h.Apply(context.Background(), "3-0", fillEvent("f-big", 1<<32, 1<<32))
	if !errors.Is(err, domain.ErrAmountOutOfRange) {
		t.Fatalf("err = %v, want ErrAmountOutOfRange", err)
	}
	if n := len(mem.Fills()); n != 0 {
		t.Errorf("fills = %d, want 0", n)
	}
	if buyer, seller := mem.Account(10), mem.Account(20); buyer.Coins != 0 || seller.Coins != 0 {
		t.Errorf("balances moved: buyer %d seller %d", buyer.Coins, seller.Coins)
	}
}

func TestTradeWithoutOutcomeFails(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 1000})
	mem.PutAccount(domain.Account{ID: 20})

	ev := fillEvent("f-orphan", 10, 2)
	ev.OutcomeID = ""
	err := h.Apply(context.Background(), "4-0", ev)
	if !errors.Is(err, domain.ErrUnknownOutcome) {
		t.Fatalf("err = %v, want ErrUnknownOutcome", err)
	}
	if n := len(mem.Fills()); n != 0 {
		t.Errorf("fills = %d, want 0", n)
	}

	// Once the buy order is known the same entry applies and the fill
	// inherits its outcome.
	mem.PutOrder(limitOrder(1, 10, domain.OrderSideBuy, 10, 2))
	if err := h.Apply(context.Background(), "4-0", ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	fills := mem.Fills()
	if len(fills) != 1 || fills[0].OutcomeID != "yes" {
		t.Errorf("fills = %+v, want one fill on outcome yes", fills)
	}
}

func TestTradeCreatesPlaceholderOrders(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 1000})
	mem.PutAccount(domain.Account{ID: 20})

	ev := event.Trade{
		Source:          event.KindTrade,
		FillID:          "t-1",
		OutcomeID:       "yes",
		BuyOrderID:      1,
		SellOrderID:     2,
		BuyerAccountID:  10,
		SellerAccountID: 20,
		Price:           30,
		Quantity:        2,
		Taker:           &event.TakerState{OrderID: 1, Remaining: 3, OriginalQuantity: 5},
	}
	if err := h.Apply(context.Background(), "", ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	taker, ok := mem.Order(1)
	if !ok || taker.Quantity != 3 || taker.OriginalQuantity != 5 || taker.Status != domain.OrderStatusPartial {
		t.Errorf("taker order = %+v", taker)
	}
	maker, ok := mem.Order(2)
	if !ok || maker.Quantity != 0 || maker.Status != domain.OrderStatusFilled {
		t.Errorf("maker order = %+v", maker)
	}
	if buyer := mem.Account(10); buyer.Coins != 940 {
		t.Errorf("buyer coins = %d, want 940", buyer.Coins)
	}
}

func TestTradeDoesNotReopenTerminalOrder(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 1000})
	mem.PutAccount(domain.Account{ID: 20})
	cancelled := limitOrder(1, 10, domain.OrderSideBuy, 50, 4)
	cancelled.Status = domain.OrderStatusCancelled
	mem.PutOrder(cancelled)
	mem.PutOrder(limitOrder(2, 20, domain.OrderSideSell, 50, 4))

	if err := h.Apply(context.Background(), "", fillEvent("late", 50, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if o, _ := mem.Order(1); o.Status != domain.OrderStatusCancelled || o.Quantity != 4 {
		t.Errorf("cancelled order mutated: %+v", o)
	}
}

func TestOrderPlacedIsIdempotent(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 100, ReservedCoins: 40})
	ev := event.OrderPlaced{OrderID: 5, AccountID: 10, OutcomeID: "yes", Side: domain.OrderSideBuy, Price: testutil.Ptr(int64(10)), Quantity: 4}

	ctx := context.Background()
	if err := h.Apply(ctx, "1-0", ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := h.Apply(ctx, "1-1", ev); err != nil {
		t.Fatalf("Apply replay: %v", err)
	}

	o, ok := mem.Order(5)
	if !ok || o.Status != domain.OrderStatusOpen || o.OriginalQuantity != 4 || o.Type != domain.OrderTypeLimit {
		t.Errorf("order = %+v", o)
	}
	if a := mem.Account(10); a.Coins != 100 || a.ReservedCoins != 40 {
		t.Errorf("placement must not touch balances: %+v", a)
	}
}

func TestOrderPartial(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10})
	mem.PutOrder(limitOrder(1, 10, domain.OrderSideBuy, 50, 10))
	ctx := context.Background()

	steps := []struct {
		remaining  int64
		wantQty    int64
		wantStatus domain.OrderStatus
	}{
		{remaining: 6, wantQty: 6, wantStatus: domain.OrderStatusPartial},
		{remaining: 8, wantQty: 6, wantStatus: domain.OrderStatusPartial},
		{remaining: 0, wantQty: 0, wantStatus: domain.OrderStatusFilled},
		{remaining: 3, wantQty: 0, wantStatus: domain.OrderStatusFilled},
	}
	for i, s := range steps {
		if err := h.Apply(ctx, "", event.OrderPartial{OrderID: 1, Remaining: s.remaining}); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		o, _ := mem.Order(1)
		if o.Quantity != s.wantQty || o.Status != s.wantStatus {
			t.Errorf("step %d: order = %s qty %d, want %s qty %d", i, o.Status, o.Quantity, s.wantStatus, s.wantQty)
		}
	}
}

func TestOrderPartialUnknownOrder(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10})
	ctx := context.Background()

	if err := h.Apply(ctx, "5-0", event.OrderPartial{OrderID: 7, Remaining: 3, OriginalQuantity: 5}); err != nil {
		t.Fatalf("partial without side: %v", err)
	}
	if _, ok := mem.Order(7); ok {
		t.Error("partial without side must not create an order")
	}

	ev := event.OrderPartial{
		OrderID:          8,
		AccountID:        10,
		OutcomeID:        "yes",
		Side:             domain.OrderSideSell,
		Price:            testutil.Ptr(int64(40)),
		Remaining:        3,
		OriginalQuantity: 5,
	}
	if err := h.Apply(ctx, "5-1", ev); err != nil {
		t.Fatalf("partial with side: %v", err)
	}
	o, ok := mem.Order(8)
	if !ok || o.Side != domain.OrderSideSell || o.Quantity != 3 || o.OriginalQuantity != 5 || o.Status != domain.OrderStatusPartial {
		t.Errorf("order = %+v", o)
	}
}

func TestOrderCancelledRefundsBuyReservation(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 700, ReservedCoins: 300})
	mem.PutOrder(limitOrder(1, 10, domain.OrderSideBuy, 75, 4))

	ctx := context.Background()
	if err := h.Apply(ctx, "1-0", event.OrderCancelled{OrderID: 1}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	a := mem.Account(10)
	if a.Coins != 1000 || a.ReservedCoins != 0 {
		t.Errorf("account = %d / %d, want 1000 / 0", a.Coins, a.ReservedCoins)
	}
	if o, _ := mem.Order(1); o.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", o.Status)
	}

	// A second cancel under a new entry id must not refund again.
	if err := h.Apply(ctx, "2-0", event.OrderCancelled{OrderID: 1}); err != nil {
		t.Fatalf("Apply replay: %v", err)
	}
	if a := mem.Account(10); a.Coins != 1000 {
		t.Errorf("coins after replay = %d, want 1000", a.Coins)
	}
}

func TestOrderCancelled(t *testing.T) {
	tests := []struct {
		name         string
		order        *domain.Order
		reserved     int64
		wantErr      error
		wantCoins    int64
		wantReserved int64
	}{
		{
			name:    "unknown order is retried",
			wantErr: domain.ErrNotFound,
		},
		{
			name: "sell order releases no coins",
			order: func() *domain.Order {
				o := limitOrder(1, 10, domain.OrderSideSell, 75, 4)
				return &o
			}(),
			reserved:     50,
			wantCoins:    0,
			wantReserved: 50,
		},
		{
			name: "refund capped at reserved balance",
			order: func() *domain.Order {
				o := limitOrder(1, 10, domain.OrderSideBuy, 75, 4)
				return &o
			}(),
			reserved:     120,
			wantCoins:    120,
			wantReserved: 0,
		},
		{
			name: "partially filled order refunds the remainder",
			order: func() *domain.Order {
				o := limitOrder(1, 10, domain.OrderSideBuy, 75, 4)
				o.Quantity = 1
				o.Status = domain.OrderStatusPartial
				return &o
			}(),
			reserved:     300,
			wantCoins:    75,
			wantReserved: 225,
		},
		{
			name: "filled order is left alone",
			order: func() *domain.Order {
				o := limitOrder(1, 10, domain.OrderSideBuy, 75, 4)
				o.Quantity = 0
				o.Status = domain.OrderStatusFilled
				return &o
			}(),
			reserved:     300,
			wantCoins:    0,
			wantReserved: 300,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mem := newTestHandlers(t)
			mem.PutAccount(domain.Account{ID: 10, ReservedCoins: tt.reserved})
			if tt.order != nil {
				mem.PutOrder(*tt.order)
			}
			err := h.Apply(context.Background(), "", event.OrderCancelled{OrderID: 1})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			a := mem.Account(10)
			if a.Coins != tt.wantCoins || a.ReservedCoins != tt.wantReserved {
				t.Errorf("account = %d / %d, want %d / %d", a.Coins, a.ReservedCoins, tt.wantCoins, tt.wantReserved)
			}
		})
	}
}

func TestOrderRejectedReleasesReservation(t *testing.T) {
	h, mem := newTestHandlers(t)
	mem.PutAccount(domain.Account{ID: 10, Coins: 0, ReservedCoins: 90})
	ctx := context.Background()

	if err := h.Apply(ctx, "1-0", event.OrderRejected{AccountID: 10, Side: domain.OrderSideBuy, Price: testutil.Ptr(int64(30)), Quantity: 2}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a := mem.Account(10); a.Coins != 60 || a.ReservedCoins != 30 {
		t.Errorf("account = %+v, want 60 / 30", a)
	}

	if err := h.Apply(ctx, "1-1", event.OrderRejected{AccountID: 10, Side: domain.OrderSideSell, Price: testutil.Ptr(int64(30)), Quantity: 2}); err != nil {
		t.Fatalf("Apply sell: %v", err)
	}
	if a := mem.Account(10); a.Coins != 60 {
		t.Errorf("sell rejection moved coins: %+v", a)
	}
}

func TestTimeSeriesEvents(t *testing.T) {
	h, mem := newTestHandlers(t)
	ctx := context.Background()

	depth := event.BookDepth{BookDepth: domain.BookDepth{OutcomeID: "yes", Bids: []domain.DepthLevel{{Price: 50, Quantity: 3}}}}
	if err := h.Apply(ctx, "1-0", depth); err != nil {
		t.Fatalf("book depth: %v", err)
	}
	if err := h.Apply(ctx, "1-0", depth); err != nil {
		t.Fatalf("book depth replay: %v", err)
	}
	if err := h.Apply(ctx, "2-0", event.MarketData{MarketID: "5", Points: []domain.MarketDataPoint{{MarketID: "5", OutcomeID: "yes"}}}); err != nil {
		t.Fatalf("market data: %v", err)
	}

	if n := len(mem.BookDepth()); n != 1 {
		t.Errorf("depth snapshots = %d, want 1", n)
	}
	if n := len(mem.MarketData()); n != 1 {
		t.Errorf("market data points = %d, want 1", n)
	}
}

func TestUnknownEventHasNoHandler(t *testing.T) {
	h, _ := newTestHandlers(t)
	err := h.Apply(context.Background(), "", event.Unknown{Type: "engine.heartbeat"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}
