package account

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"broker-core/internal/errs"
	"broker-core/pkg/db"
)

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func newTestManager(t *testing.T, store *db.Database, cash float64, margin bool) *Manager {
	t.Helper()
	acct := db.Account{
		ID:            uuid.NewString(),
		UserID:        uuid.NewString(),
		CashBalance:   cash,
		BuyingPower:   cash,
		Equity:        cash,
		MarginEnabled: margin,
		KYCStatus:     db.KYCVerified,
		Status:        db.AccountActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if store != nil {
		if err := store.CreateAccount(context.Background(), acct); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	mgr := NewManager(store, acct, 2.0)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return mgr
}

func buyFill(mgr *Manager, qty, price float64) (db.Order, db.Fill) {
	return makeFill(mgr, "BUY", qty, price)
}

func sellFill(mgr *Manager, qty, price float64) (db.Order, db.Fill) {
	return makeFill(mgr, "SELL", qty, price)
}

func makeFill(mgr *Manager, side string, qty, price float64) (db.Order, db.Fill) {
	snap := mgr.Snapshot()
	orderID := uuid.NewString()
	o := db.Order{
		ID: orderID, AccountID: snap.AccountID, Symbol: "AAPL", Side: side,
		Qty: qty, FilledQty: qty, OrderType: "MARKET", TimeInForce: "GTC",
		Status: "FILLED", CreatedAt: time.Now(),
	}
	f := db.Fill{
		ID: uuid.NewString(), OrderID: orderID, AccountID: snap.AccountID,
		Symbol: "AAPL", Side: side, Qty: qty, Price: price, CreatedAt: time.Now(),
	}
	return o, f
}

func TestBuyReducesCashAndBuyingPower(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, 1000, false)
	ctx := context.Background()

	o, f := buyFill(mgr, 10, 50)
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	pos, err := mgr.ApplyFill(ctx, o, f)
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if pos.Qty != 10 || pos.AvgCost != 50 {
		t.Errorf("position = %+v, want 10 @ 50", pos)
	}

	snap := mgr.Snapshot()
	if snap.CashBalance != 500 {
		t.Errorf("cash = %v, want 500", snap.CashBalance)
	}
	if snap.BuyingPower != 500 {
		t.Errorf("buying power = %v, want 500", snap.BuyingPower)
	}
	// Equity at cost basis stays flat across a buy.
	if snap.Equity != 1000 {
		t.Errorf("equity = %v, want 1000", snap.Equity)
	}
}

func TestWeightedAverageCost(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, 10000, false)
	ctx := context.Background()

	o1, f1 := buyFill(mgr, 10, 50)
	store.CreateOrder(ctx, o1)
	mgr.ApplyFill(ctx, o1, f1)

	o2, f2 := buyFill(mgr, 10, 60)
	store.CreateOrder(ctx, o2)
	pos, err := mgr.ApplyFill(ctx, o2, f2)
	if err != nil {
		t.Fatalf("apply second fill: %v", err)
	}
	if pos.Qty != 20 || pos.AvgCost != 55 {
		t.Errorf("position = %+v, want 20 @ 55", pos)
	}
}

func TestSellRealizesPnL(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, 10000, false)
	ctx := context.Background()

	o1, f1 := buyFill(mgr, 10, 50)
	store.CreateOrder(ctx, o1)
	mgr.ApplyFill(ctx, o1, f1)

	o2, f2 := sellFill(mgr, 4, 60)
	store.CreateOrder(ctx, o2)
	pos, err := mgr.ApplyFill(ctx, o2, f2)
	if err != nil {
		t.Fatalf("apply sell: %v", err)
	}
	if pos.Qty != 6 {
		t.Errorf("qty = %v, want 6", pos.Qty)
	}
	if pos.AvgCost != 50 {
		t.Errorf("avg cost should not change on a reduce, got %v", pos.AvgCost)
	}
	if pos.RealizedPnL != 40 {
		t.Errorf("realized pnl = %v, want 40", pos.RealizedPnL)
	}

	snap := mgr.Snapshot()
	// 10000 - 500 + 240 = 9740 cash; equity = cash + 6*50.
	if snap.CashBalance != 9740 {
		t.Errorf("cash = %v, want 9740", snap.CashBalance)
	}
	if snap.Equity != 10040 {
		t.Errorf("equity = %v, want 10040", snap.Equity)
	}
}

func TestReserveBlocksOverCommit(t *testing.T) {
	mgr := newTestManager(t, newTestStore(t), 1000, false)

	if err := mgr.Reserve("order-1", 600); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if bp := mgr.Snapshot().BuyingPower; bp != 400 {
		t.Errorf("buying power = %v, want 400", bp)
	}

	err := mgr.Reserve("order-2", 600)
	if errs.KindOf(err) != errs.KindRisk {
		t.Errorf("expected risk rejection, got %v", err)
	}

	mgr.Release("order-1")
	if bp := mgr.Snapshot().BuyingPower; bp != 1000 {
		t.Errorf("buying power after release = %v, want 1000", bp)
	}
}

func TestMarginDoublesBuyingPower(t *testing.T) {
	mgr := newTestManager(t, newTestStore(t), 1000, true)
	if bp := mgr.Snapshot().BuyingPower; bp != 2000 {
		t.Errorf("buying power = %v, want 2000", bp)
	}
}

func TestLoadRebuildsReservationsFromOpenOrders(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, 1000, false)
	ctx := context.Background()
	acctID := mgr.Snapshot().AccountID

	// A resting limit buy left over from before a restart.
	err := store.CreateOrder(ctx, db.Order{
		ID: uuid.NewString(), AccountID: acctID, Symbol: "AAPL", Side: "BUY",
		Qty: 10, OrderType: "LIMIT", LimitPrice: 45, TimeInForce: "GTC",
		Status: "WORKING", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	reg := NewRegistry(store, 2.0)
	reloaded, err := reg.GetOrCreate(ctx, acctID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	snap := reloaded.Snapshot()
	if snap.Reserved != 450 {
		t.Errorf("reserved = %v, want 450", snap.Reserved)
	}
	if snap.BuyingPower != 550 {
		t.Errorf("buying power = %v, want 550", snap.BuyingPower)
	}
	if err := reloaded.Reserve("order-x", 600); errs.KindOf(err) != errs.KindRisk {
		t.Errorf("reserve past restored commitment: %v, want risk rejection", err)
	}
}

func TestDayTradeJournaledOnlyOnCommit(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, 10000, false)
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	o1, f1 := buyFill(mgr, 10, 50)
	store.CreateOrder(ctx, o1)
	if _, err := mgr.ApplyFill(ctx, o1, f1); err != nil {
		t.Fatalf("open: %v", err)
	}

	// A closing fill whose transaction fails must not journal the round
	// trip. The reused fill ID collides with the stored one and rolls the
	// transaction back.
	o2, f2 := sellFill(mgr, 10, 60)
	store.CreateOrder(ctx, o2)
	f2.ID = f1.ID
	if _, err := mgr.ApplyFill(ctx, o2, f2); errs.KindOf(err) != errs.KindTransientStorage {
		t.Fatalf("expected transient storage error, got %v", err)
	}

	acctID := mgr.Snapshot().AccountID
	if n, err := store.CountDayTrades(ctx, acctID, since); err != nil || n != 0 {
		t.Fatalf("day trades after failed fill = %d (err %v), want 0", n, err)
	}

	// The retried fill settles and journals exactly once.
	f2.ID = uuid.NewString()
	if _, err := mgr.ApplyFill(ctx, o2, f2); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n, err := store.CountDayTrades(ctx, acctID, since); err != nil || n != 1 {
		t.Errorf("day trades = %d (err %v), want 1", n, err)
	}
}

func TestApplyFillRollsBackOnStorageFailure(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store, 1000, false)
	ctx := context.Background()

	o, f := buyFill(mgr, 10, 50)
	// No order row and a closed store make the transaction fail.
	store.Close()

	if _, err := mgr.ApplyFill(ctx, o, f); errs.KindOf(err) != errs.KindTransientStorage {
		t.Fatalf("expected transient storage error, got %v", err)
	}

	snap := mgr.Snapshot()
	if snap.CashBalance != 1000 {
		t.Errorf("cash mutated despite failure: %v", snap.CashBalance)
	}
	if len(snap.Positions) != 0 {
		t.Errorf("position mutated despite failure: %+v", snap.Positions)
	}
}
