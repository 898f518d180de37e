package book

import (
	"testing"
	"time"

	"broker-core/internal/errs"
	"broker-core/internal/order"
)

func limit(id, side string, qty, price float64, tif string) order.Order {
	return order.Order{
		ID: id, AccountID: "acct-" + id, Symbol: "AAPL", Side: side,
		Type: order.TypeLimit, Qty: qty, LimitPrice: price,
		TimeInForce: tif, Status: order.StatusPending, CreatedAt: time.Now(),
	}
}

func market(id, side string, qty float64) order.Order {
	return order.Order{
		ID: id, AccountID: "acct-" + id, Symbol: "AAPL", Side: side,
		Type: order.TypeMarket, Qty: qty,
		TimeInForce: order.TIFGTC, Status: order.StatusPending, CreatedAt: time.Now(),
	}
}

func rest(t *testing.T, b *Book, o order.Order) {
	t.Helper()
	got, execs, err := b.Submit(o, 0)
	if err != nil {
		t.Fatalf("submit %s: %v", o.ID, err)
	}
	if len(execs) != 0 {
		t.Fatalf("order %s matched unexpectedly: %+v", o.ID, execs)
	}
	if got.Status != order.StatusWorking {
		t.Fatalf("order %s status = %s, want WORKING", o.ID, got.Status)
	}
}

func TestGTCLimitRests(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("b1", order.SideBuy, 10, 99, order.TIFGTC))

	if best, ok := b.BestBid(); !ok || best != 99 {
		t.Errorf("best bid = %v %v, want 99", best, ok)
	}
	if b.Len() != 1 {
		t.Errorf("len = %d, want 1", b.Len())
	}
}

func TestTradesPrintAtMakerPrice(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 10, 100, order.TIFGTC))

	// An aggressive buy at 102 still trades at the resting 100.
	got, execs, err := b.Submit(limit("b1", order.SideBuy, 10, 102, order.TIFGTC), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != order.StatusFilled {
		t.Fatalf("taker status = %s, want FILLED", got.Status)
	}
	if len(execs) != 1 || execs[0].Price != 100 || execs[0].Qty != 10 {
		t.Errorf("execs = %+v, want 10 @ 100", execs)
	}
	if execs[0].MakerOrderID != "s1" {
		t.Errorf("maker = %s, want s1", execs[0].MakerOrderID)
	}
	if b.Len() != 0 {
		t.Errorf("maker should be off the book, len = %d", b.Len())
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 5, 101, order.TIFGTC))
	rest(t, b, limit("s2", order.SideSell, 5, 100, order.TIFGTC)) // better price
	rest(t, b, limit("s3", order.SideSell, 5, 100, order.TIFGTC)) // same price, later

	_, execs, err := b.Submit(limit("b1", order.SideBuy, 12, 101, order.TIFGTC), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("execs = %d, want 3", len(execs))
	}
	// Best price first, FIFO within the level.
	wantMakers := []string{"s2", "s3", "s1"}
	wantQty := []float64{5, 5, 2}
	for i, e := range execs {
		if e.MakerOrderID != wantMakers[i] || e.Qty != wantQty[i] {
			t.Errorf("exec %d = %s qty %v, want %s qty %v", i, e.MakerOrderID, e.Qty, wantMakers[i], wantQty[i])
		}
	}
	// s1 keeps its unfilled 3 on the book.
	if o, ok := b.Get("s1"); !ok || o.RemainingQty() != 3 {
		t.Errorf("s1 remainder = %+v", o)
	}
}

func TestNoOverFill(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 100, 100, order.TIFGTC))

	got, execs, _ := b.Submit(limit("b1", order.SideBuy, 7, 100, order.TIFGTC), 0)
	total := 0.0
	for _, e := range execs {
		total += e.Qty
	}
	if total != 7 || got.FilledQty != 7 {
		t.Errorf("executed %v, filled %v, want 7", total, got.FilledQty)
	}
	if o, _ := b.Get("s1"); o.RemainingQty() != 93 {
		t.Errorf("maker remainder = %v, want 93", o.RemainingQty())
	}
}

func TestLimitNeverTradesThrough(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 10, 105, order.TIFGTC))

	got, execs, _ := b.Submit(limit("b1", order.SideBuy, 10, 100, order.TIFGTC), 0)
	if len(execs) != 0 {
		t.Errorf("buy at 100 traded against ask 105: %+v", execs)
	}
	if got.Status != order.StatusWorking {
		t.Errorf("status = %s, want WORKING", got.Status)
	}
}

func TestMarketOrderVenueRemainder(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 4, 99, order.TIFGTC))
	// This level is worse than the reference price and must not be taken.
	rest(t, b, limit("s2", order.SideSell, 4, 103, order.TIFGTC))

	got, execs, err := b.Submit(market("b1", order.SideBuy, 10), 100)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	if len(execs) != 2 {
		t.Fatalf("execs = %+v, want book fill plus venue fill", execs)
	}
	if execs[0].MakerOrderID != "s1" || execs[0].Price != 99 || execs[0].Qty != 4 {
		t.Errorf("book exec = %+v", execs[0])
	}
	if execs[1].MakerOrderID != "" || execs[1].Price != 100 || execs[1].Qty != 6 {
		t.Errorf("venue exec = %+v", execs[1])
	}
	if _, ok := b.Get("s2"); !ok {
		t.Error("s2 should still be resting")
	}
}

func TestFOKCancelsWithoutExecuting(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 5, 100, order.TIFGTC))

	got, execs, err := b.Submit(limit("b1", order.SideBuy, 10, 100, order.TIFFOK), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != order.StatusCancelled || got.Reason != "FOK_UNFILLABLE" {
		t.Errorf("order = %+v, want cancelled FOK_UNFILLABLE", got)
	}
	if len(execs) != 0 || got.FilledQty != 0 {
		t.Errorf("FOK executed partially: %+v", execs)
	}
	if o, _ := b.Get("s1"); o.RemainingQty() != 5 {
		t.Errorf("maker touched by failed FOK: %+v", o)
	}
}

func TestFOKFillsWhenLiquidityCovers(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 6, 100, order.TIFGTC))
	rest(t, b, limit("s2", order.SideSell, 6, 101, order.TIFGTC))

	got, execs, _ := b.Submit(limit("b1", order.SideBuy, 10, 101, order.TIFFOK), 0)
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	if len(execs) != 2 || execs[0].Qty != 6 || execs[1].Qty != 4 {
		t.Errorf("execs = %+v", execs)
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 4, 100, order.TIFGTC))

	got, execs, _ := b.Submit(limit("b1", order.SideBuy, 10, 100, order.TIFIOC), 0)
	if got.Status != order.StatusCancelled || got.Reason != "IOC_REMAINDER_CANCELLED" {
		t.Errorf("order = %+v", got)
	}
	if got.FilledQty != 4 || len(execs) != 1 {
		t.Errorf("filled = %v, execs = %+v", got.FilledQty, execs)
	}
	if b.Len() != 0 {
		t.Errorf("IOC remainder rested, len = %d", b.Len())
	}

	got, _, _ = b.Submit(limit("b2", order.SideBuy, 5, 90, order.TIFIOC), 0)
	if got.Status != order.StatusCancelled || got.Reason != "IOC_UNFILLED" {
		t.Errorf("unfilled IOC = %+v", got)
	}
}

func TestCancel(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("b1", order.SideBuy, 10, 99, order.TIFGTC))

	got, err := b.Cancel("b1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if b.Len() != 0 {
		t.Errorf("order still resting after cancel")
	}

	if _, err := b.Cancel("b1"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("second cancel: %v, want NOT_FOUND", err)
	}
}

func TestTakeIfCrossed(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("b1", order.SideBuy, 10, 99, order.TIFGTC))

	if _, ok := b.TakeIfCrossed("b1", 100); ok {
		t.Error("buy at 99 taken at reference 100")
	}
	o, ok := b.TakeIfCrossed("b1", 98.5)
	if !ok || o.ID != "b1" {
		t.Fatalf("crossed order not taken: %v %v", o, ok)
	}
	// Removal is atomic: a second take or a cancel must miss.
	if _, ok := b.TakeIfCrossed("b1", 98.5); ok {
		t.Error("order taken twice")
	}
	if _, err := b.Cancel("b1"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("cancel after take: %v, want NOT_FOUND", err)
	}
}

func TestCrossedOrders(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("b1", order.SideBuy, 10, 99, order.TIFGTC))
	rest(t, b, limit("b2", order.SideBuy, 10, 95, order.TIFGTC))
	rest(t, b, limit("s1", order.SideSell, 10, 101, order.TIFGTC))

	got := b.CrossedOrders(97)
	if len(got) != 1 || got[0].OrderID != "b1" {
		t.Errorf("crossed at 97 = %+v, want b1 only", got)
	}

	got = b.CrossedOrders(102)
	if len(got) != 1 || got[0].OrderID != "s1" {
		t.Errorf("crossed at 102 = %+v, want s1 only", got)
	}
}

func TestDepthAggregatesLevels(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("b1", order.SideBuy, 10, 99, order.TIFGTC))
	rest(t, b, limit("b2", order.SideBuy, 5, 99, order.TIFGTC))
	rest(t, b, limit("b3", order.SideBuy, 7, 98, order.TIFGTC))
	rest(t, b, limit("s1", order.SideSell, 3, 101, order.TIFGTC))

	bids, asks := b.Depth(10)
	if len(bids) != 2 || bids[0].Price != 99 || bids[0].Qty != 15 || bids[1].Price != 98 {
		t.Errorf("bids = %+v", bids)
	}
	if len(asks) != 1 || asks[0].Price != 101 || asks[0].Qty != 3 {
		t.Errorf("asks = %+v", asks)
	}
}

func TestRestoreSkipsMatching(t *testing.T) {
	b := New("AAPL")
	rest(t, b, limit("s1", order.SideSell, 10, 100, order.TIFGTC))

	// A crossing buy restored at startup must rest, not trade.
	o := limit("b1", order.SideBuy, 10, 105, order.TIFGTC)
	o.Status = order.StatusWorking
	b.Restore(o)

	if b.Len() != 2 {
		t.Errorf("len = %d, want 2", b.Len())
	}
	if best, _ := b.BestBid(); best != 105 {
		t.Errorf("best bid = %v, want 105", best)
	}
}
