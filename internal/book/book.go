// Package book implements per-symbol limit order books with price-time
// priority. Resting orders match FIFO within a price level, trades print at
// the resting order's price, and every mutation happens under the book lock
// so an order can never be filled and cancelled concurrently.
package book

import (
	"sort"
	"sync"

	"broker-core/internal/errs"
	"broker-core/internal/order"
)

// Execution is one match produced by Submit. A maker order ID of "" means
// the quantity was filled against external venue liquidity at the reference
// price rather than a resting order.
type Execution struct {
	MakerOrderID   string
	MakerAccountID string
	MakerUserID    string
	MakerOrder     order.Order // post-fill copy, zero when venue liquidity
	Price          float64
	Qty            float64
}

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

type resting struct {
	ord *order.Order
	seq uint64
}

type level struct {
	price  float64
	queue  []*resting
	volume float64
}

// Book is a single symbol's order book.
type Book struct {
	mu     sync.Mutex
	symbol string
	bids   []*level // sorted descending by price
	asks   []*level // sorted ascending by price
	index  map[string]*resting
	seq    uint64
}

// New creates an empty book for a symbol.
func New(symbol string) *Book {
	return &Book{symbol: symbol, index: make(map[string]*resting)}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Submit matches an order and, for GTC limit orders, rests the remainder.
// The returned order copy reflects the post-match state. Invariants:
//   - total executed quantity never exceeds the order quantity
//   - a limit order never trades through its limit price
//   - FOK either fills entirely or executes nothing
func (b *Book) Submit(o order.Order, refPrice float64) (order.Order, []Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Type == order.TypeLimit && o.TimeInForce == order.TIFFOK {
		if b.crossableQtyLocked(o) < o.RemainingQty() {
			o.Status = order.StatusCancelled
			o.Reason = "FOK_UNFILLABLE"
			return o, nil, nil
		}
	}

	execs := b.matchLocked(&o, refPrice)

	if o.Status == order.StatusFilled {
		return o, execs, nil
	}

	switch {
	case o.Type == order.TypeMarket:
		// Remainder fills against venue liquidity at the reference price.
		qty := o.RemainingQty()
		o.RecordFill(qty)
		execs = append(execs, Execution{Price: refPrice, Qty: qty})
	case o.TimeInForce == order.TIFIOC:
		o.Status = order.StatusCancelled
		if o.FilledQty == 0 {
			o.Reason = "IOC_UNFILLED"
		} else {
			o.Reason = "IOC_REMAINDER_CANCELLED"
		}
	default:
		// GTC limit: rest the remainder at its limit price.
		o.Status = order.StatusWorking
		if o.FilledQty > 0 {
			o.Status = order.StatusPartial
		}
		b.restLocked(&o)
	}
	return o, execs, nil
}

// matchLocked crosses the taker against resting liquidity. Trades print at
// the maker's price.
func (b *Book) matchLocked(taker *order.Order, refPrice float64) []Execution {
	var execs []Execution

	for taker.RemainingQty() > 1e-9 {
		lvl := b.bestOppositeLocked(taker.Side)
		if lvl == nil || !crosses(taker, lvl.price, refPrice) {
			break
		}

		maker := lvl.queue[0]
		qty := min(taker.RemainingQty(), maker.ord.RemainingQty())

		taker.RecordFill(qty)
		maker.ord.RecordFill(qty)
		lvl.volume -= qty

		execs = append(execs, Execution{
			MakerOrderID:   maker.ord.ID,
			MakerAccountID: maker.ord.AccountID,
			MakerUserID:    maker.ord.UserID,
			MakerOrder:     *maker.ord,
			Price:          lvl.price,
			Qty:            qty,
		})

		if maker.ord.RemainingQty() <= 1e-9 {
			lvl.queue = lvl.queue[1:]
			delete(b.index, maker.ord.ID)
		}
		if len(lvl.queue) == 0 {
			b.dropLevelLocked(oppositeSide(taker.Side), lvl.price)
		}
	}
	return execs
}

func oppositeSide(side string) string {
	if side == order.SideBuy {
		return order.SideSell
	}
	return order.SideBuy
}

// crosses reports whether the taker will trade at a resting level. Market
// orders take any level no worse than the reference price.
func crosses(taker *order.Order, levelPrice, refPrice float64) bool {
	if taker.Type == order.TypeMarket {
		if taker.Side == order.SideBuy {
			return levelPrice <= refPrice
		}
		return levelPrice >= refPrice
	}
	if taker.Side == order.SideBuy {
		return levelPrice <= taker.LimitPrice
	}
	return levelPrice >= taker.LimitPrice
}

// crossableQtyLocked totals resting quantity the order could trade against,
// for the FOK precheck.
func (b *Book) crossableQtyLocked(o order.Order) float64 {
	total := 0.0
	levels := b.asks
	if o.Side == order.SideSell {
		levels = b.bids
	}
	for _, lvl := range levels {
		if !crosses(&o, lvl.price, 0) {
			break
		}
		total += lvl.volume
	}
	return total
}

func (b *Book) restLocked(o *order.Order) {
	b.seq++
	r := &resting{ord: o, seq: b.seq}
	b.index[o.ID] = r

	if o.Side == order.SideBuy {
		i := sort.Search(len(b.bids), func(i int) bool { return b.bids[i].price <= o.LimitPrice })
		if i < len(b.bids) && b.bids[i].price == o.LimitPrice {
			b.bids[i].queue = append(b.bids[i].queue, r)
			b.bids[i].volume += o.RemainingQty()
			return
		}
		lvl := &level{price: o.LimitPrice, queue: []*resting{r}, volume: o.RemainingQty()}
		b.bids = append(b.bids, nil)
		copy(b.bids[i+1:], b.bids[i:])
		b.bids[i] = lvl
		return
	}

	i := sort.Search(len(b.asks), func(i int) bool { return b.asks[i].price >= o.LimitPrice })
	if i < len(b.asks) && b.asks[i].price == o.LimitPrice {
		b.asks[i].queue = append(b.asks[i].queue, r)
		b.asks[i].volume += o.RemainingQty()
		return
	}
	lvl := &level{price: o.LimitPrice, queue: []*resting{r}, volume: o.RemainingQty()}
	b.asks = append(b.asks, nil)
	copy(b.asks[i+1:], b.asks[i:])
	b.asks[i] = lvl
}

func (b *Book) bestOppositeLocked(side string) *level {
	if side == order.SideBuy {
		if len(b.asks) == 0 {
			return nil
		}
		return b.asks[0]
	}
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

func (b *Book) dropLevelLocked(side string, price float64) {
	if side == order.SideBuy {
		for i, lvl := range b.bids {
			if lvl.price == price {
				b.bids = append(b.bids[:i], b.bids[i+1:]...)
				return
			}
		}
		return
	}
	for i, lvl := range b.asks {
		if lvl.price == price {
			b.asks = append(b.asks[:i], b.asks[i+1:]...)
			return
		}
	}
}

// Restore places a previously accepted order back on the book without
// matching. Used when rebuilding state at startup.
func (b *Book) Restore(o order.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restLocked(&o)
}

// Cancel removes a resting order. Returns NOT_FOUND when the order is not
// on the book (already filled, cancelled or never rested).
func (b *Book) Cancel(orderID string) (order.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.index[orderID]
	if !ok {
		return order.Order{}, errs.Newf(errs.KindNotFound, "", "order %s not on book", orderID)
	}
	b.removeLocked(r)
	r.ord.Status = order.StatusCancelled
	return *r.ord, nil
}

// TakeIfCrossed atomically removes a resting order when the reference price
// has crossed its limit, handing it back for execution. The removal under
// the book lock guarantees a triggered order cannot also be matched or
// cancelled on the book.
func (b *Book) TakeIfCrossed(orderID string, refPrice float64) (order.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.index[orderID]
	if !ok {
		return order.Order{}, false
	}
	o := r.ord
	crossed := (o.Side == order.SideBuy && refPrice <= o.LimitPrice) ||
		(o.Side == order.SideSell && refPrice >= o.LimitPrice)
	if !crossed {
		return order.Order{}, false
	}
	b.removeLocked(r)
	return *o, true
}

// Crossed lists resting orders whose limit the reference price has crossed.
type Crossed struct {
	OrderID   string
	AccountID string
}

// CrossedOrders scans for orders a price tick makes executable.
func (b *Book) CrossedOrders(refPrice float64) []Crossed {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Crossed
	for _, lvl := range b.bids {
		if refPrice > lvl.price {
			break
		}
		for _, r := range lvl.queue {
			out = append(out, Crossed{OrderID: r.ord.ID, AccountID: r.ord.AccountID})
		}
	}
	for _, lvl := range b.asks {
		if refPrice < lvl.price {
			break
		}
		for _, r := range lvl.queue {
			out = append(out, Crossed{OrderID: r.ord.ID, AccountID: r.ord.AccountID})
		}
	}
	return out
}

func (b *Book) removeLocked(r *resting) {
	delete(b.index, r.ord.ID)
	levels := &b.asks
	if r.ord.Side == order.SideBuy {
		levels = &b.bids
	}
	for i, lvl := range *levels {
		if lvl.price != r.ord.LimitPrice {
			continue
		}
		for j, q := range lvl.queue {
			if q == r {
				lvl.queue = append(lvl.queue[:j], lvl.queue[j+1:]...)
				lvl.volume -= r.ord.RemainingQty()
				break
			}
		}
		if len(lvl.queue) == 0 {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
		}
		return
	}
}

// Get returns a copy of a resting order.
func (b *Book) Get(orderID string) (order.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.index[orderID]; ok {
		return *r.ord, true
	}
	return order.Order{}, false
}

// BestBid returns the highest resting buy price.
func (b *Book) BestBid() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bids) == 0 {
		return 0, false
	}
	return b.bids[0].price, true
}

// BestAsk returns the lowest resting sell price.
func (b *Book) BestAsk() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.asks) == 0 {
		return 0, false
	}
	return b.asks[0].price, true
}

// Depth returns up to n aggregated levels per side.
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(b.bids) && i < n; i++ {
		bids = append(bids, DepthLevel{Price: b.bids[i].price, Qty: b.bids[i].volume})
	}
	for i := 0; i < len(b.asks) && i < n; i++ {
		asks = append(asks, DepthLevel{Price: b.asks[i].price, Qty: b.asks[i].volume})
	}
	return bids, asks
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

