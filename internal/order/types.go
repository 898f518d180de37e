// Package order defines the order domain model shared by the book, the
// pipeline and the API: orders, fills and the intake requests that carry
// them.
package order

import (
	"time"

	"broker-core/pkg/db"
)

// Side of an order.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Time-in-force semantics.
const (
	TIFGTC = "GTC" // rest until filled or cancelled
	TIFIOC = "IOC" // fill available quantity, cancel remainder
	TIFFOK = "FOK" // fill entirely or cancel entirely
)

// Order statuses. RISK_REJECTED, FILLED, CANCELLED and FAILED are terminal.
// FAILED marks orders the pipeline could not evaluate (no reference price);
// it is kept apart from RISK_REJECTED so the audit trail does not record a
// data outage as a risk decision.
const (
	StatusPending      = "PENDING"
	StatusRiskRejected = "RISK_REJECTED"
	StatusWorking      = "WORKING"
	StatusPartial      = "PARTIALLY_FILLED"
	StatusFilled       = "FILLED"
	StatusCancelled    = "CANCELLED"
	StatusFailed       = "FAILED"
)

// Order represents an order moving through the pipeline.
type Order struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Qty         float64   `json:"qty"`
	FilledQty   float64   `json:"filled_qty"`
	LimitPrice  float64   `json:"limit_price,omitempty"`
	TimeInForce string    `json:"time_in_force"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RemainingQty returns unfilled quantity.
func (o *Order) RemainingQty() float64 {
	return o.Qty - o.FilledQty
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusRiskRejected, StatusFilled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// RecordFill advances filled quantity and status.
func (o *Order) RecordFill(qty float64) {
	o.FilledQty += qty
	if o.FilledQty >= o.Qty-1e-9 {
		o.FilledQty = o.Qty
		o.Status = StatusFilled
	} else if o.FilledQty > 0 {
		o.Status = StatusPartial
	}
}

// Fill is an immutable execution record.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// Request kinds carried on the intake queue. Cancels travel the same queue
// as submissions so cancellation order is FIFO relative to fills.
const (
	KindSubmit  = "SUBMIT"
	KindCancel  = "CANCEL"
	KindTrigger = "TRIGGER" // resting limit order crossed by a price tick
)

// Request is one unit of work on the intake queue.
type Request struct {
	Kind      string    `json:"kind"`
	Order     Order     `json:"order"`
	OrderID   string    `json:"order_id,omitempty"`   // cancel/trigger target
	AccountID string    `json:"account_id,omitempty"` // cancel/trigger routing
	RefPrice  float64   `json:"ref_price,omitempty"`  // trigger price
	CreatedAt time.Time `json:"created_at"`

	// result carries the pipeline outcome back to a waiting API caller.
	// Nil for requests recovered from the WAL or generated by price ticks.
	result chan Result `json:"-"`
}

// Result is the pipeline outcome for one request.
type Result struct {
	Order Order
	Err   error
}

// NewSubmit builds a submit request with a result channel.
func NewSubmit(o Order) Request {
	return Request{
		Kind:      KindSubmit,
		Order:     o,
		AccountID: o.AccountID,
		CreatedAt: time.Now(),
		result:    make(chan Result, 1),
	}
}

// NewCancel builds a cancel request with a result channel.
func NewCancel(accountID, orderID string) Request {
	return Request{
		Kind:      KindCancel,
		OrderID:   orderID,
		AccountID: accountID,
		CreatedAt: time.Now(),
		result:    make(chan Result, 1),
	}
}

// NewTrigger builds a fire-and-forget execution request for a resting order
// crossed by a reference price move.
func NewTrigger(accountID, orderID string, refPrice float64) Request {
	return Request{
		Kind:      KindTrigger,
		OrderID:   orderID,
		AccountID: accountID,
		RefPrice:  refPrice,
		CreatedAt: time.Now(),
	}
}

// Respond delivers the result to a waiting caller, if any.
func (r *Request) Respond(res Result) {
	if r.result == nil {
		return
	}
	select {
	case r.result <- res:
	default:
	}
}

// Wait blocks for the pipeline result or the done channel.
func (r *Request) Wait(done <-chan struct{}) (Result, bool) {
	if r.result == nil {
		return Result{}, false
	}
	select {
	case res := <-r.result:
		return res, true
	case <-done:
		return Result{}, false
	}
}

// ToRow converts an order to its stored representation.
func ToRow(o Order) db.Order {
	return db.Order{
		ID:          o.ID,
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Qty:         o.Qty,
		FilledQty:   o.FilledQty,
		OrderType:   o.Type,
		LimitPrice:  o.LimitPrice,
		TimeInForce: o.TimeInForce,
		Status:      o.Status,
		Reason:      o.Reason,
		CreatedAt:   o.CreatedAt,
	}
}

// FromRow converts a stored order row back to the domain type.
func FromRow(o db.Order, userID string) Order {
	return Order{
		ID:          o.ID,
		AccountID:   o.AccountID,
		UserID:      userID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.OrderType,
		Qty:         o.Qty,
		FilledQty:   o.FilledQty,
		LimitPrice:  o.LimitPrice,
		TimeInForce: o.TimeInForce,
		Status:      o.Status,
		Reason:      o.Reason,
		CreatedAt:   o.CreatedAt,
	}
}

// FillToRow converts a fill to its stored representation.
func FillToRow(f Fill) db.Fill {
	return db.Fill{
		ID:        f.ID,
		OrderID:   f.OrderID,
		AccountID: f.AccountID,
		Symbol:    f.Symbol,
		Side:      f.Side,
		Qty:       f.Qty,
		Price:     f.Price,
		CreatedAt: f.CreatedAt,
	}
}
