// Package pipeline carries intake requests through compliance, matching and
// the ledger. Requests for the same account always land on the same worker,
// which serializes risk checks and balance mutations per account.
package pipeline

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"broker-core/internal/account"
	"broker-core/internal/book"
	"broker-core/internal/compliance"
	"broker-core/internal/errs"
	"broker-core/internal/events"
	"broker-core/internal/ledger"
	"broker-core/internal/marketdata"
	"broker-core/internal/monitor"
	"broker-core/internal/notify"
	"broker-core/internal/order"
	"broker-core/internal/risk"
	"broker-core/pkg/db"
)

// Intake is the front queue the API writes into. Satisfied by Queue and
// PersistentQueue.
type Intake interface {
	Enqueue(order.Request) error
	Chan() <-chan order.Request
	Close()
}

// Pipeline routes intake requests to per-account workers and runs each
// request through compliance, matching and settlement.
type Pipeline struct {
	store    *db.Database
	accounts *account.Registry
	gate     *compliance.Gate
	books    *book.Registry
	ledger   *ledger.Updater
	emitter  *notify.Emitter
	prices   marketdata.Provider
	bus      *events.Bus
	metrics  *monitor.SystemMetrics

	intake  Intake
	wal     *PersistentQueue // nil when intake is not WAL-backed
	shards  []*Queue
	workers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Store    *db.Database
	Accounts *account.Registry
	Gate     *compliance.Gate
	Books    *book.Registry
	Ledger   *ledger.Updater
	Emitter  *notify.Emitter
	Prices   marketdata.Provider
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Intake   Intake
	Workers  int
}

// New wires the pipeline. Workers defaults to 4.
func New(d Deps) *Pipeline {
	if d.Workers <= 0 {
		d.Workers = 4
	}
	p := &Pipeline{
		store:    d.Store,
		accounts: d.Accounts,
		gate:     d.Gate,
		books:    d.Books,
		ledger:   d.Ledger,
		emitter:  d.Emitter,
		prices:   d.Prices,
		bus:      d.Bus,
		metrics:  d.Metrics,
		intake:   d.Intake,
		workers:  d.Workers,
	}
	if wal, ok := d.Intake.(*PersistentQueue); ok {
		p.wal = wal
	}
	p.shards = make([]*Queue, p.workers)
	for i := range p.shards {
		p.shards[i] = NewQueue(1024)
	}
	return p
}

// Submit enqueues a submission and waits for the pipeline outcome.
func (p *Pipeline) Submit(ctx context.Context, o order.Order) (order.Order, error) {
	req := order.NewSubmit(o)
	if err := p.intake.Enqueue(req); err != nil {
		return order.Order{}, errs.Wrap(errs.KindTransientStorage, "intake", err)
	}
	res, ok := req.Wait(ctx.Done())
	if !ok {
		return order.Order{}, errs.Wrap(errs.KindInternal, "submit wait", ctx.Err())
	}
	return res.Order, res.Err
}

// Cancel enqueues a cancellation and waits for the outcome.
func (p *Pipeline) Cancel(ctx context.Context, accountID, orderID string) (order.Order, error) {
	req := order.NewCancel(accountID, orderID)
	if err := p.intake.Enqueue(req); err != nil {
		return order.Order{}, errs.Wrap(errs.KindTransientStorage, "intake", err)
	}
	res, ok := req.Wait(ctx.Done())
	if !ok {
		return order.Order{}, errs.Wrap(errs.KindInternal, "cancel wait", ctx.Err())
	}
	return res.Order, res.Err
}

// Start launches the dispatcher, the shard workers and the tick watcher.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i, shard := range p.shards {
		p.wg.Add(1)
		go func(id int, q *Queue) {
			defer p.wg.Done()
			q.Drain(ctx, func(r order.Request) {
				p.process(ctx, r)
				if p.wal != nil {
					p.wal.MarkComplete(r)
				}
			})
		}(i, shard)
	}

	// Dispatcher: route by account so each account has exactly one worker.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-p.intake.Chan():
				if !ok {
					return
				}
				shard := p.shards[shardFor(r.AccountID, p.workers)]
				if err := shard.Enqueue(r); err != nil {
					r.Respond(order.Result{Err: errs.Wrap(errs.KindTransientStorage, "worker queue full", err)})
				}
			}
		}
	}()

	p.watchTicks(ctx)
	log.WithField("workers", p.workers).Info("order pipeline started")
}

// Shutdown stops the workers and waits for in-flight requests.
func (p *Pipeline) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func shardFor(accountID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return int(h.Sum32()) % workers
}

// watchTicks turns price moves into trigger requests for resting orders the
// new price makes executable.
func (p *Pipeline) watchTicks(ctx context.Context) {
	stream, unsub := p.bus.Subscribe(events.EventPriceTick, 256)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				t, isTick := msg.(marketdata.Tick)
				if !isTick {
					continue
				}
				if p.metrics != nil {
					p.metrics.IncrementTicks()
				}
				b := p.books.Get(t.Symbol)
				for _, c := range b.CrossedOrders(t.Price) {
					if err := p.intake.Enqueue(order.NewTrigger(c.AccountID, c.OrderID, t.Price)); err != nil {
						log.WithError(err).WithField("order", c.OrderID).Warn("trigger enqueue failed")
					}
				}
			}
		}
	}()
}

// process runs one request end to end on its account's worker.
func (p *Pipeline) process(ctx context.Context, r order.Request) {
	switch r.Kind {
	case order.KindSubmit:
		var timer *monitor.Timer
		if p.metrics != nil {
			timer = monitor.NewTimer(p.metrics.OrderLatency)
		}
		o, err := p.processSubmit(ctx, r.Order)
		if p.metrics != nil {
			timer.Stop()
			p.metrics.IncrementOrders()
			if errs.KindOf(err) == errs.KindRisk || errs.KindOf(err) == errs.KindCompliance {
				p.metrics.IncrementRejected()
			} else if err != nil {
				p.metrics.IncrementErrors()
			}
		}
		r.Respond(order.Result{Order: o, Err: err})
	case order.KindCancel:
		o, err := p.processCancel(ctx, r.AccountID, r.OrderID)
		r.Respond(order.Result{Order: o, Err: err})
	case order.KindTrigger:
		p.processTrigger(ctx, r.AccountID, r.OrderID, r.RefPrice)
	default:
		r.Respond(order.Result{Err: errs.Newf(errs.KindInternal, "", "unknown request kind %q", r.Kind)})
	}
}

func (p *Pipeline) processSubmit(ctx context.Context, o order.Order) (order.Order, error) {
	if err := validate(&o); err != nil {
		return o, err
	}

	mgr, err := p.accounts.GetOrCreate(ctx, o.AccountID)
	if err != nil {
		return o, err
	}

	// Idempotent replay: a WAL-recovered submit whose order already advanced
	// past PENDING was processed before the crash.
	if existing, err := p.store.GetOrder(ctx, o.AccountID, o.ID); err == nil && existing.Status != order.StatusPending {
		return order.FromRow(*existing, o.UserID), nil
	}

	o.Status = order.StatusPending
	if err := p.store.CreateOrder(ctx, order.ToRow(o)); err != nil && !isDuplicate(err) {
		return o, errs.Wrap(errs.KindTransientStorage, "persist order", err)
	}

	quote, err := p.referencePrice(ctx, o.Symbol)
	if err != nil {
		p.fail(ctx, &o, errs.ReasonStalePrice)
		return o, err
	}

	snap := mgr.Snapshot()
	params := risk.OrderParams{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Qty:        o.Qty,
		LimitPrice: o.LimitPrice,
		RefPrice:   quote.Price,
	}
	if err := p.gate.Check(ctx, snap, params); err != nil {
		if k := errs.KindOf(err); k == errs.KindCompliance || k == errs.KindRisk {
			p.reject(ctx, &o, strings.Join(errs.ReasonsOf(err), ","))
		}
		return o, err
	}

	// Reserve the buying power the order can still consume. The reservation
	// makes concurrent orders against the same account see reduced power.
	price := quote.Price
	if o.Type == order.TypeLimit && o.LimitPrice > 0 {
		price = o.LimitPrice
	}
	exposure := risk.Exposure(snap, params, price)
	if exposure > 0 {
		if err := mgr.Reserve(o.ID, exposure); err != nil {
			p.reject(ctx, &o, errs.ReasonInsufficientBuyingPower)
			return o, err
		}
	}

	o.Status = order.StatusWorking
	if err := p.store.UpdateOrderStatus(ctx, o.ID, o.Status, ""); err != nil {
		mgr.Release(o.ID)
		return o, errs.Wrap(errs.KindTransientStorage, "accept order", err)
	}
	p.emitter.Emit(events.EventOrderAccepted, o, nil)

	matched, execs, err := p.books.Get(o.Symbol).Submit(o, quote.Price)
	if err != nil {
		mgr.Release(o.ID)
		return o, err
	}
	o = matched

	p.settle(ctx, mgr, &o, execs)

	// IOC remainder or unfillable FOK. Resting and filled states were already
	// persisted by settlement or the WORKING update above.
	if o.Status == order.StatusCancelled {
		mgr.Release(o.ID)
		if err := p.store.UpdateOrderStatus(ctx, o.ID, o.Status, o.Reason); err != nil {
			log.WithError(err).WithField("order", o.ID).Warn("cancel status persist failed")
		}
		p.emitter.Emit(events.EventOrderCancelled, o, nil)
	}
	return o, nil
}

// settle applies the taker-side fills and their maker counterparts. The
// last fill of a fully filled order emits the terminal event; earlier fills
// emit partials.
func (p *Pipeline) settle(ctx context.Context, mgr *account.Manager, o *order.Order, execs []book.Execution) {
	for i, ex := range execs {
		fill := order.Fill{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			AccountID: o.AccountID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Qty:       ex.Qty,
			Price:     ex.Price,
			CreatedAt: time.Now(),
		}
		if _, err := p.ledger.Apply(ctx, mgr, order.ToRow(*o), order.FillToRow(fill)); err != nil {
			log.WithError(err).WithField("order", o.ID).Warn("taker settlement deferred")
		}
		if p.metrics != nil {
			p.metrics.IncrementFills()
		}
		if o.Status == order.StatusFilled && i == len(execs)-1 {
			p.emitter.Emit(events.EventOrderFilled, *o, &fill)
		} else {
			p.emitter.Emit(events.EventOrderPartial, *o, &fill)
		}

		if ex.MakerOrderID != "" {
			p.settleMaker(ctx, ex)
		}
	}
}

// settleMaker applies the resting side of a match. The maker may belong to
// another worker's account; its Manager lock keeps the mutation safe.
func (p *Pipeline) settleMaker(ctx context.Context, ex book.Execution) {
	makerMgr, err := p.accounts.GetOrCreate(ctx, ex.MakerAccountID)
	if err != nil {
		log.WithError(err).WithField("account", ex.MakerAccountID).Error("maker account load failed")
		return
	}
	maker := ex.MakerOrder
	fill := order.Fill{
		ID:        uuid.NewString(),
		OrderID:   maker.ID,
		AccountID: maker.AccountID,
		Symbol:    maker.Symbol,
		Side:      maker.Side,
		Qty:       ex.Qty,
		Price:     ex.Price,
		CreatedAt: time.Now(),
	}
	if _, err := p.ledger.Apply(ctx, makerMgr, order.ToRow(maker), order.FillToRow(fill)); err != nil {
		log.WithError(err).WithField("order", maker.ID).Warn("maker settlement deferred")
	}
	if maker.Status == order.StatusFilled {
		p.emitter.Emit(events.EventOrderFilled, maker, &fill)
	} else {
		p.emitter.Emit(events.EventOrderPartial, maker, &fill)
	}
}

func (p *Pipeline) processCancel(ctx context.Context, accountID, orderID string) (order.Order, error) {
	row, err := p.store.GetOrder(ctx, accountID, orderID)
	if err != nil {
		if err == db.ErrNotFound {
			return order.Order{}, errs.Newf(errs.KindNotFound, "", "order %s not found", orderID)
		}
		return order.Order{}, errs.Wrap(errs.KindTransientStorage, "load order", err)
	}

	o := order.FromRow(*row, "")
	if mgr := p.accounts.Get(accountID); mgr != nil {
		o.UserID = mgr.Snapshot().UserID
	}
	if o.IsTerminal() {
		return o, errs.Newf(errs.KindConflict, "", "order %s is already %s", orderID, o.Status)
	}

	// Remove from the book first so a concurrent tick cannot trigger it. An
	// order that is open in the store but gone from the book is being filled
	// on another worker; refuse rather than overwrite the fill.
	cancelled, err := p.books.Get(o.Symbol).Cancel(orderID)
	if err != nil {
		if row, rerr := p.store.GetOrder(ctx, accountID, orderID); rerr == nil {
			o = order.FromRow(*row, o.UserID)
		}
		return o, errs.Newf(errs.KindConflict, "", "order %s is executing", orderID)
	}
	o = cancelled
	if o.UserID == "" {
		if mgr := p.accounts.Get(accountID); mgr != nil {
			o.UserID = mgr.Snapshot().UserID
		}
	}
	o.Status = order.StatusCancelled
	o.Reason = "USER_CANCELLED"

	// Compare-and-set so a fill committed between the read above and here is
	// never overwritten. Cancellation applies only to the open remainder.
	ok, err := p.store.UpdateOrderStatusIf(ctx, orderID, o.Status, o.Reason,
		order.StatusWorking, order.StatusPartial, order.StatusPending)
	if err != nil {
		return o, errs.Wrap(errs.KindTransientStorage, "cancel order", err)
	}
	if !ok {
		if row, rerr := p.store.GetOrder(ctx, accountID, orderID); rerr == nil {
			o = order.FromRow(*row, o.UserID)
		}
		return o, errs.Newf(errs.KindConflict, "", "order %s is already %s", orderID, o.Status)
	}
	if mgr := p.accounts.Get(accountID); mgr != nil {
		mgr.Release(orderID)
	}
	p.emitter.Emit(events.EventOrderCancelled, o, nil)
	return o, nil
}

// processTrigger executes a resting order the reference price has crossed.
// TakeIfCrossed re-checks under the book lock, so a stale trigger for an
// order that was meanwhile filled or cancelled is a no-op.
func (p *Pipeline) processTrigger(ctx context.Context, accountID, orderID string, refPrice float64) {
	row, err := p.store.GetOrder(ctx, accountID, orderID)
	if err != nil {
		return
	}
	o, ok := p.books.Get(row.Symbol).TakeIfCrossed(orderID, refPrice)
	if !ok {
		return
	}

	mgr, err := p.accounts.GetOrCreate(ctx, accountID)
	if err != nil {
		log.WithError(err).WithField("order", orderID).Error("trigger account load failed")
		return
	}

	// Venue execution at the reference price for the full remainder.
	qty := o.RemainingQty()
	o.RecordFill(qty)
	fill := order.Fill{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       qty,
		Price:     refPrice,
		CreatedAt: time.Now(),
	}
	if _, err := p.ledger.Apply(ctx, mgr, order.ToRow(o), order.FillToRow(fill)); err != nil {
		log.WithError(err).WithField("order", o.ID).Warn("trigger settlement deferred")
	}
	p.emitter.Emit(events.EventOrderFilled, o, &fill)
}

// referencePrice fetches a quote, retrying once when the feed is momentarily
// behind.
func (p *Pipeline) referencePrice(ctx context.Context, symbol string) (marketdata.Quote, error) {
	q, err := p.prices.ReferencePrice(ctx, symbol)
	if err == nil {
		return q, nil
	}
	select {
	case <-ctx.Done():
		return marketdata.Quote{}, err
	case <-time.After(100 * time.Millisecond):
	}
	return p.prices.ReferencePrice(ctx, symbol)
}

func (p *Pipeline) reject(ctx context.Context, o *order.Order, reason string) {
	o.Status = order.StatusRiskRejected
	o.Reason = reason
	if err := p.store.UpdateOrderStatus(ctx, o.ID, o.Status, reason); err != nil {
		log.WithError(err).WithField("order", o.ID).Warn("reject status persist failed")
	}
	p.emitter.Emit(events.EventOrderRejected, *o, nil)
}

// fail parks an order the pipeline could not evaluate, keeping the audit
// trail apart from risk rejections.
func (p *Pipeline) fail(ctx context.Context, o *order.Order, reason string) {
	o.Status = order.StatusFailed
	o.Reason = reason
	if err := p.store.UpdateOrderStatus(ctx, o.ID, o.Status, reason); err != nil {
		log.WithError(err).WithField("order", o.ID).Warn("fail status persist failed")
	}
	p.emitter.Emit(events.EventOrderRejected, *o, nil)
}

func validate(o *order.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Symbol == "" {
		return errs.New(errs.KindValidation, "", "symbol is required")
	}
	if o.Side != order.SideBuy && o.Side != order.SideSell {
		return errs.Newf(errs.KindValidation, "", "invalid side %q", o.Side)
	}
	if o.Type != order.TypeMarket && o.Type != order.TypeLimit {
		return errs.Newf(errs.KindValidation, "", "invalid order type %q", o.Type)
	}
	if o.Qty <= 0 {
		return errs.New(errs.KindValidation, "", "quantity must be positive")
	}
	if o.Type == order.TypeLimit && o.LimitPrice <= 0 {
		return errs.New(errs.KindValidation, "", "limit orders require a positive limit price")
	}
	switch o.TimeInForce {
	case "":
		o.TimeInForce = order.TIFGTC
	case order.TIFGTC, order.TIFIOC, order.TIFFOK:
	default:
		return errs.Newf(errs.KindValidation, "", "invalid time in force %q", o.TimeInForce)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	return nil
}

func isDuplicate(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
