package engine

import (
	"context"

	"broker-core/internal/account"
	"broker-core/internal/book"
	"broker-core/internal/errs"
	"broker-core/internal/monitor"
	"broker-core/internal/order"
	"broker-core/internal/pipeline"
	"broker-core/pkg/db"
)

// Core is the production Service implementation.
type Core struct {
	store    *db.Database
	accounts *account.Registry
	books    *book.Registry
	pipe     *pipeline.Pipeline
	metrics  *monitor.SystemMetrics
	nodeID   string
}

// NewCore wires the facade.
func NewCore(store *db.Database, accounts *account.Registry, books *book.Registry,
	pipe *pipeline.Pipeline, metrics *monitor.SystemMetrics, nodeID string) *Core {
	return &Core{
		store:    store,
		accounts: accounts,
		books:    books,
		pipe:     pipe,
		metrics:  metrics,
		nodeID:   nodeID,
	}
}

// SubmitOrder runs an order through the pipeline and waits for the outcome.
func (c *Core) SubmitOrder(ctx context.Context, o order.Order) (order.Order, error) {
	return c.pipe.Submit(ctx, o)
}

// CancelOrder requests cancellation through the pipeline.
func (c *Core) CancelOrder(ctx context.Context, accountID, orderID string) (order.Order, error) {
	return c.pipe.Cancel(ctx, accountID, orderID)
}

// GetOrder reads one order scoped to the account.
func (c *Core) GetOrder(ctx context.Context, accountID, orderID string) (order.Order, error) {
	row, err := c.store.GetOrder(ctx, accountID, orderID)
	if err != nil {
		if err == db.ErrNotFound {
			return order.Order{}, errs.Newf(errs.KindNotFound, "", "order %s not found", orderID)
		}
		return order.Order{}, errs.Wrap(errs.KindTransientStorage, "load order", err)
	}
	return orderFromRow(*row), nil
}

// ListOrders returns the account's most recent orders.
func (c *Core) ListOrders(ctx context.Context, accountID string, limit int) ([]order.Order, error) {
	rows, err := c.store.ListOrdersByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientStorage, "list orders", err)
	}
	out := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, orderFromRow(r))
	}
	return out, nil
}

// ListFills returns the account's most recent fills.
func (c *Core) ListFills(ctx context.Context, accountID string, limit int) ([]order.Fill, error) {
	rows, err := c.store.ListFillsByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientStorage, "list fills", err)
	}
	out := make([]order.Fill, 0, len(rows))
	for _, f := range rows {
		out = append(out, order.Fill{
			ID:        f.ID,
			OrderID:   f.OrderID,
			AccountID: f.AccountID,
			Symbol:    f.Symbol,
			Side:      f.Side,
			Qty:       f.Qty,
			Price:     f.Price,
			CreatedAt: f.CreatedAt,
		})
	}
	return out, nil
}

// AccountSnapshot returns the live account state.
func (c *Core) AccountSnapshot(ctx context.Context, accountID string) (account.Snapshot, error) {
	mgr, err := c.accounts.GetOrCreate(ctx, accountID)
	if err != nil {
		return account.Snapshot{}, err
	}
	return mgr.Snapshot(), nil
}

// ListPositions returns current positions for the account.
func (c *Core) ListPositions(ctx context.Context, accountID string) ([]db.Position, error) {
	rows, err := c.store.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientStorage, "list positions", err)
	}
	return rows, nil
}

// MarketDepth returns the aggregated book for a symbol.
func (c *Core) MarketDepth(_ context.Context, symbol string, levels int) (DepthView, error) {
	if levels <= 0 {
		levels = 10
	}
	b := c.books.Get(symbol)
	bids, asks := b.Depth(levels)
	view := DepthView{Symbol: symbol, Bids: bids, Asks: asks}
	if p, ok := b.BestBid(); ok {
		view.BestBid = p
	}
	if p, ok := b.BestAsk(); ok {
		view.BestAsk = p
	}
	return view, nil
}

// SystemStatus reports metrics and topology.
func (c *Core) SystemStatus(_ context.Context) (Status, error) {
	var snap monitor.MetricsSnapshot
	if c.metrics != nil {
		snap = c.metrics.GetSnapshot()
	}
	return Status{
		Metrics:        snap,
		ActiveAccounts: c.accounts.Count(),
		Symbols:        c.books.Symbols(),
		NodeID:         c.nodeID,
	}, nil
}

func orderFromRow(o db.Order) order.Order {
	return order.Order{
		ID:          o.ID,
		AccountID:   o.AccountID,
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
