// Package engine is the application facade in front of the pipeline, the
// stores and the books. The API layer depends on the Service interface so
// handlers can be tested against a stub.
package engine

import (
	"context"

	"broker-core/internal/account"
	"broker-core/internal/book"
	"broker-core/internal/monitor"
	"broker-core/internal/order"
	"broker-core/pkg/db"
)

// DepthView is the aggregated book for one symbol.
type DepthView struct {
	Symbol  string            `json:"symbol"`
	Bids    []book.DepthLevel `json:"bids"`
	Asks    []book.DepthLevel `json:"asks"`
	BestBid float64           `json:"best_bid,omitempty"`
	BestAsk float64           `json:"best_ask,omitempty"`
}

// Status is the operational snapshot for the system status endpoint.
type Status struct {
	Metrics        monitor.MetricsSnapshot `json:"metrics"`
	ActiveAccounts int                     `json:"active_accounts"`
	Symbols        []string                `json:"symbols"`
	NodeID         string                  `json:"node_id"`
}

// Service is everything the HTTP surface needs.
type Service interface {
	SubmitOrder(ctx context.Context, o order.Order) (order.Order, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (order.Order, error)
	GetOrder(ctx context.Context, accountID, orderID string) (order.Order, error)
	ListOrders(ctx context.Context, accountID string, limit int) ([]order.Order, error)
	ListFills(ctx context.Context, accountID string, limit int) ([]order.Fill, error)
	AccountSnapshot(ctx context.Context, accountID string) (account.Snapshot, error)
	ListPositions(ctx context.Context, accountID string) ([]db.Position, error)
	MarketDepth(ctx context.Context, symbol string, levels int) (DepthView, error)
	SystemStatus(ctx context.Context) (Status, error)
}
