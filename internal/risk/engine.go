// Package risk evaluates orders against account state and configured limits.
// Evaluation itself is pure; the Engine only touches the store to load its
// config, count day trades and journal decisions.
package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/account"
	"broker-core/internal/errs"
	"broker-core/pkg/db"
)

// Engine holds the active risk configuration.
type Engine struct {
	mu    sync.RWMutex
	store *db.Database
	cfg   Config
}

// NewEngine loads the active config, seeding the default on first run.
func NewEngine(store *db.Database) (*Engine, error) {
	e := &Engine{store: store, cfg: DefaultConfig()}
	if store == nil {
		return e, nil
	}
	if err := e.LoadConfig(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadConfig reads the active row from risk_configs, inserting the default
// when none exists.
func (e *Engine) LoadConfig(ctx context.Context) error {
	row := e.store.DB.QueryRowContext(ctx, `
		SELECT id, name, pdt_min_equity, pdt_max_day_trades,
		       min_order_notional, max_order_notional,
		       use_order_size_limits, use_pdt_check, updated_at
		FROM risk_configs WHERE is_active = 1 ORDER BY id DESC LIMIT 1`)

	var cfg Config
	var sizeLimits, pdtCheck int
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.PDTMinEquity, &cfg.PDTMaxDayTrades,
		&cfg.MinOrderNotional, &cfg.MaxOrderNotional,
		&sizeLimits, &pdtCheck, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return e.insertDefaultConfig(ctx)
	}
	if err != nil {
		return fmt.Errorf("load risk config: %w", err)
	}
	cfg.UseOrderSizeLimits = sizeLimits == 1
	cfg.UsePDTCheck = pdtCheck == 1
	cfg.IsActive = true

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	log.WithField("config", cfg.Name).Info("risk config loaded")
	return nil
}

func (e *Engine) insertDefaultConfig(ctx context.Context) error {
	cfg := DefaultConfig()
	res, err := e.store.DB.ExecContext(ctx, `
		INSERT INTO risk_configs
			(name, pdt_min_equity, pdt_max_day_trades,
			 min_order_notional, max_order_notional,
			 use_order_size_limits, use_pdt_check, is_active)
		VALUES (?, ?, ?, ?, ?, 1, 1, 1)`,
		cfg.Name, cfg.PDTMinEquity, cfg.PDTMaxDayTrades,
		cfg.MinOrderNotional, cfg.MaxOrderNotional)
	if err != nil {
		return fmt.Errorf("seed risk config: %w", err)
	}
	cfg.ID, _ = res.LastInsertId()

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	log.Info("risk config seeded with defaults")
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// CheckOrder evaluates one order against the snapshot. All failed checks are
// collected into the decision rather than short-circuiting.
func (e *Engine) CheckOrder(snap account.Snapshot, p OrderParams) Decision {
	cfg := e.Config()

	price := p.RefPrice
	if p.Type == "LIMIT" && p.LimitPrice > 0 {
		price = p.LimitPrice
	}
	notional := p.Qty * price
	exposure := Exposure(snap, p, price)

	d := Decision{Exposure: exposure, BuyingPower: snap.BuyingPower}

	if cfg.UseOrderSizeLimits {
		if notional < cfg.MinOrderNotional {
			d.Reasons = append(d.Reasons, errs.ReasonOrderTooSmall)
		}
		if cfg.MaxOrderNotional > 0 && notional > cfg.MaxOrderNotional {
			d.Reasons = append(d.Reasons, errs.ReasonOrderTooLarge)
		}
	}

	if exposure > snap.BuyingPower {
		d.Reasons = append(d.Reasons, errs.ReasonInsufficientBuyingPower)
	}

	// PDT applies to margin accounts below the equity floor that have
	// already used up their day-trade allowance.
	if cfg.UsePDTCheck && snap.MarginEnabled &&
		p.DayTrades > cfg.PDTMaxDayTrades && snap.Equity < cfg.PDTMinEquity {
		d.Reasons = append(d.Reasons, errs.ReasonPDTLimit)
	}

	if p.RequiredSuitability > snap.SuitabilityLevel {
		d.Reasons = append(d.Reasons, errs.ReasonSuitability)
	}

	d.Approved = len(d.Reasons) == 0
	return d
}

// Exposure is the new buying power an order would consume. Quantity already
// covered by an opposite position is free; only the position-increasing
// remainder counts.
func Exposure(snap account.Snapshot, p OrderParams, price float64) float64 {
	var posQty float64
	for _, pos := range snap.Positions {
		if pos.Symbol == p.Symbol {
			posQty = pos.Qty
			break
		}
	}

	opening := p.Qty
	if p.Side == "BUY" && posQty < 0 {
		opening = math.Max(0, p.Qty-math.Abs(posQty))
	} else if p.Side == "SELL" && posQty > 0 {
		opening = math.Max(0, p.Qty-posQty)
	}
	return opening * price
}

// CountRecentDayTrades returns the account's round-trips inside the rolling
// five-business-day window.
func (e *Engine) CountRecentDayTrades(ctx context.Context, accountID string) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	n, err := e.store.CountDayTrades(ctx, accountID, dayTradeWindowStart(time.Now()))
	if err != nil {
		return 0, errs.Wrap(errs.KindTransientStorage, "count day trades", err)
	}
	return n, nil
}

// dayTradeWindowStart walks back five business days from now.
func dayTradeWindowStart(now time.Time) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	days := 0
	for days < 5 {
		t = t.AddDate(0, 0, -1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days++
		}
	}
	return t
}

// RecordDecision journals the decision for audit. Failures are logged, not
// fatal: the decision has already been made.
func (e *Engine) RecordDecision(ctx context.Context, orderID string, d Decision) {
	if e.store == nil {
		return
	}
	reasons, _ := json.Marshal(d.Reasons)
	err := e.store.CreateRiskDecision(ctx, db.RiskDecision{
		OrderID:     orderID,
		Approved:    d.Approved,
		Reasons:     string(reasons),
		BuyingPower: d.BuyingPower,
		Exposure:    d.Exposure,
	})
	if err != nil {
		log.WithError(err).WithField("order", orderID).Warn("risk decision journal failed")
	}
}
