// Package account holds the in-memory account state store. One Manager owns
// all balance and position mutations for a single account; the pipeline
// guarantees it is driven by a single worker at a time, and the Manager's
// own lock protects concurrent reads from the API layer.
package account

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/errs"
	"broker-core/pkg/db"
)

// Snapshot is a consistent read of account state handed to risk checks.
type Snapshot struct {
	AccountID        string
	UserID           string
	CashBalance      float64
	BuyingPower      float64 // net of open-order reservations
	Equity           float64
	Reserved         float64
	MarginEnabled    bool
	KYCStatus        string
	Status           string
	SuitabilityLevel int
	Positions        []db.Position
}

// Manager serializes all mutations for one account and keeps positions and
// reservations in memory, persisting through the store.
type Manager struct {
	mu       sync.Mutex
	store    *db.Database
	acct     db.Account
	leverage float64

	positions map[string]db.Position
	reserved  map[string]float64 // orderID -> reserved notional

	// lastOpened tracks when a position in a symbol was last increased,
	// for same-day round-trip (PDT) journaling.
	lastOpened map[string]time.Time
}

// NewManager wraps an account row. Call Load before first use.
func NewManager(store *db.Database, acct db.Account, leverage float64) *Manager {
	if leverage < 1 {
		leverage = 1
	}
	return &Manager{
		store:      store,
		acct:       acct,
		leverage:   leverage,
		positions:  make(map[string]db.Position),
		reserved:   make(map[string]float64),
		lastOpened: make(map[string]time.Time),
	}
}

// Load seeds in-memory positions from the store and rebuilds buying-power
// reservations from the account's open orders, so a restart cannot hand out
// power an earlier accept already committed.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	pos, err := m.store.ListPositionsByAccount(ctx, m.acct.ID)
	if err != nil {
		return errs.Wrap(errs.KindTransientStorage, "load positions", err)
	}
	open, err := m.store.ListOpenOrdersByAccount(ctx, m.acct.ID)
	if err != nil {
		return errs.Wrap(errs.KindTransientStorage, "load open orders", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		m.positions[p.Symbol] = p
	}
	for _, o := range open {
		if notional := m.openExposureLocked(o); notional > 0 {
			m.reserved[o.ID] = notional
		}
	}
	m.recomputeLocked()
	return nil
}

// openExposureLocked is the buying power a restored open order still holds:
// the position-increasing remainder at its resting limit price, mirroring
// the reservation made at accept time.
func (m *Manager) openExposureLocked(o db.Order) float64 {
	if o.LimitPrice <= 0 {
		return 0
	}
	remaining := o.Qty - o.FilledQty
	posQty := m.positions[o.Symbol].Qty

	opening := remaining
	if o.Side == "BUY" && posQty < 0 {
		opening = math.Max(0, remaining-math.Abs(posQty))
	} else if o.Side == "SELL" && posQty > 0 {
		opening = math.Max(0, remaining-posQty)
	}
	return opening * o.LimitPrice
}

// Snapshot returns a consistent copy of current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, p)
	}
	return Snapshot{
		AccountID:        m.acct.ID,
		UserID:           m.acct.UserID,
		CashBalance:      m.acct.CashBalance,
		BuyingPower:      m.acct.BuyingPower,
		Equity:           m.acct.Equity,
		Reserved:         m.reservedTotalLocked(),
		MarginEnabled:    m.acct.MarginEnabled,
		KYCStatus:        m.acct.KYCStatus,
		Status:           m.acct.Status,
		SuitabilityLevel: m.acct.SuitabilityLevel,
		Positions:        positions,
	}
}

// Position returns the current position for a symbol.
func (m *Manager) Position(symbol string) db.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[symbol]
}

// Reserve locks buying power for an approved order. The reservation is
// released on cancel/reject and consumed as fills settle.
func (m *Manager) Reserve(orderID string, notional float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if notional > m.acct.BuyingPower {
		return errs.Rejection(errs.KindRisk, errs.ReasonInsufficientBuyingPower)
	}
	m.reserved[orderID] += notional
	m.recomputeLocked()

	log.WithFields(log.Fields{
		"account": m.acct.ID, "order": orderID, "notional": notional,
	}).Debug("buying power reserved")
	return nil
}

// OpenReservations returns the number of orders currently holding buying
// power.
func (m *Manager) OpenReservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved)
}

// Release returns any remaining reservation for an order.
func (m *Manager) Release(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserved[orderID]; !ok {
		return
	}
	delete(m.reserved, orderID)
	m.recomputeLocked()
}

// ApplyFill settles a fill against cash, position and reservation, and
// persists the whole mutation in one transaction. The updated order row is
// written alongside so a crash never leaves a fill without its order state.
func (m *Manager) ApplyFill(ctx context.Context, o db.Order, f db.Fill) (db.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positions[f.Symbol]
	p.AccountID = m.acct.ID
	p.Symbol = f.Symbol

	signedQty := f.Qty
	if f.Side == "SELL" {
		signedQty = -f.Qty
	}

	oldQty := p.Qty
	newQty := oldQty + signedQty
	opened, closed := false, false

	switch {
	case oldQty == 0 || sameSign(oldQty, signedQty):
		// Opening or adding: weighted-average cost.
		p.AvgCost = (math.Abs(oldQty)*p.AvgCost + f.Qty*f.Price) / math.Abs(newQty)
		opened = true
	case math.Abs(signedQty) <= math.Abs(oldQty):
		// Reducing or closing: realize P&L on the closed quantity.
		closeQty := f.Qty
		if oldQty > 0 {
			p.RealizedPnL += (f.Price - p.AvgCost) * closeQty
		} else {
			p.RealizedPnL += (p.AvgCost - f.Price) * closeQty
		}
		if math.Abs(newQty) < 1e-9 {
			newQty = 0
			p.AvgCost = 0
		}
		closed = true
	default:
		// Crossing through zero: realize on the old position, open the rest
		// at the fill price.
		closeQty := math.Abs(oldQty)
		if oldQty > 0 {
			p.RealizedPnL += (f.Price - p.AvgCost) * closeQty
		} else {
			p.RealizedPnL += (p.AvgCost - f.Price) * closeQty
		}
		p.AvgCost = f.Price
		opened, closed = true, true
	}
	p.Qty = newQty

	prevPos, hadPos := m.positions[f.Symbol]
	prevCash := m.acct.CashBalance
	prevReserved, hadReserved := m.reserved[f.OrderID]

	notional := f.Qty * f.Price
	if f.Side == "BUY" {
		m.acct.CashBalance -= notional
	} else {
		m.acct.CashBalance += notional
	}
	m.consumeReservationLocked(f.OrderID, notional, o.Status)
	m.positions[f.Symbol] = p
	m.recomputeLocked()

	if m.store != nil {
		if err := m.store.ApplyFillTx(ctx, f, o, p, m.acct); err != nil {
			// Roll back the in-memory mutation so a retry starts clean.
			if hadPos {
				m.positions[f.Symbol] = prevPos
			} else {
				delete(m.positions, f.Symbol)
			}
			if hadReserved {
				m.reserved[f.OrderID] = prevReserved
			} else {
				delete(m.reserved, f.OrderID)
			}
			m.acct.CashBalance = prevCash
			m.recomputeLocked()
			return db.Position{}, errs.Wrap(errs.KindTransientStorage, "apply fill", err)
		}
	}

	// Journal only after the fill is durably committed so a retried attempt
	// cannot double-count the round trip. The close is checked against the
	// open it is unwinding, before this fill's own open is recorded.
	if closed {
		m.journalDayTradeLocked(ctx, f.Symbol)
	}
	if opened {
		m.lastOpened[f.Symbol] = time.Now()
	}

	log.WithFields(log.Fields{
		"account": m.acct.ID, "order": f.OrderID, "symbol": f.Symbol,
		"side": f.Side, "qty": f.Qty, "price": f.Price,
		"position": p.Qty, "buying_power": m.acct.BuyingPower,
	}).Info("fill applied")

	return p, nil
}

// consumeReservationLocked burns reservation as fills settle; any remainder
// is released once the order reaches a terminal status.
func (m *Manager) consumeReservationLocked(orderID string, notional float64, orderStatus string) {
	if r, ok := m.reserved[orderID]; ok {
		r -= notional
		if r <= 1e-9 || orderStatus == "FILLED" || orderStatus == "CANCELLED" {
			delete(m.reserved, orderID)
		} else {
			m.reserved[orderID] = r
		}
	}
}

// journalDayTradeLocked records a PDT round-trip when a reducing fill closes
// exposure that was opened earlier the same calendar day.
func (m *Manager) journalDayTradeLocked(ctx context.Context, symbol string) {
	opened, ok := m.lastOpened[symbol]
	if !ok {
		return
	}
	now := time.Now()
	if opened.Year() == now.Year() && opened.YearDay() == now.YearDay() {
		if m.store != nil {
			if err := m.store.RecordDayTrade(ctx, m.acct.ID, symbol); err != nil {
				log.WithError(err).Warn("day trade journal failed")
			}
		}
	}
}

// recomputeLocked derives equity and buying power deterministically from
// cash, positions (at cost basis) and open-order reservations.
func (m *Manager) recomputeLocked() {
	positionValue := 0.0
	for _, p := range m.positions {
		positionValue += p.Qty * p.AvgCost
	}
	m.acct.Equity = m.acct.CashBalance + positionValue

	base := m.acct.CashBalance
	if m.acct.MarginEnabled {
		base = m.acct.CashBalance * m.leverage
	}
	m.acct.BuyingPower = base - m.reservedTotalLocked()
}

func (m *Manager) reservedTotalLocked() float64 {
	total := 0.0
	for _, r := range m.reserved {
		total += r
	}
	return total
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
