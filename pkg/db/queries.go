package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// --- Users ---

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// --- Accounts ---

// CreateAccount inserts a new account row.
func (d *Database) CreateAccount(ctx context.Context, a Account) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (
			id, user_id, cash_balance, buying_power, equity, margin_enabled,
			kyc_status, status, suitability_level, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		a.ID, a.UserID, a.CashBalance, a.BuyingPower, a.Equity, boolToInt(a.MarginEnabled),
		a.KYCStatus, a.Status, a.SuitabilityLevel, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// GetAccount returns an account by ID.
func (d *Database) GetAccount(ctx context.Context, id string) (*Account, error) {
	return d.scanAccount(d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, cash_balance, buying_power, equity, margin_enabled,
		       kyc_status, status, suitability_level, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id))
}

// GetAccountByUser returns the account owned by a user.
func (d *Database) GetAccountByUser(ctx context.Context, userID string) (*Account, error) {
	return d.scanAccount(d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, cash_balance, buying_power, equity, margin_enabled,
		       kyc_status, status, suitability_level, created_at, updated_at
		FROM accounts WHERE user_id = ?
	`, userID))
}

func (d *Database) scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var margin int
	err := row.Scan(&a.ID, &a.UserID, &a.CashBalance, &a.BuyingPower, &a.Equity, &margin,
		&a.KYCStatus, &a.Status, &a.SuitabilityLevel, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.MarginEnabled = margin == 1
	return &a, nil
}

// UpdateAccountBalances persists recomputed balances for an account.
func (d *Database) UpdateAccountBalances(ctx context.Context, id string, cash, buyingPower, equity float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts
		SET cash_balance = ?, buying_power = ?, equity = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, cash, buyingPower, equity, id)
	return err
}

// SetAccountStatus updates the lifecycle status (ACTIVE/FROZEN/CLOSED).
func (d *Database) SetAccountStatus(ctx context.Context, id, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	return err
}

// --- Orders ---

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, account_id, symbol, side, qty, filled_qty, order_type,
			limit_price, time_in_force, status, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		o.ID, o.AccountID, o.Symbol, o.Side, o.Qty, o.FilledQty, o.OrderType,
		o.LimitPrice, o.TimeInForce, o.Status, o.Reason, o.CreatedAt,
	)
	return err
}

// UpdateOrderStatus sets status and reason of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, reason, id)
	return err
}

// UpdateOrderStatusIf sets status and reason only while the order is still
// in one of the expected statuses. Reports whether a row was updated, so a
// racing write that already advanced the order is never overwritten.
func (d *Database) UpdateOrderStatusIf(ctx context.Context, id, status, reason string, expect ...string) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(expect)), ",")
	args := []any{status, reason, id}
	for _, s := range expect {
		args = append(args, s)
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetOrder returns an order scoped to an account.
func (d *Database) GetOrder(ctx context.Context, accountID, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, symbol, side, qty, filled_qty, order_type,
		       limit_price, time_in_force, status, reason, created_at, updated_at
		FROM orders WHERE id = ? AND account_id = ?
	`, id, accountID)
	var o Order
	err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Qty, &o.FilledQty, &o.OrderType,
		&o.LimitPrice, &o.TimeInForce, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// ListOrdersByAccount returns recent orders for an account, newest first.
func (d *Database) ListOrdersByAccount(ctx context.Context, accountID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, qty, filled_qty, order_type,
		       limit_price, time_in_force, status, reason, created_at, updated_at
		FROM orders WHERE account_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Qty, &o.FilledQty, &o.OrderType,
			&o.LimitPrice, &o.TimeInForce, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOpenOrders returns non-terminal orders, oldest first, for book recovery.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, qty, filled_qty, order_type,
		       limit_price, time_in_force, status, reason, created_at, updated_at
		FROM orders WHERE status IN ('WORKING','PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Qty, &o.FilledQty, &o.OrderType,
			&o.LimitPrice, &o.TimeInForce, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOpenOrdersByAccount returns one account's non-terminal orders, oldest
// first, for reservation recovery.
func (d *Database) ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, qty, filled_qty, order_type,
		       limit_price, time_in_force, status, reason, created_at, updated_at
		FROM orders WHERE account_id = ? AND status IN ('WORKING','PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Qty, &o.FilledQty, &o.OrderType,
			&o.LimitPrice, &o.TimeInForce, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- Fills & positions ---

// ApplyFillTx atomically records a fill, advances the order, upserts the
// position and writes back account balances. All-or-nothing with respect to
// concurrent fills on other accounts.
func (d *Database) ApplyFillTx(ctx context.Context, f Fill, o Order, p Position, a Account) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, account_id, symbol, side, qty, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, f.ID, f.OrderID, f.AccountID, f.Symbol, f.Side, f.Qty, f.Price, f.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, o.Status, o.FilledQty, o.ID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, qty, avg_cost, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_cost = excluded.avg_cost,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, p.AccountID, p.Symbol, p.Qty, p.AvgCost, p.RealizedPnL); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET cash_balance = ?, buying_power = ?, equity = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, a.CashBalance, a.BuyingPower, a.Equity, a.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// ListFillsByOrder returns fills for one order, oldest first.
func (d *Database) ListFillsByOrder(ctx context.Context, orderID string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, account_id, symbol, side, qty, price, created_at
		FROM fills WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// ListFillsByAccount returns recent fills for an account, newest first.
func (d *Database) ListFillsByAccount(ctx context.Context, accountID string, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, account_id, symbol, side, qty, price, created_at
		FROM fills WHERE account_id = ? ORDER BY created_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

func scanFills(rows *sql.Rows) ([]Fill, error) {
	var res []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Symbol, &f.Side, &f.Qty, &f.Price, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ListPositionsByAccount returns all positions for an account.
func (d *Database) ListPositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT account_id, symbol, qty, avg_cost, realized_pnl, updated_at
		FROM positions WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgCost, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- Risk decisions & day trades ---

// CreateRiskDecision stores the immutable risk snapshot for an order.
func (d *Database) CreateRiskDecision(ctx context.Context, r RiskDecision) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_decisions (order_id, approved, reasons, buying_power, exposure, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, r.OrderID, boolToInt(r.Approved), r.Reasons, r.BuyingPower, r.Exposure, r.CreatedAt)
	return err
}

// RecordDayTrade journals one completed round-trip for PDT accounting.
func (d *Database) RecordDayTrade(ctx context.Context, accountID, symbol string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO day_trades (account_id, symbol) VALUES (?, ?)
	`, accountID, symbol)
	return err
}

// CountDayTrades counts round-trips for an account since the cutoff.
func (d *Database) CountDayTrades(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM day_trades WHERE account_id = ? AND closed_at >= ?
	`, accountID, since).Scan(&n)
	return n, err
}

// --- Dead letters ---

// CreateDeadLetter parks a failed ledger update for reconciliation.
func (d *Database) CreateDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO dead_letters (id, order_id, fill_id, payload, attempts, last_error, status, node_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, dl.ID, dl.OrderID, dl.FillID, dl.Payload, dl.Attempts, dl.LastError, dl.Status, dl.NodeID)
	return err
}

// ListPendingDeadLetters returns unresolved dead letters, oldest first.
func (d *Database) ListPendingDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, fill_id, payload, attempts, last_error, status, node_id, created_at, updated_at
		FROM dead_letters WHERE status = 'PENDING'
		ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.OrderID, &dl.FillID, &dl.Payload, &dl.Attempts,
			&dl.LastError, &dl.Status, &dl.NodeID, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, dl)
	}
	return res, rows.Err()
}

// UpdateDeadLetter records the outcome of a reconciliation attempt.
func (d *Database) UpdateDeadLetter(ctx context.Context, id, status, lastError string, attempts int) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = ?, last_error = ?, attempts = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, lastError, attempts, id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
