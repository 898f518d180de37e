package db

import "time"

// Account KYC statuses.
const (
	KYCUnverified = "UNVERIFIED"
	KYCPending    = "PENDING"
	KYCVerified   = "VERIFIED"
)

// Account lifecycle statuses. Accounts are soft-closed, never deleted.
const (
	AccountActive = "ACTIVE"
	AccountFrozen = "FROZEN"
	AccountClosed = "CLOSED"
)

// Dead-letter statuses.
const (
	DeadLetterPending  = "PENDING"
	DeadLetterResolved = "RESOLVED"
	DeadLetterFailed   = "FAILED"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account holds balances and trading permissions for one user.
// Balances are mutated only through ApplyFillTx / UpdateAccountBalances.
type Account struct {
	ID               string
	UserID           string
	CashBalance      float64
	BuyingPower      float64
	Equity           float64
	MarginEnabled    bool
	KYCStatus        string
	Status           string
	SuitabilityLevel int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Order represents an order row.
type Order struct {
	ID          string
	AccountID   string
	Symbol      string
	Side        string
	Qty         float64
	FilledQty   float64
	OrderType   string
	LimitPrice  float64
	TimeInForce string
	Status      string
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Fill is an immutable execution record tied to an order. Append-only.
type Fill struct {
	ID        string
	OrderID   string
	AccountID string
	Symbol    string
	Side      string
	Qty       float64
	Price     float64
	CreatedAt time.Time
}

// Position tracks net quantity and cost basis per account and symbol.
type Position struct {
	AccountID   string
	Symbol      string
	Qty         float64
	AvgCost     float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// RiskDecision is the immutable snapshot of the risk check for one order.
type RiskDecision struct {
	OrderID     string
	Approved    bool
	Reasons     string // JSON array of reason codes
	BuyingPower float64
	Exposure    float64
	CreatedAt   time.Time
}

// DeadLetter parks a ledger update that exhausted its retry budget.
type DeadLetter struct {
	ID        string
	OrderID   string
	FillID    string
	Payload   string // JSON-encoded fill
	Attempts  int
	LastError string
	Status    string
	NodeID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
