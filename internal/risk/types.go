package risk

import "time"

// Config holds the active risk limits. Persisted in risk_configs so limits
// survive restarts and can be tuned without a redeploy.
type Config struct {
	ID                 int64
	Name               string
	PDTMinEquity       float64
	PDTMaxDayTrades    int
	MinOrderNotional   float64
	MaxOrderNotional   float64
	UseOrderSizeLimits bool
	UsePDTCheck        bool
	IsActive           bool
	UpdatedAt          time.Time
}

// DefaultConfig returns the limits seeded on first startup.
func DefaultConfig() Config {
	return Config{
		Name:               "default",
		PDTMinEquity:       25000,
		PDTMaxDayTrades:    3,
		MinOrderNotional:   1,
		MaxOrderNotional:   1000000,
		UseOrderSizeLimits: true,
		UsePDTCheck:        true,
		IsActive:           true,
	}
}

// OrderParams is everything the evaluation needs about one order. RefPrice
// is the current reference price; RequiredSuitability comes from the symbol
// policy (0 when the symbol has no suitability requirement).
type OrderParams struct {
	OrderID             string
	Symbol              string
	Side                string
	Type                string
	Qty                 float64
	LimitPrice          float64
	RefPrice            float64
	RequiredSuitability int
	DayTrades           int
}

// Decision is the outcome of evaluating one order. All failed checks are
// collected so the client sees every reason at once.
type Decision struct {
	Approved    bool     `json:"approved"`
	Reasons     []string `json:"reasons,omitempty"`
	Exposure    float64  `json:"exposure"`
	BuyingPower float64  `json:"buying_power"`
}
