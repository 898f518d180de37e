// Package compliance runs the pre-trade gate: account standing first, then
// symbol policy, then the risk evaluation. The first failing stage rejects
// the order; risk reasons are collected in full by the engine.
package compliance

import (
	"context"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/account"
	"broker-core/internal/errs"
	"broker-core/internal/risk"
	"broker-core/pkg/db"
)

// Gate chains the compliance checks in front of the risk engine.
type Gate struct {
	policy *Policy
	engine *risk.Engine
}

// NewGate wires a policy and risk engine together.
func NewGate(policy *Policy, engine *risk.Engine) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Gate{policy: policy, engine: engine}
}

// Check validates an order against account standing, symbol policy and risk
// limits. A nil return means the order may proceed to matching.
func (g *Gate) Check(ctx context.Context, snap account.Snapshot, p risk.OrderParams) error {
	// Account standing gates everything else.
	if snap.KYCStatus != db.KYCVerified {
		return errs.Rejection(errs.KindCompliance, errs.ReasonKYCUnverified)
	}
	switch snap.Status {
	case db.AccountFrozen:
		return errs.Rejection(errs.KindCompliance, errs.ReasonAccountFrozen)
	case db.AccountClosed:
		return errs.Rejection(errs.KindCompliance, errs.ReasonAccountClosed)
	}

	if g.policy.IsRestricted(p.Symbol) {
		return errs.Rejection(errs.KindCompliance, errs.ReasonSymbolRestricted)
	}
	p.RequiredSuitability = g.policy.RequiredSuitability(p.Symbol)

	dayTrades, err := g.engine.CountRecentDayTrades(ctx, snap.AccountID)
	if err != nil {
		return err
	}
	p.DayTrades = dayTrades

	decision := g.engine.CheckOrder(snap, p)
	g.engine.RecordDecision(ctx, p.OrderID, decision)
	if !decision.Approved {
		log.WithFields(log.Fields{
			"order": p.OrderID, "account": snap.AccountID, "reasons": decision.Reasons,
		}).Info("order rejected by risk")
		return errs.Rejection(errs.KindRisk, decision.Reasons...)
	}
	return nil
}

// RequiredSuitability exposes the policy lookup for callers outside the gate.
func (g *Gate) RequiredSuitability(symbol string) int {
	return g.policy.RequiredSuitability(symbol)
}
