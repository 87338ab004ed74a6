// Package model defines the core domain types shared across the portfolio
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Seed is one configured holding before it has been priced.
type Seed struct {
	Symbol        string          `json:"symbol"` // market code, e.g. KRW-BTC
	Name          string          `json:"name"`
	Quantity      decimal.Decimal `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"` // cost basis per unit
}

// Holding is a priced seed. Quantity and PurchasePrice are fixed at creation;
// only CurrentPrice changes over the holding's lifetime.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Quantity      decimal.Decimal `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
}

// NewHolding prices a seed.
func NewHolding(s Seed, price decimal.Decimal) Holding {
	return Holding{
		Symbol:        s.Symbol,
		Name:          s.Name,
		Quantity:      s.Quantity,
		PurchasePrice: s.PurchasePrice,
		CurrentPrice:  price,
	}
}

// WithPrice returns a copy of h carrying a new current price.
func (h Holding) WithPrice(price decimal.Decimal) Holding {
	h.CurrentPrice = price
	return h
}

// Value is quantity × current price.
func (h Holding) Value() decimal.Decimal {
	return h.Quantity.Mul(h.CurrentPrice)
}

// Cost is quantity × purchase price.
func (h Holding) Cost() decimal.Decimal {
	return h.Quantity.Mul(h.PurchasePrice)
}

// HoldingValuation is the per-row breakdown of one holding.
type HoldingValuation struct {
	Symbol               string          `json:"symbol"`
	Name                 string          `json:"name"`
	Quantity             decimal.Decimal `json:"quantity"`
	PurchasePrice        decimal.Decimal `json:"purchase_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	Value                decimal.Decimal `json:"value"`
	Cost                 decimal.Decimal `json:"cost"`
	ProfitLoss           decimal.Decimal `json:"profit_loss"`
	ProfitLossPercentage decimal.Decimal `json:"profit_loss_percentage"`
	Allocation           decimal.Decimal `json:"allocation"` // % of total value
}

// Portfolio is the aggregate view over the holdings. It is a projection:
// recomputed wholesale whenever a price changes and replaced, never patched.
type Portfolio struct {
	Holdings                  []Holding          `json:"holdings"`
	Valuations                []HoldingValuation `json:"valuations"`
	TotalValue                decimal.Decimal    `json:"total_value"`
	TotalCost                 decimal.Decimal    `json:"total_cost"`
	TotalProfitLoss           decimal.Decimal    `json:"total_profit_loss"`
	TotalProfitLossPercentage decimal.Decimal    `json:"total_profit_loss_percentage"`
	UpdatedAt                 time.Time          `json:"updated_at"`
	StaleSince                *time.Time         `json:"stale_since,omitempty"` // set while some price is missing
}

// Clone returns a deep copy that shares no slices with p.
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Holdings = append([]Holding(nil), p.Holdings...)
	out.Valuations = append([]HoldingValuation(nil), p.Valuations...)
	if p.StaleSince != nil {
		t := *p.StaleSince
		out.StaleSince = &t
	}
	return out
}

// Symbols returns the held market codes in display order.
func (p Portfolio) Symbols() []string {
	out := make([]string, len(p.Holdings))
	for i, h := range p.Holdings {
		out[i] = h.Symbol
	}
	return out
}

// Snapshot is a recorded valuation. Once created, snapshots are never
// modified.
type Snapshot struct {
	ID                        string             `json:"id" db:"id"`
	TakenAt                   time.Time          `json:"taken_at" db:"taken_at"`
	TotalValue                decimal.Decimal    `json:"total_value" db:"total_value"`
	TotalCost                 decimal.Decimal    `json:"total_cost" db:"total_cost"`
	TotalProfitLoss           decimal.Decimal    `json:"total_profit_loss" db:"total_profit_loss"`
	TotalProfitLossPercentage decimal.Decimal    `json:"total_profit_loss_percentage" db:"total_profit_loss_percentage"`
	Stale                     bool               `json:"stale" db:"stale"`
	Valuations                []HoldingValuation `json:"valuations" db:"valuations"`
}
