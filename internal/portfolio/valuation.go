package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/upfolio/portfolio-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Compute derives the aggregate metrics from a holding sequence:
//
//	TotalValue      = Σ quantity × currentPrice
//	TotalCost       = Σ quantity × purchasePrice
//	TotalProfitLoss = TotalValue − TotalCost
//	Percentage      = 100 × TotalProfitLoss / TotalCost, or 0 when TotalCost is 0
//
// The returned Portfolio owns a copy of holdings. UpdatedAt and StaleSince
// are left for the caller.
func Compute(holdings []model.Holding) model.Portfolio {
	totalValue := decimal.Zero
	totalCost := decimal.Zero
	for _, h := range holdings {
		totalValue = totalValue.Add(h.Value())
		totalCost = totalCost.Add(h.Cost())
	}
	totalPnL := totalValue.Sub(totalCost)

	valuations := make([]model.HoldingValuation, len(holdings))
	for i, h := range holdings {
		value := h.Value()
		cost := h.Cost()
		valuations[i] = model.HoldingValuation{
			Symbol:               h.Symbol,
			Name:                 h.Name,
			Quantity:             h.Quantity,
			PurchasePrice:        h.PurchasePrice,
			CurrentPrice:         h.CurrentPrice,
			Value:                value,
			Cost:                 cost,
			ProfitLoss:           value.Sub(cost),
			ProfitLossPercentage: percent(h.CurrentPrice.Sub(h.PurchasePrice), h.PurchasePrice),
			Allocation:           percent(value, totalValue),
		}
	}

	return model.Portfolio{
		Holdings:                  append([]model.Holding{}, holdings...),
		Valuations:                valuations,
		TotalValue:                totalValue,
		TotalCost:                 totalCost,
		TotalProfitLoss:           totalPnL,
		TotalProfitLossPercentage: percent(totalPnL, totalCost),
	}
}

// percent returns 100 × part / whole, or 0 when whole is not positive.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole)
}
