package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/upfolio/portfolio-engine/internal/market"
	"github.com/upfolio/portfolio-engine/internal/model"
)

var ErrInvalidHoldings = errors.New("config: invalid holdings")

// DefaultHoldings is the compiled-in portfolio, bought on 2019-03-21.
func DefaultHoldings() []model.Seed {
	return []model.Seed{
		{Symbol: "KRW-BTC", Name: "Bitcoin", Quantity: decimal.RequireFromString("23.2"), PurchasePrice: decimal.NewFromInt(4300000)},
		{Symbol: "KRW-ETH", Name: "Ethereum", Quantity: decimal.NewFromInt(100), PurchasePrice: decimal.NewFromInt(160000)},
		{Symbol: "KRW-XRP", Name: "Ripple", Quantity: decimal.NewFromInt(30234), PurchasePrice: decimal.NewFromInt(350)},
		{Symbol: "KRW-XLM", Name: "Stellar Lumens", Quantity: decimal.NewFromInt(245142), PurchasePrice: decimal.NewFromInt(120)},
	}
}

// holdingsFile is the YAML shape of HOLDINGS_FILE. Both a top-level list and
// a map with a "holdings" key are accepted:
//
//	holdings:
//	  - symbol: KRW-BTC
//	    name: Bitcoin
//	    quantity: 23.2
//	    purchase_price: 4300000
type holdingsFile struct {
	Holdings []holdingEntry `yaml:"holdings"`
}

type holdingEntry struct {
	Symbol        string          `yaml:"symbol"`
	Name          string          `yaml:"name"`
	Quantity      decimal.Decimal `yaml:"quantity"`
	PurchasePrice decimal.Decimal `yaml:"purchase_price"`
}

// LoadHoldings reads and validates a YAML holdings file.
func LoadHoldings(path string) ([]model.Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holdings %s: %w", path, err)
	}
	seeds, err := ParseHoldings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seeds, nil
}

// ParseHoldings decodes and validates holdings YAML.
func ParseHoldings(data []byte) ([]model.Seed, error) {
	var entries []holdingEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		var doc holdingsFile
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidHoldings, err)
		}
		entries = doc.Holdings
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no holdings defined", ErrInvalidHoldings)
	}

	seen := make(map[string]bool, len(entries))
	seeds := make([]model.Seed, 0, len(entries))
	for i, e := range entries {
		m, err := market.Parse(e.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidHoldings, i, err)
		}
		if seen[m.Code] {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidHoldings, m.Code)
		}
		seen[m.Code] = true

		if e.Quantity.IsNegative() || e.PurchasePrice.IsNegative() {
			return nil, fmt.Errorf("%w: %s: quantity and purchase_price must be non-negative", ErrInvalidHoldings, m.Code)
		}

		name := e.Name
		if name == "" {
			name = m.Base
		}
		seeds = append(seeds, model.Seed{
			Symbol:        m.Code,
			Name:          name,
			Quantity:      e.Quantity,
			PurchasePrice: e.PurchasePrice,
		})
	}
	return seeds, nil
}
