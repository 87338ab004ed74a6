// Package market parses and validates exchange market codes of the form
// {QUOTE}-{BASE}, e.g. KRW-BTC (Bitcoin priced in Korean won).
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// codeRegex matches: {QUOTE}-{BASE}
// Example: KRW-BTC, USDT-XRP, BTC-ETH
var codeRegex = regexp.MustCompile(`^([A-Z]{2,6})-([A-Z0-9]{1,15})$`)

var ErrInvalidCode = errors.New("market: invalid market code")

// Market is a parsed market code.
type Market struct {
	Code  string `json:"code"`
	Quote string `json:"quote"` // currency the price is expressed in
	Base  string `json:"base"`  // asset being priced
}

// Parse validates a market code and splits it into quote and base.
// Lower-case input is accepted and normalized.
func Parse(code string) (*Market, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	matches := codeRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {QUOTE}-{BASE}, e.g. KRW-BTC)", ErrInvalidCode, code)
	}
	return &Market{
		Code:  normalized,
		Quote: matches[1],
		Base:  matches[2],
	}, nil
}

// Join comma-joins distinct codes in first-seen order, the form accepted by
// the ticker's markets query parameter.
func Join(codes []string) string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return strings.Join(out, ",")
}
