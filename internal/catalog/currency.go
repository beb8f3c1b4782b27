package catalog

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code supported by the catalog.
type Currency string

const (
	USD Currency = "USD"
	CDF Currency = "CDF"
)

var supportedCurrencies = map[Currency]bool{
	USD: true,
	CDF: true,
}

// ParseCurrency accepts a supported currency code in any case.
func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !supportedCurrencies[c] || money.GetCurrency(string(c)) == nil {
		return "", false
	}
	return c, true
}

// FormatPrice renders a price with the currency's symbol and precision.
func FormatPrice(price float64, currency Currency) string {
	cur := money.GetCurrency(string(currency))
	if cur == nil {
		return decimal.NewFromFloat(price).StringFixed(2) + " " + string(currency)
	}
	minor := decimal.NewFromFloat(price).Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}
