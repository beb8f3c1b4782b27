package catalog

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/zombor/price-catalog/internal/product"
)

// Pipeline turns receipt line items into contributions: normalize,
// canonicalize, validate.
type Pipeline struct {
	canonicalizer   *product.Canonicalizer
	defaultCurrency Currency
}

// NewPipeline creates a Pipeline. An unsupported default currency falls
// back to USD.
func NewPipeline(canonicalizer *product.Canonicalizer, defaultCurrency Currency) *Pipeline {
	if canonicalizer == nil {
		canonicalizer = product.NewCanonicalizer(nil)
	}
	if _, ok := ParseCurrency(string(defaultCurrency)); !ok {
		defaultCurrency = USD
	}
	return &Pipeline{canonicalizer: canonicalizer, defaultCurrency: defaultCurrency}
}

// Canonicalizer returns the canonicalizer in use.
func (p *Pipeline) Canonicalizer() *product.Canonicalizer {
	return p.canonicalizer
}

// Contributions derives one contribution per canonical key from a receipt.
// Lines that resolve to the same key collapse into one observation (the
// last line's price, the longest raw name), since an item holds at most
// one observation per receipt. Ineligible and rejected lines are skipped.
func (p *Pipeline) Contributions(r *Receipt, now time.Time) []Contribution {
	if r == nil || r.Deleted {
		return nil
	}

	currency := p.currencyFor(r)
	date := r.PurchaseDate(fallbackDate(r, now))

	var out []Contribution
	index := make(map[string]int)
	for _, line := range r.Items {
		name := strings.TrimSpace(line.Name)
		// NaN and infinities cannot be stored as JSON
		if !(line.UnitPrice > 0) || math.IsInf(line.UnitPrice, 1) || name == "" {
			continue
		}

		res := p.canonicalizer.Resolve(name)
		if reason := product.Validate(name, res.Normalized); reason != product.ReasonNone {
			slog.Debug("Skipping line item",
				"receipt_id", r.ID,
				"name", name,
				"reason", string(reason),
			)
			continue
		}
		if res.Key == "" {
			continue
		}

		c := Contribution{
			Key:     res.Key,
			RawName: name,
			Observation: PriceObservation{
				StoreName: strings.TrimSpace(r.StoreName),
				Price:     line.UnitPrice,
				Currency:  currency,
				Date:      date,
				ReceiptID: r.ID,
			},
		}
		if i, ok := index[res.Key]; ok {
			if !longerName(c.RawName, out[i].RawName) {
				c.RawName = out[i].RawName
			}
			out[i] = c
			continue
		}
		index[res.Key] = len(out)
		out = append(out, c)
	}
	return out
}

// Keys returns the canonical keys a receipt contributes to.
func (p *Pipeline) Keys(r *Receipt, now time.Time) []string {
	contributions := p.Contributions(r, now)
	keys := make([]string, len(contributions))
	for i, c := range contributions {
		keys[i] = c.Key
	}
	return keys
}

func (p *Pipeline) currencyFor(r *Receipt) Currency {
	if r.Currency == "" {
		return p.defaultCurrency
	}
	c, ok := ParseCurrency(r.Currency)
	if !ok {
		slog.Warn("Unsupported receipt currency, using default",
			"receipt_id", r.ID,
			"currency", r.Currency,
			"default", string(p.defaultCurrency),
		)
		return p.defaultCurrency
	}
	return c
}
