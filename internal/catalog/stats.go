package catalog

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// applyContribution folds one contribution into cur and returns the new
// item. cur is never modified. changed is false when the contribution was
// already fully reflected in cur, so redeliveries leave the stored item
// untouched.
func applyContribution(cur *AggregatedItem, c Contribution, window int, now time.Time) (next *AggregatedItem, changed bool) {
	if window <= 0 {
		window = DefaultWindow
	}
	name := strings.TrimSpace(c.RawName)

	if cur != nil {
		if i := cur.indexOf(c.Observation.ReceiptID); i >= 0 &&
			cur.Prices[i].equal(c.Observation) &&
			!longerName(name, cur.DisplayName) {
			return cur, false
		}
		next = cur.Clone()
	} else {
		next = &AggregatedItem{ID: c.Key, CreatedAt: now}
	}

	if i := next.indexOf(c.Observation.ReceiptID); i >= 0 {
		next.Prices[i] = c.Observation
	} else {
		next.Prices = append([]PriceObservation{c.Observation}, next.Prices...)
	}
	if len(next.Prices) > window {
		next.Prices = next.Prices[:window]
	}
	if longerName(name, next.DisplayName) {
		next.DisplayName = name
	}

	recompute(next)
	next.UpdatedAt = now
	return next, true
}

// removeReceipt drops every observation from receiptID. A nil result with
// changed set means the item has no observations left and must be deleted.
func removeReceipt(cur *AggregatedItem, receiptID string, now time.Time) (next *AggregatedItem, changed bool) {
	if cur == nil || !cur.HasReceipt(receiptID) {
		return cur, false
	}
	next = cur.Clone()
	kept := next.Prices[:0]
	for _, p := range next.Prices {
		if p.ReceiptID != receiptID {
			kept = append(kept, p)
		}
	}
	next.Prices = kept
	if len(next.Prices) == 0 {
		return nil, true
	}
	recompute(next)
	next.UpdatedAt = now
	return next, true
}

// recompute derives every statistic from it.Prices.
func recompute(it *AggregatedItem) {
	it.MinPrice, it.MaxPrice, it.AvgPrice = 0, 0, 0
	it.StoreCount, it.TotalPurchases = 0, 0
	it.Currency = ""
	it.LastPurchaseDate = time.Time{}
	if len(it.Prices) == 0 {
		return
	}

	sum := decimal.Zero
	stores := make(map[string]bool)
	counts := make(map[Currency]int)
	var order []Currency

	it.MinPrice = it.Prices[0].Price
	it.MaxPrice = it.Prices[0].Price
	for _, p := range it.Prices {
		if p.Price < it.MinPrice {
			it.MinPrice = p.Price
		}
		if p.Price > it.MaxPrice {
			it.MaxPrice = p.Price
		}
		sum = sum.Add(decimal.NewFromFloat(p.Price))
		stores[storeKey(p.StoreName)] = true
		if counts[p.Currency] == 0 {
			order = append(order, p.Currency)
		}
		counts[p.Currency]++
		if p.Date.After(it.LastPurchaseDate) {
			it.LastPurchaseDate = p.Date
		}
	}

	it.AvgPrice = sum.Div(decimal.NewFromInt(int64(len(it.Prices)))).InexactFloat64()
	it.StoreCount = len(stores)
	it.Currency = modeCurrency(counts, order)
	it.TotalPurchases = len(it.Prices)
}

// modeCurrency returns the most frequent currency; ties go to the one seen
// first.
func modeCurrency(counts map[Currency]int, order []Currency) Currency {
	var best Currency
	bestCount := 0
	for _, c := range order {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

func storeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func longerName(candidate, current string) bool {
	return utf8.RuneCountInString(candidate) > utf8.RuneCountInString(current)
}
