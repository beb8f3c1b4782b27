package catalog

import (
	"sort"

	"github.com/zombor/price-catalog/internal/product"
)

const (
	// minSearchScore drops weak matches from search results.
	minSearchScore = 0.3
	// DefaultSearchLimit caps search results when no limit is given.
	DefaultSearchLimit = 20
)

// SearchResult is one ranked catalog item.
type SearchResult struct {
	Item  *AggregatedItem `json:"item"`
	Score float64         `json:"score"`
}

// rankItems scores items against a free-text query. The query is compared
// normalized against each item's key and display name; a query that
// canonicalizes to an item's key always ranks first.
func rankItems(items []*AggregatedItem, query string, canonicalizer *product.Canonicalizer, limit int) []SearchResult {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	res := canonicalizer.Resolve(query)
	results := make([]SearchResult, 0)
	if res.Normalized == "" {
		return results
	}

	for _, it := range items {
		var score float64
		if it.ID == res.Key {
			score = 1
		} else {
			score = max(
				product.Similarity(res.Normalized, it.ID),
				product.Similarity(res.Normalized, product.Normalize(it.DisplayName)),
			)
		}
		if score <= minSearchScore {
			continue
		}
		results = append(results, SearchResult{Item: it, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Item.ID < results[j].Item.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
