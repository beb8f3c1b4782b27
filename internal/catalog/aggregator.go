package catalog

import (
	"context"
	"errors"
	"fmt"
)

// Aggregator applies contributions and receipt removals to a user's
// catalog. Every mutation of one item goes through a single
// ItemStore.UpdateItem call; different keys proceed independently.
type Aggregator struct {
	items      ItemStore
	timeSource TimeSource
	window     int
}

// NewAggregator creates an Aggregator. A window of zero or less uses
// DefaultWindow.
func NewAggregator(items ItemStore, timeSource TimeSource, window int) *Aggregator {
	if timeSource == nil {
		timeSource = &defaultTimeSource{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{items: items, timeSource: timeSource, window: window}
}

// Window returns the number of observations kept per item.
func (a *Aggregator) Window() int {
	return a.window
}

// Upsert folds one contribution into the item at c.Key. Applying the same
// contribution again leaves the stored item unchanged.
func (a *Aggregator) Upsert(ctx context.Context, userID string, c Contribution) error {
	if c.Key == "" {
		return fmt.Errorf("contribution has no key")
	}
	if c.Observation.ReceiptID == "" {
		return fmt.Errorf("contribution for %q has no receipt id", c.Key)
	}
	now := a.timeSource.Now()
	_, err := a.items.UpdateItem(ctx, userID, c.Key, func(cur *AggregatedItem) (*AggregatedItem, error) {
		next, _ := applyContribution(cur, c, a.window, now)
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("upserting item %q: %w", c.Key, err)
	}
	return nil
}

// Delete removes every observation of receiptID from the given keys, or
// from the whole catalog when touchedKeys is nil. Items left without
// observations are deleted. It returns the number of items changed; a
// failure on one key does not stop the others.
func (a *Aggregator) Delete(ctx context.Context, userID, receiptID string, touchedKeys []string) (int, error) {
	if touchedKeys == nil {
		items, err := a.items.ListItems(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("listing items: %w", err)
		}
		touchedKeys = make([]string, 0)
		for _, it := range items {
			if it.HasReceipt(receiptID) {
				touchedKeys = append(touchedKeys, it.ID)
			}
		}
	}

	now := a.timeSource.Now()
	seen := make(map[string]bool, len(touchedKeys))
	changedCount := 0
	var errs []error
	for _, key := range touchedKeys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var changed bool
		_, err := a.items.UpdateItem(ctx, userID, key, func(cur *AggregatedItem) (*AggregatedItem, error) {
			var next *AggregatedItem
			next, changed = removeReceipt(cur, receiptID, now)
			return next, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("removing receipt %s from %q: %w", receiptID, key, err))
			continue
		}
		if changed {
			changedCount++
		}
	}
	return changedCount, errors.Join(errs...)
}
