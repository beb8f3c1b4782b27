package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// RebuildResult reports what a rebuild did.
type RebuildResult struct {
	ItemsCount        int `json:"items_count"`
	ReceiptsProcessed int `json:"receipts_processed"`
	ItemsWritten      int `json:"items_written"`
	ItemsFailed       int `json:"items_failed"`
	Batches           int `json:"batches"`
}

// Rebuilder recomputes a user's catalog from the stored receipt history.
type Rebuilder struct {
	receipts   ReceiptStore
	items      ItemStore
	pipeline   *Pipeline
	timeSource TimeSource
	window     int
}

// NewRebuilder creates a Rebuilder that folds contributions with the same
// window as the aggregator.
func NewRebuilder(receipts ReceiptStore, items ItemStore, pipeline *Pipeline, timeSource TimeSource, window int) *Rebuilder {
	if timeSource == nil {
		timeSource = &defaultTimeSource{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Rebuilder{
		receipts:   receipts,
		items:      items,
		pipeline:   pipeline,
		timeSource: timeSource,
		window:     window,
	}
}

// Rebuild replaces the user's catalog with one derived from every live
// receipt, applied oldest first. Running it twice produces the same
// catalog. Batch write failures are counted in the result and returned
// joined; the batches that succeeded stay written.
func (r *Rebuilder) Rebuild(ctx context.Context, userID string) (RebuildResult, error) {
	var result RebuildResult
	now := r.timeSource.Now()

	all, err := r.receipts.ListReceipts(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("listing receipts: %w", err)
	}
	receipts := make([]*Receipt, 0, len(all))
	for _, rec := range all {
		if !rec.Deleted {
			receipts = append(receipts, rec)
		}
	}
	sortReceipts(receipts, now)

	existing, err := r.items.ListItems(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("listing items: %w", err)
	}
	previous := make(map[string]*AggregatedItem, len(existing))
	for _, it := range existing {
		previous[it.ID] = it
	}

	catalog := make(map[string]*AggregatedItem)
	for _, rec := range receipts {
		for _, c := range r.pipeline.Contributions(rec, now) {
			next, _ := applyContribution(catalog[c.Key], c, r.window, now)
			catalog[c.Key] = next
		}
		result.ReceiptsProcessed++
	}

	items := make([]*AggregatedItem, 0, len(catalog))
	for key, it := range catalog {
		if prev, ok := previous[key]; ok && !prev.CreatedAt.IsZero() {
			it.CreatedAt = prev.CreatedAt
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	result.ItemsCount = len(items)

	if err := r.items.ClearItems(ctx, userID); err != nil {
		return result, fmt.Errorf("clearing items: %w", err)
	}

	batchSize := r.items.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = DefaultMaxBatchSize
	}
	var errs []error
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batch := items[start:end]
		result.Batches++
		if err := r.items.PutItems(ctx, userID, batch); err != nil {
			slog.Error("Failed to write rebuild batch",
				"user_id", userID,
				"batch", result.Batches,
				"size", len(batch),
				"error", err,
			)
			result.ItemsFailed += len(batch)
			errs = append(errs, fmt.Errorf("writing batch %d: %w", result.Batches, err))
			continue
		}
		result.ItemsWritten += len(batch)
	}

	slog.Info("Rebuilt catalog",
		"user_id", userID,
		"receipts", result.ReceiptsProcessed,
		"items", result.ItemsCount,
		"written", result.ItemsWritten,
		"failed", result.ItemsFailed,
	)
	return result, errors.Join(errs...)
}

// sortReceipts orders receipts oldest first by purchase date, then ID.
func sortReceipts(receipts []*Receipt, now time.Time) {
	sort.SliceStable(receipts, func(i, j int) bool {
		di := receipts[i].PurchaseDate(fallbackDate(receipts[i], now))
		dj := receipts[j].PurchaseDate(fallbackDate(receipts[j], now))
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return receipts[i].ID < receipts[j].ID
	})
}

func fallbackDate(r *Receipt, now time.Time) time.Time {
	if r.CreatedAt.IsZero() {
		return now
	}
	return r.CreatedAt
}
