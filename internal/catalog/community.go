package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultCommunityTimeout     = 5 * time.Second
	DefaultCommunityMaxItems    = 5000
	DefaultCommunityConcurrency = 8
)

// MergedItem is one canonical key merged across the users of a locality.
type MergedItem struct {
	Key              string             `json:"key"`
	Name             string             `json:"name"`
	Prices           []PriceObservation `json:"prices"`
	MinPrice         float64            `json:"min_price"`
	MaxPrice         float64            `json:"max_price"`
	AvgPrice         float64            `json:"avg_price"`
	Currency         Currency           `json:"currency"`
	StoreCount       int                `json:"store_count"`
	UserCount        int                `json:"user_count"`
	LastPurchaseDate time.Time          `json:"last_purchase_date"`
}

// communityRecord is the lenient view of a stored item. Records written by
// older versions carry timestamps in several shapes.
type communityRecord struct {
	ID               string           `json:"id"`
	DisplayName      string           `json:"display_name"`
	Prices           []communityPrice `json:"prices"`
	LastPurchaseDate Timestamp        `json:"last_purchase_date"`
}

type communityPrice struct {
	StoreName string    `json:"store_name"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Date      Timestamp `json:"date"`
	ReceiptID string    `json:"receipt_id"`
}

// CommunityMerger builds the read-only locality view by fanning out to
// every user of the locality and merging their catalogs at query time.
type CommunityMerger struct {
	profiles ProfileStore
	items    ItemStore

	// Timeout bounds each user's read.
	Timeout time.Duration
	// MaxItems bounds the number of records scanned per query.
	MaxItems int
	// Concurrency bounds the number of users read at once.
	Concurrency int
}

// NewCommunityMerger creates a CommunityMerger with default limits.
func NewCommunityMerger(profiles ProfileStore, items ItemStore) *CommunityMerger {
	return &CommunityMerger{
		profiles:    profiles,
		items:       items,
		Timeout:     DefaultCommunityTimeout,
		MaxItems:    DefaultCommunityMaxItems,
		Concurrency: DefaultCommunityConcurrency,
	}
}

// Items returns the merged catalog of a locality sorted by key. Users whose
// read fails or times out are left out, as are records that cannot be
// decoded.
func (m *CommunityMerger) Items(ctx context.Context, locality string) ([]MergedItem, error) {
	if strings.TrimSpace(locality) == "" {
		return nil, fmt.Errorf("locality is required")
	}
	profiles, err := m.profiles.ListProfilesByLocality(ctx, locality)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].UserID < profiles[j].UserID })

	perUser := make([][]communityRecord, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	if m.Concurrency > 0 {
		g.SetLimit(m.Concurrency)
	}
	for i, profile := range profiles {
		g.Go(func() error {
			perUser[i] = m.readUser(gctx, profile.UserID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.merge(perUser), nil
}

func (m *CommunityMerger) readUser(ctx context.Context, userID string) []communityRecord {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	raw, err := m.items.ListItemRecords(ctx, userID)
	if err != nil {
		slog.Warn("Skipping user in community view", "user_id", userID, "error", err)
		return nil
	}

	records := make([]communityRecord, 0, len(raw))
	for _, data := range raw {
		var rec communityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("Skipping malformed item record", "user_id", userID, "error", err)
			continue
		}
		if rec.ID == "" {
			slog.Warn("Skipping item record without id", "user_id", userID)
			continue
		}
		records = append(records, rec)
	}
	return records
}

type mergeState struct {
	item  MergedItem
	users map[int]bool
}

func (m *CommunityMerger) merge(perUser [][]communityRecord) []MergedItem {
	merged := make(map[string]*mergeState)
	scanned := 0

scan:
	for user, records := range perUser {
		for _, rec := range records {
			if m.MaxItems > 0 && scanned >= m.MaxItems {
				slog.Warn("Community view truncated", "max_items", m.MaxItems)
				break scan
			}
			scanned++

			st, ok := merged[rec.ID]
			if !ok {
				st = &mergeState{item: MergedItem{Key: rec.ID}, users: make(map[int]bool)}
				merged[rec.ID] = st
			}
			st.users[user] = true
			if longerName(rec.DisplayName, st.item.Name) {
				st.item.Name = rec.DisplayName
			}
			for _, p := range rec.Prices {
				st.item.Prices = append(st.item.Prices, PriceObservation{
					StoreName: p.StoreName,
					Price:     p.Price,
					Currency:  Currency(strings.ToUpper(strings.TrimSpace(p.Currency))),
					Date:      p.Date.Time,
					ReceiptID: p.ReceiptID,
				})
			}
			if rec.LastPurchaseDate.After(st.item.LastPurchaseDate) {
				st.item.LastPurchaseDate = rec.LastPurchaseDate.Time
			}
		}
	}

	out := make([]MergedItem, 0, len(merged))
	for _, st := range merged {
		item := st.item
		stats := &AggregatedItem{Prices: item.Prices}
		recompute(stats)
		item.MinPrice = stats.MinPrice
		item.MaxPrice = stats.MaxPrice
		item.AvgPrice = stats.AvgPrice
		item.Currency = stats.Currency
		item.StoreCount = stats.StoreCount
		if stats.LastPurchaseDate.After(item.LastPurchaseDate) {
			item.LastPurchaseDate = stats.LastPurchaseDate
		}
		item.UserCount = len(st.users)
		if item.Prices == nil {
			item.Prices = []PriceObservation{}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
