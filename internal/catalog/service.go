package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ApplyResult describes what applying a change event did.
type ApplyResult struct {
	ReceiptID     string     `json:"receipt_id"`
	ChangeType    ChangeType `json:"change_type"`
	Contributions int        `json:"contributions"`
	ItemsRemoved  int        `json:"items_removed"`
	Ignored       bool       `json:"ignored,omitempty"`
}

// Service handles catalog operations
type Service struct {
	db         DB
	pipeline   *Pipeline
	aggregator *Aggregator
	rebuilder  *Rebuilder
	community  *CommunityMerger
	timeSource TimeSource
}

// NewService creates a new Service with the default time source
func NewService(db DB, pipeline *Pipeline, window int) *Service {
	return NewServiceWithDeps(db, pipeline, window, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with a custom time source for testing
func NewServiceWithDeps(db DB, pipeline *Pipeline, window int, timeSrc TimeSource) *Service {
	if pipeline == nil {
		pipeline = NewPipeline(nil, USD)
	}
	return &Service{
		db:         db,
		pipeline:   pipeline,
		aggregator: NewAggregator(db, timeSrc, window),
		rebuilder:  NewRebuilder(db, db, pipeline, timeSrc, window),
		community:  NewCommunityMerger(db, db),
		timeSource: timeSrc,
	}
}

// Community returns the locality merger so its limits can be tuned.
func (s *Service) Community() *CommunityMerger {
	return s.community
}

// Pipeline returns the line-item pipeline.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Apply processes one receipt change event. Events may be redelivered and
// may arrive out of order across receipts; applying the same event twice
// leaves the catalog as it was after the first time. A returned error
// means the event should be retried.
func (s *Service) Apply(ctx context.Context, event ChangeEvent) (*ApplyResult, error) {
	if event.ReceiptID == "" && event.Receipt != nil {
		event.ReceiptID = event.Receipt.ID
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	prev, err := s.db.GetReceipt(ctx, event.UserID, event.ReceiptID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading receipt: %w", err)
	}

	result := &ApplyResult{ReceiptID: event.ReceiptID, ChangeType: event.ChangeType}
	if event.ChangeType == ChangeDeleted {
		return s.applyDelete(ctx, event, prev, result)
	}
	return s.applyWrite(ctx, event, prev, result)
}

func (s *Service) applyWrite(ctx context.Context, event ChangeEvent, prev *Receipt, result *ApplyResult) (*ApplyResult, error) {
	now := s.timeSource.Now()

	if prev != nil && prev.Deleted {
		slog.Info("Ignoring change for deleted receipt",
			"user_id", event.UserID,
			"receipt_id", event.ReceiptID,
			"change_type", string(event.ChangeType),
		)
		result.Ignored = true
		return result, nil
	}

	rec := *event.Receipt
	rec.ID = event.ReceiptID
	rec.UserID = event.UserID
	rec.Deleted = false
	rec.SourceUpdatedAt = event.Receipt.UpdatedAt
	// Only timestamps supplied by the event layer are comparable; a stored
	// UpdatedAt may be server time.
	if prev != nil && !prev.SourceUpdatedAt.IsZero() && !rec.SourceUpdatedAt.IsZero() &&
		prev.SourceUpdatedAt.After(rec.SourceUpdatedAt) {
		slog.Info("Ignoring stale receipt snapshot",
			"user_id", event.UserID,
			"receipt_id", event.ReceiptID,
			"stored_updated_at", prev.SourceUpdatedAt,
			"event_updated_at", rec.SourceUpdatedAt,
		)
		result.Ignored = true
		return result, nil
	}
	switch {
	case prev != nil && !prev.CreatedAt.IsZero():
		rec.CreatedAt = prev.CreatedAt
	case rec.CreatedAt.IsZero():
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	contributions := s.pipeline.Contributions(&rec, now)
	result.Contributions = len(contributions)

	var errs []error
	if prev != nil {
		current := make(map[string]bool, len(contributions))
		for _, c := range contributions {
			current[c.Key] = true
		}
		stale := make([]string, 0)
		for _, key := range s.pipeline.Keys(prev, now) {
			if !current[key] {
				stale = append(stale, key)
			}
		}
		if len(stale) > 0 {
			removed, err := s.aggregator.Delete(ctx, event.UserID, event.ReceiptID, stale)
			result.ItemsRemoved = removed
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, c := range contributions {
		if err := s.aggregator.Upsert(ctx, event.UserID, c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("applying receipt %s: %w", event.ReceiptID, err)
	}

	// The snapshot only advances once the catalog matches it, so a
	// redelivery still sees the previous keys.
	if err := s.db.SaveReceipt(ctx, &rec); err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	slog.Debug("Applied receipt",
		"user_id", event.UserID,
		"receipt_id", event.ReceiptID,
		"change_type", string(event.ChangeType),
		"contributions", result.Contributions,
		"removed", result.ItemsRemoved,
	)
	return result, nil
}

func (s *Service) applyDelete(ctx context.Context, event ChangeEvent, prev *Receipt, result *ApplyResult) (*ApplyResult, error) {
	now := s.timeSource.Now()
	if prev != nil && prev.Deleted {
		result.Ignored = true
		return result, nil
	}

	// Without any snapshot the touched keys are unknown and every item is
	// scanned.
	var touched []string
	if prev != nil || event.Receipt != nil {
		seen := make(map[string]bool)
		touched = make([]string, 0)
		for _, r := range []*Receipt{prev, event.Receipt} {
			if r == nil {
				continue
			}
			for _, key := range s.pipeline.Keys(r, now) {
				if !seen[key] {
					seen[key] = true
					touched = append(touched, key)
				}
			}
		}
	}

	removed, err := s.aggregator.Delete(ctx, event.UserID, event.ReceiptID, touched)
	result.ItemsRemoved = removed
	if err != nil {
		return nil, fmt.Errorf("deleting receipt %s: %w", event.ReceiptID, err)
	}

	tombstone := &Receipt{
		ID:        event.ReceiptID,
		UserID:    event.UserID,
		Deleted:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev != nil {
		tombstone.StoreName = prev.StoreName
		tombstone.Date = prev.Date
		tombstone.CreatedAt = prev.CreatedAt
	}
	if err := s.db.SaveReceipt(ctx, tombstone); err != nil {
		return nil, fmt.Errorf("saving tombstone: %w", err)
	}

	slog.Debug("Deleted receipt",
		"user_id", event.UserID,
		"receipt_id", event.ReceiptID,
		"removed", removed,
	)
	return result, nil
}

// ListItems returns a user's catalog ordered by key
func (s *Service) ListItems(ctx context.Context, userID string) ([]*AggregatedItem, error) {
	items, err := s.db.ListItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// GetItem retrieves an item by canonical key. A raw product name is
// accepted too and canonicalized when no item has it as key.
func (s *Service) GetItem(ctx context.Context, userID, key string) (*AggregatedItem, error) {
	item, err := s.db.GetItem(ctx, userID, key)
	if errors.Is(err, ErrNotFound) {
		if canonical := s.pipeline.Canonicalizer().Canonicalize(key); canonical != "" && canonical != key {
			item, err = s.db.GetItem(ctx, userID, canonical)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// Search ranks a user's items against a free-text query
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	items, err := s.db.ListItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return rankItems(items, query, s.pipeline.Canonicalizer(), limit), nil
}

// Rebuild recomputes a user's catalog from the stored receipts
func (s *Service) Rebuild(ctx context.Context, userID string) (RebuildResult, error) {
	if userID == "" {
		return RebuildResult{}, fmt.Errorf("user id is required")
	}
	return s.rebuilder.Rebuild(ctx, userID)
}

// SaveProfile sets the locality a user belongs to
func (s *Service) SaveProfile(ctx context.Context, userID, locality string) (*Profile, error) {
	locality = strings.TrimSpace(locality)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if locality == "" {
		return nil, fmt.Errorf("locality is required")
	}
	profile := &Profile{
		UserID:    userID,
		Locality:  locality,
		UpdatedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("saving profile: %w", err)
	}
	return profile, nil
}

// CommunityItems returns the merged catalog of a locality
func (s *Service) CommunityItems(ctx context.Context, locality string) ([]MergedItem, error) {
	items, err := s.community.Items(ctx, locality)
	if err != nil {
		return nil, fmt.Errorf("building community view: %w", err)
	}
	return items, nil
}
