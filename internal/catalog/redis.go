package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxCASAttempts bounds the optimistic retry loop in RedisStore.UpdateItem.
const maxCASAttempts = 32

// ErrConflict is returned when an optimistic update kept losing races.
var ErrConflict = errors.New("too many concurrent updates")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	BatchSize int
}

// RedisStore implements DB on Redis. Each item is its own key, so
// UpdateItem can WATCH exactly one document and retry on conflict.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	batchSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.BatchSize), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, batchSize int) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "pricecatalog"
	}
	if batchSize <= 0 {
		batchSize = DefaultMaxBatchSize
	}
	return &RedisStore{client: client, prefix: keyPrefix, batchSize: batchSize}
}

// userScoped builds prefix:kind:<len(userID)>:userID:id. The length keeps
// user IDs containing ':' from colliding with other user/id pairs.
func (s *RedisStore) userScoped(kind, userID, id string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", s.prefix, kind, len(userID), userID, id)
}

func (s *RedisStore) itemKey(userID, key string) string {
	return s.userScoped("item", userID, key)
}

func (s *RedisStore) itemIndexKey(userID string) string {
	return fmt.Sprintf("%s:items:%s", s.prefix, userID)
}

func (s *RedisStore) receiptKey(userID, id string) string {
	return s.userScoped("receipt", userID, id)
}

func (s *RedisStore) receiptIndexKey(userID string) string {
	return fmt.Sprintf("%s:receipts:%s", s.prefix, userID)
}

func (s *RedisStore) profileKey(userID string) string {
	return fmt.Sprintf("%s:profile:%s", s.prefix, userID)
}

func (s *RedisStore) localityKey(locality string) string {
	return fmt.Sprintf("%s:locality:%s", s.prefix, localityKey(locality))
}

// UpdateItem is an optimistic compare-and-swap loop: WATCH the item key,
// compute the next state, and commit with MULTI/EXEC. A concurrent write
// aborts the EXEC and the loop starts over from a fresh read.
func (s *RedisStore) UpdateItem(ctx context.Context, userID, key string, fn UpdateFunc) (*AggregatedItem, error) {
	itemKey := s.itemKey(userID, key)
	var result *AggregatedItem

	txf := func(tx *redis.Tx) error {
		var cur *AggregatedItem
		data, err := tx.Get(ctx, itemKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("reading item %q: %w", key, err)
		default:
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("unmarshaling item %q: %w", key, err)
			}
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		result = next
		if next == cur {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, itemKey)
				pipe.SRem(ctx, s.itemIndexKey(userID), key)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshaling item: %w", err)
			}
			pipe.Set(ctx, itemKey, encoded, 0)
			pipe.SAdd(ctx, s.itemIndexKey(userID), key)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, itemKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("updating item %q: %w", key, ErrConflict)
}

// GetItem retrieves an item by canonical key
func (s *RedisStore) GetItem(ctx context.Context, userID, key string) (*AggregatedItem, error) {
	data, err := s.client.Get(ctx, s.itemKey(userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("item %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading item %q: %w", key, err)
	}
	var item AggregatedItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling item %q: %w", key, err)
	}
	return &item, nil
}

// ListItems returns all of a user's items
func (s *RedisStore) ListItems(ctx context.Context, userID string) ([]*AggregatedItem, error) {
	records, err := s.ListItemRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]*AggregatedItem, 0, len(records))
	for _, r := range records {
		var item AggregatedItem
		if err := json.Unmarshal(r, &item); err != nil {
			return nil, fmt.Errorf("unmarshaling item: %w", err)
		}
		items = append(items, &item)
	}
	return items, nil
}

// ListItemRecords returns the raw JSON of a user's items
func (s *RedisStore) ListItemRecords(ctx context.Context, userID string) ([]json.RawMessage, error) {
	keys, err := s.client.SMembers(ctx, s.itemIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing item keys: %w", err)
	}
	if len(keys) == 0 {
		return []json.RawMessage{}, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.itemKey(userID, k)
	}
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	records := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		// index entries can outlive their item between SREM and DEL
		str, ok := v.(string)
		if !ok {
			continue
		}
		records = append(records, json.RawMessage(str))
	}
	return records, nil
}

// ClearItems removes every item of a user
func (s *RedisStore) ClearItems(ctx context.Context, userID string) error {
	keys, err := s.client.SMembers(ctx, s.itemIndexKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("listing item keys: %w", err)
	}
	for start := 0; start < len(keys); start += s.batchSize {
		end := min(start+s.batchSize, len(keys))
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys[start:end] {
				pipe.Del(ctx, s.itemKey(userID, k))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("clearing items: %w", err)
		}
	}
	if err := s.client.Del(ctx, s.itemIndexKey(userID)).Err(); err != nil {
		return fmt.Errorf("clearing item index: %w", err)
	}
	return nil
}

// PutItems writes items in one MULTI/EXEC transaction
func (s *RedisStore) PutItems(ctx context.Context, userID string, items []*AggregatedItem) error {
	if len(items) > s.batchSize {
		return fmt.Errorf("batch of %d items exceeds limit of %d", len(items), s.batchSize)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("marshaling item %q: %w", item.ID, err)
			}
			pipe.Set(ctx, s.itemKey(userID, item.ID), data, 0)
			pipe.SAdd(ctx, s.itemIndexKey(userID), item.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing items: %w", err)
	}
	return nil
}

// MaxBatchSize is the largest batch PutItems accepts
func (s *RedisStore) MaxBatchSize() int {
	return s.batchSize
}

// SaveReceipt saves a receipt snapshot
func (s *RedisStore) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.receiptKey(receipt.UserID, receipt.ID), data, 0)
		pipe.SAdd(ctx, s.receiptIndexKey(receipt.UserID), receipt.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving receipt: %w", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (s *RedisStore) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	data, err := s.client.Get(ctx, s.receiptKey(userID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading receipt %s: %w", id, err)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

// ListReceipts returns all of a user's receipts, tombstones included
func (s *RedisStore) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	ids, err := s.client.SMembers(ctx, s.receiptIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing receipt ids: %w", err)
	}
	receipts := make([]*Receipt, 0, len(ids))
	if len(ids) == 0 {
		return receipts, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.receiptKey(userID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading receipts: %w", err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var receipt Receipt
		if err := json.Unmarshal([]byte(str), &receipt); err != nil {
			return nil, fmt.Errorf("unmarshaling receipt: %w", err)
		}
		receipts = append(receipts, &receipt)
	}
	return receipts, nil
}

// SaveProfile saves a profile and moves the user between locality sets
func (s *RedisStore) SaveProfile(ctx context.Context, profile *Profile) error {
	previous, err := s.GetProfile(ctx, profile.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && localityKey(previous.Locality) != localityKey(profile.Locality) {
			pipe.SRem(ctx, s.localityKey(previous.Locality), profile.UserID)
		}
		pipe.Set(ctx, s.profileKey(profile.UserID), data, 0)
		pipe.SAdd(ctx, s.localityKey(profile.Locality), profile.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a user profile
func (s *RedisStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	data, err := s.client.Get(ctx, s.profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", userID, err)
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("unmarshaling profile: %w", err)
	}
	return &profile, nil
}

// ListProfilesByLocality returns the profiles in a locality set, skipping
// any that cannot be read
func (s *RedisStore) ListProfilesByLocality(ctx context.Context, locality string) ([]*Profile, error) {
	userIDs, err := s.client.SMembers(ctx, s.localityKey(locality)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing locality members: %w", err)
	}
	profiles := make([]*Profile, 0, len(userIDs))
	for _, id := range userIDs {
		profile, err := s.GetProfile(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Warn("Skipping unreadable profile", "user_id", id, "error", err)
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ DB = (*RedisStore)(nil)
