package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	usersBucketName    = "users"
	profilesBucketName = "profiles"
	itemsBucketName    = "items"
	receiptsBucketName = "receipts"

	// DefaultMaxBatchSize is the largest number of items written in one
	// batch by PutItems.
	DefaultMaxBatchSize = 500
)

// ErrNotFound is returned when an item, receipt or profile does not exist.
var ErrNotFound = errors.New("not found")

// UpdateFunc computes the next state of an item from its current state.
// cur is nil when the item does not exist. Returning nil deletes the item;
// returning cur itself skips the write. The function may be called more
// than once and must not have side effects.
type UpdateFunc func(cur *AggregatedItem) (*AggregatedItem, error)

// ItemStore persists aggregated items per user.
type ItemStore interface {
	// UpdateItem runs fn as one atomic read-modify-write on a single item
	// and returns the stored result (nil when deleted or absent).
	UpdateItem(ctx context.Context, userID, key string, fn UpdateFunc) (*AggregatedItem, error)

	// GetItem retrieves an item by canonical key
	GetItem(ctx context.Context, userID, key string) (*AggregatedItem, error)

	// ListItems returns all of a user's items
	ListItems(ctx context.Context, userID string) ([]*AggregatedItem, error)

	// ListItemRecords returns a user's items as stored, undecoded
	ListItemRecords(ctx context.Context, userID string) ([]json.RawMessage, error)

	// ClearItems removes every item of a user
	ClearItems(ctx context.Context, userID string) error

	// PutItems writes up to MaxBatchSize items in one batch
	PutItems(ctx context.Context, userID string, items []*AggregatedItem) error

	// MaxBatchSize is the largest batch PutItems accepts
	MaxBatchSize() int
}

// ReceiptStore persists receipt snapshots.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, receipt *Receipt) error
	GetReceipt(ctx context.Context, userID, id string) (*Receipt, error)
	ListReceipts(ctx context.Context, userID string) ([]*Receipt, error)
}

// ProfileStore persists user profiles.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	ListProfilesByLocality(ctx context.Context, locality string) ([]*Profile, error)
}

// DB groups every store the catalog needs.
type DB interface {
	ItemStore
	ReceiptStore
	ProfileStore

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Each user gets a nested
// bucket holding an items bucket and a receipts bucket.
type BoltDB struct {
	db        *bbolt.DB
	batchSize int
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithBatchSize(path, DefaultMaxBatchSize)
}

// NewBoltDBWithBatchSize creates a BoltDB whose PutItems accepts at most
// batchSize items.
func NewBoltDBWithBatchSize(path string, batchSize int) (*BoltDB, error) {
	if batchSize <= 0 {
		batchSize = DefaultMaxBatchSize
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(usersBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(profilesBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, batchSize: batchSize}, nil
}

// userBucket returns the named sub-bucket of a user, creating it when
// writable is set. It returns nil when the bucket does not exist yet.
func userBucket(tx *bbolt.Tx, userID, name string, writable bool) (*bbolt.Bucket, error) {
	users := tx.Bucket([]byte(usersBucketName))
	if !writable {
		u := users.Bucket([]byte(userID))
		if u == nil {
			return nil, nil
		}
		return u.Bucket([]byte(name)), nil
	}
	u, err := users.CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return nil, fmt.Errorf("creating user bucket: %w", err)
	}
	b, err := u.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("creating %s bucket: %w", name, err)
	}
	return b, nil
}

// UpdateItem runs fn inside a bolt write transaction. Concurrent callers
// are coalesced by bbolt's Batch into shared transactions, each fn still
// seeing the result of the ones before it.
func (b *BoltDB) UpdateItem(ctx context.Context, userID, key string, fn UpdateFunc) (*AggregatedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *AggregatedItem
	err := b.db.Batch(func(tx *bbolt.Tx) error {
		bucket, err := userBucket(tx, userID, itemsBucketName, true)
		if err != nil {
			return err
		}
		var cur *AggregatedItem
		if data := bucket.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("unmarshaling item %q: %w", key, err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		result = next
		switch {
		case next == cur:
			return nil
		case next == nil:
			return bucket.Delete([]byte(key))
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetItem retrieves an item by canonical key
func (b *BoltDB) GetItem(ctx context.Context, userID, key string) (*AggregatedItem, error) {
	var item *AggregatedItem
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, _ := userBucket(tx, userID, itemsBucketName, false)
		if bucket == nil {
			return fmt.Errorf("item %q: %w", key, ErrNotFound)
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("item %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListItems returns all of a user's items ordered by key
func (b *BoltDB) ListItems(ctx context.Context, userID string) ([]*AggregatedItem, error) {
	items := make([]*AggregatedItem, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, _ := userBucket(tx, userID, itemsBucketName, false)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var item AggregatedItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling item %q: %w", k, err)
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListItemRecords returns the raw JSON of a user's items
func (b *BoltDB) ListItemRecords(ctx context.Context, userID string) ([]json.RawMessage, error) {
	records := make([]json.RawMessage, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, _ := userBucket(tx, userID, itemsBucketName, false)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			// v is only valid for the life of the transaction
			records = append(records, append(json.RawMessage(nil), v...))
			return ctx.Err()
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ClearItems removes every item of a user
func (b *BoltDB) ClearItems(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		u := tx.Bucket([]byte(usersBucketName)).Bucket([]byte(userID))
		if u == nil {
			return nil
		}
		if err := u.DeleteBucket([]byte(itemsBucketName)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("clearing items: %w", err)
		}
		return nil
	})
}

// PutItems writes items in a single transaction
func (b *BoltDB) PutItems(ctx context.Context, userID string, items []*AggregatedItem) error {
	if len(items) > b.batchSize {
		return fmt.Errorf("batch of %d items exceeds limit of %d", len(items), b.batchSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := userBucket(tx, userID, itemsBucketName, true)
		if err != nil {
			return err
		}
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("marshaling item %q: %w", item.ID, err)
			}
			if err := bucket.Put([]byte(item.ID), data); err != nil {
				return fmt.Errorf("writing item %q: %w", item.ID, err)
			}
		}
		return nil
	})
}

// MaxBatchSize is the largest batch PutItems accepts
func (b *BoltDB) MaxBatchSize() int {
	return b.batchSize
}

// SaveReceipt saves a receipt snapshot
func (b *BoltDB) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := userBucket(tx, receipt.UserID, receiptsBucketName, true)
		if err != nil {
			return err
		}
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		return bucket.Put([]byte(receipt.ID), data)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, _ := userBucket(tx, userID, receiptsBucketName, false)
		if bucket == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all of a user's receipts, tombstones included
func (b *BoltDB) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket, _ := userBucket(tx, userID, receiptsBucketName, false)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// SaveProfile saves a user profile
func (b *BoltDB) SaveProfile(ctx context.Context, profile *Profile) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(profilesBucketName))
		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("marshaling profile: %w", err)
		}
		return bucket.Put([]byte(profile.UserID), data)
	})
}

// GetProfile retrieves a user profile
func (b *BoltDB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile *Profile
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(profilesBucketName)).Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("profile %s: %w", userID, ErrNotFound)
		}
		return json.Unmarshal(data, &profile)
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// ListProfilesByLocality returns the profiles whose locality matches,
// ignoring case and surrounding space. Undecodable profiles are skipped.
func (b *BoltDB) ListProfilesByLocality(ctx context.Context, locality string) ([]*Profile, error) {
	want := localityKey(locality)
	profiles := make([]*Profile, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(profilesBucketName)).ForEach(func(k, v []byte) error {
			var profile Profile
			if err := json.Unmarshal(v, &profile); err != nil {
				slog.Warn("Skipping malformed profile", "user_id", string(k), "error", err)
				return nil
			}
			if localityKey(profile.Locality) == want {
				profiles = append(profiles, &profile)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func localityKey(locality string) string {
	return strings.ToLower(strings.TrimSpace(locality))
}

var _ DB = (*BoltDB)(nil)
