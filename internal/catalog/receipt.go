package catalog

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidEvent is returned for change events that can never be applied.
var ErrInvalidEvent = errors.New("invalid change event")

// RawLineItem is a purchase line as extracted from a receipt.
type RawLineItem struct {
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  float64 `json:"quantity"`
}

// Receipt is the local snapshot of a user's receipt. Deleted receipts are
// kept as tombstones so late redeliveries can be recognized.
type Receipt struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	StoreName string        `json:"store_name"`
	Currency  string        `json:"currency"`
	Date      time.Time     `json:"date"`
	ScannedAt time.Time     `json:"scanned_at"`
	Items     []RawLineItem `json:"items"`
	Deleted   bool          `json:"deleted,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	// SourceUpdatedAt is the updated_at carried by the last applied event,
	// zero when the event had none.
	SourceUpdatedAt time.Time `json:"source_updated_at"`
}

// PurchaseDate returns the receipt date, falling back to the scan time and
// then to fallback.
func (r *Receipt) PurchaseDate(fallback time.Time) time.Time {
	if !r.Date.IsZero() {
		return r.Date
	}
	if !r.ScannedAt.IsZero() {
		return r.ScannedAt
	}
	return fallback
}

// ChangeType is the kind of receipt change delivered by the event layer.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeEvent is a receipt write notification. Delivery is at least once
// and unordered across receipts.
type ChangeEvent struct {
	UserID     string     `json:"user_id"`
	ReceiptID  string     `json:"receipt_id"`
	ChangeType ChangeType `json:"change_type"`
	Receipt    *Receipt   `json:"receipt,omitempty"`
}

// Validate checks the event envelope.
func (e *ChangeEvent) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	if e.ReceiptID == "" {
		return fmt.Errorf("%w: receipt id is required", ErrInvalidEvent)
	}
	switch e.ChangeType {
	case ChangeCreated, ChangeUpdated:
		if e.Receipt == nil {
			return fmt.Errorf("%w: %s event requires a receipt snapshot", ErrInvalidEvent, e.ChangeType)
		}
		for i, line := range e.Receipt.Items {
			if math.IsNaN(line.UnitPrice) || math.IsInf(line.UnitPrice, 0) {
				return fmt.Errorf("%w: item %d has a non-finite price", ErrInvalidEvent, i)
			}
		}
	case ChangeDeleted:
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrInvalidEvent, e.ChangeType)
	}
	return nil
}

// Profile holds the locality a user shops in.
type Profile struct {
	UserID    string    `json:"user_id"`
	Locality  string    `json:"locality"`
	UpdatedAt time.Time `json:"updated_at"`
}
