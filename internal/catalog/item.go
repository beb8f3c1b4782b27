package catalog

import "time"

// DefaultWindow is the number of price observations kept per item.
const DefaultWindow = 50

// PriceObservation is one purchase of an item, keyed by the receipt it came
// from.
type PriceObservation struct {
	StoreName string    `json:"store_name"`
	Price     float64   `json:"price"`
	Currency  Currency  `json:"currency"`
	Date      time.Time `json:"date"`
	ReceiptID string    `json:"receipt_id"`
}

func (o PriceObservation) equal(other PriceObservation) bool {
	return o.StoreName == other.StoreName &&
		o.Price == other.Price &&
		o.Currency == other.Currency &&
		o.Date.Equal(other.Date) &&
		o.ReceiptID == other.ReceiptID
}

// AggregatedItem is a user's catalog entry for one canonical key. The
// statistics fields are derived from Prices and are only ever written by
// recompute.
type AggregatedItem struct {
	ID               string             `json:"id"` // canonical key
	DisplayName      string             `json:"display_name"`
	Prices           []PriceObservation `json:"prices"` // newest first
	MinPrice         float64            `json:"min_price"`
	MaxPrice         float64            `json:"max_price"`
	AvgPrice         float64            `json:"avg_price"`
	Currency         Currency           `json:"currency"`
	StoreCount       int                `json:"store_count"`
	TotalPurchases   int                `json:"total_purchases"`
	LastPurchaseDate time.Time          `json:"last_purchase_date"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the item.
func (it *AggregatedItem) Clone() *AggregatedItem {
	if it == nil {
		return nil
	}
	c := *it
	c.Prices = append([]PriceObservation(nil), it.Prices...)
	return &c
}

// HasReceipt reports whether any observation came from receiptID.
func (it *AggregatedItem) HasReceipt(receiptID string) bool {
	return it.indexOf(receiptID) >= 0
}

func (it *AggregatedItem) indexOf(receiptID string) int {
	for i, p := range it.Prices {
		if p.ReceiptID == receiptID {
			return i
		}
	}
	return -1
}

// Contribution is one validated line item headed for the aggregator.
type Contribution struct {
	Key         string
	RawName     string
	Observation PriceObservation
}
