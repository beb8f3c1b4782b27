package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeCommunityStore serves raw item records and profiles
type fakeCommunityStore struct {
	ItemStore

	profiles []*Profile
	records  map[string][]string
	errs     map[string]error
	block    map[string]bool
}

func (f *fakeCommunityStore) SaveProfile(ctx context.Context, profile *Profile) error {
	f.profiles = append(f.profiles, profile)
	return nil
}

func (f *fakeCommunityStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	for _, p := range f.profiles {
		if p.UserID == userID {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeCommunityStore) ListProfilesByLocality(ctx context.Context, locality string) ([]*Profile, error) {
	var out []*Profile
	for _, p := range f.profiles {
		if localityKey(p.Locality) == localityKey(locality) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCommunityStore) ListItemRecords(ctx context.Context, userID string) ([]json.RawMessage, error) {
	if f.block[userID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.errs[userID]; err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(f.records[userID]))
	for _, r := range f.records[userID] {
		out = append(out, json.RawMessage(r))
	}
	return out, nil
}

func marshalItem(it *AggregatedItem) string {
	data, err := json.Marshal(it)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

var _ = Describe("CommunityMerger", func() {
	var (
		store  *fakeCommunityStore
		merger *CommunityMerger
		ctx    context.Context
		items  []MergedItem
		err    error
	)

	BeforeEach(func() {
		ctx = context.Background()

		lait, _ := applyContribution(nil, contribution("lait", "Lait entier 1L", observation("r1", "Shoprite", 2.50, USD, day1)), DefaultWindow, testNow)
		sucre, _ := applyContribution(nil, contribution("sucre", "Sucre", observation("r1", "Shoprite", 1.80, USD, day1)), DefaultWindow, testNow)

		store = &fakeCommunityStore{
			profiles: []*Profile{
				{UserID: "u3", Locality: "kinshasa"},
				{UserID: "u1", Locality: "Kinshasa"},
				{UserID: "u2", Locality: " KINSHASA "},
				{UserID: "u4", Locality: "Lubumbashi"},
			},
			records: map[string][]string{
				"u1": {marshalItem(lait), marshalItem(sucre)},
				"u2": {
					`{"id":"lait","display_name":"Milk","prices":[{"store_name":"shoprite ","price":3.0,"currency":"usd","date":{"_seconds":1714608000,"_nanoseconds":0},"receipt_id":"x1"}],"last_purchase_date":1714608000000}`,
				},
				"u3": {
					`{"id":"riz","display_name":"Riz","prices":[{"store_name":"Kin Marche","price":12,"currency":"USD","date":"2024-05-03","receipt_id":"y1"}],"last_purchase_date":null}`,
					`{"id":5,"display_name":"broken"}`,
					`{"display_name":"no id"}`,
					`{"id":"sel","prices":[{"price":1,"date":{"seconds":1714521600}}],"last_purchase_date":"not a date"}`,
				},
				"u4": {marshalItem(lait)},
			},
			errs:  map[string]error{},
			block: map[string]bool{},
		}
		merger = NewCommunityMerger(store, store)
	})

	JustBeforeEach(func() {
		items, err = merger.Items(ctx, "Kinshasa")
	})

	find := func(key string) *MergedItem {
		for i := range items {
			if items[i].Key == key {
				return &items[i]
			}
		}
		return nil
	}

	It("should merge every user of the locality sorted by key", func() {
		Expect(err).NotTo(HaveOccurred())
		keys := make([]string, len(items))
		for i, it := range items {
			keys[i] = it.Key
		}
		Expect(keys).To(Equal([]string{"lait", "riz", "sucre"}))
	})

	It("should combine prices across users", func() {
		lait := find("lait")
		Expect(lait).NotTo(BeNil())
		Expect(lait.Prices).To(HaveLen(2))
		Expect(lait.UserCount).To(Equal(2))
		Expect(lait.MinPrice).To(BeNumerically("~", 2.50, 1e-6))
		Expect(lait.MaxPrice).To(BeNumerically("~", 3.00, 1e-6))
		Expect(lait.AvgPrice).To(BeNumerically("~", 2.75, 1e-6))
		Expect(lait.StoreCount).To(Equal(1))
		Expect(lait.Currency).To(Equal(USD))
		Expect(lait.Name).To(Equal("Lait entier 1L"))
	})

	It("should read heterogeneous timestamps", func() {
		Expect(find("lait").LastPurchaseDate).To(BeTemporally("==", day2))
		riz := find("riz")
		Expect(riz.Prices[0].Date).To(BeTemporally("==", day3))
		Expect(riz.LastPurchaseDate).To(BeTemporally("==", day3))
	})

	It("should skip malformed records", func() {
		Expect(find("sel")).To(BeNil())
		Expect(items).To(HaveLen(3))
	})

	When("a user's read fails", func() {
		BeforeEach(func() {
			store.errs["u2"] = errors.New("permission denied")
		})

		It("should leave that user out", func() {
			Expect(err).NotTo(HaveOccurred())
			lait := find("lait")
			Expect(lait.UserCount).To(Equal(1))
			Expect(lait.Prices).To(HaveLen(1))
		})
	})

	When("a user's read hangs", func() {
		BeforeEach(func() {
			store.block["u3"] = true
			merger.Timeout = 20 * time.Millisecond
		})

		It("should time out that user only", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(find("riz")).To(BeNil())
			Expect(find("lait").UserCount).To(Equal(2))
		})
	})

	When("the scan limit is reached", func() {
		BeforeEach(func() {
			merger.MaxItems = 1
		})

		It("should stop after that many records", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Key).To(Equal("lait"))
			Expect(items[0].UserCount).To(Equal(1))
		})
	})

	When("reads run one at a time", func() {
		BeforeEach(func() {
			merger.Concurrency = 1
		})

		It("should produce the same view", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(3))
		})
	})

	When("nobody lives in the locality", func() {
		JustBeforeEach(func() {
			items, err = merger.Items(ctx, "Goma")
		})

		It("should return an empty view", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	When("the locality is blank", func() {
		JustBeforeEach(func() {
			items, err = merger.Items(ctx, "  ")
		})

		It("should return an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})
