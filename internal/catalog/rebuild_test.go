package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Rebuilder", func() {
	var (
		db         *mockDB
		service    *Service
		timeSource *mockTimeSource
		ctx        context.Context
		history    []*Receipt
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = newMockDB()
		timeSource = &mockTimeSource{now: testNow}
		history = []*Receipt{
			receiptFor("u1", "r1", "Shoprite", day1,
				line("Lait entier 1L", 2.50),
				line("Riz 5kg", 12),
				line("Savon", 1.25),
			),
			receiptFor("u1", "r2", "Carrefour", day2,
				line("Milk", 2.75),
				line("Sucre 1kg", 1.80),
			),
			receiptFor("u1", "r3", "Kin Marche", day3,
				line("Riz parfume", 13),
				line("Pain", 0.50),
				line("12345", 4),
			),
		}
	})

	newService := func(db DB) *Service {
		return NewServiceWithDeps(db, NewPipeline(nil, USD), DefaultWindow, timeSource)
	}

	JustBeforeEach(func() {
		service = newService(db)
	})

	applyAll := func(receipts ...*Receipt) {
		for _, r := range receipts {
			_, err := service.Apply(ctx, created(r))
			Expect(err).NotTo(HaveOccurred())
		}
	}

	It("should reproduce the incrementally built catalog", func() {
		applyAll(history...)
		incremental, err := service.ListItems(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())

		result, err := service.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ReceiptsProcessed).To(Equal(3))
		Expect(result.ItemsCount).To(Equal(len(incremental)))
		Expect(result.ItemsWritten).To(Equal(len(incremental)))
		Expect(result.ItemsFailed).To(Equal(0))
		Expect(result.Batches).To(Equal(1))

		rebuilt, err := service.ListItems(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(rebuilt).To(Equal(incremental))
	})

	It("should not depend on the order receipts were stored in", func() {
		other := &mockDB{BoltDB: newTestBolt()}
		for _, r := range history {
			Expect(db.SaveReceipt(ctx, r)).To(Succeed())
		}
		for i := len(history) - 1; i >= 0; i-- {
			Expect(other.SaveReceipt(ctx, history[i])).To(Succeed())
		}

		_, err := service.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		otherService := newService(other)
		_, err = otherService.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())

		a, _ := service.ListItems(ctx, "u1")
		b, _ := otherService.ListItems(ctx, "u1")
		Expect(a).To(Equal(b))
		Expect(a).NotTo(BeEmpty())
	})

	It("should be idempotent", func() {
		applyAll(history...)
		_, err := service.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		first, _ := service.ListItems(ctx, "u1")

		timeSource.Advance(24 * time.Hour)
		_, err = service.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		second, _ := service.ListItems(ctx, "u1")

		Expect(second).To(HaveLen(len(first)))
		for i := range first {
			Expect(second[i].ID).To(Equal(first[i].ID))
			Expect(second[i].Prices).To(Equal(first[i].Prices))
			Expect(second[i].AvgPrice).To(Equal(first[i].AvgPrice))
			Expect(second[i].CreatedAt).To(BeTemporally("==", first[i].CreatedAt))
		}
	})

	It("should skip deleted receipts", func() {
		applyAll(history...)
		_, err := service.Apply(ctx, deleted("u1", "r2"))
		Expect(err).NotTo(HaveOccurred())
		afterDelete, _ := service.ListItems(ctx, "u1")

		result, err := service.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ReceiptsProcessed).To(Equal(2))

		rebuilt, _ := service.ListItems(ctx, "u1")
		Expect(rebuilt).To(Equal(afterDelete))
		for _, it := range rebuilt {
			Expect(it.HasReceipt("r2")).To(BeFalse())
		}
	})

	It("should drop items no receipt supports", func() {
		applyAll(history...)
		Expect(db.PutItems(ctx, "u1", []*AggregatedItem{{ID: "orphan", Prices: []PriceObservation{
			observation("gone", "A", 1, USD, day1),
		}}})).To(Succeed())

		_, err := service.Rebuild(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.GetItem(ctx, "u1", "orphan")
		Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
	})

	When("the store takes small batches", func() {
		BeforeEach(func() {
			small, err := NewBoltDBWithBatchSize(filepath.Join(GinkgoT().TempDir(), "small.db"), 2)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(small.Close)
			db = &mockDB{BoltDB: small}
			for _, r := range history {
				Expect(db.SaveReceipt(ctx, r)).To(Succeed())
			}
		})

		It("should write in bounded batches", func() {
			result, err := service.Rebuild(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			// lait, pain, riz, savon, sucre
			Expect(result.ItemsCount).To(Equal(5))
			Expect(result.Batches).To(Equal(3))
			Expect(result.ItemsWritten).To(Equal(5))
		})

		When("a batch fails", func() {
			BeforeEach(func() {
				db.putErr = errors.New("quota exceeded")
				db.putErrAfter = 1
			})

			It("should report the failed items", func() {
				result, err := service.Rebuild(ctx, "u1")
				Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
				Expect(result.Batches).To(Equal(3))
				Expect(result.ItemsWritten).To(Equal(2))
				Expect(result.ItemsFailed).To(Equal(3))
			})
		})
	})
})
