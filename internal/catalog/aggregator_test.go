package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Aggregator", func() {
	var (
		db         *mockDB
		aggregator *Aggregator
		ctx        context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = newMockDB()
		aggregator = NewAggregator(db, &mockTimeSource{now: testNow}, DefaultWindow)
	})

	Describe("Upsert", func() {
		It("should reject a contribution without a key", func() {
			err := aggregator.Upsert(ctx, "u1", contribution("", "x", observation("r1", "A", 1, USD, day1)))
			Expect(err).To(HaveOccurred())
		})

		It("should reject a contribution without a receipt id", func() {
			err := aggregator.Upsert(ctx, "u1", contribution("riz", "Riz", observation("", "A", 1, USD, day1)))
			Expect(err).To(HaveOccurred())
		})

		It("should be idempotent", func() {
			c := contribution("riz", "Riz", observation("r1", "Shoprite", 10, USD, day1))
			Expect(aggregator.Upsert(ctx, "u1", c)).To(Succeed())
			first, _ := db.GetItem(ctx, "u1", "riz")
			Expect(aggregator.Upsert(ctx, "u1", c)).To(Succeed())
			second, _ := db.GetItem(ctx, "u1", "riz")
			Expect(second).To(Equal(first))
		})

		It("should wrap store errors", func() {
			db.updateErr = errors.New("unavailable")
			err := aggregator.Upsert(ctx, "u1", contribution("riz", "Riz", observation("r1", "A", 1, USD, day1)))
			Expect(err).To(MatchError(ContainSubstring(`upserting item "riz": unavailable`)))
		})

		It("should handle concurrent upserts across keys", func() {
			keys := []string{"riz", "sucre", "lait", "pain"}
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				for _, key := range keys {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						c := contribution(key, key, observation(fmt.Sprintf("r%d", i), "Shoprite", float64(i+1), USD, day1))
						Expect(aggregator.Upsert(ctx, "u1", c)).To(Succeed())
					}()
				}
			}
			wg.Wait()

			for _, key := range keys {
				it, err := db.GetItem(ctx, "u1", key)
				Expect(err).NotTo(HaveOccurred())
				Expect(it.Prices).To(HaveLen(20))
				Expect(it.AvgPrice).To(BeNumerically("~", 10.5, 1e-6))
			}
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			for _, c := range []Contribution{
				contribution("riz", "Riz", observation("r1", "Shoprite", 10, USD, day1)),
				contribution("riz", "Riz", observation("r2", "Shoprite", 12, USD, day2)),
				contribution("sucre", "Sucre", observation("r1", "Shoprite", 2, USD, day1)),
				contribution("pain", "Pain", observation("r2", "Shoprite", 1, USD, day2)),
			} {
				Expect(aggregator.Upsert(ctx, "u1", c)).To(Succeed())
			}
		})

		When("the touched keys are given", func() {
			It("should only visit those keys", func() {
				n, err := aggregator.Delete(ctx, "u1", "r1", []string{"riz"})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(1))
				sucre, err := db.GetItem(ctx, "u1", "sucre")
				Expect(err).NotTo(HaveOccurred())
				Expect(sucre.HasReceipt("r1")).To(BeTrue())
			})

			It("should ignore keys the receipt never touched", func() {
				n, err := aggregator.Delete(ctx, "u1", "r1", []string{"pain", "missing"})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(0))
			})
		})

		When("the touched keys are unknown", func() {
			It("should remove the receipt from the whole catalog", func() {
				n, err := aggregator.Delete(ctx, "u1", "r1", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(2))

				items, _ := db.ListItems(ctx, "u1")
				for _, it := range items {
					Expect(it.HasReceipt("r1")).To(BeFalse())
				}
				_, err = db.GetItem(ctx, "u1", "sucre")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())

				riz, _ := db.GetItem(ctx, "u1", "riz")
				Expect(riz.AvgPrice).To(Equal(12.0))
			})
		})

		When("one key fails", func() {
			BeforeEach(func() {
				db.updateErr = errors.New("locked")
				db.updateErrKeys = map[string]bool{"riz": true}
			})

			It("should process the others and join the errors", func() {
				n, err := aggregator.Delete(ctx, "u1", "r1", []string{"riz", "sucre"})
				Expect(err).To(MatchError(ContainSubstring("locked")))
				Expect(n).To(Equal(1))
			})
		})
	})
})
