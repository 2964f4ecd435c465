package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx    context.Context
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	newReceipt := func(owner, id string, created time.Time) *Receipt {
		return &Receipt{
			ID:          id,
			OwnerID:     owner,
			StoragePath: owner + "/" + id + ".png",
			Filename:    id + ".png",
			ContentType: "image/png",
			Currency:    "USD",
			Status:      StatusUnverified,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("CreateReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = newReceipt("u1", "r1", testTime)
			amount := decimal.RequireFromString("12.34")
			date := NewDate(2024, time.March, 1)
			receipt.Amount = &amount
			receipt.TransactionDate = &date
			receipt.Merchant = strPtr("Shell")
		})

		JustBeforeEach(func() {
			err = db.CreateReceipt(ctx, receipt)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("round-trips every field", func() {
				saved, getErr := db.GetReceipt(ctx, "u1", "r1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Merchant).To(HaveValue(Equal("Shell")))
				Expect(saved.Amount.Equal(decimal.RequireFromString("12.34"))).To(BeTrue())
				Expect(saved.TransactionDate.String()).To(Equal("2024-03-01"))
				Expect(saved.StoragePath).To(Equal("u1/r1.png"))
				Expect(saved.CreatedAt.Equal(testTime)).To(BeTrue())
			})

			It("records the storage path", func() {
				found, pathErr := db.HasStoragePath(ctx, "u1/r1.png")
				Expect(pathErr).NotTo(HaveOccurred())
				Expect(found).To(BeTrue())
			})
		})

		When("the status is empty", func() {
			BeforeEach(func() {
				receipt.Status = ""
			})

			It("defaults to unverified", func() {
				saved, _ := db.GetReceipt(ctx, "u1", "r1")
				Expect(saved.Status).To(Equal(StatusUnverified))
			})
		})

		When("the owner is missing", func() {
			BeforeEach(func() {
				receipt.OwnerID = ""
			})

			It("returns ErrValidation", func() {
				Expect(err).To(MatchError(ErrValidation))
			})
		})

		When("the id is already used", func() {
			BeforeEach(func() {
				Expect(db.CreateReceipt(ctx, newReceipt("u1", "r1", testTime))).To(Succeed())
			})

			It("returns an error", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("GetReceipt", func() {
		BeforeEach(func() {
			Expect(db.CreateReceipt(ctx, newReceipt("u1", "r1", testTime))).To(Succeed())
		})

		It("returns ErrNotFoundOrForbidden for another owner", func() {
			_, err := db.GetReceipt(ctx, "u2", "r1")
			Expect(err).To(MatchError(ErrNotFoundOrForbidden))
		})

		It("returns ErrNotFoundOrForbidden for an unknown id", func() {
			_, err := db.GetReceipt(ctx, "u1", "nope")
			Expect(err).To(MatchError(ErrNotFoundOrForbidden))
		})
	})

	Describe("ListReceipts", func() {
		var (
			filter   Filter
			receipts []*Receipt
			err      error
		)

		BeforeEach(func() {
			filter = Filter{}
			groceries := "cat-groceries"

			a := newReceipt("u1", "a", testTime.Add(-3*time.Hour))
			a.Merchant = strPtr("Whole Foods")
			dateA := NewDate(2024, time.January, 10)
			a.TransactionDate = &dateA
			a.CategoryID = &groceries

			b := newReceipt("u1", "b", testTime.Add(-2*time.Hour))
			b.Merchant = strPtr("Shell")
			dateB := NewDate(2024, time.February, 5)
			b.TransactionDate = &dateB
			b.Status = StatusVerified

			c := newReceipt("u1", "c", testTime.Add(-time.Hour))

			other := newReceipt("u2", "d", testTime)

			for _, r := range []*Receipt{a, b, c, other} {
				Expect(db.CreateReceipt(ctx, r)).To(Succeed())
			}
		})

		JustBeforeEach(func() {
			receipts, err = db.ListReceipts(ctx, "u1", filter)
		})

		ids := func() []string {
			out := make([]string, len(receipts))
			for i, r := range receipts {
				out[i] = r.ID
			}
			return out
		}

		When("no filter is given", func() {
			It("returns only the owner's receipts, dated first, newest first", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(ids()).To(Equal([]string{"b", "a", "c"}))
			})
		})

		When("sorting by creation time", func() {
			BeforeEach(func() {
				filter.Sort = SortByCreated
			})

			It("orders newest upload first", func() {
				Expect(ids()).To(Equal([]string{"c", "b", "a"}))
			})
		})

		When("filtering by status", func() {
			BeforeEach(func() {
				filter.Status = StatusUnverified
			})

			It("returns the matching receipts", func() {
				Expect(ids()).To(ConsistOf("a", "c"))
			})
		})

		When("filtering by category", func() {
			BeforeEach(func() {
				filter.CategoryID = strPtr("cat-groceries")
			})

			It("returns the categorized receipt", func() {
				Expect(ids()).To(Equal([]string{"a"}))
			})
		})

		When("filtering uncategorized receipts", func() {
			BeforeEach(func() {
				filter.Uncategorized = true
			})

			It("returns receipts without a category", func() {
				Expect(ids()).To(ConsistOf("b", "c"))
			})
		})

		When("filtering by a date range", func() {
			BeforeEach(func() {
				from := NewDate(2024, time.February, 1)
				to := NewDate(2024, time.February, 29)
				filter.From = &from
				filter.To = &to
			})

			It("excludes undated receipts and those outside the range", func() {
				Expect(ids()).To(Equal([]string{"b"}))
			})
		})

		When("filtering by merchant substring", func() {
			BeforeEach(func() {
				filter.Merchant = "FOODS"
			})

			It("matches case-insensitively", func() {
				Expect(ids()).To(Equal([]string{"a"}))
			})
		})

		When("the owner has no receipts", func() {
			It("returns an empty list", func() {
				empty, listErr := db.ListReceipts(ctx, "nobody", Filter{})
				Expect(listErr).NotTo(HaveOccurred())
				Expect(empty).NotTo(BeNil())
				Expect(empty).To(BeEmpty())
			})
		})
	})

	Describe("UpdateReceipt", func() {
		var (
			ownerID string
			patch   Patch
			updated *Receipt
			err     error
		)

		BeforeEach(func() {
			ownerID = "u1"
			Expect(db.CreateReceipt(ctx, newReceipt("u1", "r1", testTime.Add(-time.Hour)))).To(Succeed())
			patch = Patch{
				Merchant: Some("Target"),
				Amount:   Some(decimal.RequireFromString("45.67")),
			}
		})

		JustBeforeEach(func() {
			updated, err = db.UpdateReceipt(ctx, ownerID, "r1", patch, testTime)
		})

		When("the patch is valid", func() {
			It("returns the stored result", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(updated.Merchant).To(HaveValue(Equal("Target")))
				Expect(updated.UpdatedAt.Equal(testTime)).To(BeTrue())
			})

			It("persists the change", func() {
				saved, _ := db.GetReceipt(ctx, "u1", "r1")
				Expect(saved.Amount.StringFixed(2)).To(Equal("45.67"))
			})
		})

		When("another owner patches the receipt", func() {
			BeforeEach(func() {
				ownerID = "u2"
			})

			It("returns ErrNotFoundOrForbidden and leaves the record alone", func() {
				Expect(err).To(MatchError(ErrNotFoundOrForbidden))
				saved, _ := db.GetReceipt(ctx, "u1", "r1")
				Expect(saved.Merchant).To(BeNil())
			})
		})

		When("the patch moves a verified receipt back", func() {
			BeforeEach(func() {
				_, setupErr := db.UpdateReceipt(ctx, "u1", "r1", Patch{Status: Some(StatusVerified)}, testTime)
				Expect(setupErr).NotTo(HaveOccurred())
				patch = Patch{Status: Some(StatusUnverified)}
			})

			It("returns ErrValidation", func() {
				Expect(err).To(MatchError(ErrValidation))
			})
		})
	})

	Describe("DeleteReceipt", func() {
		BeforeEach(func() {
			Expect(db.CreateReceipt(ctx, newReceipt("u1", "r1", testTime))).To(Succeed())
		})

		It("removes the record and its storage path", func() {
			Expect(db.DeleteReceipt(ctx, "u1", "r1")).To(Succeed())
			_, err := db.GetReceipt(ctx, "u1", "r1")
			Expect(err).To(MatchError(ErrNotFoundOrForbidden))
			found, _ := db.HasStoragePath(ctx, "u1/r1.png")
			Expect(found).To(BeFalse())
		})

		It("refuses another owner", func() {
			Expect(db.DeleteReceipt(ctx, "u2", "r1")).To(MatchError(ErrNotFoundOrForbidden))
			found, _ := db.HasStoragePath(ctx, "u1/r1.png")
			Expect(found).To(BeTrue())
		})
	})

	Describe("Categories", func() {
		BeforeEach(func() {
			for _, c := range []*Category{
				{ID: "c1", OwnerID: "u1", Name: "travel", CreatedAt: testTime},
				{ID: "c2", OwnerID: "u1", Name: "Groceries", CreatedAt: testTime},
				{ID: "c3", OwnerID: "u2", Name: "Fuel", CreatedAt: testTime},
			} {
				Expect(db.CreateCategory(ctx, c)).To(Succeed())
			}
		})

		It("lists the owner's categories by name", func() {
			categories, err := db.ListCategories(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(categories).To(HaveLen(2))
			Expect(categories[0].Name).To(Equal("Groceries"))
			Expect(categories[1].Name).To(Equal("travel"))
		})

		It("rejects a duplicate name ignoring case", func() {
			err := db.CreateCategory(ctx, &Category{ID: "c4", OwnerID: "u1", Name: "GROCERIES"})
			Expect(err).To(MatchError(ErrValidation))
		})

		It("allows the same name for another owner", func() {
			Expect(db.CreateCategory(ctx, &Category{ID: "c5", OwnerID: "u2", Name: "Groceries"})).To(Succeed())
		})

		It("hides other owners' categories", func() {
			_, err := db.GetCategory(ctx, "u1", "c3")
			Expect(err).To(MatchError(ErrNotFoundOrForbidden))
		})

		When("a category in use is deleted", func() {
			BeforeEach(func() {
				r := newReceipt("u1", "r1", testTime.Add(-time.Hour))
				r.CategoryID = strPtr("c2")
				Expect(db.CreateReceipt(ctx, r)).To(Succeed())
				Expect(db.DeleteCategory(ctx, "u1", "c2", testTime)).To(Succeed())
			})

			It("removes the category", func() {
				_, err := db.GetCategory(ctx, "u1", "c2")
				Expect(err).To(MatchError(ErrNotFoundOrForbidden))
			})

			It("clears it from the receipts", func() {
				saved, _ := db.GetReceipt(ctx, "u1", "r1")
				Expect(saved.CategoryID).To(BeNil())
				Expect(saved.UpdatedAt.Equal(testTime)).To(BeTrue())
			})
		})

		It("refuses to delete another owner's category", func() {
			Expect(db.DeleteCategory(ctx, "u1", "c3", testTime)).To(MatchError(ErrNotFoundOrForbidden))
		})
	})

	Describe("persistence", func() {
		It("keeps records across reopen", func() {
			Expect(db.CreateReceipt(ctx, newReceipt("u1", "r1", testTime))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			reopened, err := NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			db = reopened

			saved, err := db.GetReceipt(ctx, "u1", "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.ID).To(Equal("r1"))
		})
	})
})
