package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName         = "receipts"
	categoryBucketName = "categories"
	pathBucketName     = "storage_paths"
)

// DB defines the interface for record store operations.
// Every read and write is scoped to the owner; a record owned by someone
// else is indistinguishable from a missing one.
type DB interface {
	// CreateReceipt inserts a new receipt
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by owner and ID
	GetReceipt(ctx context.Context, ownerID, id string) (*Receipt, error)

	// ListReceipts returns the owner's receipts matching the filter
	ListReceipts(ctx context.Context, ownerID string, filter Filter) ([]*Receipt, error)

	// UpdateReceipt applies a patch and returns the stored result
	UpdateReceipt(ctx context.Context, ownerID, id string, patch Patch, now time.Time) (*Receipt, error)

	// DeleteReceipt removes a receipt record
	DeleteReceipt(ctx context.Context, ownerID, id string) error

	// HasStoragePath reports whether any receipt references the blob path
	HasStoragePath(ctx context.Context, path string) (bool, error)

	// CreateCategory inserts a new category
	CreateCategory(ctx context.Context, category *Category) error

	// GetCategory retrieves a category by owner and ID
	GetCategory(ctx context.Context, ownerID, id string) (*Category, error)

	// ListCategories returns the owner's categories ordered by name
	ListCategories(ctx context.Context, ownerID string) ([]*Category, error)

	// DeleteCategory removes a category and clears it from the owner's receipts
	DeleteCategory(ctx context.Context, ownerID, id string, now time.Time) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
// Receipts and categories live in a nested bucket per owner.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketName, categoryBucketName, pathBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// ownerBucket returns the owner's nested bucket, or nil when the owner has no records
func ownerBucket(tx *bbolt.Tx, root, ownerID string) *bbolt.Bucket {
	return tx.Bucket([]byte(root)).Bucket([]byte(ownerID))
}

func getReceipt(tx *bbolt.Tx, ownerID, id string) (*Receipt, error) {
	bucket := ownerBucket(tx, bucketName, ownerID)
	if bucket == nil {
		return nil, fmt.Errorf("%w: receipt %s", ErrNotFoundOrForbidden, id)
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: receipt %s", ErrNotFoundOrForbidden, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

func putReceipt(tx *bbolt.Tx, receipt *Receipt) error {
	bucket, err := tx.Bucket([]byte(bucketName)).CreateBucketIfNotExists([]byte(receipt.OwnerID))
	if err != nil {
		return fmt.Errorf("creating owner bucket: %w", err)
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return bucket.Put([]byte(receipt.ID), data)
}

// CreateReceipt saves a new receipt to the database
func (b *BoltDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	if receipt.OwnerID == "" || receipt.ID == "" {
		return fmt.Errorf("%w: receipt requires an owner and id", ErrValidation)
	}
	if receipt.Status == "" {
		receipt.Status = StatusUnverified
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if bucket := ownerBucket(tx, bucketName, receipt.OwnerID); bucket != nil && bucket.Get([]byte(receipt.ID)) != nil {
			return fmt.Errorf("receipt %s already exists", receipt.ID)
		}
		if err := putReceipt(tx, receipt); err != nil {
			return err
		}
		return tx.Bucket([]byte(pathBucketName)).Put([]byte(receipt.StoragePath), []byte(receipt.OwnerID+"/"+receipt.ID))
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, ownerID, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, ownerID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns the owner's receipts that match the filter
func (b *BoltDB) ListReceipts(ctx context.Context, ownerID string, filter Filter) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := ownerBucket(tx, bucketName, ownerID)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if filter.Match(&receipt) {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortReceipts(receipts, filter.Sort)
	return receipts, nil
}

// UpdateReceipt applies the patch inside a single write transaction
func (b *BoltDB) UpdateReceipt(ctx context.Context, ownerID, id string, patch Patch, now time.Time) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, ownerID, id)
		if err != nil {
			return err
		}
		if err := patch.Apply(receipt, now); err != nil {
			return err
		}
		return putReceipt(tx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(ctx context.Context, ownerID, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		receipt, err := getReceipt(tx, ownerID, id)
		if err != nil {
			return err
		}
		if err := ownerBucket(tx, bucketName, ownerID).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(pathBucketName)).Delete([]byte(receipt.StoragePath))
	})
}

// HasStoragePath reports whether a receipt references the blob path
func (b *BoltDB) HasStoragePath(ctx context.Context, path string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(pathBucketName)).Get([]byte(path)) != nil
		return nil
	})
	return found, err
}

// CreateCategory saves a new category. Names are unique per owner, ignoring case.
func (b *BoltDB) CreateCategory(ctx context.Context, category *Category) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(categoryBucketName)).CreateBucketIfNotExists([]byte(category.OwnerID))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}
		err = bucket.ForEach(func(k, v []byte) error {
			var existing Category
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("unmarshaling category: %w", err)
			}
			if strings.EqualFold(existing.Name, category.Name) {
				return fmt.Errorf("%w: category %q already exists", ErrValidation, category.Name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(category)
		if err != nil {
			return fmt.Errorf("marshaling category: %w", err)
		}
		return bucket.Put([]byte(category.ID), data)
	})
}

// GetCategory retrieves a category by ID
func (b *BoltDB) GetCategory(ctx context.Context, ownerID, id string) (*Category, error) {
	var category *Category
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := ownerBucket(tx, categoryBucketName, ownerID)
		if bucket == nil {
			return fmt.Errorf("%w: category %s", ErrNotFoundOrForbidden, id)
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: category %s", ErrNotFoundOrForbidden, id)
		}
		return json.Unmarshal(data, &category)
	})
	if err != nil {
		return nil, err
	}
	return category, nil
}

// ListCategories returns the owner's categories sorted by name
func (b *BoltDB) ListCategories(ctx context.Context, ownerID string) ([]*Category, error) {
	categories := make([]*Category, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := ownerBucket(tx, categoryBucketName, ownerID)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var category Category
			if err := json.Unmarshal(v, &category); err != nil {
				return fmt.Errorf("unmarshaling category: %w", err)
			}
			categories = append(categories, &category)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(categories, func(i, j int) bool {
		return strings.ToLower(categories[i].Name) < strings.ToLower(categories[j].Name)
	})
	return categories, nil
}

// DeleteCategory removes a category and clears the reference from every receipt using it
func (b *BoltDB) DeleteCategory(ctx context.Context, ownerID, id string, now time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := ownerBucket(tx, categoryBucketName, ownerID)
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: category %s", ErrNotFoundOrForbidden, id)
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}

		receipts := ownerBucket(tx, bucketName, ownerID)
		if receipts == nil {
			return nil
		}

		var affected []*Receipt
		err := receipts.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.CategoryID != nil && *receipt.CategoryID == id {
				affected = append(affected, &receipt)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Bolt forbids writes while iterating, so updates happen after ForEach
		for _, receipt := range affected {
			receipt.CategoryID = nil
			receipt.UpdatedAt = now
			if err := putReceipt(tx, receipt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
