// Package postgres stores receipts and categories in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

// amount is selected as text and written through a text cast so no precision
// is lost to float conversion
const receiptColumns = `id, owner_id, storage_path, filename, content_type, merchant,
	transaction_date, amount::text, currency, category_id, status, created_at, updated_at`

// Connect creates a connection pool and checks that the server answers
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
	)
	return pool, nil
}

// Migrate applies the embedded schema migrations
func Migrate(databaseURL string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// migrateURL rewrites a libpq style URL to the scheme the pgx/v5 migrate driver registers
func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(databaseURL, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}

// DB implements receipt.DB on a pgx pool
type DB struct {
	pool *pgxpool.Pool
}

var _ receipt.DB = (*DB)(nil)

// New wraps an open pool
func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// runInTx runs fn in a transaction, rolling back on error
func (d *DB) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// constraintError maps constraint violations onto receipt.ErrValidation
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation, foreignKeyViolation, checkViolation:
			return fmt.Errorf("%w: %s", receipt.ErrValidation, pgErr.Message)
		}
	}
	return err
}

func scanReceipt(row pgx.Row) (*receipt.Receipt, error) {
	var (
		r      receipt.Receipt
		date   *time.Time
		amount *string
		status string
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.StoragePath, &r.Filename, &r.ContentType, &r.Merchant,
		&date, &amount, &r.Currency, &r.CategoryID, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if date != nil {
		d := receipt.NewDate(date.Year(), date.Month(), date.Day())
		r.TransactionDate = &d
	}
	if amount != nil {
		a, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, fmt.Errorf("decoding amount %q: %w", *amount, err)
		}
		r.Amount = &a
	}
	r.Status = receipt.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// mutableArgs returns the columns a patch can change, in update order
func mutableArgs(r *receipt.Receipt) []any {
	var date *time.Time
	if r.TransactionDate != nil {
		t := r.TransactionDate.Time
		date = &t
	}
	var amount *string
	if r.Amount != nil {
		s := r.Amount.StringFixed(2)
		amount = &s
	}
	return []any{r.Merchant, date, amount, r.Currency, r.CategoryID, string(r.Status), r.UpdatedAt}
}

// CreateReceipt inserts a new receipt
func (d *DB) CreateReceipt(ctx context.Context, r *receipt.Receipt) error {
	if r.OwnerID == "" || r.ID == "" {
		return fmt.Errorf("%w: receipt requires an owner and id", receipt.ErrValidation)
	}
	if r.Status == "" {
		r.Status = receipt.StatusUnverified
	}

	args := append([]any{r.ID, r.OwnerID, r.StoragePath, r.Filename, r.ContentType, r.CreatedAt}, mutableArgs(r)...)
	_, err := d.pool.Exec(ctx, `
		INSERT INTO receipts (id, owner_id, storage_path, filename, content_type, created_at,
			merchant, transaction_date, amount, currency, category_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $11, $12, $13)`,
		args...)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", constraintError(err))
	}
	return nil
}

// GetReceipt retrieves a receipt by owner and ID
func (d *DB) GetReceipt(ctx context.Context, ownerID, id string) (*receipt.Receipt, error) {
	r, err := scanReceipt(d.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE owner_id = $1 AND id = $2`, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: receipt %s", receipt.ErrNotFoundOrForbidden, id)
		}
		return nil, fmt.Errorf("selecting receipt: %w", err)
	}
	return r, nil
}

// escapeLike escapes LIKE metacharacters using the default backslash escape
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListReceipts returns the owner's receipts matching the filter
func (d *DB) ListReceipts(ctx context.Context, ownerID string, filter receipt.Filter) ([]*receipt.Receipt, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Uncategorized {
		where = append(where, "category_id IS NULL")
	}
	if filter.CategoryID != nil {
		add("category_id = $%d", *filter.CategoryID)
	}
	if filter.From != nil {
		add("transaction_date >= $%d", filter.From.Time)
	}
	if filter.To != nil {
		add("transaction_date <= $%d", filter.To.Time)
	}
	if filter.Merchant != "" {
		add("merchant ILIKE $%d", "%"+escapeLike(filter.Merchant)+"%")
	}

	order := "transaction_date DESC NULLS LAST, created_at DESC, id"
	if filter.Sort == receipt.SortByCreated {
		order = "created_at DESC, id"
	}

	rows, err := d.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE `+strings.Join(where, " AND ")+` ORDER BY `+order,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*receipt.Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceipt locks the row, applies the patch and writes it back in one transaction
func (d *DB) UpdateReceipt(ctx context.Context, ownerID, id string, patch receipt.Patch, now time.Time) (*receipt.Receipt, error) {
	var updated *receipt.Receipt
	err := d.runInTx(ctx, func(tx pgx.Tx) error {
		r, err := scanReceipt(tx.QueryRow(ctx,
			`SELECT `+receiptColumns+` FROM receipts WHERE owner_id = $1 AND id = $2 FOR UPDATE`, ownerID, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: receipt %s", receipt.ErrNotFoundOrForbidden, id)
			}
			return fmt.Errorf("selecting receipt: %w", err)
		}

		if err := patch.Apply(r, now); err != nil {
			return err
		}

		args := append(mutableArgs(r), ownerID, id)
		_, err = tx.Exec(ctx, `
			UPDATE receipts SET merchant = $1, transaction_date = $2, amount = $3::text::numeric,
				currency = $4, category_id = $5, status = $6, updated_at = $7
			WHERE owner_id = $8 AND id = $9`,
			args...)
		if err != nil {
			return fmt.Errorf("updating receipt: %w", constraintError(err))
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteReceipt removes a receipt record
func (d *DB) DeleteReceipt(ctx context.Context, ownerID, id string) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM receipts WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: receipt %s", receipt.ErrNotFoundOrForbidden, id)
	}
	return nil
}

// HasStoragePath reports whether any receipt references the blob path
func (d *DB) HasStoragePath(ctx context.Context, path string) (bool, error) {
	var found bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM receipts WHERE storage_path = $1)`, path).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("checking storage path: %w", err)
	}
	return found, nil
}

// CreateCategory inserts a category. Names are unique per owner, ignoring case.
func (d *DB) CreateCategory(ctx context.Context, c *receipt.Category) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO categories (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.OwnerID, c.Name, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting category: %w", constraintError(err))
	}
	return nil
}

func scanCategory(row pgx.Row) (*receipt.Category, error) {
	var c receipt.Category
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// GetCategory retrieves a category by owner and ID
func (d *DB) GetCategory(ctx context.Context, ownerID, id string) (*receipt.Category, error) {
	c, err := scanCategory(d.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, created_at, updated_at
		FROM categories WHERE owner_id = $1 AND id = $2`, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: category %s", receipt.ErrNotFoundOrForbidden, id)
		}
		return nil, fmt.Errorf("selecting category: %w", err)
	}
	return c, nil
}

// ListCategories returns the owner's categories ordered by name
func (d *DB) ListCategories(ctx context.Context, ownerID string) ([]*receipt.Category, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, owner_id, name, created_at, updated_at
		FROM categories WHERE owner_id = $1 ORDER BY lower(name)`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	categories := make([]*receipt.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return categories, nil
}

// DeleteCategory removes a category and uncategorizes the owner's receipts that used it
func (d *DB) DeleteCategory(ctx context.Context, ownerID, id string, now time.Time) error {
	return d.runInTx(ctx, func(tx pgx.Tx) error {
		// cleared explicitly so updated_at moves; ON DELETE SET NULL would not stamp it
		_, err := tx.Exec(ctx, `
			UPDATE receipts SET category_id = NULL, updated_at = $3
			WHERE owner_id = $1 AND category_id = $2`, ownerID, id, now)
		if err != nil {
			return fmt.Errorf("uncategorizing receipts: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM categories WHERE owner_id = $1 AND id = $2`, ownerID, id)
		if err != nil {
			return fmt.Errorf("deleting category: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: category %s", receipt.ErrNotFoundOrForbidden, id)
		}
		return nil
	})
}

// Close closes the pool
func (d *DB) Close() error {
	d.pool.Close()
	return nil
}
