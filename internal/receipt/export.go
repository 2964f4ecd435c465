package receipt

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const uncategorizedLabel = "Uncategorized"

var exportHeader = []string{"date", "merchant", "amount", "currency", "category", "status", "created_at"}

// Export is a snapshot of receipts with their category names resolved
type Export struct {
	Receipts   []*Receipt
	categories map[string]string
}

// SummaryLine is the verified spend for one category in one currency
type SummaryLine struct {
	CategoryID *string         `json:"category_id"`
	Category   string          `json:"category"`
	Currency   string          `json:"currency"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
}

// Export collects the owner's receipts matching the filter for CSV or XLSX output
func (s *Service) Export(ctx context.Context, ownerID string, filter Filter) (*Export, error) {
	receipts, err := s.ListReceipts(ctx, ownerID, filter)
	if err != nil {
		return nil, err
	}
	categories, err := s.categoryNames(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &Export{Receipts: receipts, categories: categories}, nil
}

// Summary totals verified receipts by category and currency.
// Amounts in different currencies are never added together.
func (s *Service) Summary(ctx context.Context, ownerID string, from, to *Date) ([]SummaryLine, error) {
	receipts, err := s.ListReceipts(ctx, ownerID, Filter{Status: StatusVerified, From: from, To: to})
	if err != nil {
		return nil, err
	}
	categories, err := s.categoryNames(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	type key struct {
		category string
		currency string
	}
	lines := make(map[key]*SummaryLine)
	for _, r := range receipts {
		if r.Amount == nil {
			continue
		}
		k := key{currency: r.Currency}
		if r.CategoryID != nil {
			k.category = *r.CategoryID
		}
		line, ok := lines[k]
		if !ok {
			line = &SummaryLine{CategoryID: r.CategoryID, Category: categoryLabel(categories, r.CategoryID), Currency: r.Currency}
			lines[k] = line
		}
		line.Total = line.Total.Add(*r.Amount)
		line.Count++
	}

	summary := make([]SummaryLine, 0, len(lines))
	for _, line := range lines {
		summary = append(summary, *line)
	}
	sort.Slice(summary, func(i, j int) bool {
		if summary[i].Category != summary[j].Category {
			return strings.ToLower(summary[i].Category) < strings.ToLower(summary[j].Category)
		}
		return summary[i].Currency < summary[j].Currency
	})
	return summary, nil
}

func (s *Service) categoryNames(ctx context.Context, ownerID string) (map[string]string, error) {
	categories, err := s.db.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}
	return names, nil
}

func categoryLabel(names map[string]string, id *string) string {
	if id == nil {
		return uncategorizedLabel
	}
	if name, ok := names[*id]; ok {
		return name
	}
	return uncategorizedLabel
}

func (e *Export) row(r *Receipt) []string {
	var date, merchant, amount string
	if r.TransactionDate != nil {
		date = r.TransactionDate.String()
	}
	if r.Merchant != nil {
		merchant = *r.Merchant
	}
	if r.Amount != nil {
		amount = r.Amount.StringFixed(2)
	}
	return []string{
		date,
		merchant,
		amount,
		r.Currency,
		categoryLabel(e.categories, r.CategoryID),
		string(r.Status),
		r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// WriteCSV writes the export as RFC 4180 CSV with a header row
func (e *Export) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range e.Receipts {
		if err := cw.Write(e.row(r)); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes the export as a single-sheet workbook
func (e *Export) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Receipts"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing xlsx header: %w", err)
	}

	for i, r := range e.Receipts {
		values := e.row(r)
		row := make([]any, len(values))
		for j, v := range values {
			row[j] = v
		}
		// Amounts go in as numbers so spreadsheets can sum them
		if r.Amount != nil {
			row[2] = r.Amount.InexactFloat64()
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing xlsx row: %w", err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}
	return nil
}
