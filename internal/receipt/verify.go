package receipt

import (
	"context"
	"fmt"
)

// ListUnverified returns the owner's receipts still awaiting review
func (s *Service) ListUnverified(ctx context.Context, ownerID string) ([]*Receipt, error) {
	return s.ListReceipts(ctx, ownerID, Filter{Status: StatusUnverified})
}

// Confirm applies the reviewer's corrections and marks the receipt verified.
// The status is always verified afterwards, whatever the edit carried.
func (s *Service) Confirm(ctx context.Context, ownerID, id string, edit Edit) (*Receipt, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	if _, err := s.db.GetReceipt(ctx, ownerID, id); err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	edit.Status = Optional[string]{}
	patch, err := edit.Patch()
	if err != nil {
		return nil, err
	}
	patch.Status = Some(StatusVerified)

	return s.applyPatch(ctx, ownerID, id, patch)
}
