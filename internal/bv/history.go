package bv

import (
	"context"
	"fmt"

	"bv-go/internal/model"
)

// History returns the most recent operations, ordered newest first.
func (s *BVService) History(ctx context.Context, limit int) ([]*model.Operation, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	ops, err := tx.ListOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
