package bv

import (
	"context"
	"fmt"

	"bv-go/internal/model"
)

// txScope holds the one open transaction of an operation. checkpoint
// commits the work so far at a volume boundary and continues in a fresh
// transaction.
type txScope struct {
	db  Database
	ctx context.Context
	tx  Transaction
}

func (s *BVService) begin(ctx context.Context) (*txScope, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &txScope{db: s.database, ctx: ctx, tx: tx}, nil
}

func (t *txScope) checkpoint() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	tx, err := t.db.Begin(t.ctx)
	if err != nil {
		return fmt.Errorf("reopening transaction: %w", err)
	}
	t.tx = tx
	return nil
}

func (t *txScope) commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (t *txScope) rollback() {
	t.tx.Rollback()
}

// operation is one logged run of an engine operation.
type operation struct {
	id int64
	ts *txScope
}

// run records an operation row, calls fn inside a transaction scope and
// records the outcome. The row survives a failed run because it is
// written in its own transactions.
func (s *BVService) run(ctx context.Context, description string, fn func(op *operation) error) error {
	opID, err := s.logOperationStart(ctx, description)
	if err != nil {
		return err
	}
	s.logger.Info("operation started", "operation", description, "id", opID)

	ts, err := s.begin(ctx)
	if err != nil {
		s.logOperationEnd(ctx, opID, err)
		return err
	}
	err = fn(&operation{id: opID, ts: ts})
	ts.rollback()

	s.logOperationEnd(ctx, opID, err)
	if err != nil {
		s.logger.Error("operation failed", "operation", description, "id", opID, "error", err)
		return err
	}
	s.logger.Info("operation finished", "operation", description, "id", opID)
	return nil
}

func (s *BVService) logOperationStart(ctx context.Context, description string) (int64, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	id, err := tx.CreateOperation(ctx, description, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("recording operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("recording operation: %w", err)
	}
	return id, nil
}

func (s *BVService) logOperationEnd(ctx context.Context, id int64, opErr error) {
	status, msg := model.OperationSucceeded, ""
	if opErr != nil {
		status, msg = model.OperationFailed, opErr.Error()
	}
	// The operation context may already be cancelled.
	ctx = context.WithoutCancel(ctx)
	tx, err := s.database.Begin(ctx)
	if err != nil {
		s.logger.Warn("failed to record operation result", "id", id, "error", err)
		return
	}
	defer tx.Rollback()
	if err := tx.FinishOperation(ctx, id, status, msg, s.clock.Now()); err != nil {
		s.logger.Warn("failed to record operation result", "id", id, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("failed to record operation result", "id", id, "error", err)
	}
}
