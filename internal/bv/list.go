package bv

import (
	"context"
	"fmt"
	"strings"

	"bv-go/internal/model"
)

// ListFilesets returns every backup version, newest first. Version 0 is
// the most recent.
func (s *BVService) ListFilesets(ctx context.Context) ([]*model.Fileset, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	sets, err := tx.ListFilesets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	return sets, nil
}

// ListFiles returns the entries of a backup version whose path starts with
// prefix. An empty prefix lists everything.
func (s *BVService) ListFiles(ctx context.Context, version int, prefix string) ([]*model.FileEntry, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	fs, err := filesetByVersion(ctx, tx, version)
	if err != nil {
		return nil, err
	}
	entries, err := tx.FilesetEntries(ctx, fs.ID)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return entries, nil
	}
	var out []*model.FileEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Path, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func filesetByVersion(ctx context.Context, tx Transaction, version int) (*model.Fileset, error) {
	sets, err := tx.ListFilesets(ctx)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, ErrNoFilesets
	}
	if version < 0 || version >= len(sets) {
		return nil, fmt.Errorf("version %d does not exist, %d versions available", version, len(sets))
	}
	return sets[version], nil
}
