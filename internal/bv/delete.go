package bv

import (
	"context"
	"fmt"

	"bv-go/internal/model"
	"bv-go/internal/retention"
)

// DeleteRequest names backup versions to delete in addition to the ones
// the configured retention options select.
type DeleteRequest struct {
	Versions         []int
	AllowFullRemoval bool
}

// DeleteResult reports the deleted backup versions.
type DeleteResult struct {
	Deleted  []*model.Fileset
	Volumes  []string
	Warnings []string

	// Compact is the result of the compaction run after the delete.
	Compact *CompactResult
}

// Delete removes the backup versions selected by the retention options and
// the request. Data no longer referenced becomes wasted space in its
// dblock; unless automatic compaction is disabled a compaction follows.
func (s *BVService) Delete(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	res := &DeleteResult{}
	err := s.run(ctx, "delete", func(op *operation) error {
		if err := s.verifyParameters(ctx, op.ts.tx, false); err != nil {
			return err
		}
		state, err := s.reconcileRemote(ctx, op)
		if err != nil {
			return err
		}
		res.Warnings = append(res.Warnings, state.warnings...)
		if err := state.missingError(); err != nil {
			return err
		}

		tx := op.ts.tx
		sets, err := tx.ListFilesets(ctx)
		if err != nil {
			return err
		}
		for _, v := range req.Versions {
			if v < 0 || v >= len(sets) {
				return fmt.Errorf("version %d does not exist, %d versions available", v, len(sets))
			}
		}

		o := s.opts.Retention
		o.Versions = append(append(retention.SpecificVersions(nil), o.Versions...), req.Versions...)
		o.AllowFullRemoval = o.AllowFullRemoval || req.AllowFullRemoval
		if o.Empty() || len(sets) == 0 {
			s.logger.Info("nothing to delete", "versions", len(sets))
			return nil
		}

		candidates := make([]retention.Fileset, len(sets))
		for i, f := range sets {
			candidates[i] = retention.Fileset{Version: f.Version, Time: f.Timestamp, IsFullBackup: f.IsFullBackup}
		}
		now := s.clock.Now()
		selected, err := retention.Combine(candidates, now, o)
		if err != nil {
			return err
		}

		var ids []int64
		for _, f := range selected {
			fs := sets[f.Version]
			v, err := tx.GetRemoteVolume(ctx, fs.VolumeID)
			if err != nil {
				return err
			}
			if v != nil && v.LockExpiration != nil && v.LockExpiration.After(now) {
				s.logger.Warn("backup version is locked", "version", fs.Version, "timestamp", fs.Timestamp, "until", *v.LockExpiration)
				res.Warnings = append(res.Warnings, warning("backup version is locked, not deleted", "version", fs.Version, "until", *v.LockExpiration))
				continue
			}
			ids = append(ids, fs.ID)
			res.Deleted = append(res.Deleted, fs)
		}
		if len(ids) == 0 {
			return nil
		}

		dlists, err := tx.DropFilesets(ctx, ids)
		if err != nil {
			return fmt.Errorf("dropping filesets: %w", err)
		}
		for _, fs := range res.Deleted {
			s.logger.Info("backup version deleted", "version", fs.Version, "timestamp", fs.Timestamp)
		}
		if err := op.ts.checkpoint(); err != nil {
			return err
		}

		deleted, warnings, err := s.deleteVolumes(ctx, op, dlists)
		res.Volumes = deleted
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			return err
		}
		return op.ts.commit()
	})
	if err != nil {
		return res, err
	}

	if len(res.Deleted) > 0 && !s.opts.NoAutoCompact {
		c, err := s.Compact(ctx)
		res.Compact = c
		if err != nil {
			return res, fmt.Errorf("compacting after delete: %w", err)
		}
	}
	return res, nil
}
