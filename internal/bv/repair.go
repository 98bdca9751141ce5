package bv

import (
	"context"
	"fmt"

	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// RepairResult reports what a repair changed.
type RepairResult struct {
	// Recreated is set when the index was empty and got rebuilt.
	Recreated *RecreateResult

	UploadedFilelists []string
	ReplacedIndexes   []string
	IndexedVolumes    []string
	Deleted           []string
	Warnings          []string
}

// Repair brings remote storage and the local index back in line. With an
// empty index it runs Recreate. Otherwise interrupted work is reconciled,
// missing dlists are uploaded again from the index and missing dindex
// volumes are regenerated. Missing dblocks cannot be repaired and are
// returned as a *MissingRemoteFilesError.
func (s *BVService) Repair(ctx context.Context) (*RepairResult, error) {
	empty, err := s.indexEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if empty {
		s.logger.Info("index is empty, recreating it from remote storage")
		rec, err := s.Recreate(ctx)
		return &RepairResult{Recreated: rec}, err
	}

	res := &RepairResult{}
	var lost error
	err = s.run(ctx, "repair", func(op *operation) error {
		if err := s.verifyParameters(ctx, op.ts.tx, false); err != nil {
			return err
		}
		state, err := s.reconcileRemote(ctx, op)
		if err != nil {
			return err
		}
		res.Warnings = append(res.Warnings, state.warnings...)

		var lostBlocks []*model.RemoteVolume
		var lostIndexes []*model.RemoteVolume
		for _, v := range append(append([]*model.RemoteVolume(nil), state.missing...), state.mismatched...) {
			switch v.Type {
			case model.FilesVolume:
				if err := s.reuploadFilelist(ctx, op, v); err != nil {
					return err
				}
				res.UploadedFilelists = append(res.UploadedFilelists, v.Name)
			case model.IndexVolume:
				lostIndexes = append(lostIndexes, v)
			case model.BlocksVolume:
				lostBlocks = append(lostBlocks, v)
			}
		}

		retiring := make(map[int64]bool)
		for _, v := range lostBlocks {
			retiring[v.ID] = true
		}
		retired, err := s.replaceIndexes(ctx, op, lostIndexes, retiring)
		if err != nil {
			return err
		}
		for _, v := range retired {
			res.ReplacedIndexes = append(res.ReplacedIndexes, v.Name)
		}
		indexed, err := s.indexOrphans(ctx, op, retiring)
		if err != nil {
			return err
		}
		res.IndexedVolumes = indexed

		if err := op.ts.checkpoint(); err != nil {
			return err
		}
		if err := s.drainUploads(ctx, op); err != nil {
			return err
		}
		if err := s.retireVolumes(ctx, op, retired); err != nil {
			return err
		}
		deleted, warnings, err := s.deleteVolumes(ctx, op, retired)
		res.Deleted = deleted
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			return err
		}
		if err := op.ts.commit(); err != nil {
			return err
		}

		if len(lostBlocks) > 0 {
			e := &MissingRemoteFilesError{}
			for _, v := range lostBlocks {
				e.Names = append(e.Names, v.Name)
			}
			lost = fmt.Errorf("%w; the data cannot be recovered, use list-broken-files and purge-broken-files", e)
			s.logger.Error("block volumes are missing from remote storage", "count", len(lostBlocks))
		}
		return lost
	})
	return res, err
}

func (s *BVService) indexEmpty(ctx context.Context) (bool, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	vols, err := tx.ListRemoteVolumes(ctx)
	if err != nil {
		return false, err
	}
	sets, err := tx.ListFilesets(ctx)
	if err != nil {
		return false, err
	}
	return len(vols) == 0 && len(sets) == 0, nil
}

// reuploadFilelist writes the dlist of v again from the index and queues it
// under its existing name.
func (s *BVService) reuploadFilelist(ctx context.Context, op *operation, v *model.RemoteVolume) error {
	tx := op.ts.tx
	fs, err := tx.FindFilesetByVolume(ctx, v.ID)
	if err != nil {
		return err
	}
	if fs == nil {
		return Invariantf("filelist %s has no fileset", v.Name)
	}
	sealed, err := s.writeFilesVolume(ctx, tx, fs, v, nil)
	if err != nil {
		return err
	}
	if err := op.ts.checkpoint(); err != nil {
		return err
	}
	s.logger.Info("uploading filelist again", "name", v.Name, "timestamp", fs.Timestamp)
	return s.manager.Put(ctx, sealed)
}

// indexOrphans writes a dindex for every live dblock that no live dindex
// describes.
func (s *BVService) indexOrphans(ctx context.Context, op *operation, skip map[int64]bool) ([]string, error) {
	vols, err := op.ts.tx.ListRemoteVolumes(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, v := range vols {
		if v.Type != model.BlocksVolume || !v.IsLive() || skip[v.ID] {
			continue
		}
		tx := op.ts.tx
		idx, err := tx.IndexVolumesFor(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		live := false
		for _, iv := range idx {
			if iv.IsLive() || iv.State == model.Uploading {
				live = true
			}
		}
		if live {
			continue
		}
		vi, lists, err := s.indexFor(ctx, tx, v)
		if err != nil {
			return nil, err
		}
		sealed, err := s.writeIndexVolume(ctx, op, []volume.VolumeIndex{vi}, lists, []int64{v.ID})
		if err != nil {
			return nil, err
		}
		if err := op.ts.checkpoint(); err != nil {
			return nil, err
		}
		if err := s.manager.Put(ctx, sealed); err != nil {
			return nil, err
		}
		s.logger.Info("index written for unindexed volume", "volume", v.Name, "index", sealed.Name)
		names = append(names, v.Name)
	}
	return names, nil
}
