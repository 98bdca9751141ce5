package bv

import (
	"context"
	"fmt"

	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// CompactReport describes the usage of the live dblock volumes and which
// of them compaction would touch.
type CompactReport struct {
	Volumes []*model.VolumeUsage

	// Deletable volumes hold no live blocks.
	Deletable []*model.VolumeUsage
	// Wasted volumes exceed the waste threshold.
	Wasted []*model.VolumeUsage
	// Small volumes are at or below the small file size.
	Small []*model.VolumeUsage

	ActiveSize int64
	WastedSize int64
	SmallSize  int64

	compactWasted bool
	compactSmall  bool
}

// WastePercent is the share of stored data no longer referenced.
func (r *CompactReport) WastePercent() float64 {
	total := r.ActiveSize + r.WastedSize
	if total == 0 {
		return 0
	}
	return 100 * float64(r.WastedSize) / float64(total)
}

// ShouldCompact reports whether any volume would be deleted or rewritten.
func (r *CompactReport) ShouldCompact() bool {
	return len(r.Deletable) > 0 || r.compactWasted || r.compactSmall
}

// rewrite returns the volumes whose live blocks get copied.
func (r *CompactReport) rewrite() []*model.VolumeUsage {
	seen := make(map[int64]bool)
	var out []*model.VolumeUsage
	add := func(us []*model.VolumeUsage) {
		for _, u := range us {
			if !seen[u.VolumeID] {
				seen[u.VolumeID] = true
				out = append(out, u)
			}
		}
	}
	if r.compactWasted {
		add(r.Wasted)
	}
	if r.compactSmall {
		add(r.Small)
	}
	return out
}

func (s *BVService) compactReport(usage []*model.VolumeUsage) *CompactReport {
	r := &CompactReport{Volumes: usage}
	for _, u := range usage {
		r.ActiveSize += u.ActiveSize
		r.WastedSize += u.InactiveSize
		switch {
		case u.ActiveSize == 0:
			r.Deletable = append(r.Deletable, u)
			continue
		case u.WastedRatio()*100 >= float64(s.opts.CompactThreshold):
			r.Wasted = append(r.Wasted, u)
		}
		if u.CompressedSize <= s.opts.SmallFileSize {
			r.Small = append(r.Small, u)
			r.SmallSize += u.CompressedSize
		}
	}
	r.compactWasted = len(r.Wasted) >= 2 && r.WastePercent() >= float64(s.opts.CompactThreshold)
	r.compactSmall = r.SmallSize > s.opts.VolumeSize || len(r.Small) > s.opts.SmallFileMaxCount
	return r
}

// CompactResult reports what a compaction did.
type CompactResult struct {
	Report *CompactReport

	Compacted   bool
	Downloaded  int
	MovedBlocks int
	NewVolumes  []string
	Deleted     []string
	Warnings    []string
}

// Compact deletes dblock volumes without live blocks and rewrites volumes
// that are mostly waste or too small into new volumes.
func (s *BVService) Compact(ctx context.Context) (*CompactResult, error) {
	res := &CompactResult{}
	err := s.run(ctx, "compact", func(op *operation) error {
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

		usage, err := op.ts.tx.VolumeUsage(ctx)
		if err != nil {
			return err
		}
		report := s.compactReport(usage)
		res.Report = report
		s.logger.Info("compaction report", "volumes", len(usage), "deletable", len(report.Deletable),
			"wasted", len(report.Wasted), "small", len(report.Small), "waste_percent", report.WastePercent())
		if !report.ShouldCompact() {
			return nil
		}
		res.Compacted = true
		return s.compact(ctx, op, report, res)
	})
	return res, err
}

func (s *BVService) compact(ctx context.Context, op *operation, report *CompactReport, res *CompactResult) error {
	rewrite := report.rewrite()
	if len(rewrite) > 0 {
		vols := make([]*model.RemoteVolume, 0, len(rewrite))
		for _, u := range rewrite {
			v, err := op.ts.tx.GetRemoteVolume(ctx, u.VolumeID)
			if err != nil {
				return err
			}
			if v == nil {
				return Invariantf("volume %s vanished during compaction", u.Name)
			}
			vols = append(vols, v)
		}
		if err := s.copyLiveBlocks(ctx, op, vols, res); err != nil {
			return err
		}
	}

	// Source volumes stay live until their copies are confirmed. A failed
	// upload leaves them owning the blocks again on the next run.
	if err := s.drainUploads(ctx, op); err != nil {
		return err
	}
	if err := op.ts.checkpoint(); err != nil {
		return err
	}

	retiring := make(map[int64]bool)
	var retired, indexes []*model.RemoteVolume
	for _, u := range append(append([]*model.VolumeUsage(nil), report.Deletable...), rewrite...) {
		if retiring[u.VolumeID] {
			continue
		}
		retiring[u.VolumeID] = true
		v, err := op.ts.tx.GetRemoteVolume(ctx, u.VolumeID)
		if err != nil {
			return err
		}
		if v == nil {
			return Invariantf("volume %s vanished during compaction", u.Name)
		}
		retired = append(retired, v)
		idx, err := op.ts.tx.IndexVolumesFor(ctx, v.ID)
		if err != nil {
			return err
		}
		indexes = append(indexes, idx...)
	}
	oldIndexes, err := s.replaceIndexes(ctx, op, indexes, retiring)
	if err != nil {
		return err
	}
	if err := s.drainUploads(ctx, op); err != nil {
		return err
	}
	retired = append(retired, oldIndexes...)
	if err := s.retireVolumes(ctx, op, retired); err != nil {
		return err
	}

	deleted, warnings, err := s.deleteVolumes(ctx, op, retired)
	res.Deleted = deleted
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return err
	}
	s.logger.Info("compaction complete", "downloaded", res.Downloaded, "moved_blocks", res.MovedBlocks,
		"new_volumes", len(res.NewVolumes), "deleted", len(res.Deleted))
	return op.ts.commit()
}

// copyLiveBlocks downloads vols and copies the blocks they still own into
// new dblock volumes. The old location stays recorded as a duplicate.
func (s *BVService) copyLiveBlocks(ctx context.Context, op *operation, vols []*model.RemoteVolume, res *CompactResult) error {
	var dest *blockVolume
	err := s.manager.GetMany(ctx, vols, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
		if err != nil {
			return fmt.Errorf("downloading %s for compaction: %w", v.Name, err)
		}
		res.Downloaded++
		br, err := volume.OpenBlockReader(lv, lv.Size, v.Name)
		if err != nil {
			return err
		}
		tx := op.ts.tx
		blocks, err := tx.BlocksInVolume(ctx, v.ID)
		if err != nil {
			return err
		}
		lists, err := tx.BlocklistBlocksInVolume(ctx, v.ID)
		if err != nil {
			return err
		}
		isList := make(map[int64]bool, len(lists))
		for _, b := range lists {
			isList[b.ID] = true
		}

		for _, b := range blocks {
			data, err := br.ReadBlock(b.Hash)
			if err != nil {
				return fmt.Errorf("reading block %s from %s: %w", b.Hash, v.Name, err)
			}
			if int64(len(data)) != b.Size || s.chunker.HashBlock(data) != b.Hash {
				return fmt.Errorf("block %s in %s is corrupt", b.Hash, v.Name)
			}
			if dest == nil {
				if dest, err = s.openBlockVolume(ctx, op); err != nil {
					return err
				}
			}
			if err := dest.bw.AddBlock(b.Hash, data); err != nil {
				return err
			}
			if isList[b.ID] {
				dest.addBlocklist(b.Hash, data)
			}
			if err := op.ts.tx.MoveBlock(ctx, b.ID, dest.row.ID); err != nil {
				return err
			}
			res.MovedBlocks++
			if dest.full(s.opts.VolumeSize) {
				if err := s.sealBlockVolume(ctx, op, dest); err != nil {
					return err
				}
				res.NewVolumes = append(res.NewVolumes, dest.row.Name)
				dest = nil
			}
		}
		return nil
	})
	if err != nil {
		if dest != nil {
			dest.bw.Close()
			dest.w.Close()
			s.staging.Remove(dest.key)
		}
		return err
	}
	if dest == nil {
		return nil
	}
	if dest.bw.Count() == 0 {
		return s.discardBlockVolume(ctx, op, dest)
	}
	if err := s.sealBlockVolume(ctx, op, dest); err != nil {
		return err
	}
	res.NewVolumes = append(res.NewVolumes, dest.row.Name)
	return nil
}
