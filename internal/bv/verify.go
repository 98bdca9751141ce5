package bv

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// VolumeFailure is a volume that failed verification.
type VolumeFailure struct {
	Name string
	Err  error
}

// TestResult reports a verification run.
type TestResult struct {
	Verified []string
	Failures []VolumeFailure
	Warnings []string
}

// Test downloads up to samples volumes of each type, choosing the ones
// verified least often, and checks them against the index. A samples
// value of zero or less verifies every live volume.
func (s *BVService) Test(ctx context.Context, samples int) (*TestResult, error) {
	res := &TestResult{}
	err := s.run(ctx, "test", func(op *operation) error {
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

		vols, err := op.ts.tx.ListRemoteVolumes(ctx)
		if err != nil {
			return err
		}
		chosen := sampleVolumes(vols, samples)
		s.logger.Info("verifying volumes", "count", len(chosen))

		err = s.manager.GetMany(ctx, chosen, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
			if err == nil {
				err = s.verifyVolume(ctx, op.ts.tx, v, lv)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("volume failed verification", "name", v.Name, "error", err)
				res.Failures = append(res.Failures, VolumeFailure{Name: v.Name, Err: err})
				return nil
			}
			tx := op.ts.tx
			if v.Hash == "" {
				if err := tx.UpdateRemoteVolume(ctx, v.ID, v.State, -1, lv.RemoteHash); err != nil {
					return err
				}
			}
			if err := tx.MarkVolumeVerified(ctx, v.ID); err != nil {
				return err
			}
			res.Verified = append(res.Verified, v.Name)
			return nil
		})
		if err != nil {
			return err
		}
		if err := op.ts.commit(); err != nil {
			return err
		}
		if len(res.Failures) > 0 {
			return fmt.Errorf("%d of %d volumes failed verification, first %s: %w",
				len(res.Failures), len(chosen), res.Failures[0].Name, res.Failures[0].Err)
		}
		return nil
	})
	return res, err
}

// sampleVolumes picks up to n live volumes of each type, least verified
// first.
func sampleVolumes(vols []*model.RemoteVolume, n int) []*model.RemoteVolume {
	byType := make(map[model.VolumeType][]*model.RemoteVolume)
	for _, v := range vols {
		if v.IsLive() {
			byType[v.Type] = append(byType[v.Type], v)
		}
	}
	var out []*model.RemoteVolume
	for _, t := range []model.VolumeType{model.FilesVolume, model.IndexVolume, model.BlocksVolume} {
		group := byType[t]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].VerificationCount != group[j].VerificationCount {
				return group[i].VerificationCount < group[j].VerificationCount
			}
			return group[i].ID < group[j].ID
		})
		if n > 0 && len(group) > n {
			group = group[:n]
		}
		out = append(out, group...)
	}
	return out
}

func (s *BVService) verifyVolume(ctx context.Context, tx Transaction, v *model.RemoteVolume, lv *LocalVolume) error {
	switch v.Type {
	case model.BlocksVolume:
		return s.verifyBlocks(ctx, tx, v, lv)
	case model.IndexVolume:
		return s.verifyIndex(ctx, tx, v, lv)
	case model.FilesVolume:
		return s.verifyFilelist(ctx, tx, v, lv)
	}
	return Invariantf("volume %s has unknown type %s", v.Name, v.Type)
}

func (s *BVService) verifyBlocks(ctx context.Context, tx Transaction, v *model.RemoteVolume, lv *LocalVolume) error {
	br, err := volume.OpenBlockReader(lv, lv.Size, v.Name)
	if err != nil {
		return err
	}
	if err := br.Manifest().Check(s.manifest()); err != nil {
		return err
	}
	blocks, err := tx.BlocksInVolume(ctx, v.ID)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		data, err := br.ReadBlock(b.Hash)
		if err != nil {
			return fmt.Errorf("block %s: %w", b.Hash, err)
		}
		if int64(len(data)) != b.Size || s.chunker.HashBlock(data) != b.Hash {
			return fmt.Errorf("block %s is corrupt", b.Hash)
		}
	}
	return nil
}

func (s *BVService) verifyIndex(ctx context.Context, tx Transaction, v *model.RemoteVolume, lv *LocalVolume) error {
	ir, err := volume.OpenIndexReader(lv, lv.Size, v.Name)
	if err != nil {
		return err
	}
	if err := ir.Manifest().Check(s.manifest()); err != nil {
		return err
	}
	vols, err := ir.Volumes()
	if err != nil {
		return err
	}
	for _, vi := range vols {
		bvol, err := tx.FindRemoteVolume(ctx, vi.Name)
		if err != nil {
			return err
		}
		if bvol == nil {
			return fmt.Errorf("describes unknown volume %s", vi.Name)
		}
		if bvol.Size >= 0 && vi.VolumeSize != bvol.Size {
			return fmt.Errorf("claims size %d for %s, index has %d", vi.VolumeSize, vi.Name, bvol.Size)
		}
		// Blocks deleted since the dindex was written stay listed, so only
		// coverage of the live blocks is checked.
		listed := make(map[string]bool, len(vi.Blocks))
		for _, b := range vi.Blocks {
			listed[fmt.Sprintf("%s:%d", b.Hash, b.Size)] = true
		}
		live, err := tx.BlocksInVolume(ctx, bvol.ID)
		if err != nil {
			return err
		}
		for _, b := range live {
			if !listed[fmt.Sprintf("%s:%d", b.Hash, b.Size)] {
				return fmt.Errorf("does not list block %s of %s", b.Hash, vi.Name)
			}
		}
	}
	lists, err := ir.Blocklists()
	if err != nil {
		return err
	}
	for _, l := range lists {
		if s.chunker.HashBlock(l.Data) != l.Hash {
			return fmt.Errorf("blocklist %s is corrupt", l.Hash)
		}
	}
	return nil
}

func (s *BVService) verifyFilelist(ctx context.Context, tx Transaction, v *model.RemoteVolume, lv *LocalVolume) error {
	fr, err := volume.OpenFilesReader(lv, lv.Size, v.Name)
	if err != nil {
		return err
	}
	if err := fr.Manifest().Check(s.manifest()); err != nil {
		return err
	}
	fs, err := tx.FindFilesetByVolume(ctx, v.ID)
	if err != nil {
		return err
	}
	if fs == nil {
		return fmt.Errorf("no fileset uses %s", v.Name)
	}
	entries, err := tx.FilesetEntries(ctx, fs.ID)
	if err != nil {
		return err
	}
	want := make(map[string]string, len(entries))
	for _, e := range entries {
		want[e.Path] = e.FullHash
	}
	seen := 0
	err = fr.Entries(func(e volume.FileEntry) error {
		hash, ok := want[e.Path]
		if !ok {
			return fmt.Errorf("lists %s, which the fileset lacks", e.Path)
		}
		if e.Type == volume.EntryFile && e.Hash != hash {
			return fmt.Errorf("has hash %s for %s, index has %s", e.Hash, e.Path, hash)
		}
		seen++
		return nil
	})
	if err != nil {
		return err
	}
	if seen != len(entries) {
		return fmt.Errorf("lists %d entries, fileset has %d", seen, len(entries))
	}
	return nil
}

// LockResult reports the volumes an object lock was applied to.
type LockResult struct {
	Locked []string
	Until  time.Time
}

// LockVolumes extends the object lock of every live volume to now + d.
// Transports without object lock support return ErrObjectLockUnsupported.
func (s *BVService) LockVolumes(ctx context.Context, d time.Duration) (*LockResult, error) {
	if d <= 0 {
		return nil, fmt.Errorf("lock duration must be positive, got %s", d)
	}
	res := &LockResult{Until: s.clock.Now().Add(d).UTC().Truncate(time.Second)}
	err := s.run(ctx, "lock", func(op *operation) error {
		tx := op.ts.tx
		vols, err := tx.ListRemoteVolumes(ctx)
		if err != nil {
			return err
		}
		for _, v := range vols {
			if !v.IsLive() {
				continue
			}
			if v.LockExpiration != nil && !v.LockExpiration.Before(res.Until) {
				continue
			}
			if err := s.manager.SetObjectLock(ctx, v.Name, res.Until); err != nil {
				return fmt.Errorf("locking %s: %w", v.Name, err)
			}
			if err := tx.SetVolumeLockExpiration(ctx, v.ID, res.Until); err != nil {
				return err
			}
			res.Locked = append(res.Locked, v.Name)
		}
		s.logger.Info("volumes locked", "count", len(res.Locked), "until", res.Until)
		return op.ts.commit()
	})
	return res, err
}
