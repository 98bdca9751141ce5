package bv

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bv-go/internal/model"
)

// BrokenFilesReport lists entries that cannot be restored and the volumes
// whose loss caused it.
type BrokenFilesReport struct {
	Files   []*model.BrokenFile
	Missing []string
}

// PurgeResult reports what PurgeBrokenFiles removed.
type PurgeResult struct {
	BrokenFilesReport

	// Rewritten lists the new dlist volumes of the changed filesets.
	Rewritten []string
	// DroppedFilesets are filesets in which every entry was broken.
	DroppedFilesets int
	Deleted         []string
	Warnings        []string
}

// missingBlockVolumes returns the live dblocks absent from remote storage
// or present with a different size.
func missingBlockVolumes(state *remoteState) []*model.RemoteVolume {
	var out []*model.RemoteVolume
	for _, v := range append(append([]*model.RemoteVolume(nil), state.missing...), state.mismatched...) {
		if v.Type == model.BlocksVolume {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *BVService) brokenFiles(ctx context.Context, tx Transaction, missing []*model.RemoteVolume) (BrokenFilesReport, error) {
	ids := make([]int64, len(missing))
	var r BrokenFilesReport
	for i, v := range missing {
		ids[i] = v.ID
		r.Missing = append(r.Missing, v.Name)
	}
	files, err := tx.BrokenFiles(ctx, s.opts.BlockSize, ids)
	if err != nil {
		return r, fmt.Errorf("listing broken files: %w", err)
	}
	r.Files = files
	return r, nil
}

// ListBrokenFiles reports the fileset entries that reference data no longer
// available in remote storage.
func (s *BVService) ListBrokenFiles(ctx context.Context) (*BrokenFilesReport, error) {
	var report BrokenFilesReport
	err := s.run(ctx, "list-broken-files", func(op *operation) error {
		state, err := s.reconcileRemote(ctx, op)
		if err != nil {
			return err
		}
		report, err = s.brokenFiles(ctx, op.ts.tx, missingBlockVolumes(state))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// PurgeBrokenFiles removes broken entries from every fileset, uploads
// rewritten dlists for the changed filesets and retires the missing
// volumes so the index is consistent with remote storage again.
func (s *BVService) PurgeBrokenFiles(ctx context.Context) (*PurgeResult, error) {
	res := &PurgeResult{}
	err := s.run(ctx, "purge-broken-files", func(op *operation) error {
		if err := s.verifyParameters(ctx, op.ts.tx, false); err != nil {
			return err
		}
		state, err := s.reconcileRemote(ctx, op)
		if err != nil {
			return err
		}
		res.Warnings = append(res.Warnings, state.warnings...)
		for _, v := range append(append([]*model.RemoteVolume(nil), state.missing...), state.mismatched...) {
			if v.Type != model.BlocksVolume {
				res.Warnings = append(res.Warnings, warning("volume missing, run repair", "name", v.Name))
			}
		}

		missing := missingBlockVolumes(state)
		report, err := s.brokenFiles(ctx, op.ts.tx, missing)
		if err != nil {
			return err
		}
		res.BrokenFilesReport = report
		if len(report.Files) == 0 && len(missing) == 0 {
			s.logger.Info("no broken files")
			return nil
		}

		// Old dlists and missing volumes stay live until everything that
		// replaces them is confirmed.
		plan, drop, err := s.uploadPurgedFilelists(ctx, op, report.Files)
		if err != nil {
			return err
		}
		if err := s.drainUploads(ctx, op); err != nil {
			return err
		}
		retire, err := s.applyPurge(ctx, op, plan, drop, res)
		if err != nil {
			return err
		}
		if _, err := op.ts.tx.PurgeUnreferenced(ctx); err != nil {
			return err
		}
		if err := s.rescueBlocklists(ctx, op, missing); err != nil {
			return err
		}

		retiring := make(map[int64]bool)
		var indexes []*model.RemoteVolume
		for _, v := range missing {
			retiring[v.ID] = true
			retire = append(retire, v)
			idx, err := op.ts.tx.IndexVolumesFor(ctx, v.ID)
			if err != nil {
				return err
			}
			indexes = append(indexes, idx...)
		}
		replaced, err := s.replaceIndexes(ctx, op, indexes, retiring)
		if err != nil {
			return err
		}
		retire = append(retire, replaced...)

		if err := s.drainUploads(ctx, op); err != nil {
			return err
		}
		if err := s.retireVolumes(ctx, op, retire); err != nil {
			return err
		}
		deleted, warnings, err := s.deleteVolumes(ctx, op, retire)
		res.Deleted = deleted
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			return err
		}
		if err := op.ts.tx.VerifyConsistency(ctx, s.opts.BlockSize, s.hashSize); err != nil {
			return err
		}
		s.logger.Info("broken files purged", "files", len(report.Files), "filesets", len(res.Rewritten), "dropped", res.DroppedFilesets)
		return op.ts.commit()
	})
	return res, err
}

// purgedFileset is a fileset whose dlist was rewritten without its broken
// entries.
type purgedFileset struct {
	fileset *model.Fileset
	fileIDs []int64
	dlist   *model.RemoteVolume
	time    time.Time
}

// uploadPurgedFilelists writes and queues a new dlist, one second after the
// old timestamp, for every fileset that keeps entries once its broken ones
// are gone. The filesets themselves are not changed. Filesets in which
// every entry is broken are returned in drop.
func (s *BVService) uploadPurgedFilelists(ctx context.Context, op *operation, broken []*model.BrokenFile) ([]purgedFileset, []*model.Fileset, error) {
	byFileset := make(map[int64][]int64)
	for _, b := range broken {
		byFileset[b.FilesetID] = append(byFileset[b.FilesetID], b.FileID)
	}
	sets, err := op.ts.tx.ListFilesets(ctx)
	if err != nil {
		return nil, nil, err
	}

	var plan []purgedFileset
	var drop []*model.Fileset
	for _, fs := range sets {
		ids, ok := byFileset[fs.ID]
		if !ok {
			continue
		}
		if int64(len(ids)) >= fs.FileCount {
			drop = append(drop, fs)
			continue
		}
		tx := op.ts.tx
		ts, name, err := s.freeFilesetTime(ctx, tx, sets, fs.Timestamp.Add(time.Second))
		if err != nil {
			return nil, nil, err
		}
		row := &model.RemoteVolume{OperationID: op.id, Name: name, Type: model.FilesVolume, State: model.Temporary, Size: -1}
		if row.ID, err = tx.CreateRemoteVolume(ctx, row); err != nil {
			return nil, nil, fmt.Errorf("recording filelist %s: %w", name, err)
		}
		skip := make(map[int64]bool, len(ids))
		for _, id := range ids {
			skip[id] = true
		}
		sealed, err := s.writeFilesVolume(ctx, tx, fs, row, skip)
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, &model.Fileset{Timestamp: ts})
		if err := op.ts.checkpoint(); err != nil {
			return nil, nil, err
		}
		if err := s.manager.Put(ctx, sealed); err != nil {
			return nil, nil, err
		}
		plan = append(plan, purgedFileset{fileset: fs, fileIDs: ids, dlist: row, time: ts})
	}
	return plan, drop, nil
}

// applyPurge removes the broken entries, points each rewritten fileset at
// its new dlist and drops the filesets left empty. The new dlists must be
// Uploaded. It returns the old dlist volumes, already Deleting.
func (s *BVService) applyPurge(ctx context.Context, op *operation, plan []purgedFileset, drop []*model.Fileset, res *PurgeResult) ([]*model.RemoteVolume, error) {
	tx := op.ts.tx
	var retire []*model.RemoteVolume
	for _, p := range plan {
		fs := p.fileset
		if err := tx.RemoveFilesetEntries(ctx, fs.ID, p.fileIDs); err != nil {
			return nil, err
		}
		old, err := tx.GetRemoteVolume(ctx, fs.VolumeID)
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateFileset(ctx, fs.ID, p.dlist.ID, p.time, fs.IsFullBackup); err != nil {
			return nil, err
		}
		if old != nil {
			if err := tx.UpdateRemoteVolume(ctx, old.ID, model.Deleting, -1, ""); err != nil {
				return nil, err
			}
			old.State = model.Deleting
			retire = append(retire, old)
		}
		s.logger.Info("broken entries removed", "version", fs.Version, "timestamp", fs.Timestamp, "count", len(p.fileIDs), "filelist", p.dlist.Name)
		res.Rewritten = append(res.Rewritten, p.dlist.Name)
	}

	if len(drop) > 0 {
		ids := make([]int64, len(drop))
		for i, fs := range drop {
			ids[i] = fs.ID
			s.logger.Info("every entry is broken, dropping version", "version", fs.Version, "timestamp", fs.Timestamp)
		}
		dlists, err := tx.DropFilesets(ctx, ids)
		if err != nil {
			return nil, err
		}
		res.DroppedFilesets = len(drop)
		retire = append(retire, dlists...)
	}
	if err := op.ts.checkpoint(); err != nil {
		return nil, err
	}
	return retire, nil
}

// rescueBlocklists stores again the blocklists still referenced from
// missing volumes. Their content is regenerated from the index.
func (s *BVService) rescueBlocklists(ctx context.Context, op *operation, missing []*model.RemoteVolume) error {
	var dest *blockVolume
	for _, v := range missing {
		blocks, err := op.ts.tx.BlocksInVolume(ctx, v.ID)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			tx := op.ts.tx
			data, err := tx.BlocklistData(ctx, b.Hash, s.opts.BlockSize, s.hashSize)
			if err != nil {
				return err
			}
			if data == nil || int64(len(data)) != b.Size || s.chunker.HashBlock(data) != b.Hash {
				return Invariantf("block %s of missing volume %s is still referenced", b.Hash, v.Name)
			}
			if dest == nil {
				if dest, err = s.openBlockVolume(ctx, op); err != nil {
					return err
				}
			}
			if err := dest.bw.AddBlock(b.Hash, data); err != nil {
				return err
			}
			dest.addBlocklist(b.Hash, data)
			if err := tx.MoveBlock(ctx, b.ID, dest.row.ID); err != nil {
				return err
			}
			s.logger.Info("blocklist stored again", "hash", b.Hash, "volume", dest.row.Name)
		}
	}
	if dest == nil {
		return nil
	}
	return s.sealBlockVolume(ctx, op, dest)
}
