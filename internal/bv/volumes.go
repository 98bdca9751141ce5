package bv

import (
	"context"
	"fmt"
	"io"
	"time"

	"bv-go/internal/blockhash"
	"bv-go/internal/model"
	"bv-go/internal/volume"
)

func (s *BVService) manifest() volume.Manifest {
	return volume.NewManifest(s.opts.BlockSize, s.opts.BlockHash, s.opts.FileHash, s.clock.Now())
}

// newVolumeName returns a fresh name for a dblock or dindex volume.
func (s *BVService) newVolumeName(typ volume.Type) string {
	if typ == volume.IndexType {
		return volume.NewIndexName(s.opts.Prefix, s.idgen.NewVolumeID(), s.manager.Extension())
	}
	return volume.NewBlockName(s.opts.Prefix, s.idgen.NewVolumeID(), s.manager.Extension())
}

// blockVolume is a dblock volume being filled.
type blockVolume struct {
	row        *model.RemoteVolume
	key        string
	w          io.WriteCloser
	bw         *volume.BlockWriter
	blocklists []volume.BlocklistEntry
}

func (s *BVService) openBlockVolume(ctx context.Context, op *operation) (*blockVolume, error) {
	row := &model.RemoteVolume{
		OperationID: op.id,
		Name:        s.newVolumeName(volume.BlocksType),
		Type:        model.BlocksVolume,
		State:       model.Temporary,
		Size:        -1,
	}
	id, err := op.ts.tx.CreateRemoteVolume(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("recording volume %s: %w", row.Name, err)
	}
	row.ID = id

	key := "new-" + row.Name
	w, err := s.staging.Create(key)
	if err != nil {
		return nil, fmt.Errorf("staging volume %s: %w", row.Name, err)
	}
	bw, err := volume.NewBlockWriter(w, s.manifest())
	if err != nil {
		w.Close()
		s.staging.Remove(key)
		return nil, fmt.Errorf("starting volume %s: %w", row.Name, err)
	}
	s.logger.Debug("volume opened", "name", row.Name)
	return &blockVolume{row: row, key: key, w: w, bw: bw}, nil
}

func (v *blockVolume) full(limit int64) bool {
	return v.bw.DataSize() >= limit
}

// addBlocklist records blocklist content for the dindex of this volume.
func (v *blockVolume) addBlocklist(hash string, data []byte) {
	v.blocklists = append(v.blocklists, volume.BlocklistEntry{Hash: hash, Data: append([]byte(nil), data...)})
}

// discard drops a volume that received no blocks.
func (s *BVService) discardBlockVolume(ctx context.Context, op *operation, v *blockVolume) error {
	v.bw.Close()
	v.w.Close()
	s.staging.Remove(v.key)
	if err := op.ts.tx.RemoveRemoteVolume(ctx, v.row.ID); err != nil {
		return fmt.Errorf("removing empty volume %s: %w", v.row.Name, err)
	}
	return nil
}

// sealBlockVolume finishes a dblock volume and its dindex, commits both in
// the Uploading state and queues them for upload, dblock first.
func (s *BVService) sealBlockVolume(ctx context.Context, op *operation, v *blockVolume) error {
	if err := v.bw.Close(); err != nil {
		v.w.Close()
		return fmt.Errorf("finishing volume %s: %w", v.row.Name, err)
	}
	if err := v.w.Close(); err != nil {
		return fmt.Errorf("finishing volume %s: %w", v.row.Name, err)
	}
	sealed, err := s.manager.Seal(v.row.Name, v.key)
	if err != nil {
		return err
	}
	tx := op.ts.tx
	if err := tx.UpdateRemoteVolume(ctx, v.row.ID, model.Uploading, sealed.Size, sealed.Hash); err != nil {
		return err
	}

	index := volume.VolumeIndex{
		Name:       v.row.Name,
		Blocks:     v.bw.Blocks(),
		VolumeHash: sealed.Hash,
		VolumeSize: sealed.Size,
	}
	sealedIndex, err := s.writeIndexVolume(ctx, op, []volume.VolumeIndex{index}, v.blocklists, []int64{v.row.ID})
	if err != nil {
		return err
	}

	if err := op.ts.checkpoint(); err != nil {
		return err
	}
	if err := s.manager.Put(ctx, sealed, sealedIndex); err != nil {
		return err
	}
	s.logger.Info("volume queued", "name", sealed.Name, "blocks", v.bw.Count(), "size", sealed.Size, "index", sealedIndex.Name)
	return s.applyCompleted(ctx, op)
}

// writeIndexVolume writes a dindex describing the given dblocks, records it
// in the Uploading state and links it to blockVolumeIDs. It does not
// upload.
func (s *BVService) writeIndexVolume(ctx context.Context, op *operation, vols []volume.VolumeIndex, lists []volume.BlocklistEntry, blockVolumeIDs []int64) (*SealedVolume, error) {
	tx := op.ts.tx
	row := &model.RemoteVolume{
		OperationID: op.id,
		Name:        s.newVolumeName(volume.IndexType),
		Type:        model.IndexVolume,
		State:       model.Temporary,
		Size:        -1,
	}
	id, err := tx.CreateRemoteVolume(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("recording volume %s: %w", row.Name, err)
	}
	row.ID = id

	key := "new-" + row.Name
	err = s.writeStaged(key, func(w io.Writer) error {
		iw, err := volume.NewIndexWriter(w, s.manifest())
		if err != nil {
			return err
		}
		for _, v := range vols {
			if err := iw.AddVolume(v); err != nil {
				return err
			}
		}
		for _, l := range lists {
			if err := iw.AddBlocklist(l.Hash, l.Data); err != nil {
				return err
			}
		}
		return iw.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("writing index %s: %w", row.Name, err)
	}
	sealed, err := s.manager.Seal(row.Name, key)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateRemoteVolume(ctx, id, model.Uploading, sealed.Size, sealed.Hash); err != nil {
		return nil, err
	}
	for _, bid := range blockVolumeIDs {
		if err := tx.AddIndexBlockLink(ctx, id, bid); err != nil {
			return nil, fmt.Errorf("linking index %s: %w", row.Name, err)
		}
	}
	return sealed, nil
}

// writeStaged writes a staged entry through fn, removing it on failure.
func (s *BVService) writeStaged(key string, fn func(io.Writer) error) error {
	w, err := s.staging.Create(key)
	if err != nil {
		return err
	}
	err = fn(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.staging.Remove(key)
	}
	return err
}

// applyCompleted marks every volume the manager confirmed as Uploaded.
func (s *BVService) applyCompleted(ctx context.Context, op *operation) error {
	tx := op.ts.tx
	for _, sv := range s.manager.Completed() {
		v, err := tx.FindRemoteVolume(ctx, sv.Name)
		if err != nil {
			return err
		}
		if v == nil {
			return Invariantf("uploaded volume %s is not in the index", sv.Name)
		}
		if err := tx.UpdateRemoteVolume(ctx, v.ID, model.Uploaded, -1, ""); err != nil {
			return err
		}
		if sv.LockUntil != nil {
			if err := tx.SetVolumeLockExpiration(ctx, v.ID, *sv.LockUntil); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainUploads waits for every queued upload and applies the confirmations.
func (s *BVService) drainUploads(ctx context.Context, op *operation) error {
	err := s.manager.WaitForEmpty(ctx)
	if aerr := s.applyCompleted(ctx, op); err == nil {
		err = aerr
	}
	return err
}

// indexFor rebuilds the dindex description of a live dblock from the index.
func (s *BVService) indexFor(ctx context.Context, tx Transaction, v *model.RemoteVolume) (volume.VolumeIndex, []volume.BlocklistEntry, error) {
	blocks, err := tx.BlocksInVolume(ctx, v.ID)
	if err != nil {
		return volume.VolumeIndex{}, nil, err
	}
	vi := volume.VolumeIndex{Name: v.Name, VolumeHash: v.Hash, VolumeSize: v.Size}
	for _, b := range blocks {
		vi.Blocks = append(vi.Blocks, volume.BlockInfo{Hash: b.Hash, Size: b.Size})
	}

	listBlocks, err := tx.BlocklistBlocksInVolume(ctx, v.ID)
	if err != nil {
		return volume.VolumeIndex{}, nil, err
	}
	var lists []volume.BlocklistEntry
	for _, b := range listBlocks {
		data, err := tx.BlocklistData(ctx, b.Hash, s.opts.BlockSize, s.hashSize)
		if err != nil {
			return volume.VolumeIndex{}, nil, err
		}
		if data == nil {
			s.logger.Warn("blocklist cannot be regenerated", "hash", b.Hash, "volume", v.Name)
			continue
		}
		lists = append(lists, volume.BlocklistEntry{Hash: b.Hash, Data: data})
	}
	return vi, lists, nil
}

// replaceIndexes writes a fresh dindex for every live dblock described by
// indexes that is not itself being retired, and queues the replacements for
// upload. It returns the old dindex rows. They stay live until the caller
// has confirmed the replacements and passes them to retireVolumes.
func (s *BVService) replaceIndexes(ctx context.Context, op *operation, indexes []*model.RemoteVolume, retiring map[int64]bool) ([]*model.RemoteVolume, error) {
	var replaced []*model.RemoteVolume
	for _, iv := range indexes {
		if retiring[iv.ID] {
			continue
		}
		retiring[iv.ID] = true
		blockVols, err := op.ts.tx.BlockVolumesFor(ctx, iv.ID)
		if err != nil {
			return nil, err
		}
		for _, bvol := range blockVols {
			if retiring[bvol.ID] || !bvol.IsLive() {
				continue
			}
			vi, lists, err := s.indexFor(ctx, op.ts.tx, bvol)
			if err != nil {
				return nil, err
			}
			sealed, err := s.writeIndexVolume(ctx, op, []volume.VolumeIndex{vi}, lists, []int64{bvol.ID})
			if err != nil {
				return nil, err
			}
			if err := op.ts.checkpoint(); err != nil {
				return nil, err
			}
			if err := s.manager.Put(ctx, sealed); err != nil {
				return nil, err
			}
			s.logger.Info("index regenerated", "index", sealed.Name, "volume", bvol.Name)
		}
		replaced = append(replaced, iv)
	}
	return replaced, nil
}

// retireVolumes marks vols Deleting and commits. Every volume that takes
// over their content must already be Uploaded.
func (s *BVService) retireVolumes(ctx context.Context, op *operation, vols []*model.RemoteVolume) error {
	tx := op.ts.tx
	for _, v := range vols {
		if v.State == model.Deleting {
			continue
		}
		if err := tx.UpdateRemoteVolume(ctx, v.ID, model.Deleting, -1, ""); err != nil {
			return err
		}
		v.State = model.Deleting
	}
	return op.ts.checkpoint()
}

// deleteVolumes removes volumes already committed as Deleting from remote
// storage and marks them Deleted. Volumes under an object lock are left
// Deleting and reported as warnings.
func (s *BVService) deleteVolumes(ctx context.Context, op *operation, vols []*model.RemoteVolume) ([]string, []string, error) {
	now := s.clock.Now()
	var deleted, warnings []string
	for _, v := range vols {
		if v.LockExpiration != nil && v.LockExpiration.After(now) {
			msg := fmt.Sprintf("volume %s is locked until %s, not deleted", v.Name, v.LockExpiration.Format(time.RFC3339))
			s.logger.Warn("volume is locked", "name", v.Name, "until", *v.LockExpiration)
			warnings = append(warnings, msg)
			continue
		}
		if err := s.manager.Delete(ctx, v.Name); err != nil {
			return deleted, warnings, fmt.Errorf("deleting %s: %w", v.Name, err)
		}
		if err := op.ts.tx.MarkVolumeDeleted(ctx, v.ID); err != nil {
			return deleted, warnings, err
		}
		s.logger.Info("volume deleted", "name", v.Name)
		deleted = append(deleted, v.Name)
	}
	return deleted, warnings, nil
}

// blocksetDescription is how a dlist entry refers to a blockset: a single
// block hash, or the list of blocklist hashes.
type blocksetDescription struct {
	blockHash  string
	blockSize  int64
	blocklists []string
}

func (s *BVService) describeBlockset(ctx context.Context, tx Transaction, id, length int64) (blocksetDescription, error) {
	var d blocksetDescription
	if id < 0 || length == 0 {
		return d, nil
	}
	if blockhash.ExpectedBlocks(length, s.opts.BlockSize) == 1 {
		blocks, err := tx.BlocksetBlocks(ctx, id)
		if err != nil {
			return d, err
		}
		if len(blocks) != 1 {
			return d, Invariantf("blockset %d has %d blocks, expected 1", id, len(blocks))
		}
		d.blockHash, d.blockSize = blocks[0].Hash, blocks[0].Size
		return d, nil
	}
	lists, err := tx.BlocklistHashes(ctx, id)
	if err != nil {
		return d, err
	}
	d.blocklists = lists
	return d, nil
}

// freeFilesetTime moves t forward a second at a time until neither a
// fileset nor a dlist volume uses it, and returns it with the dlist name.
func (s *BVService) freeFilesetTime(ctx context.Context, tx Transaction, sets []*model.Fileset, t time.Time) (time.Time, string, error) {
	taken := make(map[int64]bool, len(sets))
	for _, f := range sets {
		taken[f.Timestamp.Unix()] = true
	}
	ts := t.UTC().Truncate(time.Second)
	for {
		name := volume.NewFilesName(s.opts.Prefix, ts, s.manager.Extension())
		existing, err := tx.FindRemoteVolume(ctx, name)
		if err != nil {
			return ts, "", err
		}
		if existing == nil && !taken[ts.Unix()] {
			return ts, name, nil
		}
		ts = ts.Add(time.Second)
	}
}

// writeFilesVolume writes the dlist of a fileset from the index, leaving out
// the files in skip, marks it Uploading and returns it sealed.
func (s *BVService) writeFilesVolume(ctx context.Context, tx Transaction, fs *model.Fileset, row *model.RemoteVolume, skip map[int64]bool) (*SealedVolume, error) {
	all, err := tx.FilesetEntries(ctx, fs.ID)
	if err != nil {
		return nil, err
	}
	entries := all[:0]
	for _, e := range all {
		if !skip[e.FileID] {
			entries = append(entries, e)
		}
	}

	key := "new-" + row.Name
	err = s.writeStaged(key, func(w io.Writer) error {
		fw, err := volume.NewFilesWriter(w, s.manifest(), volume.FilesetInfo{IsFullBackup: fs.IsFullBackup})
		if err != nil {
			return err
		}
		for _, e := range entries {
			fe, err := s.filelistEntry(ctx, tx, e)
			if err != nil {
				return err
			}
			if err := fw.AddEntry(fe); err != nil {
				return err
			}
		}
		return fw.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("writing filelist %s: %w", row.Name, err)
	}
	sealed, err := s.manager.Seal(row.Name, key)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateRemoteVolume(ctx, row.ID, model.Uploading, sealed.Size, sealed.Hash); err != nil {
		return nil, err
	}
	return sealed, nil
}

func (s *BVService) filelistEntry(ctx context.Context, tx Transaction, e *model.FileEntry) (volume.FileEntry, error) {
	fe := volume.FileEntry{
		Path:     e.Path,
		Time:     volume.FormatTime(e.LastModified),
		MetaHash: e.MetaHash,
		MetaSize: e.MetaLength,
	}
	meta, err := s.describeBlockset(ctx, tx, e.MetaBlocksetID, e.MetaLength)
	if err != nil {
		return fe, fmt.Errorf("describing metadata of %s: %w", e.Path, err)
	}
	fe.MetaBlockHash, fe.MetaBlocklists = meta.blockHash, meta.blocklists

	switch {
	case e.IsFolder():
		fe.Type = volume.EntryFolder
	case e.IsSymlink():
		fe.Type = volume.EntrySymlink
	default:
		fe.Type = volume.EntryFile
		fe.Hash, fe.Size = e.FullHash, e.Length
		content, err := s.describeBlockset(ctx, tx, e.BlocksetID, e.Length)
		if err != nil {
			return fe, fmt.Errorf("describing %s: %w", e.Path, err)
		}
		fe.BlockHash, fe.BlockSize, fe.Blocklists = content.blockHash, content.blockSize, content.blocklists
	}
	return fe, nil
}
