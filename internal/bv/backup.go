package bv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bv-go/internal/blockhash"
	"bv-go/internal/model"
)

// BackupRequest describes one backup run.
type BackupRequest struct {
	// Sources are the files and folders to back up.
	Sources []string

	// Stop, when closed, ends enumeration after the current entry. The
	// fileset is then recorded as a partial backup.
	Stop <-chan struct{}
}

// BackupResult summarizes a backup run.
type BackupResult struct {
	FilesetID int64
	Timestamp time.Time
	Partial   bool

	Files     int
	Folders   int
	Symlinks  int
	Unchanged int
	Skipped   int

	NewBlocks         int
	ReusedBlocks      int
	ResurrectedBlocks int
	AddedBytes        int64

	Volumes  []string
	Warnings []string

	// Retention is set when retention options are configured.
	Retention *DeleteResult
}

var errStopped = errors.New("backup stopped")

// Backup stores the sources as a new fileset. Content already in the
// index is referenced, not uploaded again. When retention options are
// configured, the result of the retention pass is returned as well.
func (s *BVService) Backup(ctx context.Context, req BackupRequest) (*BackupResult, error) {
	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("no sources to back up")
	}
	res := &BackupResult{}
	err := s.run(ctx, "backup", func(op *operation) error {
		if err := s.verifyParameters(ctx, op.ts.tx, true); err != nil {
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
		b := &backupRun{s: s, op: op, req: req, res: res}
		return b.execute(ctx)
	})
	if err != nil {
		return res, err
	}

	if !s.opts.Retention.Empty() && !res.Partial {
		del, err := s.Delete(ctx, DeleteRequest{})
		res.Retention = del
		if err != nil {
			return res, fmt.Errorf("applying retention: %w", err)
		}
	}
	return res, nil
}

type backupRun struct {
	s   *BVService
	op  *operation
	req BackupRequest
	res *BackupResult

	fileset  *model.Fileset
	dlist    *model.RemoteVolume
	previous map[string]*model.FileEntry
	open     *blockVolume
}

func (b *backupRun) tx() Transaction { return b.op.ts.tx }

func (b *backupRun) execute(ctx context.Context) error {
	s := b.s
	if err := b.startFileset(ctx); err != nil {
		return err
	}

	for _, src := range b.req.Sources {
		root, err := s.fsmgr.Resolve(src)
		if err != nil {
			return fmt.Errorf("resolving source %s: %w", src, err)
		}
		err = s.fsmgr.Walk(root, func(p *Path) error { return b.visit(ctx, p) })
		if errors.Is(err, errStopped) {
			b.res.Partial = true
			s.logger.Warn("backup stopped, recording partial fileset", "source", src)
			break
		}
		if err != nil {
			return fmt.Errorf("backing up %s: %w", src, err)
		}
	}

	if b.open != nil {
		if err := b.sealOpen(ctx); err != nil {
			return err
		}
	}
	if err := s.drainUploads(ctx, b.op); err != nil {
		return err
	}

	tx := b.tx()
	if err := tx.UpdateFileset(ctx, b.fileset.ID, b.dlist.ID, b.fileset.Timestamp, !b.res.Partial); err != nil {
		return err
	}
	b.fileset.IsFullBackup = !b.res.Partial
	sealed, err := s.writeFilesVolume(ctx, tx, b.fileset, b.dlist, nil)
	if err != nil {
		return err
	}
	if err := b.op.ts.checkpoint(); err != nil {
		return err
	}
	if err := s.manager.Put(ctx, sealed); err != nil {
		return err
	}
	if err := s.drainUploads(ctx, b.op); err != nil {
		return err
	}
	b.res.Volumes = append(b.res.Volumes, sealed.Name)

	b.res.FilesetID = b.fileset.ID
	b.res.Timestamp = b.fileset.Timestamp
	s.logger.Info("backup complete", "fileset", b.fileset.Timestamp, "files", b.res.Files,
		"unchanged", b.res.Unchanged, "new_blocks", b.res.NewBlocks, "partial", b.res.Partial)
	return b.op.ts.commit()
}

// startFileset creates the fileset row and its dlist volume. The
// timestamp is moved forward until both the fileset time and the dlist
// name are unused.
func (b *backupRun) startFileset(ctx context.Context) error {
	s, tx := b.s, b.tx()
	sets, err := tx.ListFilesets(ctx)
	if err != nil {
		return err
	}
	if len(sets) > 0 {
		entries, err := tx.FilesetEntries(ctx, sets[0].ID)
		if err != nil {
			return err
		}
		b.previous = make(map[string]*model.FileEntry, len(entries))
		for _, e := range entries {
			b.previous[e.Path] = e
		}
	}

	ts, name, err := s.freeFilesetTime(ctx, tx, sets, s.clock.Now())
	if err != nil {
		return err
	}

	b.dlist = &model.RemoteVolume{OperationID: b.op.id, Name: name, Type: model.FilesVolume, State: model.Temporary, Size: -1}
	id, err := tx.CreateRemoteVolume(ctx, b.dlist)
	if err != nil {
		return fmt.Errorf("recording filelist %s: %w", name, err)
	}
	b.dlist.ID = id

	b.fileset = &model.Fileset{OperationID: b.op.id, VolumeID: id, Timestamp: ts}
	if _, err := tx.CreateFileset(ctx, b.fileset); err != nil {
		return err
	}
	return nil
}

func (b *backupRun) stopped() bool {
	if b.req.Stop == nil {
		return false
	}
	select {
	case <-b.req.Stop:
		return true
	default:
		return false
	}
}

func (b *backupRun) warn(msg string, args ...any) {
	b.s.logger.Warn(msg, args...)
	b.res.Warnings = append(b.res.Warnings, warning(msg, args...))
}

func (b *backupRun) visit(ctx context.Context, p *Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.stopped() {
		return errStopped
	}
	s, tx := b.s, b.tx()
	info := p.Info()

	meta, err := s.metadataFor(p)
	if err != nil {
		b.warn("skipping entry", "path", p.String(), "error", err)
		b.res.Skipped++
		return nil
	}
	metaBytes, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	path := p.EntryPath()
	switch p.Kind() {
	case KindSymlink:
		b.res.Symlinks++
		return b.addEntry(ctx, path, model.SymlinkBlocksetID, metaBytes, info.ModTime())
	case KindFolder:
		b.res.Folders++
		return b.addEntry(ctx, path, model.FolderBlocksetID, metaBytes, info.ModTime())
	case KindSpecial:
		b.warn("skipping special file", "path", path, "mode", info.Mode().String())
		b.res.Skipped++
		return nil
	}

	if prev := b.previous[path]; prev != nil && b.unchanged(prev, info.Size(), info.ModTime(), metaBytes) {
		b.res.Files++
		b.res.Unchanged++
		return tx.AddFilesetEntry(ctx, b.fileset.ID, prev.FileID, info.ModTime())
	}

	r, err := s.fsmgr.Open(p)
	if err != nil {
		b.warn("skipping unreadable file", "path", path, "error", err)
		b.res.Skipped++
		return nil
	}
	blocksetID, err := b.storeStream(ctx, r)
	r.Close()
	if err != nil {
		return fmt.Errorf("storing %s: %w", path, err)
	}
	b.res.Files++
	s.logger.Debug("file stored", "path", path)
	return b.addEntry(ctx, path, blocksetID, metaBytes, info.ModTime())
}

// unchanged reports whether a file can reuse the previous entry without
// reading its content.
func (b *backupRun) unchanged(prev *model.FileEntry, size int64, modTime time.Time, meta []byte) bool {
	if prev.IsFolder() || prev.IsSymlink() || prev.Length != size || prev.LastModified.Unix() != modTime.Unix() {
		return false
	}
	h, err := blockhash.Sum(b.s.opts.FileHash, meta)
	return err == nil && h == prev.MetaHash && int64(len(meta)) == prev.MetaLength
}

func (b *backupRun) addEntry(ctx context.Context, path string, blocksetID int64, meta []byte, modTime time.Time) error {
	metaBlockset, err := b.storeStream(ctx, bytes.NewReader(meta))
	if err != nil {
		return fmt.Errorf("storing metadata of %s: %w", path, err)
	}
	// storeStream may have checkpointed.
	tx := b.tx()
	metaID, err := tx.FindOrCreateMetadataset(ctx, metaBlockset)
	if err != nil {
		return err
	}
	fileID, err := tx.FindOrCreateFile(ctx, path, blocksetID, metaID)
	if err != nil {
		return err
	}
	return tx.AddFilesetEntry(ctx, b.fileset.ID, fileID, modTime)
}

// storeStream splits r into blocks, stores the new ones and returns the
// blockset describing the stream.
func (b *backupRun) storeStream(ctx context.Context, r io.Reader) (int64, error) {
	s := b.s
	var ids []int64
	digest, err := s.chunker.Split(r, func(blk blockhash.Block) error {
		id, err := b.storeBlock(ctx, blk.Hash, blk.Data, false)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, err
	}

	tx := b.tx()
	existing, err := tx.FindBlockset(ctx, digest.Hash, digest.Length)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	id, err := tx.CreateBlockset(ctx, digest.Hash, digest.Length)
	if err != nil {
		return 0, err
	}
	for i, blockID := range ids {
		if err := tx.AddBlocksetEntry(ctx, id, int64(i), blockID); err != nil {
			return 0, err
		}
	}

	hashes := make([]string, len(digest.Blocks))
	for i, ref := range digest.Blocks {
		hashes[i] = ref.Hash
	}
	lists, err := blockhash.BuildBlocklists(hashes, s.opts.BlockSize, s.opts.BlockHash)
	if err != nil {
		return 0, err
	}
	for _, l := range lists {
		if err := b.tx().AddBlocklistHash(ctx, id, l.Index, l.Hash); err != nil {
			return 0, err
		}
		if _, err := b.storeBlock(ctx, l.Hash, l.Data, true); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// storeBlock returns the id of the block (hash, len(data)), reusing a live
// block, resurrecting a tombstone or appending it to the open volume.
func (b *backupRun) storeBlock(ctx context.Context, hash string, data []byte, isBlocklist bool) (int64, error) {
	s, tx := b.s, b.tx()
	size := int64(len(data))

	blk, err := tx.FindBlock(ctx, hash, size)
	if err != nil {
		return 0, err
	}
	if blk != nil {
		b.res.ReusedBlocks++
		return blk.ID, nil
	}
	blk, err = tx.ResurrectDeletedBlock(ctx, hash, size)
	if err != nil {
		return 0, err
	}
	if blk != nil {
		b.res.ResurrectedBlocks++
		s.logger.Debug("block resurrected", "hash", hash, "volume", blk.VolumeID)
		return blk.ID, nil
	}

	if b.open == nil {
		if b.open, err = s.openBlockVolume(ctx, b.op); err != nil {
			return 0, err
		}
	}
	if err := b.open.bw.AddBlock(hash, data); err != nil {
		return 0, err
	}
	id, err := tx.AddBlock(ctx, hash, size, b.open.row.ID)
	if err != nil {
		return 0, err
	}
	if isBlocklist {
		b.open.addBlocklist(hash, data)
	}
	b.res.NewBlocks++
	b.res.AddedBytes += size

	if b.open.full(s.opts.VolumeSize) {
		if err := b.sealOpen(ctx); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (b *backupRun) sealOpen(ctx context.Context) error {
	v := b.open
	b.open = nil
	if v.bw.Count() == 0 {
		return b.s.discardBlockVolume(ctx, b.op, v)
	}
	if err := b.s.sealBlockVolume(ctx, b.op, v); err != nil {
		return err
	}
	b.res.Volumes = append(b.res.Volumes, v.row.Name)
	return nil
}
