package bv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bv-go/internal/blockhash"
	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// blocklistFetchPasses bounds how often unresolved blocklists are fetched
// from the dblocks that hold them.
const blocklistFetchPasses = 3

// RecreateResult summarizes a recreate.
type RecreateResult struct {
	Filesets int
	Volumes  int
	Blocks   int

	// Scanned lists dblocks read in full because no dindex described them.
	Scanned []string
	// Rejected lists dindex volumes whose content could not be used.
	Rejected    []string
	BrokenFiles []*model.BrokenFile
	Warnings    []string
}

// Recreate rebuilds an empty local index from the volumes in remote
// storage. A recreate that cannot reach a consistent index commits what it
// rebuilt and returns an error matching ErrDatabaseBroken.
func (s *BVService) Recreate(ctx context.Context) (*RecreateResult, error) {
	res := &RecreateResult{}
	err := s.run(ctx, "recreate", func(op *operation) error {
		tx := op.ts.tx
		vols, err := tx.ListRemoteVolumes(ctx)
		if err != nil {
			return err
		}
		sets, err := tx.ListFilesets(ctx)
		if err != nil {
			return err
		}
		if len(vols) > 0 || len(sets) > 0 {
			return ErrIndexNotEmpty
		}
		if err := s.verifyParameters(ctx, tx, true); err != nil {
			return err
		}
		r := &recreateRun{s: s, op: op, res: res, rows: make(map[string]*model.RemoteVolume)}
		return r.execute(ctx)
	})
	return res, err
}

type pendingBlocklist struct {
	blocksetID int64
	index      int64
	hash       string
	length     int64
}

type recreateRun struct {
	s   *BVService
	op  *operation
	res *RecreateResult

	rows    map[string]*model.RemoteVolume
	blocks  []*model.RemoteVolume
	indexes []*model.RemoteVolume
	lists   []*model.RemoteVolume
	pending []pendingBlocklist
}

func (r *recreateRun) tx() Transaction { return r.op.ts.tx }

func (r *recreateRun) warn(msg string, args ...any) {
	r.s.logger.Warn(msg, args...)
	r.res.Warnings = append(r.res.Warnings, warning(msg, args...))
}

func (r *recreateRun) execute(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	covered, err := r.readIndexes(ctx)
	if err != nil {
		return err
	}
	if err := r.scanUncovered(ctx, covered); err != nil {
		return err
	}
	if err := r.op.ts.checkpoint(); err != nil {
		return err
	}
	if err := r.readFilelists(ctx); err != nil {
		return err
	}
	if err := r.resolvePending(ctx); err != nil {
		return err
	}

	tx := r.tx()
	if _, err := tx.PurgeUnreferenced(ctx); err != nil {
		return err
	}
	if err := tx.ClearBlocklistCache(ctx); err != nil {
		return err
	}
	if err := r.op.ts.commit(); err != nil {
		return err
	}
	return r.check(ctx)
}

// register lists remote storage and records every volume with our prefix
// as Uploaded.
func (r *recreateRun) register(ctx context.Context) error {
	s := r.s
	files, err := s.listRemote(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	tx := r.tx()
	for _, name := range names {
		n, ok := s.ownVolume(name)
		if !ok {
			continue
		}
		if n.Encryption != "" && !s.manager.CanDecrypt() {
			return fmt.Errorf("volume %s is encrypted: %w", name, ErrPassphraseRequired)
		}
		v := &model.RemoteVolume{
			OperationID: r.op.id,
			Name:        name,
			Type:        volumeTypeOf(n.Type),
			State:       model.Uploaded,
			Size:        files[name].Size,
		}
		id, err := tx.CreateRemoteVolume(ctx, v)
		if err != nil {
			return fmt.Errorf("recording volume %s: %w", name, err)
		}
		v.ID = id
		r.rows[name] = v
		switch v.Type {
		case model.BlocksVolume:
			r.blocks = append(r.blocks, v)
		case model.IndexVolume:
			r.indexes = append(r.indexes, v)
		case model.FilesVolume:
			r.lists = append(r.lists, v)
		}
	}
	r.res.Volumes = len(r.rows)
	if len(r.lists) == 0 {
		return ErrNoFilelists
	}
	s.logger.Info("remote volumes found", "dblock", len(r.blocks), "dindex", len(r.indexes), "dlist", len(r.lists))
	return nil
}

func volumeTypeOf(t volume.Type) model.VolumeType {
	switch t {
	case volume.IndexType:
		return model.IndexVolume
	case volume.FilesType:
		return model.FilesVolume
	}
	return model.BlocksVolume
}

// recordBlock adds a block observed in volumeID, or records the volume as
// a duplicate location when the block is already known elsewhere.
func (r *recreateRun) recordBlock(ctx context.Context, hash string, size, volumeID int64) error {
	tx := r.tx()
	b, err := tx.FindBlock(ctx, hash, size)
	if err != nil {
		return err
	}
	switch {
	case b == nil:
		if _, err := tx.AddBlock(ctx, hash, size, volumeID); err != nil {
			return err
		}
		r.res.Blocks++
	case b.VolumeID != volumeID:
		return tx.AddDuplicateBlock(ctx, b.ID, volumeID)
	}
	return nil
}

// readIndexes applies every usable dindex and returns the dblocks covered.
func (r *recreateRun) readIndexes(ctx context.Context) (map[int64]bool, error) {
	s := r.s
	covered := make(map[int64]bool)
	err := s.manager.GetMany(ctx, r.indexes, func(iv *model.RemoteVolume, lv *LocalVolume, err error) error {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.reject(iv, err)
			return nil
		}
		tx := r.tx()
		if err := tx.UpdateRemoteVolume(ctx, iv.ID, model.Uploaded, -1, lv.RemoteHash); err != nil {
			return err
		}
		ir, err := volume.OpenIndexReader(lv, lv.Size, iv.Name)
		if err == nil {
			err = ir.Manifest().Check(s.manifest())
			if errors.Is(err, volume.ErrManifestMismatch) {
				return err
			}
		}
		if err != nil {
			r.reject(iv, err)
			return nil
		}
		vols, err := ir.Volumes()
		if err != nil {
			r.reject(iv, err)
			return nil
		}
		lists, err := ir.Blocklists()
		if err != nil {
			r.reject(iv, err)
			return nil
		}

		for _, vi := range vols {
			bvol := r.rows[vi.Name]
			switch {
			case bvol == nil || bvol.Type != model.BlocksVolume:
				r.warn("index describes a missing volume", "index", iv.Name, "volume", vi.Name)
				continue
			case vi.VolumeSize != bvol.Size:
				r.warn("index disagrees with volume size, ignoring it for that volume", "index", iv.Name,
					"volume", vi.Name, "size", bvol.Size, "claimed", vi.VolumeSize)
				r.res.Rejected = append(r.res.Rejected, iv.Name)
				continue
			}
			for _, b := range vi.Blocks {
				if err := r.recordBlock(ctx, b.Hash, b.Size, bvol.ID); err != nil {
					return err
				}
			}
			if err := tx.AddIndexBlockLink(ctx, iv.ID, bvol.ID); err != nil {
				return err
			}
			if err := tx.UpdateRemoteVolume(ctx, bvol.ID, model.Uploaded, -1, vi.VolumeHash); err != nil {
				return err
			}
			covered[bvol.ID] = true
		}
		for _, l := range lists {
			if r.s.chunker.HashBlock(l.Data) != l.Hash {
				r.warn("index holds a corrupt blocklist", "index", iv.Name, "hash", l.Hash)
				continue
			}
			if err := tx.PutBlocklistCache(ctx, l.Hash, l.Data); err != nil {
				return err
			}
		}
		return nil
	})
	return covered, err
}

func (r *recreateRun) reject(iv *model.RemoteVolume, err error) {
	r.warn("index volume unusable", "index", iv.Name, "error", err)
	r.res.Rejected = append(r.res.Rejected, iv.Name)
}

// scanUncovered reads the block list of every dblock no dindex described.
func (r *recreateRun) scanUncovered(ctx context.Context, covered map[int64]bool) error {
	var scan []*model.RemoteVolume
	for _, v := range r.blocks {
		if !covered[v.ID] {
			scan = append(scan, v)
		}
	}
	if len(scan) == 0 {
		return nil
	}
	return r.s.manager.GetMany(ctx, scan, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.warn("volume cannot be downloaded, its blocks are lost", "volume", v.Name, "error", err)
			return nil
		}
		r.warn("volume has no usable index, scanning it", "volume", v.Name)
		r.res.Scanned = append(r.res.Scanned, v.Name)
		br, err := volume.OpenBlockReader(lv, lv.Size, v.Name)
		if err != nil {
			r.warn("volume is unreadable, its blocks are lost", "volume", v.Name, "error", err)
			return nil
		}
		infos, err := br.Blocks()
		if err != nil {
			r.warn("volume is unreadable, its blocks are lost", "volume", v.Name, "error", err)
			return nil
		}
		for _, b := range infos {
			if err := r.recordBlock(ctx, b.Hash, b.Size, v.ID); err != nil {
				return err
			}
		}
		return r.tx().UpdateRemoteVolume(ctx, v.ID, model.Uploaded, -1, lv.RemoteHash)
	})
}

// readFilelists restores filesets, files and blocksets from every dlist,
// oldest first.
func (r *recreateRun) readFilelists(ctx context.Context) error {
	s := r.s
	sort.Slice(r.lists, func(i, j int) bool { return r.lists[i].Name < r.lists[j].Name })
	return s.manager.GetMany(ctx, r.lists, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
		if err != nil {
			return fmt.Errorf("downloading filelist %s: %w", v.Name, err)
		}
		n, _ := volume.ParseName(v.Name)
		fr, err := volume.OpenFilesReader(lv, lv.Size, v.Name)
		if err != nil {
			return err
		}
		if err := fr.Manifest().Check(s.manifest()); err != nil {
			return fmt.Errorf("filelist %s: %w", v.Name, err)
		}

		tx := r.tx()
		if err := tx.UpdateRemoteVolume(ctx, v.ID, model.Uploaded, -1, lv.RemoteHash); err != nil {
			return err
		}
		fsID, err := tx.CreateFileset(ctx, &model.Fileset{
			OperationID:  r.op.id,
			VolumeID:     v.ID,
			Timestamp:    n.Time,
			IsFullBackup: fr.Fileset().IsFullBackup,
		})
		if err != nil {
			return fmt.Errorf("recording fileset of %s: %w", v.Name, err)
		}
		err = fr.Entries(func(e volume.FileEntry) error {
			return r.addEntry(ctx, fsID, e)
		})
		if err != nil {
			return fmt.Errorf("reading filelist %s: %w", v.Name, err)
		}
		r.res.Filesets++
		s.logger.Info("filelist restored", "name", v.Name)
		return r.op.ts.checkpoint()
	})
}

func (r *recreateRun) addEntry(ctx context.Context, filesetID int64, e volume.FileEntry) error {
	metaID, err := r.blockset(ctx, e.MetaHash, e.MetaSize, e.MetaBlockHash, e.MetaSize, e.MetaBlocklists)
	if err != nil {
		return fmt.Errorf("metadata of %s: %w", e.Path, err)
	}
	var contentID int64
	switch e.Type {
	case volume.EntryFolder:
		contentID = model.FolderBlocksetID
	case volume.EntrySymlink:
		contentID = model.SymlinkBlocksetID
	case volume.EntryFile:
		if contentID, err = r.blockset(ctx, e.Hash, e.Size, e.BlockHash, e.BlockSize, e.Blocklists); err != nil {
			return fmt.Errorf("content of %s: %w", e.Path, err)
		}
	default:
		r.warn("unknown entry type, skipping", "path", e.Path, "type", e.Type)
		return nil
	}
	modTime, err := e.ModTime()
	if err != nil {
		return fmt.Errorf("time of %s: %w", e.Path, err)
	}

	tx := r.tx()
	metadataID, err := tx.FindOrCreateMetadataset(ctx, metaID)
	if err != nil {
		return err
	}
	fileID, err := tx.FindOrCreateFile(ctx, e.Path, contentID, metadataID)
	if err != nil {
		return err
	}
	return tx.AddFilesetEntry(ctx, filesetID, fileID, modTime)
}

// blockset finds or rebuilds a blockset from its dlist description. Blocks
// not present in any volume are left out, which leaves the blockset
// incomplete and the file broken.
func (r *recreateRun) blockset(ctx context.Context, fullHash string, length int64, blockHash string, blockSize int64, lists []string) (int64, error) {
	tx := r.tx()
	existing, err := tx.FindBlockset(ctx, fullHash, length)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	id, err := tx.CreateBlockset(ctx, fullHash, length)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return id, nil
	}
	if blockHash != "" {
		b, err := tx.FindBlock(ctx, blockHash, blockSize)
		if err != nil {
			return 0, err
		}
		if b != nil {
			err = tx.AddBlocksetEntry(ctx, id, 0, b.ID)
		}
		return id, err
	}
	for i, h := range lists {
		if err := tx.AddBlocklistHash(ctx, id, int64(i), h); err != nil {
			return 0, err
		}
		data, err := tx.GetBlocklistCache(ctx, h)
		if err != nil {
			return 0, err
		}
		p := pendingBlocklist{blocksetID: id, index: int64(i), hash: h, length: length}
		if data == nil {
			r.pending = append(r.pending, p)
			continue
		}
		if err := r.applyBlocklist(ctx, p, data); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *recreateRun) applyBlocklist(ctx context.Context, p pendingBlocklist, data []byte) error {
	s := r.s
	hashes, err := blockhash.ParseBlocklist(data, s.hashSize)
	if err != nil {
		return fmt.Errorf("blocklist %s: %w", p.hash, err)
	}
	tx := r.tx()
	first := p.index * blockhash.HashesPerBlocklist(s.opts.BlockSize, s.hashSize)
	for j, h := range hashes {
		idx := first + int64(j)
		b, err := tx.FindBlock(ctx, h, blockhash.BlockSizeAt(idx, p.length, s.opts.BlockSize))
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		if err := tx.AddBlocksetEntry(ctx, p.blocksetID, idx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// blocklistSize is the size of the block that stores blocklist p.
func (r *recreateRun) blocklistSize(p pendingBlocklist) int64 {
	s := r.s
	per := blockhash.HashesPerBlocklist(s.opts.BlockSize, s.hashSize)
	n := blockhash.ExpectedBlocks(p.length, s.opts.BlockSize) - p.index*per
	if n > per {
		n = per
	}
	return n * int64(s.hashSize)
}

// resolvePending fetches blocklists no dindex supplied from the dblocks
// holding them.
func (r *recreateRun) resolvePending(ctx context.Context) error {
	s := r.s
	for pass := 1; pass <= blocklistFetchPasses && len(r.pending) > 0; pass++ {
		tx := r.tx()
		byVolume := make(map[int64][]pendingBlocklist)
		var unresolved []pendingBlocklist
		for _, p := range r.pending {
			data, err := tx.GetBlocklistCache(ctx, p.hash)
			if err != nil {
				return err
			}
			if data != nil {
				if err := r.applyBlocklist(ctx, p, data); err != nil {
					return err
				}
				continue
			}
			b, err := tx.FindBlock(ctx, p.hash, r.blocklistSize(p))
			if err != nil {
				return err
			}
			if b == nil {
				r.warn("blocklist is not stored in any volume", "hash", p.hash)
				continue
			}
			byVolume[b.VolumeID] = append(byVolume[b.VolumeID], p)
		}
		if len(byVolume) == 0 {
			break
		}

		ids := make([]int64, 0, len(byVolume))
		for id := range byVolume {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		vols := make([]*model.RemoteVolume, 0, len(ids))
		for _, id := range ids {
			v, err := tx.GetRemoteVolume(ctx, id)
			if err != nil {
				return err
			}
			vols = append(vols, v)
		}
		s.logger.Info("fetching blocklists from volumes", "pass", pass, "volumes", len(vols))

		err := s.manager.GetMany(ctx, vols, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
			wanted := byVolume[v.ID]
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.warn("volume cannot be downloaded for blocklists", "volume", v.Name, "pass", pass, "error", err)
				unresolved = append(unresolved, wanted...)
				return nil
			}
			br, err := volume.OpenBlockReader(lv, lv.Size, v.Name)
			if err != nil {
				r.warn("volume is unreadable", "volume", v.Name, "error", err)
				unresolved = append(unresolved, wanted...)
				return nil
			}
			for _, p := range wanted {
				data, err := br.ReadBlock(p.hash)
				if err != nil || s.chunker.HashBlock(data) != p.hash {
					r.warn("blocklist missing from volume", "volume", v.Name, "hash", p.hash)
					unresolved = append(unresolved, p)
					continue
				}
				if err := r.tx().PutBlocklistCache(ctx, p.hash, data); err != nil {
					return err
				}
				if err := r.applyBlocklist(ctx, p, data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		r.pending = unresolved
	}
	if len(r.pending) > 0 {
		r.warn("blocklists could not be resolved", "count", len(r.pending))
	}
	return nil
}

// check reports broken files and runs the consistency check on the
// committed index.
func (r *recreateRun) check(ctx context.Context) error {
	s := r.s
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	broken, err := tx.BrokenFiles(ctx, s.opts.BlockSize, nil)
	if err != nil {
		return err
	}
	if len(broken) > 0 {
		r.res.BrokenFiles = broken
		sets := make(map[int64]bool)
		for _, b := range broken {
			sets[b.FilesetID] = true
		}
		return &DatabaseBrokenError{BrokenFiles: len(broken), BrokenFilesets: len(sets)}
	}
	if err := tx.VerifyConsistency(ctx, s.opts.BlockSize, s.hashSize); err != nil {
		return &DatabaseBrokenError{Err: err}
	}
	s.logger.Info("index recreated", "filesets", r.res.Filesets, "blocks", r.res.Blocks)
	return nil
}
