package bv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bv-go/internal/blockhash"
	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// RestoreRequest selects what to restore and where.
type RestoreRequest struct {
	// Version is the backup version, 0 being the newest.
	Version int

	// Paths limits the restore to entries equal to or below these paths.
	Paths []string

	// Target is the directory entries are restored under. Empty restores
	// every entry to its original location.
	Target string

	// Overwrite replaces existing files.
	Overwrite bool
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Files         int
	Folders       int
	Symlinks      int
	RestoredBytes int64
	Volumes       int

	// Failed lists paths that could not be restored intact.
	Failed   []string
	Warnings []string
}

// metaBuffer collects the blocks of a metadata blockset.
type metaBuffer struct {
	data []byte
}

func (m *metaBuffer) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:], p)
	return len(p), nil
}

// blockTarget is one place a downloaded block has to be written.
type blockTarget struct {
	block  int64
	hash   string
	size   int64
	offset int64
	path   string
	meta   *metaBuffer

	// copies are the volumes still to try after the owner failed; err is
	// the last failure.
	copies []*model.RemoteVolume
	err    error
}

func withError(targets []blockTarget, err error) []blockTarget {
	out := make([]blockTarget, len(targets))
	for i, t := range targets {
		t.err = err
		out[i] = t
	}
	return out
}

type restoreEntry struct {
	entry  *model.FileEntry
	target string
	meta   *metaBuffer
	failed bool
}

// Restore writes the entries of a backup version to disk and restores
// their modes and modification times.
func (s *BVService) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	res := &RestoreResult{}
	err := s.run(ctx, "restore", func(op *operation) error {
		if err := s.verifyParameters(ctx, op.ts.tx, false); err != nil {
			return err
		}
		entries, needs, vols, err := s.planRestore(ctx, op.ts.tx, req)
		if err != nil {
			return err
		}
		op.ts.rollback()

		byPath := make(map[string]*restoreEntry, len(entries))
		for _, e := range entries {
			byPath[e.target] = e
		}
		fail := func(e *restoreEntry, err error) {
			if e.failed {
				return
			}
			e.failed = true
			res.Failed = append(res.Failed, e.entry.Path)
			s.logger.Error("restore failed", "path", e.entry.Path, "error", err)
			res.Warnings = append(res.Warnings, warning("restore failed", "path", e.entry.Path, "error", err))
		}

		if err := s.prepareTargets(entries, req.Overwrite); err != nil {
			return err
		}

		var retry []blockTarget
		err = s.manager.GetMany(ctx, vols, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
			targets := needs[v.ID]
			var failed []blockTarget
			if err == nil {
				res.Volumes++
				failed = s.restoreFromVolume(lv, targets)
			} else {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed = withError(targets, fmt.Errorf("volume %s: %w", v.Name, err))
			}
			if len(failed) > 0 {
				s.logger.Warn("blocks unavailable from their volume", "volume", v.Name, "blocks", len(failed), "error", failed[0].err)
				retry = append(retry, failed...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		lost, err := s.restoreFromCopies(ctx, retry, res)
		if err != nil {
			return err
		}
		for _, t := range lost {
			if e := entryForTarget(byPath, entries, t); e != nil {
				fail(e, t.err)
			}
		}

		for _, e := range entries {
			if e.failed {
				continue
			}
			if err := s.finishEntry(e); err != nil {
				fail(e, err)
				continue
			}
			switch {
			case e.entry.IsFolder():
				res.Folders++
			case e.entry.IsSymlink():
				res.Symlinks++
			default:
				res.Files++
				res.RestoredBytes += e.entry.Length
			}
		}
		// Folder times change while their children are written.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.entry.IsFolder() && !e.failed {
				if err := applyMetadata(e); err != nil {
					fail(e, err)
				}
			}
		}
		s.logger.Info("restore complete", "files", res.Files, "folders", res.Folders, "failed", len(res.Failed))
		return nil
	})
	return res, err
}

func entryForTarget(byPath map[string]*restoreEntry, entries []*restoreEntry, t blockTarget) *restoreEntry {
	if t.meta == nil {
		return byPath[t.path]
	}
	for _, e := range entries {
		if e.meta == t.meta {
			return e
		}
	}
	return nil
}

// planRestore resolves the entries to restore and the blocks to fetch,
// grouped by the volume that holds them.
func (s *BVService) planRestore(ctx context.Context, tx Transaction, req RestoreRequest) ([]*restoreEntry, map[int64][]blockTarget, []*model.RemoteVolume, error) {
	fs, err := filesetByVersion(ctx, tx, req.Version)
	if err != nil {
		return nil, nil, nil, err
	}
	all, err := tx.FilesetEntries(ctx, fs.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	needs := make(map[int64][]blockTarget)
	var entries []*restoreEntry
	for _, e := range all {
		if !selected(e.Path, req.Paths) {
			continue
		}
		re := &restoreEntry{entry: e, target: restorePath(req.Target, e.Path)}
		if e.MetaBlocksetID >= 0 {
			re.meta = &metaBuffer{data: make([]byte, e.MetaLength)}
			if err := s.planBlockset(ctx, tx, e.Path, e.MetaBlocksetID, e.MetaLength, blockTarget{meta: re.meta}, needs); err != nil {
				return nil, nil, nil, err
			}
		}
		if !e.IsFolder() && !e.IsSymlink() && e.Length > 0 {
			if err := s.planBlockset(ctx, tx, e.Path, e.BlocksetID, e.Length, blockTarget{path: re.target}, needs); err != nil {
				return nil, nil, nil, err
			}
		}
		entries = append(entries, re)
	}
	if len(entries) == 0 {
		return nil, nil, nil, fmt.Errorf("no entries in version %d match %s", req.Version, strings.Join(req.Paths, ", "))
	}

	ids := make([]int64, 0, len(needs))
	for id := range needs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	vols := make([]*model.RemoteVolume, 0, len(ids))
	for _, id := range ids {
		v, err := tx.GetRemoteVolume(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		if v == nil {
			return nil, nil, nil, Invariantf("block volume %d is not in the index", id)
		}
		vols = append(vols, v)
	}
	return entries, needs, vols, nil
}

func (s *BVService) planBlockset(ctx context.Context, tx Transaction, path string, id, length int64, base blockTarget, needs map[int64][]blockTarget) error {
	blocks, err := tx.BlocksetBlocks(ctx, id)
	if err != nil {
		return err
	}
	if want := blockhash.ExpectedBlocks(length, s.opts.BlockSize); int64(len(blocks)) != want {
		return fmt.Errorf("%s is broken: %d of %d blocks known; run list-broken-files", path, len(blocks), want)
	}
	for _, b := range blocks {
		t := base
		t.block, t.hash, t.size, t.offset = b.BlockID, b.Hash, b.Size, b.Index*s.opts.BlockSize
		needs[b.VolumeID] = append(needs[b.VolumeID], t)
	}
	return nil
}

func selected(path string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		dir := strings.TrimSuffix(f, "/")
		if path == f || path == dir+"/" || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

func restorePath(target, entryPath string) string {
	p := strings.TrimSuffix(entryPath, "/")
	if p == "" {
		p = "/"
	}
	if target == "" {
		return filepath.FromSlash(p)
	}
	return filepath.Join(target, filepath.FromSlash(p))
}

// prepareTargets creates folders and sizes the files blocks are written into.
func (s *BVService) prepareTargets(entries []*restoreEntry, overwrite bool) error {
	for _, e := range entries {
		switch {
		case e.entry.IsFolder():
			if err := os.MkdirAll(e.target, 0o700); err != nil {
				return fmt.Errorf("creating folder %s: %w", e.target, err)
			}
		case e.entry.IsSymlink():
			if err := os.MkdirAll(filepath.Dir(e.target), 0o700); err != nil {
				return fmt.Errorf("creating parent of %s: %w", e.target, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(e.target), 0o700); err != nil {
				return fmt.Errorf("creating parent of %s: %w", e.target, err)
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if !overwrite {
				flags |= os.O_EXCL
			}
			f, err := os.OpenFile(e.target, flags, 0o600)
			if err != nil {
				return fmt.Errorf("creating %s: %w", e.target, err)
			}
			err = f.Truncate(e.entry.Length)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("sizing %s: %w", e.target, err)
			}
		}
	}
	return nil
}

// restoreFromVolume writes every needed block of a downloaded volume. It
// returns the targets it could not write, each carrying its error.
func (s *BVService) restoreFromVolume(lv *LocalVolume, targets []blockTarget) []blockTarget {
	br, err := volume.OpenBlockReader(lv, lv.Size, lv.Name)
	if err != nil {
		return withError(targets, fmt.Errorf("volume %s: %w", lv.Name, err))
	}
	open := make(map[string]*os.File)
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()

	var failed []blockTarget
	for _, t := range targets {
		if err := s.writeBlock(br, t, open); err != nil {
			t.err = fmt.Errorf("volume %s: %w", lv.Name, err)
			failed = append(failed, t)
		}
	}
	return failed
}

func (s *BVService) writeBlock(br *volume.BlockReader, t blockTarget, open map[string]*os.File) error {
	data, err := br.ReadBlock(t.hash)
	if err != nil {
		return fmt.Errorf("reading block %s: %w", t.hash, err)
	}
	if int64(len(data)) != t.size || s.chunker.HashBlock(data) != t.hash {
		return fmt.Errorf("block %s is corrupt", t.hash)
	}
	var w io.WriterAt = t.meta
	if t.meta == nil {
		f, ok := open[t.path]
		if !ok {
			if f, err = os.OpenFile(t.path, os.O_WRONLY, 0); err != nil {
				return err
			}
			open[t.path] = f
		}
		w = f
	}
	if _, err := w.WriteAt(data, t.offset); err != nil {
		return fmt.Errorf("writing block %s: %w", t.hash, err)
	}
	return nil
}

// restoreFromCopies retries failed blocks from the other volumes that hold
// a copy, moving on to the next copy of a block each round. It returns the
// targets no copy could provide.
func (s *BVService) restoreFromCopies(ctx context.Context, failed []blockTarget, res *RestoreResult) ([]blockTarget, error) {
	if len(failed) == 0 {
		return nil, nil
	}
	round, err := s.findCopies(ctx, failed)
	if err != nil {
		return nil, err
	}

	var lost []blockTarget
	for len(round) > 0 {
		byVolume := make(map[int64][]blockTarget)
		vols := make(map[int64]*model.RemoteVolume)
		for _, t := range round {
			if len(t.copies) == 0 {
				lost = append(lost, t)
				continue
			}
			v := t.copies[0]
			t.copies = t.copies[1:]
			byVolume[v.ID] = append(byVolume[v.ID], t)
			vols[v.ID] = v
		}
		list := make([]*model.RemoteVolume, 0, len(vols))
		for _, v := range vols {
			list = append(list, v)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

		round = nil
		err := s.manager.GetMany(ctx, list, func(v *model.RemoteVolume, lv *LocalVolume, err error) error {
			targets := byVolume[v.ID]
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				round = append(round, withError(targets, fmt.Errorf("volume %s: %w", v.Name, err))...)
				return nil
			}
			res.Volumes++
			again := s.restoreFromVolume(lv, targets)
			s.logger.Info("blocks restored from a copy", "volume", v.Name, "blocks", len(targets)-len(again))
			round = append(round, again...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return lost, nil
}

// findCopies fills in the copy locations of every failed target.
func (s *BVService) findCopies(ctx context.Context, failed []blockTarget) ([]blockTarget, error) {
	tx, err := s.database.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	copies := make(map[int64][]*model.RemoteVolume)
	out := make([]blockTarget, len(failed))
	for i, t := range failed {
		vols, ok := copies[t.block]
		if !ok {
			if vols, err = tx.BlockCopies(ctx, t.block); err != nil {
				return nil, err
			}
			copies[t.block] = vols
		}
		t.copies = vols
		out[i] = t
	}
	return out, nil
}

// finishEntry verifies a restored file and applies metadata to files and
// symlinks. Folders are finished last by the caller.
func (s *BVService) finishEntry(e *restoreEntry) error {
	switch {
	case e.entry.IsFolder():
		return nil
	case e.entry.IsSymlink():
		m, err := e.metadata()
		if err != nil {
			return err
		}
		if m.Target == "" {
			return fmt.Errorf("symlink %s has no target", e.entry.Path)
		}
		if err := os.Remove(e.target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(m.Target, e.target)
	}

	f, err := os.Open(e.target)
	if err != nil {
		return err
	}
	h, err := blockhash.New(s.opts.FileHash)
	if err != nil {
		f.Close()
		return err
	}
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("verifying %s: %w", e.target, err)
	}
	if got := blockhash.Encode(h.Sum(nil)); got != e.entry.FullHash {
		return fmt.Errorf("restored %s has hash %s, expected %s", e.target, got, e.entry.FullHash)
	}
	return applyMetadata(e)
}

func (e *restoreEntry) metadata() (Metadata, error) {
	if e.meta == nil {
		return Metadata{}, fmt.Errorf("%s has no metadata", e.entry.Path)
	}
	return decodeMetadata(e.meta.data)
}

func applyMetadata(e *restoreEntry) error {
	m, err := e.metadata()
	if err != nil {
		return err
	}
	if err := os.Chmod(e.target, m.Mode.Perm()); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if !m.ModTime.IsZero() {
		if err := os.Chtimes(e.target, m.ModTime, m.ModTime); err != nil {
			return fmt.Errorf("setting file times: %w", err)
		}
	}
	return nil
}
