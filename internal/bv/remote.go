package bv

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// remoteState is the outcome of reconciling the index with a remote listing.
type remoteState struct {
	files map[string]RemoteFile

	// missing are live volumes absent from remote storage; mismatched are
	// present with a different size.
	missing    []*model.RemoteVolume
	mismatched []*model.RemoteVolume
	unknown    []string
	warnings   []string
}

func (r *remoteState) missingError() error {
	if len(r.missing) == 0 && len(r.mismatched) == 0 {
		return nil
	}
	e := &MissingRemoteFilesError{}
	for _, v := range r.missing {
		e.Names = append(e.Names, v.Name)
	}
	for _, v := range r.mismatched {
		e.Mismatched = append(e.Mismatched, v.Name)
	}
	return e
}

// listRemote lists remote storage keyed by name.
func (s *BVService) listRemote(ctx context.Context) (map[string]RemoteFile, error) {
	files, err := s.manager.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote volumes: %w", err)
	}
	out := make(map[string]RemoteFile, len(files))
	for _, f := range files {
		out[f.Name] = f
	}
	return out, nil
}

// ownVolume parses name and reports whether it is a volume with our prefix.
func (s *BVService) ownVolume(name string) (*volume.Name, bool) {
	n, ok := volume.ParseName(name)
	if !ok || n.Prefix != s.opts.Prefix {
		return nil, false
	}
	return n, true
}

// reconcileRemote brings the index in line with remote storage after an
// interrupted operation. Filesets whose dlist never reached remote storage
// are dropped; Temporary volumes are removed; Uploading volumes are
// promoted when the remote copy is complete and removed otherwise;
// Deleting volumes are deleted. Live volumes that are missing or have the
// wrong size are reported, not changed. The result is committed.
func (s *BVService) reconcileRemote(ctx context.Context, op *operation) (*remoteState, error) {
	tx := op.ts.tx
	files, err := s.listRemote(ctx)
	if err != nil {
		return nil, err
	}
	state := &remoteState{files: files}

	if err := s.dropIncompleteFilesets(ctx, tx); err != nil {
		return nil, err
	}

	vols, err := tx.ListRemoteVolumes(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(vols))
	var deleting []*model.RemoteVolume
	for _, v := range vols {
		known[v.Name] = true
		f, present := files[v.Name]
		switch v.State {
		case model.Temporary:
			s.logger.Info("removing unfinished volume", "name", v.Name)
			if err := tx.RemoveRemoteVolume(ctx, v.ID); err != nil {
				return nil, err
			}
		case model.Uploading:
			if present && v.Size >= 0 && f.Size == v.Size {
				s.logger.Info("promoting uploaded volume", "name", v.Name)
				if err := tx.UpdateRemoteVolume(ctx, v.ID, model.Uploaded, -1, ""); err != nil {
					return nil, err
				}
				continue
			}
			s.logger.Info("removing incomplete upload", "name", v.Name, "present", present)
			if present {
				if err := s.manager.Delete(ctx, v.Name); err != nil {
					return nil, fmt.Errorf("deleting incomplete upload %s: %w", v.Name, err)
				}
			}
			if err := tx.RemoveRemoteVolume(ctx, v.ID); err != nil {
				return nil, err
			}
		case model.Deleting:
			deleting = append(deleting, v)
		case model.Uploaded, model.Verified:
			switch {
			case !present:
				state.missing = append(state.missing, v)
			case v.Size >= 0 && f.Size != v.Size:
				state.mismatched = append(state.mismatched, v)
			}
		}
	}

	_, warnings, err := s.deleteVolumes(ctx, op, deleting)
	if err != nil {
		return nil, err
	}
	state.warnings = append(state.warnings, warnings...)

	for name := range files {
		if known[name] {
			continue
		}
		if _, ok := s.ownVolume(name); ok {
			state.unknown = append(state.unknown, name)
		}
	}
	sort.Strings(state.unknown)
	if len(state.unknown) > 0 {
		s.logger.Warn("remote storage holds volumes unknown to the index", "count", len(state.unknown), "names", strings.Join(state.unknown, ","))
		state.warnings = append(state.warnings, warning("unknown remote volumes", "names", strings.Join(state.unknown, ",")))
	}
	for _, v := range state.missing {
		s.logger.Warn("volume missing from remote storage", "name", v.Name)
	}
	for _, v := range state.mismatched {
		s.logger.Warn("remote volume has unexpected size", "name", v.Name, "size", files[v.Name].Size, "expected", v.Size)
	}

	if err := op.ts.checkpoint(); err != nil {
		return nil, err
	}
	return state, nil
}

// dropIncompleteFilesets removes filesets whose dlist volume never became
// live. Their dlist rows are left Deleting.
func (s *BVService) dropIncompleteFilesets(ctx context.Context, tx Transaction) error {
	sets, err := tx.ListFilesets(ctx)
	if err != nil {
		return err
	}
	var drop []int64
	for _, f := range sets {
		v, err := tx.GetRemoteVolume(ctx, f.VolumeID)
		if err != nil {
			return err
		}
		if v == nil || !v.IsLive() {
			s.logger.Info("dropping incomplete fileset", "timestamp", f.Timestamp, "id", f.ID)
			drop = append(drop, f.ID)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	if _, err := tx.DropFilesets(ctx, drop); err != nil {
		return fmt.Errorf("dropping incomplete filesets: %w", err)
	}
	return nil
}
