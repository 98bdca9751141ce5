package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bv-go/internal/bv"
	"bv-go/internal/model"
)

const volumeColumns = "id, operation_id, name, type, state, size, hash, verification_count, lock_expiration"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVolume(row rowScanner) (*model.RemoteVolume, error) {
	var v model.RemoteVolume
	var typ, state string
	var lock sql.NullInt64
	if err := row.Scan(&v.ID, &v.OperationID, &v.Name, &typ, &state, &v.Size, &v.Hash, &v.VerificationCount, &lock); err != nil {
		return nil, err
	}
	v.Type = model.VolumeType(typ)
	st, ok := model.ParseVolumeState(state)
	if !ok {
		return nil, fmt.Errorf("volume %s has unknown state %q", v.Name, state)
	}
	v.State = st
	if lock.Valid {
		t := unixTime(lock.Int64)
		v.LockExpiration = &t
	}
	return &v, nil
}

func (t *Tx) queryVolumes(ctx context.Context, query string, args ...any) ([]*model.RemoteVolume, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var vols []*model.RemoteVolume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		vols = append(vols, v)
	}
	return vols, rows.Err()
}

func (t *Tx) CreateRemoteVolume(ctx context.Context, v *model.RemoteVolume) (int64, error) {
	id, err := t.insert(ctx, `INSERT INTO remote_volumes (operation_id, name, type, state, size, hash)
		VALUES (?, ?, ?, ?, ?, ?)`, v.OperationID, v.Name, string(v.Type), string(v.State), v.Size, v.Hash)
	if err != nil {
		return 0, fmt.Errorf("creating remote volume %s: %w", v.Name, err)
	}
	v.ID = id
	return id, nil
}

func (t *Tx) FindRemoteVolume(ctx context.Context, name string) (*model.RemoteVolume, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+volumeColumns+" FROM remote_volumes WHERE name = ?", name)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding remote volume %s: %w", name, err)
	}
	return v, nil
}

func (t *Tx) GetRemoteVolume(ctx context.Context, id int64) (*model.RemoteVolume, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+volumeColumns+" FROM remote_volumes WHERE id = ?", id)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting remote volume %d: %w", id, err)
	}
	return v, nil
}

func (t *Tx) ListRemoteVolumes(ctx context.Context) ([]*model.RemoteVolume, error) {
	vols, err := t.queryVolumes(ctx, "SELECT "+volumeColumns+" FROM remote_volumes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing remote volumes: %w", err)
	}
	return vols, nil
}

func (t *Tx) mustVolume(ctx context.Context, id int64) (*model.RemoteVolume, error) {
	v, err := t.GetRemoteVolume(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, bv.Invariantf("remote volume %d does not exist", id)
	}
	return v, nil
}

func (t *Tx) UpdateRemoteVolume(ctx context.Context, id int64, state model.VolumeState, size int64, hash string) error {
	v, err := t.mustVolume(ctx, id)
	if err != nil {
		return err
	}
	if v.State != state && !model.ValidTransition(v.State, state) {
		return bv.Invariantf("volume %s cannot move from %s to %s", v.Name, v.State, state)
	}
	if size < 0 {
		size = v.Size
	}
	if hash == "" {
		hash = v.Hash
	}
	_, err = t.exec(ctx, "UPDATE remote_volumes SET state = ?, size = ?, hash = ? WHERE id = ?",
		string(state), size, hash, id)
	if err != nil {
		return fmt.Errorf("updating remote volume %s: %w", v.Name, err)
	}
	return nil
}

func (t *Tx) MarkVolumeVerified(ctx context.Context, id int64) error {
	v, err := t.mustVolume(ctx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(v.State, model.Verified) {
		return bv.Invariantf("volume %s cannot be verified in state %s", v.Name, v.State)
	}
	_, err = t.exec(ctx, "UPDATE remote_volumes SET state = ?, verification_count = verification_count + 1 WHERE id = ?",
		string(model.Verified), id)
	if err != nil {
		return fmt.Errorf("marking %s verified: %w", v.Name, err)
	}
	return nil
}

func (t *Tx) SetVolumeLockExpiration(ctx context.Context, id int64, until time.Time) error {
	_, err := t.exec(ctx, "UPDATE remote_volumes SET lock_expiration = ? WHERE id = ?", until.Unix(), id)
	if err != nil {
		return fmt.Errorf("setting lock expiration of volume %d: %w", id, err)
	}
	return nil
}

func (t *Tx) MarkVolumeDeleted(ctx context.Context, id int64) error {
	v, err := t.mustVolume(ctx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(v.State, model.Deleted) {
		return bv.Invariantf("volume %s cannot be deleted in state %s", v.Name, v.State)
	}
	if err := t.relocateBlocks(ctx, id); err != nil {
		return fmt.Errorf("relocating blocks of %s: %w", v.Name, err)
	}
	owned, err := t.count(ctx, "SELECT COUNT(*) FROM blocks WHERE volume_id = ?", id)
	if err != nil {
		return fmt.Errorf("counting blocks of %s: %w", v.Name, err)
	}
	if owned > 0 {
		return bv.Invariantf("volume %s still holds %d referenced blocks", v.Name, owned)
	}
	if err := t.detachVolume(ctx, id); err != nil {
		return fmt.Errorf("detaching %s: %w", v.Name, err)
	}
	_, err = t.exec(ctx, "UPDATE remote_volumes SET state = ? WHERE id = ?", string(model.Deleted), id)
	if err != nil {
		return fmt.Errorf("marking %s deleted: %w", v.Name, err)
	}
	return nil
}

func (t *Tx) RemoveRemoteVolume(ctx context.Context, id int64) error {
	v, err := t.mustVolume(ctx, id)
	if err != nil {
		return err
	}
	if err := t.relocateBlocks(ctx, id); err != nil {
		return fmt.Errorf("relocating blocks of %s: %w", v.Name, err)
	}
	// Blocks left without another copy are gone with the volume.
	_, err = t.exec(ctx, "DELETE FROM blocks WHERE volume_id = ?", id)
	if err != nil {
		return fmt.Errorf("removing blocks of %s: %w", v.Name, err)
	}
	if err := t.detachVolume(ctx, id); err != nil {
		return fmt.Errorf("detaching %s: %w", v.Name, err)
	}
	if _, err := t.exec(ctx, "DELETE FROM remote_volumes WHERE id = ?", id); err != nil {
		return fmt.Errorf("removing volume %s: %w", v.Name, err)
	}
	return nil
}

// relocateBlocks moves blocks owned by a volume to a live duplicate location.
func (t *Tx) relocateBlocks(ctx context.Context, id int64) error {
	_, err := t.exec(ctx, `UPDATE blocks SET volume_id = (
			SELECT d.volume_id FROM duplicate_blocks d
			JOIN remote_volumes v ON v.id = d.volume_id
			WHERE d.block_id = blocks.id AND d.volume_id != ? AND v.state IN ('Uploading', 'Uploaded', 'Verified')
			ORDER BY CASE v.state WHEN 'Uploading' THEN 1 ELSE 0 END, d.volume_id
			LIMIT 1)
		WHERE volume_id = ? AND EXISTS (
			SELECT 1 FROM duplicate_blocks d
			JOIN remote_volumes v ON v.id = d.volume_id
			WHERE d.block_id = blocks.id AND d.volume_id != ? AND v.state IN ('Uploading', 'Uploaded', 'Verified'))`,
		id, id, id)
	if err != nil {
		return err
	}
	// A duplicate row equal to the new owner is redundant.
	_, err = t.exec(ctx, `DELETE FROM duplicate_blocks WHERE EXISTS (
		SELECT 1 FROM blocks b WHERE b.id = duplicate_blocks.block_id AND b.volume_id = duplicate_blocks.volume_id)`)
	return err
}

// detachVolume drops tombstones, duplicate locations and index links of a volume.
func (t *Tx) detachVolume(ctx context.Context, id int64) error {
	if _, err := t.exec(ctx, "DELETE FROM deleted_blocks WHERE volume_id = ?", id); err != nil {
		return err
	}
	if _, err := t.exec(ctx, "DELETE FROM duplicate_blocks WHERE volume_id = ?", id); err != nil {
		return err
	}
	_, err := t.exec(ctx, "DELETE FROM index_block_links WHERE index_volume_id = ? OR block_volume_id = ?", id, id)
	return err
}

// Index links

func (t *Tx) AddIndexBlockLink(ctx context.Context, indexVolumeID, blockVolumeID int64) error {
	_, err := t.exec(ctx, "INSERT OR IGNORE INTO index_block_links (index_volume_id, block_volume_id) VALUES (?, ?)",
		indexVolumeID, blockVolumeID)
	if err != nil {
		return fmt.Errorf("linking index %d to volume %d: %w", indexVolumeID, blockVolumeID, err)
	}
	return nil
}

func (t *Tx) IndexVolumesFor(ctx context.Context, blockVolumeID int64) ([]*model.RemoteVolume, error) {
	vols, err := t.queryVolumes(ctx, `SELECT `+prefixed("v", volumeColumns)+` FROM remote_volumes v
		JOIN index_block_links l ON l.index_volume_id = v.id
		WHERE l.block_volume_id = ? ORDER BY v.id`, blockVolumeID)
	if err != nil {
		return nil, fmt.Errorf("listing index volumes of %d: %w", blockVolumeID, err)
	}
	return vols, nil
}

func (t *Tx) BlockVolumesFor(ctx context.Context, indexVolumeID int64) ([]*model.RemoteVolume, error) {
	vols, err := t.queryVolumes(ctx, `SELECT `+prefixed("v", volumeColumns)+` FROM remote_volumes v
		JOIN index_block_links l ON l.block_volume_id = v.id
		WHERE l.index_volume_id = ? ORDER BY v.id`, indexVolumeID)
	if err != nil {
		return nil, fmt.Errorf("listing block volumes of %d: %w", indexVolumeID, err)
	}
	return vols, nil
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
