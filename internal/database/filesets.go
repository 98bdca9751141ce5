package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bv-go/internal/model"
)

// splitPath separates an entry path into its parent prefix, which keeps the
// trailing slash, and its final element. Folder names keep their slash.
func splitPath(p string) (prefix, name string) {
	trimmed := strings.TrimSuffix(p, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "", p
	}
	return p[:i+1], p[i+1:]
}

func (t *Tx) FindOrCreateMetadataset(ctx context.Context, blocksetID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM metadatasets WHERE blockset_id = ?", blocksetID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("finding metadataset: %w", err)
	}
	id, err = t.insert(ctx, "INSERT INTO metadatasets (blockset_id) VALUES (?)", blocksetID)
	if err != nil {
		return 0, fmt.Errorf("creating metadataset: %w", err)
	}
	return id, nil
}

func (t *Tx) findOrCreatePrefix(ctx context.Context, prefix string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM path_prefixes WHERE prefix = ?", prefix).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return t.insert(ctx, "INSERT INTO path_prefixes (prefix) VALUES (?)", prefix)
}

func (t *Tx) FindOrCreateFile(ctx context.Context, path string, blocksetID, metadataID int64) (int64, error) {
	prefix, name := splitPath(path)
	prefixID, err := t.findOrCreatePrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("recording prefix of %s: %w", path, err)
	}

	var id int64
	err = t.tx.QueryRowContext(ctx, `SELECT id FROM file_lookup
		WHERE prefix_id = ? AND path = ? AND blockset_id = ? AND metadata_id = ?`,
		prefixID, name, blocksetID, metadataID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("finding file %s: %w", path, err)
	}
	id, err = t.insert(ctx, "INSERT INTO file_lookup (prefix_id, path, blockset_id, metadata_id) VALUES (?, ?, ?, ?)",
		prefixID, name, blocksetID, metadataID)
	if err != nil {
		return 0, fmt.Errorf("creating file %s: %w", path, err)
	}
	return id, nil
}

// Filesets

// CreateFileset inserts a fileset. A timestamp already taken by another
// fileset is moved forward one second at a time; f.Timestamp is updated.
func (t *Tx) CreateFileset(ctx context.Context, f *model.Fileset) (int64, error) {
	ts, err := t.freeTimestamp(ctx, f.Timestamp.Unix(), 0)
	if err != nil {
		return 0, err
	}
	id, err := t.insert(ctx, "INSERT INTO filesets (operation_id, volume_id, is_full_backup, timestamp) VALUES (?, ?, ?, ?)",
		f.OperationID, f.VolumeID, boolInt(f.IsFullBackup), ts)
	if err != nil {
		return 0, fmt.Errorf("creating fileset: %w", err)
	}
	f.ID = id
	f.Timestamp = unixTime(ts)
	return id, nil
}

func (t *Tx) freeTimestamp(ctx context.Context, ts int64, self int64) (int64, error) {
	for {
		n, err := t.count(ctx, "SELECT COUNT(*) FROM filesets WHERE timestamp = ? AND id != ?", ts, self)
		if err != nil {
			return 0, fmt.Errorf("checking fileset timestamp: %w", err)
		}
		if n == 0 {
			return ts, nil
		}
		ts++
	}
}

func (t *Tx) UpdateFileset(ctx context.Context, id, volumeID int64, timestamp time.Time, isFull bool) error {
	ts, err := t.freeTimestamp(ctx, timestamp.Unix(), id)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, "UPDATE filesets SET volume_id = ?, timestamp = ?, is_full_backup = ? WHERE id = ?",
		volumeID, ts, boolInt(isFull), id)
	if err != nil {
		return fmt.Errorf("updating fileset %d: %w", id, err)
	}
	return nil
}

func (t *Tx) AddFilesetEntry(ctx context.Context, filesetID, fileID int64, lastModified time.Time) error {
	_, err := t.exec(ctx, "INSERT OR REPLACE INTO fileset_entries (fileset_id, file_id, lastmodified) VALUES (?, ?, ?)",
		filesetID, fileID, lastModified.Unix())
	if err != nil {
		return fmt.Errorf("adding entry to fileset %d: %w", filesetID, err)
	}
	return nil
}

func (t *Tx) ListFilesets(ctx context.Context) ([]*model.Fileset, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT f.id, f.operation_id, f.volume_id, f.timestamp, f.is_full_backup,
			COUNT(e.file_id), COALESCE(SUM(CASE WHEN fl.blockset_id >= 0 THEN bs.length ELSE 0 END), 0)
		FROM filesets f
		LEFT JOIN fileset_entries e ON e.fileset_id = f.id
		LEFT JOIN file_lookup fl ON fl.id = e.file_id
		LEFT JOIN blocksets bs ON bs.id = fl.blockset_id
		GROUP BY f.id
		ORDER BY f.timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	defer rows.Close()

	var sets []*model.Fileset
	for rows.Next() {
		var f model.Fileset
		var ts int64
		var full int
		if err := rows.Scan(&f.ID, &f.OperationID, &f.VolumeID, &ts, &full, &f.FileCount, &f.TotalSize); err != nil {
			return nil, fmt.Errorf("listing filesets: %w", err)
		}
		f.Timestamp = unixTime(ts)
		f.IsFullBackup = full != 0
		f.Version = len(sets)
		sets = append(sets, &f)
	}
	return sets, rows.Err()
}

func (t *Tx) FindFilesetByVolume(ctx context.Context, volumeID int64) (*model.Fileset, error) {
	var f model.Fileset
	var ts int64
	var full int
	err := t.tx.QueryRowContext(ctx, "SELECT id, operation_id, volume_id, timestamp, is_full_backup FROM filesets WHERE volume_id = ?", volumeID).
		Scan(&f.ID, &f.OperationID, &f.VolumeID, &ts, &full)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding fileset of volume %d: %w", volumeID, err)
	}
	f.Timestamp = unixTime(ts)
	f.IsFullBackup = full != 0
	return &f, nil
}

const entryQuery = `SELECT fl.id, p.prefix || fl.path, fl.blockset_id, fl.metadata_id,
		COALESCE(m.blockset_id, -1), COALESCE(bs.length, 0), COALESCE(bs.full_hash, ''),
		COALESCE(mbs.length, 0), COALESCE(mbs.full_hash, ''), e.lastmodified
	FROM fileset_entries e
	JOIN file_lookup fl ON fl.id = e.file_id
	JOIN path_prefixes p ON p.id = fl.prefix_id
	LEFT JOIN blocksets bs ON bs.id = fl.blockset_id
	LEFT JOIN metadatasets m ON m.id = fl.metadata_id
	LEFT JOIN blocksets mbs ON mbs.id = m.blockset_id
	WHERE e.fileset_id = ?`

func scanEntry(row rowScanner) (*model.FileEntry, error) {
	var e model.FileEntry
	var lm int64
	if err := row.Scan(&e.FileID, &e.Path, &e.BlocksetID, &e.MetadataID, &e.MetaBlocksetID,
		&e.Length, &e.FullHash, &e.MetaLength, &e.MetaHash, &lm); err != nil {
		return nil, err
	}
	e.LastModified = unixTime(lm)
	return &e, nil
}

func (t *Tx) FilesetEntries(ctx context.Context, filesetID int64) ([]*model.FileEntry, error) {
	rows, err := t.tx.QueryContext(ctx, entryQuery+" ORDER BY p.prefix || fl.path", filesetID)
	if err != nil {
		return nil, fmt.Errorf("listing entries of fileset %d: %w", filesetID, err)
	}
	defer rows.Close()
	var entries []*model.FileEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("listing entries of fileset %d: %w", filesetID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *Tx) FindFileEntry(ctx context.Context, filesetID int64, path string) (*model.FileEntry, error) {
	prefix, name := splitPath(path)
	row := t.tx.QueryRowContext(ctx, entryQuery+" AND p.prefix = ? AND fl.path = ?", filesetID, prefix, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s in fileset %d: %w", path, filesetID, err)
	}
	return e, nil
}

func (t *Tx) RemoveFilesetEntries(ctx context.Context, filesetID int64, fileIDs []int64) error {
	for _, id := range fileIDs {
		if _, err := t.exec(ctx, "DELETE FROM fileset_entries WHERE fileset_id = ? AND file_id = ?", filesetID, id); err != nil {
			return fmt.Errorf("removing file %d from fileset %d: %w", id, filesetID, err)
		}
	}
	return nil
}

func (t *Tx) DropFilesets(ctx context.Context, ids []int64) ([]*model.RemoteVolume, error) {
	var vols []*model.RemoteVolume
	for _, id := range ids {
		var volumeID int64
		err := t.tx.QueryRowContext(ctx, "SELECT volume_id FROM filesets WHERE id = ?", id).Scan(&volumeID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("finding fileset %d: %w", id, err)
		}
		if _, err := t.exec(ctx, "DELETE FROM fileset_entries WHERE fileset_id = ?", id); err != nil {
			return nil, fmt.Errorf("removing entries of fileset %d: %w", id, err)
		}
		if _, err := t.exec(ctx, "DELETE FROM filesets WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("removing fileset %d: %w", id, err)
		}

		v, err := t.GetRemoteVolume(ctx, volumeID)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if v.State != model.Deleting && model.ValidTransition(v.State, model.Deleting) {
			if err := t.UpdateRemoteVolume(ctx, v.ID, model.Deleting, -1, ""); err != nil {
				return nil, err
			}
			v.State = model.Deleting
		}
		vols = append(vols, v)
	}
	if _, err := t.PurgeUnreferenced(ctx); err != nil {
		return nil, err
	}
	return vols, nil
}

// PurgeUnreferenced removes rows no fileset reaches any more. Blocks left
// unreferenced become tombstones, one per location that holds them.
func (t *Tx) PurgeUnreferenced(ctx context.Context) (int64, error) {
	stmts := []string{
		"DELETE FROM file_lookup WHERE id NOT IN (SELECT file_id FROM fileset_entries)",
		"DELETE FROM metadatasets WHERE id NOT IN (SELECT metadata_id FROM file_lookup)",
		`DELETE FROM blocksets WHERE id NOT IN (SELECT blockset_id FROM file_lookup)
			AND id NOT IN (SELECT blockset_id FROM metadatasets)`,
		"DELETE FROM blockset_entries WHERE blockset_id NOT IN (SELECT id FROM blocksets)",
		"DELETE FROM blocklist_hashes WHERE blockset_id NOT IN (SELECT id FROM blocksets)",
		"DELETE FROM path_prefixes WHERE id NOT IN (SELECT prefix_id FROM file_lookup)",
	}
	for _, q := range stmts {
		if _, err := t.exec(ctx, q); err != nil {
			return 0, fmt.Errorf("purging unreferenced rows: %w", err)
		}
	}

	const unreferenced = `NOT EXISTS (SELECT 1 FROM blockset_entries e WHERE e.block_id = b.id)
		AND NOT EXISTS (SELECT 1 FROM blocklist_hashes h WHERE h.hash = b.hash)`

	_, err := t.exec(ctx, `INSERT INTO deleted_blocks (hash, size, volume_id)
		SELECT b.hash, b.size, d.volume_id FROM duplicate_blocks d JOIN blocks b ON b.id = d.block_id
		WHERE `+unreferenced)
	if err != nil {
		return 0, fmt.Errorf("tombstoning duplicate blocks: %w", err)
	}
	res, err := t.exec(ctx, `INSERT INTO deleted_blocks (hash, size, volume_id)
		SELECT b.hash, b.size, b.volume_id FROM blocks b WHERE `+unreferenced)
	if err != nil {
		return 0, fmt.Errorf("tombstoning blocks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	_, err = t.exec(ctx, `DELETE FROM duplicate_blocks WHERE block_id IN (
		SELECT b.id FROM blocks b WHERE `+unreferenced+`)`)
	if err != nil {
		return 0, fmt.Errorf("removing duplicate blocks: %w", err)
	}
	if _, err := t.exec(ctx, "DELETE FROM blocks WHERE id IN (SELECT b.id FROM blocks b WHERE "+unreferenced+")"); err != nil {
		return 0, fmt.Errorf("removing blocks: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
