package database

import (
	"context"
	"fmt"

	"bv-go/internal/bv"
	"bv-go/internal/model"
)

func (t *Tx) VolumeUsage(ctx context.Context) ([]*model.VolumeUsage, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT v.id, v.name, v.size,
			COALESCE((SELECT SUM(b.size) FROM blocks b WHERE b.volume_id = v.id), 0),
			(SELECT COUNT(*) FROM blocks b WHERE b.volume_id = v.id),
			COALESCE((SELECT SUM(d.size) FROM deleted_blocks d WHERE d.volume_id = v.id), 0)
				+ COALESCE((SELECT SUM(b.size) FROM duplicate_blocks u JOIN blocks b ON b.id = u.block_id WHERE u.volume_id = v.id), 0)
		FROM remote_volumes v
		WHERE v.type = ? AND v.state IN ('Uploaded', 'Verified')
		ORDER BY v.id`, string(model.BlocksVolume))
	if err != nil {
		return nil, fmt.Errorf("computing volume usage: %w", err)
	}
	defer rows.Close()

	var usage []*model.VolumeUsage
	for rows.Next() {
		var u model.VolumeUsage
		if err := rows.Scan(&u.VolumeID, &u.Name, &u.CompressedSize, &u.ActiveSize, &u.BlockCount, &u.InactiveSize); err != nil {
			return nil, fmt.Errorf("computing volume usage: %w", err)
		}
		usage = append(usage, &u)
	}
	return usage, rows.Err()
}

func (t *Tx) setMissingVolumes(ctx context.Context, missing []int64) error {
	if _, err := t.exec(ctx, "CREATE TEMP TABLE IF NOT EXISTS missing_volumes (id INTEGER PRIMARY KEY)"); err != nil {
		return err
	}
	if _, err := t.exec(ctx, "DELETE FROM missing_volumes"); err != nil {
		return err
	}
	for _, id := range missing {
		if _, err := t.exec(ctx, "INSERT OR IGNORE INTO missing_volumes (id) VALUES (?)", id); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) BrokenFiles(ctx context.Context, blockSize int64, missing []int64) ([]*model.BrokenFile, error) {
	if err := t.setMissingVolumes(ctx, missing); err != nil {
		return nil, fmt.Errorf("recording missing volumes: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, `WITH
		available(id) AS (
			SELECT id FROM remote_volumes
			WHERE state IN ('Uploaded', 'Verified') AND id NOT IN (SELECT id FROM missing_volumes)),
		lost_blocks(id) AS (
			SELECT b.id FROM blocks b
			WHERE b.volume_id NOT IN (SELECT id FROM available)
			AND NOT EXISTS (SELECT 1 FROM duplicate_blocks d
				WHERE d.block_id = b.id AND d.volume_id IN (SELECT id FROM available))),
		broken_sets(id) AS (
			SELECT e.blockset_id FROM blockset_entries e
			WHERE e.block_id IN (SELECT id FROM lost_blocks) OR e.block_id NOT IN (SELECT id FROM blocks)
			UNION
			SELECT s.id FROM blocksets s
			WHERE (SELECT COUNT(*) FROM blockset_entries e WHERE e.blockset_id = s.id) != (s.length + ? - 1) / ?)
		SELECT f.id, f.timestamp, fl.id, p.prefix || fl.path, COALESCE(bs.length, 0)
		FROM fileset_entries fe
		JOIN filesets f ON f.id = fe.fileset_id
		JOIN file_lookup fl ON fl.id = fe.file_id
		JOIN path_prefixes p ON p.id = fl.prefix_id
		LEFT JOIN blocksets bs ON bs.id = fl.blockset_id
		LEFT JOIN metadatasets m ON m.id = fl.metadata_id
		WHERE (fl.blockset_id >= 0 AND (bs.id IS NULL OR fl.blockset_id IN (SELECT id FROM broken_sets)))
			OR m.id IS NULL
			OR m.blockset_id IN (SELECT id FROM broken_sets)
		ORDER BY f.timestamp DESC, p.prefix || fl.path`, blockSize, blockSize)
	if err != nil {
		return nil, fmt.Errorf("listing broken files: %w", err)
	}
	defer rows.Close()

	var broken []*model.BrokenFile
	for rows.Next() {
		var b model.BrokenFile
		var ts int64
		if err := rows.Scan(&b.FilesetID, &ts, &b.FileID, &b.Path, &b.Length); err != nil {
			return nil, fmt.Errorf("listing broken files: %w", err)
		}
		b.Timestamp = unixTime(ts)
		broken = append(broken, &b)
	}
	return broken, rows.Err()
}

type consistencyCheck struct {
	table  string
	detail string
	query  string
	args   []any
}

func (t *Tx) VerifyConsistency(ctx context.Context, blockSize int64, hashSize int) error {
	per := blockSize / int64(hashSize)
	checks := []consistencyCheck{
		{"fileset_entries", "referencing missing filesets",
			"SELECT COUNT(*) FROM fileset_entries WHERE fileset_id NOT IN (SELECT id FROM filesets)", nil},
		{"fileset_entries", "referencing missing files",
			"SELECT COUNT(*) FROM fileset_entries WHERE file_id NOT IN (SELECT id FROM file_lookup)", nil},
		{"file_lookup", "referencing missing blocksets",
			"SELECT COUNT(*) FROM file_lookup WHERE blockset_id >= 0 AND blockset_id NOT IN (SELECT id FROM blocksets)", nil},
		{"file_lookup", "with unknown sentinel blocksets",
			"SELECT COUNT(*) FROM file_lookup WHERE blockset_id < 0 AND blockset_id NOT IN (?, ?)",
			[]any{model.FolderBlocksetID, model.SymlinkBlocksetID}},
		{"file_lookup", "referencing missing metadata",
			"SELECT COUNT(*) FROM file_lookup WHERE metadata_id NOT IN (SELECT id FROM metadatasets)", nil},
		{"file_lookup", "referencing missing path prefixes",
			"SELECT COUNT(*) FROM file_lookup WHERE prefix_id NOT IN (SELECT id FROM path_prefixes)", nil},
		{"metadatasets", "referencing missing blocksets",
			"SELECT COUNT(*) FROM metadatasets WHERE blockset_id NOT IN (SELECT id FROM blocksets)", nil},
		{"blockset_entries", "referencing missing blocks",
			"SELECT COUNT(*) FROM blockset_entries WHERE block_id NOT IN (SELECT id FROM blocks)", nil},
		{"blocks", "referencing missing volumes",
			"SELECT COUNT(*) FROM blocks WHERE volume_id NOT IN (SELECT id FROM remote_volumes)", nil},
		{"blocks", "stored in deleted volumes",
			"SELECT COUNT(*) FROM blocks WHERE volume_id IN (SELECT id FROM remote_volumes WHERE state = 'Deleted')", nil},
		{"deleted_blocks", "referencing missing volumes",
			"SELECT COUNT(*) FROM deleted_blocks WHERE volume_id NOT IN (SELECT id FROM remote_volumes)", nil},
		{"duplicate_blocks", "referencing missing blocks or volumes",
			`SELECT COUNT(*) FROM duplicate_blocks
				WHERE block_id NOT IN (SELECT id FROM blocks) OR volume_id NOT IN (SELECT id FROM remote_volumes)`, nil},
		{"blocksets", "with a wrong block count",
			`SELECT COUNT(*) FROM blocksets s
				WHERE (SELECT COUNT(*) FROM blockset_entries e WHERE e.blockset_id = s.id) != (s.length + ? - 1) / ?`,
			[]any{blockSize, blockSize}},
		{"blocksets", "whose blocks do not add up to their length",
			`SELECT COUNT(*) FROM blocksets s
				WHERE s.length != COALESCE((SELECT SUM(b.size) FROM blockset_entries e
					JOIN blocks b ON b.id = e.block_id WHERE e.blockset_id = s.id), 0)`, nil},
		{"blocklist_hashes", "with a wrong count for their blockset",
			`SELECT COUNT(*) FROM blocksets s
				WHERE (SELECT COUNT(*) FROM blocklist_hashes h WHERE h.blockset_id = s.id) !=
					CASE WHEN (s.length + ? - 1) / ? > 1 THEN ((s.length + ? - 1) / ? + ? - 1) / ? ELSE 0 END`,
			[]any{blockSize, blockSize, blockSize, blockSize, per, per}},
		{"filesets", "referencing missing dlist volumes",
			"SELECT COUNT(*) FROM filesets WHERE volume_id NOT IN (SELECT id FROM remote_volumes WHERE type = ?)",
			[]any{string(model.FilesVolume)}},
	}

	for _, c := range checks {
		n, err := t.count(ctx, c.query, c.args...)
		if err != nil {
			return fmt.Errorf("checking %s: %w", c.table, err)
		}
		if n > 0 {
			return &bv.ConsistencyError{Table: c.table, Count: n, Detail: c.detail}
		}
	}
	return nil
}
