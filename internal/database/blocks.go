package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bv-go/internal/blockhash"
	"bv-go/internal/model"
)

func (t *Tx) queryBlocks(ctx context.Context, query string, args ...any) ([]*model.Block, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blocks []*model.Block
	for rows.Next() {
		var b model.Block
		if err := rows.Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
			return nil, err
		}
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

func (t *Tx) FindBlock(ctx context.Context, hash string, size int64) (*model.Block, error) {
	var b model.Block
	err := t.tx.QueryRowContext(ctx, "SELECT id, hash, size, volume_id FROM blocks WHERE hash = ? AND size = ?", hash, size).
		Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding block %s: %w", hash, err)
	}
	return &b, nil
}

func (t *Tx) AddBlock(ctx context.Context, hash string, size int64, volumeID int64) (int64, error) {
	id, err := t.insert(ctx, "INSERT INTO blocks (hash, size, volume_id) VALUES (?, ?, ?)", hash, size, volumeID)
	if err != nil {
		return 0, fmt.Errorf("adding block %s: %w", hash, err)
	}
	return id, nil
}

func (t *Tx) ResurrectDeletedBlock(ctx context.Context, hash string, size int64) (*model.Block, error) {
	var tombstone, volumeID int64
	err := t.tx.QueryRowContext(ctx, `SELECT d.id, d.volume_id FROM deleted_blocks d
		JOIN remote_volumes v ON v.id = d.volume_id
		WHERE d.hash = ? AND d.size = ? AND v.state IN ('Uploaded', 'Verified')
		ORDER BY d.id LIMIT 1`, hash, size).Scan(&tombstone, &volumeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding deleted block %s: %w", hash, err)
	}
	id, err := t.AddBlock(ctx, hash, size, volumeID)
	if err != nil {
		return nil, err
	}
	if _, err := t.exec(ctx, "DELETE FROM deleted_blocks WHERE id = ?", tombstone); err != nil {
		return nil, fmt.Errorf("removing tombstone of %s: %w", hash, err)
	}
	return &model.Block{ID: id, Hash: hash, Size: size, VolumeID: volumeID}, nil
}

func (t *Tx) AddDuplicateBlock(ctx context.Context, blockID, volumeID int64) error {
	var owner int64
	err := t.tx.QueryRowContext(ctx, "SELECT volume_id FROM blocks WHERE id = ?", blockID).Scan(&owner)
	if err != nil {
		return fmt.Errorf("finding block %d: %w", blockID, err)
	}
	if owner == volumeID {
		return nil
	}
	_, err = t.exec(ctx, "INSERT OR IGNORE INTO duplicate_blocks (block_id, volume_id) VALUES (?, ?)", blockID, volumeID)
	if err != nil {
		return fmt.Errorf("adding duplicate of block %d: %w", blockID, err)
	}
	return nil
}

func (t *Tx) BlockCopies(ctx context.Context, blockID int64) ([]*model.RemoteVolume, error) {
	vols, err := t.queryVolumes(ctx, `SELECT `+prefixed("v", volumeColumns)+` FROM remote_volumes v
		JOIN duplicate_blocks d ON d.volume_id = v.id
		WHERE d.block_id = ? AND v.state IN ('Uploaded', 'Verified')
		AND v.id != (SELECT volume_id FROM blocks WHERE id = d.block_id)
		ORDER BY v.id`, blockID)
	if err != nil {
		return nil, fmt.Errorf("listing copies of block %d: %w", blockID, err)
	}
	return vols, nil
}

func (t *Tx) MoveBlock(ctx context.Context, blockID, volumeID int64) error {
	var owner int64
	err := t.tx.QueryRowContext(ctx, "SELECT volume_id FROM blocks WHERE id = ?", blockID).Scan(&owner)
	if err != nil {
		return fmt.Errorf("finding block %d: %w", blockID, err)
	}
	if owner == volumeID {
		return nil
	}
	if _, err := t.exec(ctx, "INSERT OR IGNORE INTO duplicate_blocks (block_id, volume_id) VALUES (?, ?)", blockID, owner); err != nil {
		return fmt.Errorf("recording old location of block %d: %w", blockID, err)
	}
	if _, err := t.exec(ctx, "DELETE FROM duplicate_blocks WHERE block_id = ? AND volume_id = ?", blockID, volumeID); err != nil {
		return fmt.Errorf("moving block %d: %w", blockID, err)
	}
	if _, err := t.exec(ctx, "UPDATE blocks SET volume_id = ? WHERE id = ?", volumeID, blockID); err != nil {
		return fmt.Errorf("moving block %d: %w", blockID, err)
	}
	return nil
}

func (t *Tx) BlocksInVolume(ctx context.Context, volumeID int64) ([]*model.Block, error) {
	blocks, err := t.queryBlocks(ctx, "SELECT id, hash, size, volume_id FROM blocks WHERE volume_id = ? ORDER BY id", volumeID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks of volume %d: %w", volumeID, err)
	}
	return blocks, nil
}

func (t *Tx) BlocklistBlocksInVolume(ctx context.Context, volumeID int64) ([]*model.Block, error) {
	blocks, err := t.queryBlocks(ctx, `SELECT b.id, b.hash, b.size, b.volume_id FROM blocks b
		WHERE b.volume_id = ? AND EXISTS (SELECT 1 FROM blocklist_hashes h WHERE h.hash = b.hash)
		ORDER BY b.id`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("listing blocklist blocks of volume %d: %w", volumeID, err)
	}
	return blocks, nil
}

// Blocksets

func (t *Tx) FindBlockset(ctx context.Context, fullHash string, length int64) (*model.Blockset, error) {
	var s model.Blockset
	err := t.tx.QueryRowContext(ctx, "SELECT id, length, full_hash FROM blocksets WHERE full_hash = ? AND length = ?", fullHash, length).
		Scan(&s.ID, &s.Length, &s.FullHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding blockset %s: %w", fullHash, err)
	}
	return &s, nil
}

func (t *Tx) CreateBlockset(ctx context.Context, fullHash string, length int64) (int64, error) {
	id, err := t.insert(ctx, "INSERT INTO blocksets (length, full_hash) VALUES (?, ?)", length, fullHash)
	if err != nil {
		return 0, fmt.Errorf("creating blockset %s: %w", fullHash, err)
	}
	return id, nil
}

func (t *Tx) AddBlocksetEntry(ctx context.Context, blocksetID, index, blockID int64) error {
	_, err := t.exec(ctx, "INSERT OR IGNORE INTO blockset_entries (blockset_id, idx, block_id) VALUES (?, ?, ?)",
		blocksetID, index, blockID)
	if err != nil {
		return fmt.Errorf("adding entry %d of blockset %d: %w", index, blocksetID, err)
	}
	return nil
}

func (t *Tx) AddBlocklistHash(ctx context.Context, blocksetID, index int64, hash string) error {
	_, err := t.exec(ctx, "INSERT OR IGNORE INTO blocklist_hashes (blockset_id, idx, hash) VALUES (?, ?, ?)",
		blocksetID, index, hash)
	if err != nil {
		return fmt.Errorf("adding blocklist %d of blockset %d: %w", index, blocksetID, err)
	}
	return nil
}

func (t *Tx) BlocksetBlocks(ctx context.Context, blocksetID int64) ([]*model.BlocksetBlock, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT e.idx, e.block_id, b.hash, b.size, b.volume_id
		FROM blockset_entries e JOIN blocks b ON b.id = e.block_id
		WHERE e.blockset_id = ? ORDER BY e.idx`, blocksetID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks of blockset %d: %w", blocksetID, err)
	}
	defer rows.Close()
	var out []*model.BlocksetBlock
	for rows.Next() {
		var b model.BlocksetBlock
		if err := rows.Scan(&b.Index, &b.BlockID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
			return nil, fmt.Errorf("listing blocks of blockset %d: %w", blocksetID, err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (t *Tx) BlocklistHashes(ctx context.Context, blocksetID int64) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT hash FROM blocklist_hashes WHERE blockset_id = ? ORDER BY idx", blocksetID)
	if err != nil {
		return nil, fmt.Errorf("listing blocklists of blockset %d: %w", blocksetID, err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (t *Tx) BlocklistData(ctx context.Context, hash string, blockSize int64, hashSize int) ([]byte, error) {
	var blocksetID, index, length int64
	err := t.tx.QueryRowContext(ctx, `SELECT h.blockset_id, h.idx, s.length FROM blocklist_hashes h
		JOIN blocksets s ON s.id = h.blockset_id
		WHERE h.hash = ? ORDER BY h.blockset_id LIMIT 1`, hash).Scan(&blocksetID, &index, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding blocklist %s: %w", hash, err)
	}

	per := blockhash.HashesPerBlocklist(blockSize, hashSize)
	first := index * per
	want := blockhash.ExpectedBlocks(length, blockSize) - first
	if want > per {
		want = per
	}
	if want <= 0 {
		return nil, nil
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT b.hash FROM blockset_entries e JOIN blocks b ON b.id = e.block_id
		WHERE e.blockset_id = ? AND e.idx >= ? AND e.idx < ? ORDER BY e.idx`, blocksetID, first, first+want)
	if err != nil {
		return nil, fmt.Errorf("reading blocklist %s: %w", hash, err)
	}
	defer rows.Close()
	var buf bytes.Buffer
	var n int64
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		raw, err := blockhash.Decode(h)
		if err != nil {
			return nil, fmt.Errorf("decoding block hash %s: %w", h, err)
		}
		buf.Write(raw)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n != want {
		return nil, nil
	}
	return buf.Bytes(), nil
}

func (t *Tx) IncompleteBlocksets(ctx context.Context, blockSize int64) ([]*model.Blockset, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT s.id, s.length, s.full_hash FROM blocksets s
		WHERE (SELECT COUNT(*) FROM blockset_entries e WHERE e.blockset_id = s.id) != (s.length + ? - 1) / ?
		ORDER BY s.id`, blockSize, blockSize)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete blocksets: %w", err)
	}
	defer rows.Close()
	var sets []*model.Blockset
	for rows.Next() {
		var s model.Blockset
		if err := rows.Scan(&s.ID, &s.Length, &s.FullHash); err != nil {
			return nil, err
		}
		sets = append(sets, &s)
	}
	return sets, rows.Err()
}
