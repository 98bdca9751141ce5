package bv

import (
	"context"
	"time"

	"bv-go/internal/model"
)

// Database is the durable local index. All reads and writes go through a
// Transaction; only one is open at a time.
type Database interface {
	// Begin starts the transaction every operation works in.
	Begin(ctx context.Context) (Transaction, error)

	// BackupTo writes a consistent copy of the index to destPath.
	BackupTo(ctx context.Context, destPath string) error

	// CheckMigrations verifies the schema is up to date.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}

// Transaction is one unit of index mutation.
type Transaction interface {
	Index
	Commit() error
	Rollback() error
}

// Index is the set of queries and mutations the engine runs against the
// local index. Lookups that find nothing return a nil result and no error.
type Index interface {
	// Configuration

	GetConfiguration(ctx context.Context) (map[string]string, error)
	SetConfiguration(ctx context.Context, key, value string) error

	// Operation log

	CreateOperation(ctx context.Context, description string, startedAt time.Time) (int64, error)
	FinishOperation(ctx context.Context, id int64, status, errMsg string, finishedAt time.Time) error
	ListOperations(ctx context.Context, limit int) ([]*model.Operation, error)

	// Remote volumes

	// CreateRemoteVolume inserts a volume row using Name, Type, State,
	// Size, Hash and OperationID.
	CreateRemoteVolume(ctx context.Context, v *model.RemoteVolume) (int64, error)
	FindRemoteVolume(ctx context.Context, name string) (*model.RemoteVolume, error)
	GetRemoteVolume(ctx context.Context, id int64) (*model.RemoteVolume, error)
	ListRemoteVolumes(ctx context.Context) ([]*model.RemoteVolume, error)

	// UpdateRemoteVolume changes state, size and hash. A size below zero
	// or an empty hash leaves the stored value. Invalid state transitions
	// return an InvariantError.
	UpdateRemoteVolume(ctx context.Context, id int64, state model.VolumeState, size int64, hash string) error

	// MarkVolumeVerified sets the state to Verified and counts the check.
	MarkVolumeVerified(ctx context.Context, id int64) error
	SetVolumeLockExpiration(ctx context.Context, id int64, until time.Time) error

	// MarkVolumeDeleted records a confirmed remote delete: blocks with a
	// live duplicate move there, tombstones and duplicates of the volume
	// are dropped, and the state becomes Deleted. A volume still owning
	// blocks is an InvariantError.
	MarkVolumeDeleted(ctx context.Context, id int64) error

	// RemoveRemoteVolume drops a volume that never reached remote storage,
	// together with its blocks, tombstones, duplicates and index links.
	RemoveRemoteVolume(ctx context.Context, id int64) error

	AddIndexBlockLink(ctx context.Context, indexVolumeID, blockVolumeID int64) error
	IndexVolumesFor(ctx context.Context, blockVolumeID int64) ([]*model.RemoteVolume, error)
	BlockVolumesFor(ctx context.Context, indexVolumeID int64) ([]*model.RemoteVolume, error)

	// Blocks

	FindBlock(ctx context.Context, hash string, size int64) (*model.Block, error)
	AddBlock(ctx context.Context, hash string, size int64, volumeID int64) (int64, error)

	// ResurrectDeletedBlock moves a tombstone whose volume is still live
	// back into the block table. It returns nil when there is none.
	ResurrectDeletedBlock(ctx context.Context, hash string, size int64) (*model.Block, error)

	AddDuplicateBlock(ctx context.Context, blockID, volumeID int64) error

	// BlockCopies returns the Uploaded or Verified volumes, other than the
	// owner, that hold a copy of a block.
	BlockCopies(ctx context.Context, blockID int64) ([]*model.RemoteVolume, error)

	// MoveBlock changes the owning volume of a block and records the old
	// volume as a duplicate location.
	MoveBlock(ctx context.Context, blockID, volumeID int64) error

	BlocksInVolume(ctx context.Context, volumeID int64) ([]*model.Block, error)

	// BlocklistBlocksInVolume returns the blocks of a volume whose hash is
	// used as a blocklist hash.
	BlocklistBlocksInVolume(ctx context.Context, volumeID int64) ([]*model.Block, error)

	// Blocksets

	FindBlockset(ctx context.Context, fullHash string, length int64) (*model.Blockset, error)
	CreateBlockset(ctx context.Context, fullHash string, length int64) (int64, error)
	AddBlocksetEntry(ctx context.Context, blocksetID, index, blockID int64) error
	AddBlocklistHash(ctx context.Context, blocksetID, index int64, hash string) error
	BlocksetBlocks(ctx context.Context, blocksetID int64) ([]*model.BlocksetBlock, error)
	BlocklistHashes(ctx context.Context, blocksetID int64) ([]string, error)

	// BlocklistData regenerates the content of a blocklist from the stored
	// blockset order. It returns nil when no blockset uses the hash or the
	// covered entries are incomplete.
	BlocklistData(ctx context.Context, hash string, blockSize int64, hashSize int) ([]byte, error)

	// IncompleteBlocksets returns blocksets with fewer entries than their
	// length requires.
	IncompleteBlocksets(ctx context.Context, blockSize int64) ([]*model.Blockset, error)

	// Files and metadata

	FindOrCreateMetadataset(ctx context.Context, blocksetID int64) (int64, error)
	FindOrCreateFile(ctx context.Context, path string, blocksetID, metadataID int64) (int64, error)

	// Filesets

	CreateFileset(ctx context.Context, f *model.Fileset) (int64, error)
	UpdateFileset(ctx context.Context, id, volumeID int64, timestamp time.Time, isFull bool) error
	AddFilesetEntry(ctx context.Context, filesetID, fileID int64, lastModified time.Time) error

	// ListFilesets returns filesets newest first with Version, FileCount
	// and TotalSize filled in.
	ListFilesets(ctx context.Context) ([]*model.Fileset, error)
	FindFilesetByVolume(ctx context.Context, volumeID int64) (*model.Fileset, error)

	// FilesetEntries returns the entries of a fileset ordered by path.
	FilesetEntries(ctx context.Context, filesetID int64) ([]*model.FileEntry, error)
	FindFileEntry(ctx context.Context, filesetID int64, path string) (*model.FileEntry, error)
	RemoveFilesetEntries(ctx context.Context, filesetID int64, fileIDs []int64) error

	// DropFilesets removes filesets, marks their dlist volumes Deleting,
	// purges rows no other fileset references, and returns the dlists.
	DropFilesets(ctx context.Context, ids []int64) ([]*model.RemoteVolume, error)

	// PurgeUnreferenced removes unreferenced files, metadata and blocksets
	// and turns unreferenced blocks into tombstones. It returns the number
	// of blocks tombstoned.
	PurgeUnreferenced(ctx context.Context) (int64, error)

	// Maintenance

	// VolumeUsage reports live and wasted bytes of every live dblock volume.
	VolumeUsage(ctx context.Context) ([]*model.VolumeUsage, error)

	// BrokenFiles lists fileset entries whose content or metadata cannot be
	// restored: incomplete blocksets or blocks without a live copy. Volumes
	// in missing are treated as absent.
	BrokenFiles(ctx context.Context, blockSize int64, missing []int64) ([]*model.BrokenFile, error)

	// VerifyConsistency checks referential and structural invariants and
	// returns a *ConsistencyError for the first violation.
	VerifyConsistency(ctx context.Context, blockSize int64, hashSize int) error

	// Recreate scratch space for blocklist content

	PutBlocklistCache(ctx context.Context, hash string, data []byte) error
	GetBlocklistCache(ctx context.Context, hash string) ([]byte, error)
	ClearBlocklistCache(ctx context.Context) error
}
