package model

import "time"

// VolumeType is the kind of a remote volume.
type VolumeType string

const (
	BlocksVolume VolumeType = "Blocks"
	IndexVolume  VolumeType = "Index"
	FilesVolume  VolumeType = "Files"
)

// Sentinel blockset ids used by entries without content.
const (
	FolderBlocksetID  int64 = -100
	SymlinkBlocksetID int64 = -200
)

// RemoteVolume is one physical archive object.
type RemoteVolume struct {
	ID                int64
	OperationID       int64
	Name              string
	Type              VolumeType
	State             VolumeState
	Size              int64 // -1 until known
	Hash              string
	VerificationCount int64
	LockExpiration    *time.Time
}

// IsLive reports whether the object is expected to exist remotely.
func (v *RemoteVolume) IsLive() bool {
	return v.State == Uploaded || v.State == Verified
}

// Block is one stored block and the volume that owns it.
type Block struct {
	ID       int64
	Hash     string
	Size     int64
	VolumeID int64
}

// BlocksetBlock is one ordered entry of a blockset.
type BlocksetBlock struct {
	Index    int64
	BlockID  int64
	Hash     string
	Size     int64
	VolumeID int64
}

// Blockset is the content description of one file or metadata stream.
type Blockset struct {
	ID       int64
	Length   int64
	FullHash string
}

// Fileset is one backup version. Version is assigned when listing: 0 is
// the newest.
type Fileset struct {
	ID           int64
	OperationID  int64
	VolumeID     int64
	Timestamp    time.Time
	IsFullBackup bool
	Version      int
	FileCount    int64
	TotalSize    int64
}

// FileEntry is one entry of a fileset joined with its content and metadata.
type FileEntry struct {
	FileID         int64
	Path           string
	BlocksetID     int64
	MetadataID     int64
	MetaBlocksetID int64
	Length         int64
	FullHash       string
	MetaLength     int64
	MetaHash       string
	LastModified   time.Time
}

// IsFolder reports whether the entry is a directory.
func (e *FileEntry) IsFolder() bool { return e.BlocksetID == FolderBlocksetID }

// IsSymlink reports whether the entry is a symbolic link.
func (e *FileEntry) IsSymlink() bool { return e.BlocksetID == SymlinkBlocksetID }

// VolumeUsage summarizes live and wasted data in one dblock volume.
type VolumeUsage struct {
	VolumeID       int64
	Name           string
	ActiveSize     int64
	InactiveSize   int64
	CompressedSize int64
	BlockCount     int64
}

// DataSize is the uncompressed size of all blocks ever stored in the volume.
func (u *VolumeUsage) DataSize() int64 { return u.ActiveSize + u.InactiveSize }

// WastedRatio is the fraction of the volume's data no longer referenced.
func (u *VolumeUsage) WastedRatio() float64 {
	if u.DataSize() == 0 {
		return 0
	}
	return float64(u.InactiveSize) / float64(u.DataSize())
}

// BrokenFile is a fileset entry whose content cannot be fully restored.
type BrokenFile struct {
	FilesetID int64
	Timestamp time.Time
	FileID    int64
	Path      string
	Length    int64
}

// Operation records one run of an engine operation.
type Operation struct {
	ID          int64
	Description string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
	Error       string
}

// Operation statuses.
const (
	OperationRunning   = "running"
	OperationSucceeded = "success"
	OperationFailed    = "failed"
)
