package bv

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"bv-go/internal/blockhash"
	"bv-go/internal/retention"
)

// Options holds the backup format and maintenance settings of a service.
type Options struct {
	Prefix     string
	BlockSize  int64
	BlockHash  string
	FileHash   string
	VolumeSize int64

	// CompactThreshold is the wasted percentage that makes a volume a
	// compaction candidate.
	CompactThreshold int
	// SmallFileSize is the compressed size at or below which a volume
	// counts as small. Zero means VolumeSize / 5.
	SmallFileSize     int64
	SmallFileMaxCount int
	NoAutoCompact     bool

	Retention retention.Options
}

// DefaultOptions returns the default backup format.
func DefaultOptions() Options {
	return Options{
		Prefix:            "bv",
		BlockSize:         blockhash.DefaultBlockSize,
		BlockHash:         "SHA256",
		FileHash:          "SHA256",
		VolumeSize:        50 * blockhash.MiB,
		CompactThreshold:  25,
		SmallFileMaxCount: 20,
	}
}

// BVService is the orchestration layer that runs every engine operation
// against the local index and remote storage.
type BVService struct {
	database Database
	manager  *Manager
	staging  StagingArea
	fsmgr    FilesystemManager
	opts     Options
	logger   Logger
	clock    Clock
	idgen    VolumeIDs

	chunker  *blockhash.Chunker
	hashSize int
}

// NewBVService creates a new BVService with the provided dependencies.
func NewBVService(database Database, manager *Manager, staging StagingArea, fsmgr FilesystemManager, opts Options, logger Logger, clock Clock, idgen VolumeIDs) (*BVService, error) {
	if opts.Prefix == "" {
		return nil, fmt.Errorf("volume prefix is empty")
	}
	chunker, err := blockhash.NewChunker(opts.BlockSize, opts.BlockHash, opts.FileHash)
	if err != nil {
		return nil, err
	}
	hashSize, err := blockhash.Size(opts.BlockHash)
	if err != nil {
		return nil, err
	}
	if opts.VolumeSize < opts.BlockSize {
		return nil, fmt.Errorf("volume size %d is smaller than block size %d", opts.VolumeSize, opts.BlockSize)
	}
	if opts.SmallFileSize <= 0 {
		opts.SmallFileSize = opts.VolumeSize / 5
	}
	if logger == nil {
		logger = DiscardLogger()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if idgen == nil {
		idgen = RandomVolumeIDs{}
	}
	return &BVService{
		database: database,
		manager:  manager,
		staging:  staging,
		fsmgr:    fsmgr,
		opts:     opts,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		chunker:  chunker,
		hashSize: hashSize,
	}, nil
}

// Options returns the options the service runs with.
func (s *BVService) Options() Options { return s.opts }

// Index configuration keys guarding the backup format.
const (
	configBlockSize = "blocksize"
	configBlockHash = "block-hash"
	configFileHash  = "file-hash"
)

// verifyParameters compares the format parameters with the ones stored in
// the index. Missing values are recorded when record is true.
func (s *BVService) verifyParameters(ctx context.Context, tx Transaction, record bool) error {
	stored, err := tx.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("reading index configuration: %w", err)
	}
	want := []struct{ key, value string }{
		{configBlockSize, strconv.FormatInt(s.opts.BlockSize, 10)},
		{configBlockHash, s.opts.BlockHash},
		{configFileHash, s.opts.FileHash},
	}
	for _, p := range want {
		got, ok := stored[p.key]
		if ok && got != p.value {
			return &ParameterChangedError{Key: p.key, Stored: got, Requested: p.value}
		}
		if !ok && record {
			if err := tx.SetConfiguration(ctx, p.key, p.value); err != nil {
				return fmt.Errorf("recording %s: %w", p.key, err)
			}
		}
	}
	return nil
}

// warning renders a log message and its key/value pairs for an operation
// result.
func warning(msg string, args ...any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", args[i], args[i+1])
	}
	return sb.String()
}
