package volume

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ManifestVersion is written into every new volume.
const ManifestVersion = 2

const manifestEntry = "manifest"

// Manifest records the parameters a volume was written with.
type Manifest struct {
	Version    int    `json:"Version"`
	Created    string `json:"Created"`
	Encoding   string `json:"Encoding"`
	Blocksize  int64  `json:"Blocksize"`
	BlockHash  string `json:"BlockHash"`
	FileHash   string `json:"FileHash"`
	AppVersion string `json:"AppVersion"`
}

// NewManifest fills in the fixed fields.
func NewManifest(blockSize int64, blockHash, fileHash string, created time.Time) Manifest {
	return Manifest{
		Version:    ManifestVersion,
		Created:    created.UTC().Format(TimeFormat),
		Encoding:   "utf8",
		Blocksize:  blockSize,
		BlockHash:  blockHash,
		FileHash:   fileHash,
		AppVersion: "bv-go",
	}
}

// ErrManifestMismatch is matched by ManifestMismatchError.
var ErrManifestMismatch = errors.New("volume manifest does not match index parameters")

// ManifestMismatchError reports a volume written with different parameters.
type ManifestMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *ManifestMismatchError) Error() string {
	return fmt.Sprintf("manifest %s is %s, expected %s", e.Field, e.Got, e.Want)
}

func (e *ManifestMismatchError) Is(target error) bool { return target == ErrManifestMismatch }

// Check compares the parameters that must agree for blocks to be usable.
func (m Manifest) Check(want Manifest) error {
	if m.Version > ManifestVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.Blocksize != want.Blocksize {
		return &ManifestMismatchError{Field: "Blocksize", Want: fmt.Sprint(want.Blocksize), Got: fmt.Sprint(m.Blocksize)}
	}
	if !strings.EqualFold(m.BlockHash, want.BlockHash) {
		return &ManifestMismatchError{Field: "BlockHash", Want: want.BlockHash, Got: m.BlockHash}
	}
	if !strings.EqualFold(m.FileHash, want.FileHash) {
		return &ManifestMismatchError{Field: "FileHash", Want: want.FileHash, Got: m.FileHash}
	}
	return nil
}

func (m Manifest) marshal() ([]byte, error) {
	return json.Marshal(m)
}

func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Blocksize <= 0 {
		return Manifest{}, fmt.Errorf("manifest has invalid block size %d", m.Blocksize)
	}
	return m, nil
}

// FormatError reports unreadable or inconsistent volume content.
type FormatError struct {
	Volume string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Volume == "" {
		return fmt.Sprintf("invalid volume: %v", e.Err)
	}
	return fmt.Sprintf("invalid volume %s: %v", e.Volume, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(volume string, format string, args ...any) error {
	return &FormatError{Volume: volume, Err: fmt.Errorf(format, args...)}
}
