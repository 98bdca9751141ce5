package staging

import (
	"errors"
	"fmt"

	"bv-go/internal/bv"
	"bv-go/internal/config"
)

// NewStagingAreaFromConfig builds the staging area volumes are assembled in
// before upload and unpacked in after download. MaxSize caps the bytes held
// at once for either type.
func NewStagingAreaFromConfig(cfg config.StagingConfig) (bv.StagingArea, error) {
	switch cfg.Type {
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, errors.New("filesystem staging needs staging_dir")
		}
		return NewFileSystemStagingArea(cfg.StagingDir, cfg.MaxSize)
	case "memory":
		return NewMemoryStagingArea(cfg.MaxSize), nil
	}
	return nil, fmt.Errorf("unknown staging type %q", cfg.Type)
}
