package testutil

import (
	"bv-go/internal/bv"
	"bv-go/internal/staging"
)

// NewTestStagingArea creates a new in-memory staging area without a size limit.
func NewTestStagingArea() bv.StagingArea {
	return staging.NewMemoryStagingArea(0)
}

// NewTestStagingAreaWithSize creates a new in-memory staging area with a custom max size.
func NewTestStagingAreaWithSize(maxSize int64) bv.StagingArea {
	return staging.NewMemoryStagingArea(maxSize)
}
