//go:build !linux

package fs

import (
	"io/fs"

	"bv-go/internal/bv"
)

// Owner is unknown off Linux; metadata is stored without ownership.
func (m *OSFilesystemManager) Owner(fs.FileInfo) (bv.Owner, bool) {
	return bv.Owner{}, false
}
