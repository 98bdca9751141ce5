//go:build linux

package fs

import (
	"io/fs"
	"syscall"

	"bv-go/internal/bv"
)

func (m *OSFilesystemManager) Owner(info fs.FileInfo) (bv.Owner, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return bv.Owner{}, false
	}
	return bv.Owner{UID: int64(st.Uid), GID: int64(st.Gid)}, true
}
