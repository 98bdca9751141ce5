package bv

import (
	"io/fs"
	"strings"
)

// PathKind classifies a walked entry the way the index stores it.
type PathKind int

const (
	KindFile PathKind = iota
	KindFolder
	KindSymlink
	// KindSpecial covers devices, pipes and sockets. They are never backed up.
	KindSpecial
)

// Path is an absolute path plus the lstat result it was resolved with.
// FilesystemManager implementations construct them.
type Path struct {
	abs  string
	kind PathKind
	info fs.FileInfo
}

// NewPath classifies info and pairs it with abs.
func NewPath(abs string, info fs.FileInfo) *Path {
	kind := KindFile
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		kind = KindSymlink
	case info.IsDir():
		kind = KindFolder
	case !info.Mode().IsRegular():
		kind = KindSpecial
	}
	return &Path{abs: abs, kind: kind, info: info}
}

func (p *Path) String() string    { return p.abs }
func (p *Path) Kind() PathKind    { return p.kind }
func (p *Path) Info() fs.FileInfo { return p.info }

// IsDir reports whether the walk should descend into p.
func (p *Path) IsDir() bool { return p.kind == KindFolder }

// EntryPath is the path recorded in the index. Folders end with a slash.
func (p *Path) EntryPath() string {
	if p.kind == KindFolder && !strings.HasSuffix(p.abs, "/") {
		return p.abs + "/"
	}
	return p.abs
}
