// Package volume reads and writes the three remote archive formats: dblock
// volumes holding raw blocks, dindex volumes describing the contents of a
// dblock, and dlist volumes listing the entries of one backup version.
package volume

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type is the kind of a remote volume as it appears in its name.
type Type string

const (
	BlocksType Type = "dblock"
	IndexType  Type = "dindex"
	FilesType  Type = "dlist"
)

// Compression is the container extension of every volume.
const Compression = "zip"

// TimeFormat encodes fileset timestamps in dlist names.
const TimeFormat = "20060102T150405Z"

// Name is a parsed remote volume name.
type Name struct {
	Prefix      string
	Type        Type
	GUID        string
	Time        time.Time
	Compression string
	Encryption  string
}

var nameRE = regexp.MustCompile(`^(.+)-(b[0-9a-f]{32}|i[0-9a-f]{32}|\d{8}T\d{6}Z)\.(dblock|dindex|dlist)\.([a-z0-9]+)(?:\.([a-z0-9]+))?$`)

// ParseName parses name, returning false when it is not a volume name.
func ParseName(name string) (*Name, bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	n := &Name{
		Prefix:      m[1],
		Type:        Type(m[3]),
		Compression: m[4],
		Encryption:  m[5],
	}
	id := m[2]
	switch n.Type {
	case FilesType:
		t, err := time.Parse(TimeFormat, id)
		if err != nil {
			return nil, false
		}
		n.Time = t
	case BlocksType:
		if id[0] != 'b' {
			return nil, false
		}
		n.GUID = id[1:]
	case IndexType:
		if id[0] != 'i' {
			return nil, false
		}
		n.GUID = id[1:]
	}
	return n, true
}

// String formats the name.
func (n *Name) String() string {
	var id string
	switch n.Type {
	case BlocksType:
		id = "b" + n.GUID
	case IndexType:
		id = "i" + n.GUID
	case FilesType:
		id = n.Time.UTC().Format(TimeFormat)
	}
	compression := n.Compression
	if compression == "" {
		compression = Compression
	}
	s := fmt.Sprintf("%s-%s.%s.%s", n.Prefix, id, n.Type, compression)
	if n.Encryption != "" {
		s += "." + n.Encryption
	}
	return s
}

// NewBlockName builds a dblock name. guid may contain dashes.
func NewBlockName(prefix, guid, encryption string) string {
	return (&Name{Prefix: prefix, Type: BlocksType, GUID: normalizeGUID(guid), Encryption: encryption}).String()
}

// NewIndexName builds a dindex name.
func NewIndexName(prefix, guid, encryption string) string {
	return (&Name{Prefix: prefix, Type: IndexType, GUID: normalizeGUID(guid), Encryption: encryption}).String()
}

// NewFilesName builds a dlist name for a fileset timestamp.
func NewFilesName(prefix string, t time.Time, encryption string) string {
	return (&Name{Prefix: prefix, Type: FilesType, Time: t.UTC().Truncate(time.Second), Encryption: encryption}).String()
}

func normalizeGUID(guid string) string {
	return strings.ToLower(strings.ReplaceAll(guid, "-", ""))
}
