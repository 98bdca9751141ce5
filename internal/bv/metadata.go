package bv

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"time"
)

// Metadata is the restorable attribute set of one entry.
type Metadata struct {
	Mode     fs.FileMode
	ModTime  time.Time
	UID      int64
	GID      int64
	HasOwner bool
	// Target is the link target of a symlink.
	Target string
}

// Metadata keys as stored in the metadata blockset.
const (
	metaModTime = "CoreLastWritetime"
	metaMode    = "unix:mode"
	metaUID     = "unix:uid"
	metaGID     = "unix:gid"
	metaTarget  = "CoreSymlinkTarget"
)

// encodeMetadata serializes metadata as a JSON object with sorted keys, so
// equal attributes always give the same bytes.
func encodeMetadata(m Metadata) ([]byte, error) {
	values := map[string]string{
		metaModTime: m.ModTime.UTC().Format(time.RFC3339Nano),
		metaMode:    strconv.FormatUint(uint64(m.Mode), 8),
	}
	if m.HasOwner {
		values[metaUID] = strconv.FormatInt(m.UID, 10)
		values[metaGID] = strconv.FormatInt(m.GID, 10)
	}
	if m.Target != "" {
		values[metaTarget] = m.Target
	}
	return json.Marshal(values)
}

func decodeMetadata(data []byte) (Metadata, error) {
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return Metadata{}, fmt.Errorf("parsing metadata: %w", err)
	}
	var m Metadata
	if v, ok := values[metaModTime]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Metadata{}, fmt.Errorf("parsing %s: %w", metaModTime, err)
		}
		m.ModTime = t
	}
	if v, ok := values[metaMode]; ok {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return Metadata{}, fmt.Errorf("parsing %s: %w", metaMode, err)
		}
		m.Mode = fs.FileMode(mode)
	}
	uid, hasUID := values[metaUID]
	gid, hasGID := values[metaGID]
	if hasUID && hasGID {
		var err error
		if m.UID, err = strconv.ParseInt(uid, 10, 64); err != nil {
			return Metadata{}, fmt.Errorf("parsing %s: %w", metaUID, err)
		}
		if m.GID, err = strconv.ParseInt(gid, 10, 64); err != nil {
			return Metadata{}, fmt.Errorf("parsing %s: %w", metaGID, err)
		}
		m.HasOwner = true
	}
	m.Target = values[metaTarget]
	return m, nil
}

// metadataFor collects the attributes of p.
func (s *BVService) metadataFor(p *Path) (Metadata, error) {
	info := p.Info()
	m := Metadata{Mode: info.Mode(), ModTime: info.ModTime()}
	if o, ok := s.fsmgr.Owner(info); ok {
		m.UID, m.GID, m.HasOwner = o.UID, o.GID, true
	}
	if p.Kind() == KindSymlink {
		target, err := s.fsmgr.Readlink(p)
		if err != nil {
			return Metadata{}, fmt.Errorf("reading link %s: %w", p, err)
		}
		m.Target = target
	}
	return m, nil
}
