package volume

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"bv-go/internal/blockhash"
)

const (
	volumePrefix = "vol/"
	listPrefix   = "list/"
)

// VolumeIndex describes the blocks of one dblock volume.
type VolumeIndex struct {
	Name       string      `json:"-"`
	Blocks     []BlockInfo `json:"blocks"`
	VolumeHash string      `json:"volumehash"`
	VolumeSize int64       `json:"volumesize"`
}

// BlocklistEntry is one list/ entry of a dindex volume.
type BlocklistEntry struct {
	Hash string
	Data []byte
}

// IndexWriter writes a dindex volume.
type IndexWriter struct {
	ar        *archiveWriter
	volumes   []string
	blocklist int
}

// NewIndexWriter starts a dindex volume on w.
func NewIndexWriter(w io.Writer, m Manifest) (*IndexWriter, error) {
	created, _ := time.Parse(TimeFormat, m.Created)
	ar := newArchiveWriter(w, created)
	data, err := m.marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := ar.writeEntry(manifestEntry, data); err != nil {
		return nil, err
	}
	return &IndexWriter{ar: ar}, nil
}

// AddVolume records the block membership of a dblock volume.
func (w *IndexWriter) AddVolume(v VolumeIndex) error {
	if v.Name == "" {
		return fmt.Errorf("volume index without a volume name")
	}
	if v.Blocks == nil {
		v.Blocks = []BlockInfo{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding index for %s: %w", v.Name, err)
	}
	if err := w.ar.writeEntry(volumePrefix+v.Name, data); err != nil {
		return err
	}
	w.volumes = append(w.volumes, v.Name)
	return nil
}

// AddBlocklist stores the contents of a blocklist. Repeated hashes are ignored.
func (w *IndexWriter) AddBlocklist(hash string, data []byte) error {
	name, err := blockhash.URLSafe(hash)
	if err != nil {
		return err
	}
	if w.ar.has(listPrefix + name) {
		return nil
	}
	if err := w.ar.writeEntry(listPrefix+name, data); err != nil {
		return err
	}
	w.blocklist++
	return nil
}

// Volumes lists the dblock names recorded so far.
func (w *IndexWriter) Volumes() []string { return append([]string(nil), w.volumes...) }

// BlocklistCount is the number of list/ entries written.
func (w *IndexWriter) BlocklistCount() int { return w.blocklist }

func (w *IndexWriter) Close() error {
	return w.ar.close()
}

// IndexReader reads a dindex volume.
type IndexReader struct {
	ar       *archiveReader
	manifest Manifest
}

// OpenIndexReader opens the dindex volume named volume.
func OpenIndexReader(r io.ReaderAt, size int64, volume string) (*IndexReader, error) {
	ar, err := openArchive(r, size, volume)
	if err != nil {
		return nil, err
	}
	m, err := ar.manifest()
	if err != nil {
		return nil, err
	}
	return &IndexReader{ar: ar, manifest: m}, nil
}

func (r *IndexReader) Manifest() Manifest { return r.manifest }

// Volumes returns the vol/ entries sorted by dblock name.
func (r *IndexReader) Volumes() ([]VolumeIndex, error) {
	var out []VolumeIndex
	for _, f := range r.ar.files() {
		if !strings.HasPrefix(f.Name, volumePrefix) {
			continue
		}
		data, err := r.ar.readFile(f, 0)
		if err != nil {
			return nil, err
		}
		var v VolumeIndex
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &FormatError{Volume: r.ar.volume, Err: fmt.Errorf("parsing %s: %w", f.Name, err)}
		}
		v.Name = strings.TrimPrefix(f.Name, volumePrefix)
		for _, b := range v.Blocks {
			if b.Size <= 0 || b.Size > r.manifest.Blocksize {
				return nil, formatErr(r.ar.volume, "block %s in %s has size %d", b.Hash, v.Name, b.Size)
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Blocklists returns the list/ entries in archive order.
func (r *IndexReader) Blocklists() ([]BlocklistEntry, error) {
	var out []BlocklistEntry
	for _, f := range r.ar.files() {
		if !strings.HasPrefix(f.Name, listPrefix) {
			continue
		}
		hash, err := blockhash.FromURLSafe(strings.TrimPrefix(f.Name, listPrefix))
		if err != nil {
			return nil, &FormatError{Volume: r.ar.volume, Err: err}
		}
		data, err := r.ar.readFile(f, r.manifest.Blocksize)
		if err != nil {
			return nil, err
		}
		out = append(out, BlocklistEntry{Hash: hash, Data: data})
	}
	return out, nil
}
