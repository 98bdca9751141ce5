package volume

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	filesetEntry  = "fileset"
	filelistEntry = "filelist.json"
)

// Entry types in a file list.
const (
	EntryFile    = "File"
	EntryFolder  = "Folder"
	EntrySymlink = "Symlink"
)

// FilesetInfo is the fileset entry of a dlist volume.
type FilesetInfo struct {
	IsFullBackup bool `json:"IsFullBackup"`
}

// FileEntry is one element of filelist.json. Blocksets of a single block
// are described by BlockHash and BlockSize; longer ones by Blocklists.
type FileEntry struct {
	Type           string   `json:"type"`
	Path           string   `json:"path"`
	Hash           string   `json:"hash,omitempty"`
	Size           int64    `json:"size"`
	Time           string   `json:"time,omitempty"`
	MetaHash       string   `json:"metahash,omitempty"`
	MetaSize       int64    `json:"metasize"`
	MetaBlockHash  string   `json:"metablockhash,omitempty"`
	MetaBlocklists []string `json:"metablocklists,omitempty"`
	BlockHash      string   `json:"blockhash,omitempty"`
	BlockSize      int64    `json:"blocksize,omitempty"`
	Blocklists     []string `json:"blocklists,omitempty"`
}

// ModTime parses Time.
func (e FileEntry) ModTime() (time.Time, error) {
	if e.Time == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeFormat, e.Time)
}

// FormatTime renders t the way FileEntry.Time expects.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// FilesWriter streams a dlist volume.
type FilesWriter struct {
	ar    *archiveWriter
	list  io.Writer
	count int
}

// NewFilesWriter starts a dlist volume on w.
func NewFilesWriter(w io.Writer, m Manifest, info FilesetInfo) (*FilesWriter, error) {
	created, _ := time.Parse(TimeFormat, m.Created)
	ar := newArchiveWriter(w, created)
	data, err := m.marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := ar.writeEntry(manifestEntry, data); err != nil {
		return nil, err
	}
	fs, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encoding fileset: %w", err)
	}
	if err := ar.writeEntry(filesetEntry, fs); err != nil {
		return nil, err
	}
	list, err := ar.create(filelistEntry)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(list, "["); err != nil {
		return nil, fmt.Errorf("writing file list: %w", err)
	}
	return &FilesWriter{ar: ar, list: list}, nil
}

// AddEntry appends an entry to the file list.
func (w *FilesWriter) AddEntry(e FileEntry) error {
	if e.Path == "" {
		return fmt.Errorf("file list entry without a path")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", e.Path, err)
	}
	if w.count > 0 {
		if _, err := io.WriteString(w.list, ","); err != nil {
			return fmt.Errorf("writing file list: %w", err)
		}
	}
	if _, err := w.list.Write(data); err != nil {
		return fmt.Errorf("writing file list: %w", err)
	}
	w.count++
	return nil
}

// Count is the number of entries written.
func (w *FilesWriter) Count() int { return w.count }

func (w *FilesWriter) Close() error {
	if _, err := io.WriteString(w.list, "]"); err != nil {
		return fmt.Errorf("writing file list: %w", err)
	}
	return w.ar.close()
}

// FilesReader reads a dlist volume.
type FilesReader struct {
	ar       *archiveReader
	manifest Manifest
	info     FilesetInfo
}

// OpenFilesReader opens the dlist volume named volume.
func OpenFilesReader(r io.ReaderAt, size int64, volume string) (*FilesReader, error) {
	ar, err := openArchive(r, size, volume)
	if err != nil {
		return nil, err
	}
	m, err := ar.manifest()
	if err != nil {
		return nil, err
	}
	info := FilesetInfo{IsFullBackup: true}
	if ar.has(filesetEntry) {
		data, err := ar.readAll(filesetEntry, 64*1024)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, &FormatError{Volume: volume, Err: fmt.Errorf("parsing fileset: %w", err)}
		}
	}
	if !ar.has(filelistEntry) {
		return nil, formatErr(volume, "missing %s", filelistEntry)
	}
	return &FilesReader{ar: ar, manifest: m, info: info}, nil
}

func (r *FilesReader) Manifest() Manifest { return r.manifest }
func (r *FilesReader) Fileset() FilesetInfo { return r.info }

// Entries streams the file list, calling fn for each entry in order.
func (r *FilesReader) Entries(fn func(FileEntry) error) error {
	rc, err := r.ar.open(filelistEntry)
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	tok, err := dec.Token()
	if err != nil {
		return &FormatError{Volume: r.ar.volume, Err: fmt.Errorf("reading file list: %w", err)}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return formatErr(r.ar.volume, "file list does not start with an array")
	}
	for dec.More() {
		var e FileEntry
		if err := dec.Decode(&e); err != nil {
			return &FormatError{Volume: r.ar.volume, Err: fmt.Errorf("decoding file list entry: %w", err)}
		}
		switch e.Type {
		case EntryFile, EntryFolder, EntrySymlink:
		default:
			return formatErr(r.ar.volume, "entry %s has unknown type %q", e.Path, e.Type)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return &FormatError{Volume: r.ar.volume, Err: fmt.Errorf("reading file list end: %w", err)}
	}
	return nil
}
