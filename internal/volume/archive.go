package volume

import (
	"archive/zip"
	"fmt"
	"io"
	"time"
)

// archiveWriter writes the container entries of one volume. Entries are
// written sequentially; a new entry invalidates the previous entry writer.
type archiveWriter struct {
	zw       *zip.Writer
	modified time.Time
	names    map[string]struct{}
}

func newArchiveWriter(w io.Writer, modified time.Time) *archiveWriter {
	return &archiveWriter{
		zw:       zip.NewWriter(w),
		modified: modified,
		names:    make(map[string]struct{}),
	}
}

func (a *archiveWriter) has(name string) bool {
	_, ok := a.names[name]
	return ok
}

func (a *archiveWriter) create(name string) (io.Writer, error) {
	if a.has(name) {
		return nil, fmt.Errorf("duplicate archive entry %q", name)
	}
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: a.modified,
	})
	if err != nil {
		return nil, fmt.Errorf("creating archive entry %q: %w", name, err)
	}
	a.names[name] = struct{}{}
	return w, nil
}

func (a *archiveWriter) writeEntry(name string, data []byte) error {
	w, err := a.create(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing archive entry %q: %w", name, err)
	}
	return nil
}

func (a *archiveWriter) close() error {
	if err := a.zw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

// archiveReader gives random access to the entries of one volume.
type archiveReader struct {
	volume  string
	zr      *zip.Reader
	entries map[string]*zip.File
}

func openArchive(r io.ReaderAt, size int64, volume string) (*archiveReader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, &FormatError{Volume: volume, Err: err}
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}
	return &archiveReader{volume: volume, zr: zr, entries: entries}, nil
}

// files returns the entries in archive order.
func (a *archiveReader) files() []*zip.File {
	return a.zr.File
}

func (a *archiveReader) has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// readAll reads a whole entry, refusing entries larger than limit.
func (a *archiveReader) readAll(name string, limit int64) ([]byte, error) {
	f, ok := a.entries[name]
	if !ok {
		return nil, formatErr(a.volume, "missing entry %q", name)
	}
	return a.readFile(f, limit)
}

func (a *archiveReader) readFile(f *zip.File, limit int64) ([]byte, error) {
	if limit > 0 && f.UncompressedSize64 > uint64(limit) {
		return nil, formatErr(a.volume, "entry %q is %d bytes, limit %d", f.Name, f.UncompressedSize64, limit)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &FormatError{Volume: a.volume, Err: fmt.Errorf("opening entry %q: %w", f.Name, err)}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &FormatError{Volume: a.volume, Err: fmt.Errorf("reading entry %q: %w", f.Name, err)}
	}
	return data, nil
}

func (a *archiveReader) open(name string) (io.ReadCloser, error) {
	f, ok := a.entries[name]
	if !ok {
		return nil, formatErr(a.volume, "missing entry %q", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &FormatError{Volume: a.volume, Err: fmt.Errorf("opening entry %q: %w", name, err)}
	}
	return rc, nil
}

func (a *archiveReader) manifest() (Manifest, error) {
	data, err := a.readAll(manifestEntry, 64*1024)
	if err != nil {
		return Manifest{}, err
	}
	m, err := parseManifest(data)
	if err != nil {
		return Manifest{}, &FormatError{Volume: a.volume, Err: err}
	}
	return m, nil
}
