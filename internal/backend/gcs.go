package backend

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"bv-go/internal/bv"
)

// GCSOptions configures a GCSBackend.
type GCSOptions struct {
	Bucket string
	Prefix string
	// CredentialsFile is a service account key. When empty the application
	// default credentials are used.
	CredentialsFile string
}

// GCSBackend stores remote volumes as objects in a Google Cloud Storage
// bucket under an optional prefix.
type GCSBackend struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
	prefix string
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// NewGCSBackend creates the storage client.
func NewGCSBackend(ctx context.Context, opts GCSOptions) (*GCSBackend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs backend requires gcs_bucket to be set")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSBackend{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		name:   opts.Bucket,
		prefix: prefix,
	}, nil
}

// Close releases the client.
func (g *GCSBackend) Close() error {
	return g.client.Close()
}

// List iterates over the objects under the prefix.
func (g *GCSBackend) List(ctx context.Context) ([]bv.RemoteFile, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.prefix})
	var files []bv.RemoteFile
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", g.name, g.prefix, err)
		}
		name := strings.TrimPrefix(obj.Name, g.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		files = append(files, bv.RemoteFile{Name: name, Size: obj.Size, Modified: obj.Updated})
	}
	return files, nil
}

// Put uploads the object and checks the CRC32C computed by GCS against
// the local one.
func (g *GCSBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.bucket.Object(g.prefix + name).NewWriter(ctx)
	w.ChunkSize = 8 << 20
	w.ContentType = "application/octet-stream"

	crc := crc32.New(castagnoliTable)
	written, err := io.Copy(w, io.TeeReader(r, crc))
	if err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		w.Close()
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if written != size {
		cancel()
		w.Close()
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		return fmt.Errorf("%s: CRC32C mismatch, local %d, gcs %d", name, local, remote)
	}
	return nil
}

// Get downloads the object to w.
func (g *GCSBackend) Get(ctx context.Context, name string, w io.Writer) error {
	r, err := g.bucket.Object(g.prefix + name).NewReader(ctx)
	if err != nil {
		return g.mapError(name, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	return nil
}

// Delete removes the object.
func (g *GCSBackend) Delete(ctx context.Context, name string) error {
	if err := g.bucket.Object(g.prefix + name).Delete(ctx); err != nil {
		return g.mapError(name, err)
	}
	return nil
}

// Test checks that the bucket exists.
func (g *GCSBackend) Test(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrBucketNotExist) {
			return fmt.Errorf("bucket %s does not exist", g.name)
		}
		return fmt.Errorf("bucket %s not accessible: %w", g.name, err)
	}
	return nil
}

func (g *GCSBackend) mapError(name string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
	}
	return fmt.Errorf("gcs %s: %w", name, err)
}

var _ bv.Backend = (*GCSBackend)(nil)
