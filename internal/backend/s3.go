package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"bv-go/internal/bv"
)

// S3Options configures an S3Backend.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint selects an S3 compatible service. Path style addressing is
	// used when it is set.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// LockMode is the retention mode applied by SetObjectLockUntil.
	LockMode string
}

// S3Backend stores remote volumes as objects in an S3 bucket under an
// optional key prefix.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	lockMode types.ObjectLockRetentionMode
}

// NewS3Backend loads the AWS configuration and creates the client.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires s3_bucket to be set")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	mode := types.ObjectLockRetentionModeGovernance
	if opts.LockMode != "" {
		mode = types.ObjectLockRetentionMode(strings.ToUpper(opts.LockMode))
		if mode != types.ObjectLockRetentionModeGovernance && mode != types.ObjectLockRetentionModeCompliance {
			return nil, fmt.Errorf("invalid s3 lock mode %q", opts.LockMode)
		}
	}

	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   prefix,
		lockMode: mode,
	}, nil
}

func (b *S3Backend) key(name string) *string {
	return aws.String(b.prefix + name)
}

// List pages through the objects under the prefix. Objects in nested
// "directories" are not part of the backup and are skipped.
func (b *S3Backend) List(ctx context.Context) ([]bv.RemoteFile, error) {
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	var files []bv.RemoteFile
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", b.bucket, b.prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, bv.RemoteFile{
				Name:     name,
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return files, nil
}

// Put uploads the object, using multipart uploads for large volumes.
func (b *S3Backend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	cr := &countingReader{r: r}
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
		Body:   cr,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if cr.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}
	return nil
}

// Get downloads the object to w.
func (b *S3Backend) Get(ctx context.Context, name string, w io.Writer) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		return b.mapError(name, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	return nil
}

// Delete removes the object. S3 deletes are idempotent, so the object is
// looked up first to report missing names.
func (b *S3Backend) Delete(ctx context.Context, name string) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		return b.mapError(name, err)
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		return b.mapError(name, err)
	}
	return nil
}

// Test checks that the bucket exists and is accessible.
func (b *S3Backend) Test(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", b.bucket, err)
	}
	return nil
}

// SetObjectLockUntil applies a retention period to the current version of
// the object. The bucket must have object lock enabled.
func (b *S3Backend) SetObjectLockUntil(ctx context.Context, name string, until time.Time) error {
	_, err := b.client.PutObjectRetention(ctx, &s3.PutObjectRetentionInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
		Retention: &types.ObjectLockRetention{
			Mode:            b.lockMode,
			RetainUntilDate: aws.Time(until),
		},
	})
	if err != nil {
		return b.mapError(name, err)
	}
	return nil
}

// GetObjectLockUntil returns the retention date, or the zero time when the
// object has none.
func (b *S3Backend) GetObjectLockUntil(ctx context.Context, name string) (time.Time, error) {
	out, err := b.client.GetObjectRetention(ctx, &s3.GetObjectRetentionInput{
		Bucket: aws.String(b.bucket),
		Key:    b.key(name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchObjectLockConfiguration" {
			return time.Time{}, nil
		}
		return time.Time{}, b.mapError(name, err)
	}
	if out.Retention == nil {
		return time.Time{}, nil
	}
	return aws.ToTime(out.Retention.RetainUntilDate), nil
}

func (b *S3Backend) mapError(name string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
		case "InvalidRequest", "ObjectLockConfigurationNotFoundError":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "object lock") {
				return fmt.Errorf("%s: %w: %v", name, bv.ErrObjectLockUnsupported, err)
			}
		}
	}
	return fmt.Errorf("s3 %s: %w", name, err)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var (
	_ bv.Backend      = (*S3Backend)(nil)
	_ bv.ObjectLocker = (*S3Backend)(nil)
)
