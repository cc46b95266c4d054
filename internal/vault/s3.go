package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"artisync/internal/artisync"
)

// S3Client is the subset of *s3.Client used by S3Vault.
type S3Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// versionKey is the user-metadata key carrying a metadata item's version.
const versionKey = "artisync-version"

// defaultS3Timeout bounds each request made by S3Vault.
const defaultS3Timeout = 5 * time.Minute

// S3Vault stores blobs in an S3 (or S3-compatible) bucket:
//
//	<prefix>/content/<ab>/<checksum>
//	<prefix>/metadata/<collectionID>/<name>
//
// Metadata versions travel as object user metadata.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   S3Client
	uploader *manager.Uploader
	timeout  time.Duration
}

// NewS3Vault creates a vault backed by client.
func NewS3Vault(name, bucket, prefix string, client S3Client) *S3Vault {
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
		timeout:  defaultS3Timeout,
	}
}

func (v *S3Vault) contentKey(checksum string) string {
	if len(checksum) < 2 {
		return path.Join(v.prefix, "content", "_", checksum)
	}
	return path.Join(v.prefix, "content", checksum[:2], checksum)
}

func (v *S3Vault) metadataKey(collectionID, name string) string {
	return path.Join(v.prefix, "metadata", collectionID, name)
}

func (v *S3Vault) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), v.timeout)
}

func (v *S3Vault) PutContent(checksum string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	ctx, cancel := v.requestContext()
	defer cancel()

	key := v.contentKey(checksum)
	if _, err := v.head(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return v.upload(ctx, key, data, nil)
}

func (v *S3Vault) GetContent(checksum string, w io.Writer) error {
	ctx, cancel := v.requestContext()
	defer cancel()
	return v.download(ctx, v.contentKey(checksum), w)
}

func (v *S3Vault) PutMetadata(collectionID, name string, r io.Reader, size int64, version int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	ctx, cancel := v.requestContext()
	defer cancel()
	meta := map[string]string{versionKey: strconv.FormatInt(version, 10)}
	return v.upload(ctx, v.metadataKey(collectionID, name), data, meta)
}

func (v *S3Vault) GetMetadata(collectionID, name string, w io.Writer) error {
	ctx, cancel := v.requestContext()
	defer cancel()
	return v.download(ctx, v.metadataKey(collectionID, name), w)
}

func (v *S3Vault) GetMetadataVersion(collectionID, name string) (int64, error) {
	ctx, cancel := v.requestContext()
	defer cancel()

	out, err := v.head(ctx, v.metadataKey(collectionID, name))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, ok := out.Metadata[versionKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version of %s/%s: %w", collectionID, name, err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable with the
// configured credentials.
func (v *S3Vault) ValidateSetup() error {
	ctx, cancel := v.requestContext()
	defer cancel()
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func (v *S3Vault) upload(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", v.bucket, key, err)
	}
	return nil
}

func (v *S3Vault) download(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3://%s/%s: %w", v.bucket, key, ErrNotFound)
		}
		return fmt.Errorf("downloading s3://%s/%s: %w", v.bucket, key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading s3://%s/%s: %w", v.bucket, key, err)
	}
	return nil
}

func (v *S3Vault) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", v.bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("inspecting s3://%s/%s: %w", v.bucket, key, err)
	}
	return out, nil
}

// isNotFound recognises both the modeled S3 errors and the bare status codes
// some S3-compatible servers return for HEAD requests.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

var _ artisync.Vault = (*S3Vault)(nil)
