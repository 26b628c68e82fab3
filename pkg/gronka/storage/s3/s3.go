// Package s3 implements the remote object store rung of the fulfillment
// chain against S3 and S3-compatible services (MinIO, R2).
package s3

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

	"github.com/p2xai/gronka/pkg/gronka"
)

const (
	defaultRegion          = "us-east-1"
	defaultPresignDuration = time.Hour
)

// Config options for the S3 backend.
type Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint points at an S3-compatible service when set.
	Endpoint     string
	UsePathStyle bool

	// PresignDuration is the lifetime of presigned GET URLs, in seconds.
	PresignDuration int

	// PublicBaseURL, when set, builds delivery URLs by concatenation
	// instead of presigning (a CDN or public bucket endpoint).
	PublicBaseURL string

	// CreateBucketIfNotExist provisions the bucket on startup; meant for
	// MinIO in development, not production AWS.
	CreateBucketIfNotExist bool
}

// Backend stores artifacts in a single S3 bucket under their object keys.
type Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient

	bucket        string
	presignTTL    time.Duration
	publicBaseURL string
}

// New creates an S3 storage backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	ttl := defaultPresignDuration
	if cfg.PresignDuration > 0 {
		ttl = time.Duration(cfg.PresignDuration) * time.Second
	}

	b := &Backend{
		client:        client,
		uploader:      manager.NewUploader(client),
		presign:       s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		presignTTL:    ttl,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}

	if cfg.CreateBucketIfNotExist {
		if err := b.ensureBucket(context.Background(), cfg.Region); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func newClient(cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		}
	}), nil
}

func (b *Backend) ensureBucket(ctx context.Context, region string) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if !bucketMissing(err) {
		return fmt.Errorf("failed to check bucket %q: %w", b.bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if region != "" && region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		// Racing creators are fine, the bucket exists either way.
		if strings.Contains(err.Error(), "BucketAlreadyExists") ||
			strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("failed to create bucket %q: %w", b.bucket, err)
	}
	return nil
}

// bucketMissing recognizes the several error shapes S3-compatible services
// use for an absent bucket.
func bucketMissing(err error) bool {
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchBucket") ||
		strings.Contains(err.Error(), "BadRequest")
}

// Upload streams content into the bucket under objectKey.
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
		Body:   reader,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %q: %w", objectKey, err)
	}
	return nil
}

// UploadWithParams streams content with its MIME type attached.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params gronka.UploadParams) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(params.ObjectKey),
		Body:        reader,
		ContentType: aws.String(params.MimeType),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %q: %w", params.ObjectKey, err)
	}
	return nil
}

// Download streams one object back. The caller owns the returned reader.
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, gronka.ErrObjectNotFound
		}
		return nil, fmt.Errorf("s3 download %q: %w", objectKey, err)
	}
	return out.Body, nil
}

// Exists reports whether an object is already stored under the key. This is
// the dedup bookkeeping check that keeps a known hash from being re-uploaded.
func (b *Backend) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %q: %w", objectKey, err)
	}
	return true, nil
}

// GetDownloadURL returns a delivery URL for the object: a plain public URL
// when PublicBaseURL is configured, otherwise a presigned GET.
func (b *Backend) GetDownloadURL(ctx context.Context, objectKey string, downloadFilename string) (string, error) {
	if b.publicBaseURL != "" {
		return b.publicBaseURL + "/" + objectKey, nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	}
	if downloadFilename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", downloadFilename))
	}

	signed, err := b.presign.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = b.presignTTL
	})
	if err != nil {
		return "", fmt.Errorf("s3 presign %q: %w", objectKey, err)
	}
	return signed.URL, nil
}

// GetObjectMeta retrieves size, content type, and user metadata for an object.
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*gronka.ObjectMeta, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, gronka.ErrObjectNotFound
		}
		return nil, fmt.Errorf("s3 head %q: %w", objectKey, err)
	}

	meta := &gronka.ObjectMeta{
		Key:         objectKey,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		UpdatedAt:   aws.ToTime(out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		Metadata:    map[string]string{},
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	for k, v := range out.Metadata {
		meta.Metadata[k] = v
	}
	meta.Metadata["content_type"] = meta.ContentType

	return meta, nil
}

// Delete removes one object. Deleting an absent key is not an error in S3.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %q: %w", objectKey, err)
	}
	return nil
}

var _ gronka.BlobStore = (*Backend)(nil)
