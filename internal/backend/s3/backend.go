// Package s3 provides an S3-backed blob backend with emulated epochs. Any
// S3-compatible endpoint works, which makes it usable as a team mirror.
//
// Objects are written under <prefix>blobs/<blobId>; each has a lease object
// at <prefix>leases/<blobId>.json.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/lease"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
	KeyMaxAttempts     = "max_attempts"
)

func init() {
	backend.Register("s3", NewFactory, Defaults)
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return storage.MergeConfig(lease.Defaults(), map[string]string{
		KeyRegion:          "us-east-1",
		KeyEndpoint:        "",
		KeyPrefix:          "",
		KeyAccessKeyID:     "",
		KeySecretAccessKey: "",
		KeyForcePathStyle:  "false",
		// SDK-level retries stay off; callers opt into retry explicitly.
		KeyMaxAttempts: "1",
	})
}

// NewFactory creates a new S3 backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (backend.Backend, error) {
	schedule, err := lease.ScheduleFromConfig("s3", config)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(ctx, config)
	if err != nil {
		return nil, err
	}
	return lease.New(store, schedule), nil
}

// NewStore connects to the bucket described by config and verifies access.
func NewStore(ctx context.Context, config map[string]string) (*Store, error) {
	bucket := storage.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, storage.NewConfigError("s3", KeyBucket, "cannot be empty")
	}

	region := storage.GetString(config, KeyRegion, "us-east-1")
	endpoint := storage.GetString(config, KeyEndpoint, "")
	prefix := storage.GetString(config, KeyPrefix, "")
	accessKeyID := storage.GetString(config, KeyAccessKeyID, "")
	secretAccessKey := storage.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := storage.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("s3", KeyForcePathStyle, config[KeyForcePathStyle], err.Error())
	}

	maxAttempts, err := storage.GetInt(config, KeyMaxAttempts, 1)
	if err != nil || maxAttempts < 1 {
		return nil, storage.NewConfigErrorWithValue("s3", KeyMaxAttempts, config[KeyMaxAttempts], "must be a positive integer")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) { o.RetryMaxAttempts = maxAttempts },
	}
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if forcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	// Fail fast: verify bucket access.
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	slog.Debug("s3 backend initialized", "bucket", bucket, "region", region, "prefix", prefix)

	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Store is an S3 implementation of lease.Store.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	closed atomic.Bool
}

func (s *Store) blobKey(blobID string) string {
	return s.prefix + "blobs/" + blobID
}

func (s *Store) leaseKey(blobID string) string {
	return s.prefix + "leases/" + blobID + ".json"
}

// PutBlob uploads blob content. r must be seekable for request signing over
// plain HTTP; lease.Backend always passes a file or in-memory reader.
func (s *Store) PutBlob(ctx context.Context, blobID string, r io.Reader, size int64) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.blobKey(blobID)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return classify("put", err)
	}
	return nil
}

// GetBlob downloads blob content.
func (s *Store) GetBlob(ctx context.Context, blobID string) ([]byte, error) {
	return s.get(ctx, s.blobKey(blobID))
}

// GetLease downloads and decodes a blob's lease object.
func (s *Store) GetLease(ctx context.Context, blobID string) (lease.Record, error) {
	data, err := s.get(ctx, s.leaseKey(blobID))
	if err != nil {
		return lease.Record{}, err
	}
	rec, err := lease.Unmarshal(data)
	if err != nil {
		return lease.Record{}, fmt.Errorf("s3 get lease: %w: %v", pkgerrors.ErrCorrupt, err)
	}
	return rec, nil
}

// PutLease uploads a blob's lease object.
func (s *Store) PutLease(ctx context.Context, rec lease.Record) error {
	if s.closed.Load() {
		return pkgerrors.ErrClosed
	}
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("s3 put lease: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.leaseKey(rec.BlobID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		Metadata:      map[string]string{"end-epoch": strconv.FormatUint(rec.EndEpoch, 10)},
	})
	if err != nil {
		return classify("put lease", err)
	}
	return nil
}

// Close marks the store closed. The SDK client holds nothing to release.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrClosed
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get: %w: %v", pkgerrors.ErrNetwork, err)
	}
	return data, nil
}

// classify maps SDK errors onto the shared sentinels: missing keys are
// ErrNotFound, 5xx and transport failures are ErrNetwork.
func classify(op string, err error) error {
	if isNotFound(err) {
		return pkgerrors.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("s3 %s: %w", op, err)
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() >= 500 {
			return fmt.Errorf("s3 %s: %w: %v", op, pkgerrors.ErrNetwork, err)
		}
		return fmt.Errorf("s3 %s: %w", op, err)
	}
	return fmt.Errorf("s3 %s: %w: %v", op, pkgerrors.ErrNetwork, err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// HeadObject returns a generic error with status 404.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
