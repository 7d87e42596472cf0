// Package s3 implements store.Store on Amazon S3 and S3-compatible providers.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/store"
)

// digestKey is the user metadata key holding the payload digest.
const digestKey = "ferry-digest"

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	// Required by most S3-compatible providers (R2, MinIO, etc.).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParsePath parses a path in format "bucket/prefix" or "bucket".
func ParsePath(p string) (bucket, prefix string) {
	parts := strings.SplitN(p, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

// Store is an S3-backed store.Store.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ store.Store = (*Store)(nil)

// New creates an S3 store. Credentials come from the AWS SDK default chain
// (env vars, shared config, IAM role).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, store.Wrap(fmt.Errorf("failed to load AWS config: %w", err), "init", cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			// S3-compatible providers vary in support for default
			// integrity checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewWithClient(s3.NewFromConfig(awsConfig, s3Opts...), cfg), nil
}

// NewWithClient creates an S3 store using an existing client.
func NewWithClient(client *s3.Client, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Backend implements store.Store.
func (s *Store) Backend() string {
	return "s3"
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) location(name string) string {
	return "s3://" + s.bucket + "/" + s.key(name)
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, name string, data []byte, meta store.Meta) (store.ObjectInfo, error) {
	if err := store.ValidateName(name); err != nil {
		return store.ObjectInfo{}, err
	}
	if meta.ContentType == "" {
		meta.ContentType = store.DefaultContentType
	}

	userMeta := make(map[string]string, len(meta.Attributes)+1)
	for k, v := range meta.Attributes {
		userMeta[strings.ToLower(k)] = v
	}
	if meta.Digest != "" {
		userMeta[digestKey] = meta.Digest
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(meta.ContentType),
		Metadata:      userMeta,
	})
	if err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "put", name)
	}

	return store.ObjectInfo{
		Name:        name,
		Size:        int64(len(data)),
		ContentType: meta.ContentType,
		Digest:      meta.Digest,
		Attributes:  meta.Attributes,
		ModTime:     time.Now().UTC(),
		Location:    s.location(name),
	}, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, name string) ([]byte, store.ObjectInfo, error) {
	if err := store.ValidateName(name); err != nil {
		return nil, store.ObjectInfo{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, store.ObjectInfo{}, store.Wrap(err, "get", name)
	}
	defer iox.DiscardClose(out.Body)

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, store.ObjectInfo{}, store.Wrap(err, "get", name)
	}
	info := s.objectInfo(name, int64(len(data)), out.ContentType, out.LastModified, out.Metadata)
	return data, info, nil
}

// Delete implements store.Store. S3 deletes are idempotent, so existence is
// checked first to report ErrNotFound.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.Info(ctx, name); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	return store.Wrap(err, "delete", name)
}

// Info implements store.Store.
func (s *Store) Info(ctx context.Context, name string) (store.ObjectInfo, error) {
	if err := store.ValidateName(name); err != nil {
		return store.ObjectInfo{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "info", name)
	}
	return s.objectInfo(name, aws.ToInt64(out.ContentLength), out.ContentType, out.LastModified, out.Metadata), nil
}

func (s *Store) objectInfo(name string, size int64, contentType *string, modTime *time.Time, userMeta map[string]string) store.ObjectInfo {
	info := store.ObjectInfo{
		Name:        name,
		Size:        size,
		ContentType: aws.ToString(contentType),
		Location:    s.location(name),
	}
	if info.ContentType == "" {
		info.ContentType = store.DefaultContentType
	}
	if modTime != nil {
		info.ModTime = modTime.UTC()
	}
	for k, v := range userMeta {
		k = strings.ToLower(k)
		if k == digestKey {
			info.Digest = v
			continue
		}
		if info.Attributes == nil {
			info.Attributes = make(map[string]string, len(userMeta))
		}
		info.Attributes[k] = v
	}
	return info
}
