package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/opencontainers/go-digest"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
)

// Object metadata names. S3 lowercases user metadata keys, so entry
// metadata names are stored lowercased as well.
const (
	s3MetaKey    = "cache-key"
	s3MetaDigest = "cache-digest"
	s3MetaPrefix = "entry-"
)

// s3API is the subset of the S3 client used by S3.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the bucket that holds cache entries.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style
	// addressing is used when it is set.
	Endpoint string `yaml:"endpoint"`
}

// S3 is a Store that keeps each entry as a single object named after the
// SHA-256 of its key.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 creates an S3 store using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3(client s3API, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Root returns the s3:// URL of the bucket prefix.
func (s *S3) Root() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}

// Info returns metadata for key from the object's headers.
func (s *S3) Info(ctx context.Context, key string) (*cachestore.Info, error) {
	objectKey := s.objectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &cachestore.NotFoundError{Key: key, Root: s.Root()}
		}
		return nil, fmt.Errorf("s3: head %s: %w", objectKey, err)
	}

	info := &cachestore.Info{
		Key:    key,
		Path:   "s3://" + s.bucket + "/" + objectKey,
		Root:   s.Root(),
		Digest: out.Metadata[s3MetaDigest],
		Size:   aws.ToInt64(out.ContentLength),
		Time:   aws.ToTime(out.LastModified),
	}
	if stored, ok := out.Metadata[s3MetaKey]; ok && stored != key {
		// Two keys hashing to one object name means the object belongs to
		// someone else.
		return nil, &cachestore.NotFoundError{Key: key, Root: s.Root()}
	}
	for name, value := range out.Metadata {
		if strings.HasPrefix(name, s3MetaPrefix) {
			if info.Metadata == nil {
				info.Metadata = make(map[string]string)
			}
			info.Metadata[strings.TrimPrefix(name, s3MetaPrefix)] = value
		}
	}
	return info, nil
}

// Open streams the object's body.
func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &cachestore.NotFoundError{Key: key, Root: s.Root()}
		}
		return nil, fmt.Errorf("s3: get %s: %w", objectKey, err)
	}
	return out.Body, nil
}

// Put uploads body as a single object. The body is buffered in memory to
// compute its digest and length before the upload.
func (s *S3) Put(ctx context.Context, key string, body io.Reader, meta map[string]string) (*cachestore.Info, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}
	dgst := digest.FromBytes(data)

	metadata := map[string]string{
		s3MetaKey:    key,
		s3MetaDigest: dgst.String(),
	}
	for name, value := range meta {
		metadata[s3MetaPrefix+strings.ToLower(name)] = value
	}

	objectKey := s.objectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: put %s: %w", objectKey, err)
	}

	info := &cachestore.Info{
		Key:    key,
		Path:   "s3://" + s.bucket + "/" + objectKey,
		Root:   s.Root(),
		Digest: dgst.String(),
		Size:   int64(len(data)),
		Time:   time.Now(),
	}
	for name, value := range meta {
		if info.Metadata == nil {
			info.Metadata = make(map[string]string)
		}
		info.Metadata[strings.ToLower(name)] = value
	}
	return info, nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *S3) Close() error {
	return nil
}

func (s *S3) objectKey(key string) string {
	return path.Join(s.prefix, objectID(key))
}

// objectID names a key's object in remote stores.
func objectID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
