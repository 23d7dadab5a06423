package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = fakeObject{
		data:     data,
		metadata: in.Metadata,
		modified: time.Now(),
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3PutInfoOpen(t *testing.T) {
	ctx := context.Background()
	store := newS3(newFakeS3(), "bucket", "/cache/")
	assert.Equal(t, "s3://bucket/cache", store.Root())

	put, err := store.Put(ctx, "tape-4.17.0", strings.NewReader("archive"), map[string]string{"Integrity": "sha512-x"})
	require.NoError(t, err)
	assert.Equal(t, "sha512-x", put.Metadata["integrity"])

	info, err := store.Info(ctx, "tape-4.17.0")
	require.NoError(t, err)
	assert.Equal(t, "tape-4.17.0", info.Key)
	assert.Equal(t, put.Path, info.Path)
	assert.True(t, strings.HasPrefix(info.Path, "s3://bucket/cache/"))
	assert.Equal(t, put.Digest, info.Digest)
	assert.Equal(t, int64(len("archive")), info.Size)
	assert.Equal(t, map[string]string{"integrity": "sha512-x"}, info.Metadata)

	rc, err := store.Open(ctx, "tape-4.17.0")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
}

func TestS3Missing(t *testing.T) {
	ctx := context.Background()
	store := newS3(newFakeS3(), "bucket", "")
	assert.Equal(t, "s3://bucket", store.Root())

	_, err := store.Info(ctx, "nope")
	require.ErrorIs(t, err, cachestore.ErrNotFound)
	assert.Equal(t, "no cache entry for nope found in s3://bucket", err.Error())

	_, err = store.Open(ctx, "nope")
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestS3HeadError(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("access denied")
	store := newS3(fake, "bucket", "")

	_, err := store.Info(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cachestore.ErrNotFound)
	assert.ErrorIs(t, err, fake.headErr)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}
