// Package continuation stores the saved position of runs suspended by a long
// Wait in a gocloud.dev blob bucket.
package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/flexli/flexli/pkg/schema"
)

// DefaultPrefix is prepended to every object key.
const DefaultPrefix = "continuations/"

// BlobStore keeps one JSON object per continuation key.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// Open opens the bucket at url, e.g. "mem://" or "file:///var/lib/flexli".
func Open(ctx context.Context, url, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open continuation bucket %s", url).WithCause(err)
	}
	return New(bucket, prefix), nil
}

// New wraps an open bucket. An empty prefix means DefaultPrefix.
func New(bucket *blob.Bucket, prefix string) *BlobStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &BlobStore{bucket: bucket, prefix: prefix}
}

func (s *BlobStore) Save(ctx context.Context, key string, c *schema.Continuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode continuation").WithCause(err)
	}
	err = s.bucket.WriteAll(ctx, s.objectKey(key), data, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write continuation %s", key).WithCause(err)
	}
	return nil
}

func (s *BlobStore) Load(ctx context.Context, key string) (*schema.Continuation, error) {
	data, err := s.bucket.ReadAll(ctx, s.objectKey(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "continuation %s not found", key)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read continuation %s", key).WithCause(err)
	}

	var c schema.Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode continuation %s", key).WithCause(err)
	}
	return &c, nil
}

// Delete removes a continuation. Deleting a missing one is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.objectKey(key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return schema.NewErrorf(schema.ErrCodeStore, "delete continuation %s", key).WithCause(err)
	}
	return nil
}

// Keys lists the continuation keys saved for a tenant, or all when tenantID
// is empty.
func (s *BlobStore) Keys(ctx context.Context, tenantID string) ([]string, error) {
	prefix := s.prefix
	if tenantID != "" {
		prefix += tenantID + "/"
	}
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, schema.NewError(schema.ErrCodeStore, "list continuations").WithCause(err)
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(obj.Key, s.prefix), ".json"))
	}
	return keys, nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func (s *BlobStore) objectKey(key string) string {
	return fmt.Sprintf("%s%s.json", s.prefix, key)
}
