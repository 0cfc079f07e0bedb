package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3Client is an in-memory object store honoring the conditional
// request semantics the S3 backend relies on: If-None-Match "*" for
// creates, If-Match against the current ETag for replaces.
type fakeS3Client struct {
	mu      sync.Mutex
	objects map[string]fakeS3Object
	serial  int
}

type fakeS3Object struct {
	data []byte
	etag string
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string]fakeS3Object)}
}

func (f *fakeS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (f *fakeS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := *in.Key
	obj, exists := f.objects[key]
	if in.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object already exists"}
	}
	if in.IfMatch != nil && (!exists || obj.etag != *in.IfMatch) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.serial++
	etag := fmt.Sprintf("\"etag-%d\"", f.serial)
	f.objects[key] = fakeS3Object{data: data, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3Client) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3Client) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if in.Prefix == nil || strings.HasPrefix(key, *in.Prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3StaleWriteNamesObject(t *testing.T) {
	store := NewS3StoreWithClient(newFakeS3Client(), "test-bucket", "team/app")
	ctx := context.Background()

	if _, err := store.WriteSnapshot(ctx, "dev", NewSnapshot("dev"), 0); err != nil {
		t.Fatalf("Create write failed: %v", err)
	}

	// A competing create loses the conditional request; the error names
	// the object so the conflict can be traced to a key.
	_, err := store.WriteSnapshot(ctx, "dev", NewSnapshot("dev"), 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "team/app/envs/dev.json") {
		t.Errorf("Expected the conflict error to name the object key, got %q", err)
	}
}
