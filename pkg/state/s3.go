package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client defines the S3 operations used by the object-storage backend.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements Store on S3 (or any compatible object store that
// honors conditional requests). The compare-and-swap discipline rides
// on conditional PutObject: If-None-Match "*" for a first write,
// If-Match against the ETag observed at the last read otherwise. The
// document's embedded version serial is validated as well, so a caller
// presenting a stale expectedVersion is rejected even before the
// conditional request would catch it.
type S3Store struct {
	client S3Client
	bucket string
	prefix string

	// etags tracks, per object key, the ETag seen at the last read by
	// this process. A write without a prior read of the current version
	// fails the conditional request.
	mu    sync.Mutex
	etags map[string]string
}

// NewS3Store creates an object-storage backend for s3://bucket/prefix.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("state: s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3StoreWithClient creates an S3Store around an existing client.
func NewS3StoreWithClient(client S3Client, bucket, prefix string) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		etags:  make(map[string]string),
	}
}

func (s *S3Store) envKey(environment string) string {
	return s.prefix + "envs/" + environment + ".json"
}

func (s *S3Store) lockKey(name string) string {
	return s.prefix + "locks/" + name + ".json"
}

func (s *S3Store) rememberETag(key, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etags[key] = etag
}

func (s *S3Store) lastETag(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag, ok := s.etags[key]
	return etag, ok
}

func (s *S3Store) forgetETag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.etags, key)
}

// getObject fetches an object and records its ETag.
func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if out.ETag != nil {
		s.rememberETag(key, *out.ETag)
	}
	return data, nil
}

// putObject performs the conditional write for a versioned object.
// firstWrite selects If-None-Match "*"; otherwise the last-read ETag is
// required via If-Match.
func (s *S3Store) putObject(ctx context.Context, key string, data []byte, firstWrite bool) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if firstWrite {
		input.IfNoneMatch = aws.String("*")
	} else {
		etag, ok := s.lastETag(key)
		if !ok {
			return fmt.Errorf("%w: object %s was not read before write", ErrVersionConflict, key)
		}
		input.IfMatch = aws.String(etag)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			s.forgetETag(key)
			return fmt.Errorf("%w: conditional write of %s failed: %v", ErrVersionConflict, key, err)
		}
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	if out.ETag != nil {
		s.rememberETag(key, *out.ETag)
	}
	return nil
}

// ReadSnapshot returns the current snapshot of an environment.
func (s *S3Store) ReadSnapshot(ctx context.Context, environment string) (*Snapshot, error) {
	if err := validName(environment); err != nil {
		return nil, err
	}

	data, err := s.getObject(ctx, s.envKey(environment))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
		}
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", environment, err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", environment, err)
	}
	return snap, nil
}

// WriteSnapshot replaces the snapshot if the stored version matches.
func (s *S3Store) WriteSnapshot(ctx context.Context, environment string, snap *Snapshot, expectedVersion int64) (int64, error) {
	if err := validName(environment); err != nil {
		return 0, err
	}

	key := s.envKey(environment)
	if expectedVersion > 0 {
		current, err := s.ReadSnapshot(ctx, environment)
		if err != nil {
			return 0, err
		}
		if current.Version != expectedVersion {
			return 0, fmt.Errorf("%w: environment %s at version %d, write expected %d",
				ErrVersionConflict, environment, current.Version, expectedVersion)
		}
	}

	next := expectedVersion + 1
	snap.Environment = environment
	snap.Version = next
	snap.TakenAt = time.Now().UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot for %s: %w", environment, err)
	}
	if err := s.putObject(ctx, key, data, expectedVersion == 0); err != nil {
		return 0, err
	}
	return next, nil
}

// DeleteSnapshot removes an environment's snapshot.
func (s *S3Store) DeleteSnapshot(ctx context.Context, environment string) error {
	key := s.envKey(environment)
	if _, err := s.getObject(ctx, key); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
		}
		return fmt.Errorf("failed to read snapshot for %s: %w", environment, err)
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", environment, err)
	}
	s.forgetETag(key)
	return nil
}

// ListEnvironments returns environment names under the envs/ prefix.
func (s *S3Store) ListEnvironments(ctx context.Context) ([]string, error) {
	prefix := s.prefix + "envs/"
	var names []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list environments: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			name := strings.TrimPrefix(*obj.Key, prefix)
			if strings.HasSuffix(name, ".json") {
				names = append(names, strings.TrimSuffix(name, ".json"))
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return names, nil
}

// GetLock returns a lock record and its version.
func (s *S3Store) GetLock(ctx context.Context, name string) (*LockRecord, int64, error) {
	if err := validName(name); err != nil {
		return nil, 0, err
	}

	data, err := s.getObject(ctx, s.lockKey(name))
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrLockNotFound, name)
		}
		return nil, 0, fmt.Errorf("failed to read lock record %s: %w", name, err)
	}

	doc := &lockDoc{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, 0, fmt.Errorf("failed to decode lock record %s: %w", name, err)
	}
	return doc.Record, doc.Version, nil
}

// PutLock writes a lock record as a conditional write.
func (s *S3Store) PutLock(ctx context.Context, name string, rec *LockRecord, expectedVersion int64) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}

	key := s.lockKey(name)
	if expectedVersion > 0 {
		_, current, err := s.GetLock(ctx, name)
		if err != nil {
			return 0, err
		}
		if current != expectedVersion {
			return 0, fmt.Errorf("%w: lock %s at version %d, write expected %d",
				ErrVersionConflict, name, current, expectedVersion)
		}
	}

	next := expectedVersion + 1
	data, err := json.Marshal(&lockDoc{Version: next, Record: rec})
	if err != nil {
		return 0, fmt.Errorf("failed to encode lock record %s: %w", name, err)
	}
	if err := s.putObject(ctx, key, data, expectedVersion == 0); err != nil {
		return 0, err
	}
	return next, nil
}

// DeleteLock removes a lock record if the version matches.
func (s *S3Store) DeleteLock(ctx context.Context, name string, expectedVersion int64) error {
	_, current, err := s.GetLock(ctx, name)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: lock %s at version %d, delete expected %d",
			ErrVersionConflict, name, current, expectedVersion)
	}

	key := s.lockKey(name)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete lock record %s: %w", name, err)
	}
	s.forgetETag(key)
	return nil
}

// Close is a no-op for the S3 store.
func (s *S3Store) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}
