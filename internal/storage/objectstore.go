package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore is the durable blob store behind RedisStorage. Every change
// write is archived here so the review database survives a Redis flush.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
}

// InMemoryObjectStore keeps archived change records in process memory.
type InMemoryObjectStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{records: make(map[string][]byte)}
}

func (s *InMemoryObjectStore) PutObject(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	s.records[key] = bytes.Clone(body)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryObjectStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return bytes.Clone(rec), nil
	}
	return nil, ErrEntryNotFound
}

// DeleteObject forgets key. Unknown keys are ignored.
func (s *InMemoryObjectStore) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// S3Client is the part of *s3.Client the archive needs.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3ObjectStore archives change records as JSON objects in an S3-compatible
// bucket, one object per change under <prefix>/changes/.
type S3ObjectStore struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3ObjectStore(client S3Client, bucket, prefix string) *S3ObjectStore {
	return &S3ObjectStore{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Client builds a client with static credentials. A non-empty endpoint
// selects an S3-compatible server such as MinIO and path-style addressing.
func NewS3Client(region, endpoint, accessKey, secretKey string) *s3.Client {
	static := aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey, Source: "gitreview-config"}
	return s3.New(s3.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return static, nil
		}),
	}, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// location returns the bucket and full object key for an archive key.
func (s *S3ObjectStore) location(key string) (*string, *string) {
	return aws.String(s.bucket), aws.String(path.Join(s.prefix, key))
}

func (s *S3ObjectStore) PutObject(ctx context.Context, key string, body []byte) error {
	bucket, objectKey := s.location(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      bucket,
		Key:         objectKey,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}

// GetObject maps a missing object to ErrEntryNotFound.
func (s *S3ObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	bucket, objectKey := s.location(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: objectKey})
	if isNoSuchKey(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3ObjectStore) DeleteObject(ctx context.Context, key string) error {
	bucket, objectKey := s.location(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: bucket, Key: objectKey})
	if isNoSuchKey(err) {
		return nil
	}
	return err
}

func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	return err != nil && errors.As(err, &noSuchKey)
}
