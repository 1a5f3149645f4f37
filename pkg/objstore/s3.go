package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Option keys recognized by NewS3Store. Credentials fall back to the
// standard AWS environment variables when not set explicitly.
const (
	OptEndpoint        = "endpoint"
	OptRegion          = "region"
	OptAccessKeyID     = "access_key_id"
	OptSecretAccessKey = "secret_access_key"
	OptSessionToken    = "session_token"
	OptInsecure        = "insecure"
)

// S3Store stores objects in an S3-compatible bucket under an optional
// key prefix.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store connects to the bucket using the given opaque options.
func NewS3Store(bucket, prefix string, options map[string]string) (*S3Store, error) {
	endpoint := options[OptEndpoint]
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	var creds *credentials.Credentials
	if options[OptAccessKeyID] != "" {
		creds = credentials.NewStaticV4(
			options[OptAccessKeyID],
			options[OptSecretAccessKey],
			options[OptSessionToken],
		)
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Region: options[OptRegion],
		Secure: options[OptInsecure] != "true",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to s3 endpoint %s: %w", endpoint, err)
	}

	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("read object %s: %w", key, err)
	}

	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(
		ctx, s.bucket, s.key(key),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	return nil
}
