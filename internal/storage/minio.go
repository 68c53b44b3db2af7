package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements Uploader and Fetcher against a MinIO/S3 endpoint.
type MinioStore struct {
	client   *minio.Client
	bucket   string
	endpoint string
	useSSL   bool
}

// NewMinioStore builds the client and verifies the bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: bucket, endpoint: endpoint, useSSL: useSSL}, nil
}

// Upload stores a blob and returns its URL. The acl travels as object
// metadata; ciphertext is always uploaded private, previews public-read.
func (s *MinioStore) Upload(ctx context.Context, data []byte, filename, contentType, acl string) (string, error) {
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"x-amz-acl": acl},
	}
	if _, err := s.client.PutObject(ctx, s.bucket, filename, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}

	protocol := "http"
	if s.useSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, s.endpoint, s.bucket, filename), nil
}

// Fetch retrieves a blob by the URL Upload returned.
func (s *MinioStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	idx := strings.Index(url, "/"+s.bucket+"/")
	if idx < 0 {
		return nil, fmt.Errorf("url %q does not belong to bucket %s", url, s.bucket)
	}
	object := url[idx+len(s.bucket)+2:]

	reader, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", object, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("read %s: %w", object, err)
	}
	return buf.Bytes(), nil
}
