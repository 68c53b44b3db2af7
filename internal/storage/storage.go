// Package storage is the remote object-storage collaborator that holds
// attachment and image bytes. The core only ever uploads and fetches opaque
// blobs by URL.
package storage

import "context"

// ACL values understood by the uploader.
const (
	ACLPrivate = "private"
	ACLPublic  = "public-read"
)

// Uploader stores a blob and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, contentType, acl string) (string, error)
}

// Fetcher retrieves a blob previously uploaded.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
