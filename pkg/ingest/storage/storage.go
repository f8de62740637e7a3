package storage

import (
	"context"
	"mime"
	"path"
)

// Uploader stores binary blobs (screenshots, offloaded step trees) and
// returns a retrievable URL for each.
type Uploader interface {
	// Preflight verifies that the storage backend is reachable and
	// writable. Writes a small test object to fail fast on
	// misconfiguration.
	Preflight(ctx context.Context) error

	// Upload stores data under the given key and returns its URL.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// DetectContentType returns a MIME type based on file extension.
func DetectContentType(p string) string {
	ext := path.Ext(p)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
