package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flakewatch/flakewatch/pkg/config"
)

// Compile-time interface check.
var _ Uploader = (*localUploader)(nil)

type localUploader struct {
	dir     string
	baseURL string
}

// NewLocalUploader creates an Uploader backed by a local directory,
// suitable for development and single-node deployments.
func NewLocalUploader(cfg *config.LocalStorageConfig) Uploader {
	return &localUploader{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Preflight verifies the base directory is writable.
func (u *localUploader) Preflight(_ context.Context) error {
	if err := os.MkdirAll(u.dir, 0o750); err != nil {
		return fmt.Errorf("creating storage directory %s: %w", u.dir, err)
	}

	probe := filepath.Join(u.dir, ".flakewatch-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("writing test file to %s: %w", u.dir, err)
	}

	return os.Remove(probe)
}

// Upload writes data under the base directory and returns its URL.
func (u *localUploader) Upload(
	_ context.Context, key string, data []byte, _ string,
) (string, error) {
	p := filepath.Join(u.dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", key, err)
	}

	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}

	if u.baseURL == "" {
		return "file://" + p, nil
	}

	return u.baseURL + "/" + key, nil
}
