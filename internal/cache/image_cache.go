// Package cache is the on-disk cache of decrypted conversation and avatar
// images. It is cache-warming state only, never authoritative, but its
// contents survive restarts so the UI can render without refetching.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ImageCache stores decrypted image bytes keyed by their ciphertext URL.
type ImageCache struct {
	dir string
}

// NewImageCache opens (creating if needed) a cache rooted at dir.
func NewImageCache(dir string) (*ImageCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &ImageCache{dir: dir}, nil
}

// Path returns the on-disk path for a cache key and whether it exists.
func (c *ImageCache) Path(key string) (string, bool) {
	path := c.pathFor(key)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Get returns the cached bytes for a key.
func (c *ImageCache) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores bytes under a key. The write goes through a temp file and
// rename so a crash never leaves a half-written entry.
func (c *ImageCache) Put(key string, data []byte) error {
	path := c.pathFor(key)
	tmp, err := os.CreateTemp(c.dir, "put-*")
	if err != nil {
		return fmt.Errorf("cache temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache close: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Swap stores the new entry and only then removes the old one, so a failure
// mid-swap still serves the previous image.
func (c *ImageCache) Swap(oldKey, newKey string, data []byte) error {
	if err := c.Put(newKey, data); err != nil {
		return err
	}
	if oldKey != "" && oldKey != newKey {
		os.Remove(c.pathFor(oldKey))
	}
	return nil
}

// Invalidate removes a single entry.
func (c *ImageCache) Invalidate(key string) {
	os.Remove(c.pathFor(key))
}

func (c *ImageCache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}
