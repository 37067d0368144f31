// Package blobs fetches program artifacts from local directories or GCS
// buckets into local files the runtime can mmap.
package blobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/plinthml/plinth/internal/logger"
)

// Store fetches the named object into destPath. A missing object yields an
// error for which errors.Is(err, os.ErrNotExist) is true.
type Store interface {
	Fetch(ctx context.Context, key, destPath string) error
}

// Dir serves objects from a local directory, keyed by relative path.
type Dir struct {
	Root string
}

var _ Store = (*Dir)(nil)

func (d *Dir) Fetch(ctx context.Context, key, destPath string) error {
	src, err := os.Open(filepath.Join(d.Root, filepath.FromSlash(key)))
	if err != nil {
		return fmt.Errorf("blobs: %w", err)
	}
	defer src.Close()

	if _, err := writeToFile(src, destPath); err != nil {
		return fmt.Errorf("blobs: fetch %q: %w", key, err)
	}
	return nil
}

// Resolve turns a program reference into a local path. gs://bucket/key
// references are fetched into cacheDir and reused on later calls; anything
// else is treated as a local path and passed through.
func Resolve(ctx context.Context, ref, cacheDir string) (string, error) {
	bucket, key, ok := parseGsRef(ref)
	if !ok {
		return ref, nil
	}
	if cacheDir == "" {
		return "", fmt.Errorf("blobs: no cache dir configured for %q", ref)
	}

	dest := filepath.Join(cacheDir, bucket, filepath.FromSlash(key))
	if _, err := os.Stat(dest); err == nil {
		logger.FromContext(ctx).Debug("blob cache hit", "ref", ref, "path", dest)
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("blobs: %w", err)
	}

	store := &GCS{Bucket: bucket}
	if err := store.Fetch(ctx, key, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// parseGsRef splits gs://bucket/key. Both parts must be non-empty.
func parseGsRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "gs://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// writeToFile streams src into destPath through a temp file in the same
// directory, so a failed fetch never leaves a partial artifact behind.
func writeToFile(src io.Reader, destPath string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".fetch-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return n, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	return n, nil
}
