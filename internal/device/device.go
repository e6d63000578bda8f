// Package device prepares bcachefs device images and mountpoints for a
// test run.
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nadalle/bcachefs-tools/internal/log"
	"github.com/nadalle/bcachefs-tools/internal/run"
)

// Sparse creates a sparse file of the given size at path. The file must
// not already exist.
func Sparse(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("create device image: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate device image: %w", err)
	}

	return nil
}

// Format runs `<bcachefs> format <dev>` and fails on a non-zero exit.
func Format(ctx context.Context, bcachefs, dev string) error {
	log.Debug("formatting device", "dev", dev)

	if _, err := run.Run(ctx, run.Options{Check: true}, bcachefs, "format", dev); err != nil {
		return fmt.Errorf("format %s: %w", dev, err)
	}

	return nil
}

// New creates a sparse device image named name under dir and formats a
// default filesystem on it, returning the image path.
func New(ctx context.Context, bcachefs, dir, name string, size int64) (string, error) {
	path := filepath.Join(dir, name)

	if err := Sparse(path, size); err != nil {
		return "", err
	}
	if err := Format(ctx, bcachefs, path); err != nil {
		return "", err
	}

	log.Debug("device ready", "path", path, "size", size)
	return path, nil
}

// Mountpoint creates the mount target directory "mnt" under dir.
func Mountpoint(dir string) (string, error) {
	path := filepath.Join(dir, "mnt")

	if err := os.Mkdir(path, 0o700); err != nil {
		return "", fmt.Errorf("create mountpoint: %w", err)
	}

	return path, nil
}
