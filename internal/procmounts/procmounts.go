// Package procmounts inspects the mount table to confirm that the
// filesystem under test actually appears at (and disappears from) its
// mountpoint.
package procmounts

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/sys/mountinfo"

	"github.com/nadalle/bcachefs-tools/internal/log"
)

// Entry represents a single mount table entry.
type Entry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// List returns all mount entries visible to this process.
func List() ([]Entry, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, m := range infos {
		entries = append(entries, Entry{
			Device:     m.Source,
			MountPoint: m.Mountpoint,
			FSType:     m.FSType,
			Options:    m.Options,
		})
	}

	return entries, nil
}

// Mounted reports whether target is currently a mountpoint.
func Mounted(target string) (bool, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return false, fmt.Errorf("get absolute path: %w", err)
	}

	mounted, err := mountinfo.Mounted(abs)
	if err != nil {
		return false, fmt.Errorf("check mount table for %s: %w", abs, err)
	}

	return mounted, nil
}

// WaitMounted polls until target appears in the mount table, bounded by
// timeout.
func WaitMounted(ctx context.Context, target string, timeout time.Duration) error {
	return waitState(ctx, target, timeout, true)
}

// WaitUnmounted polls until target disappears from the mount table,
// bounded by timeout.
func WaitUnmounted(ctx context.Context, target string, timeout time.Duration) error {
	return waitState(ctx, target, timeout, false)
}

func waitState(ctx context.Context, target string, timeout time.Duration, want bool) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = timeout

	op := func() error {
		mounted, err := Mounted(target)
		if err != nil {
			return backoff.Permanent(err)
		}
		if mounted != want {
			return fmt.Errorf("%s mounted=%v, want %v", target, mounted, want)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("wait for mount state: %w", err)
	}

	log.Debug("mount state reached", "target", target, "mounted", want)
	return nil
}
