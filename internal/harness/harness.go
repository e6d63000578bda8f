// Package harness orchestrates a full test run: provision a device
// image, mount it through a supervised session, run the filesystem
// checks and tear everything down.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nadalle/bcachefs-tools/internal/checks"
	"github.com/nadalle/bcachefs-tools/internal/config"
	"github.com/nadalle/bcachefs-tools/internal/device"
	"github.com/nadalle/bcachefs-tools/internal/log"
	"github.com/nadalle/bcachefs-tools/internal/procmounts"
	"github.com/nadalle/bcachefs-tools/internal/run"
	"github.com/nadalle/bcachefs-tools/internal/session"
)

// mountVisibleTimeout bounds the supplementary mount-table checks
// around session start and stop.
const mountVisibleTimeout = 2 * time.Second

// Harness drives mount sessions for one configuration.
type Harness struct {
	mu  sync.Mutex
	cfg *config.Config
}

// New creates a harness for the given configuration. The configuration
// must already be validated.
func New(cfg *config.Config) *Harness {
	return &Harness{cfg: cfg}
}

// Probe reports whether the configured bcachefs binary was built with
// FUSE support, by invoking fusemount without a mountpoint and looking
// for its usage complaint.
func (h *Harness) Probe(ctx context.Context) (bool, error) {
	res, err := run.Run(ctx, run.Options{}, h.cfg.Bcachefs, "fusemount")
	if err != nil {
		return false, fmt.Errorf("probe fuse support: %w", err)
	}
	return strings.Contains(res.Stdout, "Please supply a mountpoint."), nil
}

// Run provisions a fresh device image, starts a mount session, runs
// every check against the mountpoint and tears the session down. Check
// failures and teardown failures are all collected; teardown always
// runs.
func (h *Harness) Run(ctx context.Context, checkList []checks.Check) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	workDir := h.cfg.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "bchtest-*")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	size, err := device.ParseSize(h.cfg.DeviceSize)
	if err != nil {
		return fmt.Errorf("invalid device size %q: %w", h.cfg.DeviceSize, err)
	}

	dev, err := device.New(ctx, h.cfg.Bcachefs, workDir, "dev", size)
	if err != nil {
		return err
	}

	mnt, err := device.Mountpoint(workDir)
	if err != nil {
		return err
	}

	sess := session.New(dev, mnt, session.Options{
		Bcachefs:     h.cfg.Bcachefs,
		Fusermount:   h.cfg.Fusermount,
		Valgrind:     h.cfg.ValgrindEnabled(),
		ValgrindPath: h.cfg.ValgrindPath,
		ReadyTimeout: h.cfg.ReadyTimeout.Duration,
	})

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start mount session: %w", err)
	}

	visible := true
	if err := procmounts.WaitMounted(ctx, mnt, mountVisibleTimeout); err != nil {
		// The readiness marker is authoritative; mount-table visibility
		// can lag behind namespace quirks.
		log.Warn("mount not visible in mount table", "mnt", mnt, "error", err)
		visible = false
	}

	var failures []error
	for _, c := range checkList {
		log.Info("running check", "name", c.Name)
		if err := c.Run(mnt); err != nil {
			log.Error("check failed", "name", c.Name, "error", err)
			failures = append(failures, fmt.Errorf("check %s: %w", c.Name, err))
		} else {
			log.Info("check passed", "name", c.Name)
		}
	}

	if err := sess.Stop(ctx, h.cfg.UnmountTimeout.Duration); err != nil {
		failures = append(failures, fmt.Errorf("stop mount session: %w", err))
	}
	if err := sess.Verify(); err != nil {
		failures = append(failures, fmt.Errorf("verify mount session: %w", err))
	}

	if visible {
		if err := procmounts.WaitUnmounted(ctx, mnt, mountVisibleTimeout); err != nil {
			log.Warn("mount still visible after teardown", "mnt", mnt, "error", err)
		}
	}

	return errors.Join(failures...)
}
