//go:build integration

package vm

import (
	"context"
	"time"
)

// VM is the machine the harness binary runs on during end-to-end tests.
type VM interface {
	Run(cmd string) (string, error)
	RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	CopyFile(localPath, remotePath string) error
	Stop()
	IsRunning() bool
	WaitForSSH(ctx context.Context) error
}
