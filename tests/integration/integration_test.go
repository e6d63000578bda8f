//go:build integration

package integration

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"

	"github.com/nadalle/bcachefs-tools/tests/integration/log"
	"github.com/nadalle/bcachefs-tools/tests/integration/vm"
)

const (
	bchtestPath  = "/usr/local/bin/bchtest"
	bcachefsPath = "/usr/local/bin/bcachefs"
)

var testVM vm.VM

// TestMain sets up a shared VM for all integration tests. The VM image
// is expected to ship a bcachefs binary with fuse support, valgrind and
// fusermount3.
func TestMain(m *testing.M) {
	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fatalf("\nInterrupted, shutting down...")
	}()

	ctx := context.Background()
	var err error
	testVM, err = vm.StartQEMUVM(ctx)
	if err != nil {
		fatalf("Failed to start VM: %v", err)
	}

	setupVM(ctx, testVM)

	log.Status("Running tests...")
	code := m.Run()

	testVM.Stop()
	os.Exit(code)
}

// fatalf prints a formatted error message to stderr and exits with code 1.
// Use this in TestMain or setup code where *testing.T is not available.
func fatalf(format string, args ...any) {
	log.Status(format, args...)
	if testVM != nil {
		testVM.Stop()
	}
	os.Exit(1)
}

func setupVM(ctx context.Context, v vm.VM) {
	binaryPath := os.Getenv("BCHTEST_BINARY")
	if binaryPath == "" {
		binaryPath = "../../build/dist/bchtest"
	}

	if _, err := os.Stat(binaryPath); err != nil {
		fatalf("Harness binary not found at %s. Run 'make build' first.", binaryPath)
	}

	if err := v.WaitForSSH(ctx); err != nil {
		fatalf("Failed waiting for SSH: %v", err)
	}

	// The whole run is pointless without a fuse-capable bcachefs in the
	// image, so fail fast on that.
	log.Status("Checking bcachefs fuse support...")
	if output, _ := v.Run(bcachefsPath + " fusemount"); !strings.Contains(output, "Please supply a mountpoint.") {
		fatalf("bcachefs in VM image has no fuse support:\n%s", output)
	}

	log.Status("Copying harness binary to VM...")
	tmpBinaryPath := "/tmp/bchtest"
	if err := v.CopyFile(binaryPath, tmpBinaryPath); err != nil {
		fatalf("Failed to copy harness binary: %v", err)
	}
	if output, err := v.Run("sudo install -m 0755 " + tmpBinaryPath + " " + bchtestPath); err != nil {
		fatalf("Failed to install harness binary: %v\n%s", err, output)
	}
}
