//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runHarness runs the installed bchtest binary in the VM and returns
// its combined output.
func runHarness(t *testing.T, args string, timeout time.Duration) (string, error) {
	t.Helper()
	cmd := fmt.Sprintf("%s --bcachefs %s %s", bchtestPath, bcachefsPath, args)
	return testVM.RunWithTimeout(context.Background(), cmd, timeout)
}

func TestSuitePasses(t *testing.T) {
	output, err := runHarness(t, "--valgrind=false --verbose", 5*time.Minute)
	require.NoError(t, err, "harness run failed:\n%s", output)
	require.Contains(t, output, "all checks passed")
}

func TestSuitePassesUnderValgrind(t *testing.T) {
	// Valgrind slows the fuse server down considerably; give the run
	// plenty of room.
	output, err := runHarness(t, "--valgrind=true --verbose", 20*time.Minute)
	require.NoError(t, err, "harness run under valgrind failed:\n%s", output)
	require.Contains(t, output, "all checks passed")
}

func TestSmallDeviceImage(t *testing.T) {
	output, err := runHarness(t, "--valgrind=false --size 256MiB", 5*time.Minute)
	require.NoError(t, err, "harness run failed:\n%s", output)
}

func TestVersionFlag(t *testing.T) {
	output, err := testVM.RunWithTimeout(context.Background(), bchtestPath+" --version", time.Minute)
	require.NoError(t, err)
	require.Contains(t, output, "bchtest")
}

func TestMissingFuseSupportFailsCleanly(t *testing.T) {
	// /bin/true accepts any argv and prints nothing, so the probe must
	// report it as lacking fuse support.
	cmd := fmt.Sprintf("%s --bcachefs /bin/true --valgrind=false", bchtestPath)
	output, err := testVM.RunWithTimeout(context.Background(), cmd, time.Minute)
	require.Error(t, err)
	require.Contains(t, output, "not built with fuse support")
}
