package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nadalle/bcachefs-tools/internal/valgrind"
)

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// fakeValgrind builds a script that mimics the valgrind argv contract:
// it writes the given summary text to the --log-file target and then
// execs the wrapped command.
func fakeValgrind(t *testing.T, logText string) string {
	t.Helper()
	return writeScript(t, "valgrind", `
for arg in "$@"; do
  case "$arg" in
    --log-file=*) printf '%s' '`+logText+`' > "${arg#--log-file=}" ;;
  esac
done
shift 2
exec "$@"
`)
}

func TestRunCapturesStreams(t *testing.T) {
	script := writeScript(t, "both.sh", "echo to-stdout\necho to-stderr >&2\n")

	res, err := Run(context.Background(), Options{}, script)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "to-stdout\n", res.Stdout)
	require.Equal(t, "to-stderr\n", res.Stderr)
}

func TestRunExitStatusIsData(t *testing.T) {
	script := writeScript(t, "fail.sh", "echo oops >&2\nexit 3\n")

	res, err := Run(context.Background(), Options{}, script)
	require.NoError(t, err, "non-zero exit without Check must not be an error")
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "oops\n", res.Stderr)
}

func TestRunCheckRaisesOnNonZeroExit(t *testing.T) {
	script := writeScript(t, "fail.sh", "echo partial\necho broken >&2\nexit 2\n")

	res, err := Run(context.Background(), Options{Check: true}, script)
	require.Error(t, err)

	var xerr *ExitError
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, 2, xerr.ExitCode)
	require.Equal(t, "partial\n", xerr.Stdout)
	require.Equal(t, "broken\n", xerr.Stderr)
	require.Equal(t, 2, res.ExitCode)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Options{}, filepath.Join(t.TempDir(), "no-such-binary"))
	require.Error(t, err)

	var xerr *ExitError
	require.False(t, errors.As(err, &xerr), "startup failures are not exit status errors")
}

func TestRunValgrindClean(t *testing.T) {
	vbin := fakeValgrind(t, "==1== ERROR SUMMARY: 0 errors from 3 contexts\n")
	script := writeScript(t, "ok.sh", "echo fine\n")

	res, err := Run(context.Background(), Options{Valgrind: true, ValgrindPath: vbin}, script)
	require.NoError(t, err)
	require.Equal(t, "fine\n", res.Stdout)
}

func TestRunValgrindLeak(t *testing.T) {
	log := "==1== definitely lost: 16 bytes\n==1== ERROR SUMMARY: 2 errors from 1 contexts\n"
	vbin := fakeValgrind(t, log)
	script := writeScript(t, "ok.sh", "true\n")

	_, err := Run(context.Background(), Options{Valgrind: true, ValgrindPath: vbin}, script)

	var leak *valgrind.LeakError
	require.ErrorAs(t, err, &leak)
	require.Equal(t, 2, leak.Errors)
	require.Contains(t, leak.Log, "definitely lost")
}

func TestRunValgrindBadLogFormat(t *testing.T) {
	vbin := fakeValgrind(t, "not a valgrind log\n")
	script := writeScript(t, "ok.sh", "true\n")

	_, err := Run(context.Background(), Options{Valgrind: true, ValgrindPath: vbin}, script)

	var integrity *valgrind.IntegrityError
	require.ErrorAs(t, err, &integrity, "a malformed log is a harness failure, not a leak")
}

func TestRunCheckBeforeValgrindAudit(t *testing.T) {
	// A failing command under valgrind reports its exit status first;
	// the audit is not reached.
	vbin := fakeValgrind(t, "==1== ERROR SUMMARY: 2 errors from 1 contexts\n")
	script := writeScript(t, "fail.sh", "exit 9\n")

	_, err := Run(context.Background(), Options{Valgrind: true, ValgrindPath: vbin, Check: true}, script)

	var xerr *ExitError
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, 9, xerr.ExitCode)
}
