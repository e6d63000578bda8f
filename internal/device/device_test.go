package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSparse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev-1g")

	require.NoError(t, Sparse(path, 1<<30))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(1<<30), st.Size())
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestSparseRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	require.Error(t, Sparse(path, 1024), "an existing file must not be clobbered")
}

func TestNewFormatsImage(t *testing.T) {
	// Fake bcachefs that records the format invocation.
	dir := t.TempDir()
	marker := filepath.Join(dir, "formatted")
	bch := filepath.Join(dir, "bcachefs")
	script := "#!/bin/sh\n[ \"$1\" = format ] || exit 1\ntouch \"" + marker + "\"\n"
	require.NoError(t, os.WriteFile(bch, []byte(script), 0o755))

	path, err := New(context.Background(), bch, t.TempDir(), "dev-1g", 1<<20)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.FileExists(t, marker)
}

func TestNewPropagatesFormatFailure(t *testing.T) {
	dir := t.TempDir()
	bch := filepath.Join(dir, "bcachefs")
	require.NoError(t, os.WriteFile(bch, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	_, err := New(context.Background(), bch, t.TempDir(), "dev", 1<<20)
	require.Error(t, err)
}

func TestMountpoint(t *testing.T) {
	dir := t.TempDir()

	path, err := Mountpoint(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "mnt"), path)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, st.IsDir())
	require.Equal(t, os.FileMode(0o700), st.Mode().Perm())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1GiB", 1 << 30, false},
		{"512MiB", 512 << 20, false},
		{"16 KiB", 16 << 10, false},
		{"1.5GiB", 3 << 29, false},
		{"4096", 4096, false},
		{"10B", 10, false},
		{"1GB", 1000 * 1000 * 1000, false},
		{"", 0, true},
		{"GiB", 0, true},
		{"1XiB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{1 << 30, "1GiB"},
		{512 << 20, "512MiB"},
		{16 << 10, "16KiB"},
		{1000, "1000B"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, FormatSize(tt.input))
		})
	}
}
