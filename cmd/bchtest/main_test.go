package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeValgrindEnv(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"yes", "true"},
		{"YES", "true"},
		{" yes ", "true"},
		{"no", "false"},
		{"off", "false"},
		{"true", "true"},
		{"false", "false"},
		{"1", "1"},
		{"garbage", "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Setenv(valgrindEnv, tt.in)
			normalizeValgrindEnv()
			require.Equal(t, tt.want, os.Getenv(valgrindEnv))
		})
	}
}

func TestNormalizeValgrindEnvUnset(t *testing.T) {
	t.Setenv(valgrindEnv, "placeholder")
	require.NoError(t, os.Unsetenv(valgrindEnv))

	normalizeValgrindEnv()

	_, ok := os.LookupEnv(valgrindEnv)
	require.False(t, ok, "normalization must not invent a value")
}
