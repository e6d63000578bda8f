package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitForLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "marker only",
			input: "Fuse mount initialized.\n",
			want:  "Fuse mount initialized.\n",
		},
		{
			name:  "marker after noise",
			input: "recovering journal\nmounting\nFuse mount initialized.\n",
			want:  "recovering journal\nmounting\nFuse mount initialized.\n",
		},
		{
			name:  "stops at marker",
			input: "Fuse mount initialized.\nmore output\n",
			want:  "Fuse mount initialized.\n",
		},
		{
			name:  "prefix match at line start",
			input: "Fuse mount initialized. (took 3ms)\n",
			want:  "Fuse mount initialized. (took 3ms)\n",
		},
		{
			name:    "marker not at line start",
			input:   "note: Fuse mount initialized.\n",
			want:    "note: Fuse mount initialized.\n",
			wantErr: true,
		},
		{
			name:    "stream ends without marker",
			input:   "some output\nbut no marker\n",
			want:    "some output\nbut no marker\n",
			wantErr: true,
		},
		{
			name:    "empty stream",
			input:   "",
			want:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := waitForLine(strings.NewReader(tt.input), ReadyMarker)

			if tt.wantErr {
				var rerr *ReadinessError
				require.ErrorAs(t, err, &rerr)
				require.Equal(t, ReadyMarker, rerr.Marker)
				require.False(t, rerr.TimedOut)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.want, out)
		})
	}
}
