//go:build integration

package log

import (
	"fmt"
	"os"
)

// Status prints a progress message for immediate display while the VM
// harness runs.
func Status(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format+"\n", args...)
}
