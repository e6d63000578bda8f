package session

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/nadalle/bcachefs-tools/internal/log"
)

// ReadinessError reports that the server never produced its readiness
// marker: either its stdout ended first, or the bounded wait expired.
// Output holds everything captured up to that point.
type ReadinessError struct {
	Marker   string
	Output   string
	TimedOut bool
}

func (e *ReadinessError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("timed out waiting for readiness marker %q", e.Marker)
	}
	return fmt.Sprintf("server output ended before readiness marker %q", e.Marker)
}

// waitForLine reads r line by line until a line starting with marker is
// seen, accumulating every line read including the matching one. The
// stream ending before a match is a protocol violation and yields a
// *ReadinessError carrying the buffered output.
func waitForLine(r io.Reader, marker string) (string, error) {
	var out strings.Builder

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug("server output", "line", line)

		out.WriteString(line)
		out.WriteByte('\n')

		if strings.HasPrefix(line, marker) {
			return out.String(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("read server stdout: %w", err)
	}

	return out.String(), &ReadinessError{Marker: marker, Output: out.String()}
}
