// Package valgrind audits the log files produced when a supervised
// process is run under valgrind's memcheck tool.
package valgrind

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// summaryPattern matches the summary line valgrind prints at the end of
// every run, e.g. "ERROR SUMMARY: 2 errors from 1 contexts".
var summaryPattern = regexp.MustCompile(`ERROR SUMMARY: (\d+) errors from (\d+) contexts`)

// LeakError reports that valgrind found memory errors in a supervised
// process. Log holds the full raw log text for diagnosis.
type LeakError struct {
	Errors   int
	Contexts int
	Log      string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("valgrind reported %d errors from %d contexts", e.Errors, e.Contexts)
}

// IntegrityError reports that a valgrind log did not contain the
// expected summary line. This is a harness failure (wrong tool version,
// truncated log) rather than a result about the process under test, and
// must never be suppressed.
type IntegrityError struct {
	Log string
}

func (e *IntegrityError) Error() string {
	return "valgrind log did not contain an ERROR SUMMARY line"
}

// Check parses raw valgrind log text. It returns nil when the run was
// clean, a *LeakError when errors were reported and a *IntegrityError
// when the log is not in the expected format.
func Check(log string) error {
	m := summaryPattern.FindStringSubmatch(log)
	if m == nil {
		return &IntegrityError{Log: log}
	}

	errCount, err := strconv.Atoi(m[1])
	if err != nil {
		return &IntegrityError{Log: log}
	}
	ctxCount, err := strconv.Atoi(m[2])
	if err != nil {
		return &IntegrityError{Log: log}
	}

	if errCount > 0 {
		return &LeakError{Errors: errCount, Contexts: ctxCount, Log: log}
	}

	return nil
}

// CheckFile reads a valgrind log file and audits its contents.
func CheckFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read valgrind log: %w", err)
	}
	return Check(string(data))
}
