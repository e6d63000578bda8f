package checks

import (
	"time"

	"golang.org/x/sys/unix"
)

// Window records the time range in which an observed filesystem
// operation ran. Timestamps the operation produced must fall inside it.
type Window struct {
	Start time.Time
	End   time.Time
}

// observePad widens the window on both sides so timestamps taken from a
// coarse kernel clock still land inside it.
const observePad = 100 * time.Millisecond

// Observe runs fn and returns the padded time window bracketing it.
func Observe(fn func() error) (*Window, error) {
	start := time.Now()
	time.Sleep(observePad)

	if err := fn(); err != nil {
		return nil, err
	}

	time.Sleep(observePad)
	return &Window{Start: start, End: time.Now()}, nil
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func timespecTime(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}
