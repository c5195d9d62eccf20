// Package clock provides the daemon's notion of time and identity: ISO-8601
// timestamps with an explicit timezone suffix, the host name, and the process
// identifier. Event records and log lines are stamped through this package so
// that everything the daemon emits carries the same time format.
package clock

import (
	"fmt"
	"os"
	"time"
)

// ISO8601 formats t in UTC as "2006-01-02T15:04:05+00:00". The zone suffix is
// always the literal "+00:00"; downstream consumers parse it as a fixed-width
// field.
func ISO8601(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d+00:00",
		u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second())
}

// Now returns the current instant formatted with ISO8601.
func Now() string {
	return ISO8601(time.Now())
}

// Identity describes the running daemon: the host it runs on and its pid.
type Identity struct {
	Hostname string
	PID      int
}

// Self resolves the current process identity. Failing to obtain the hostname
// is fatal for the daemon, so the error is returned rather than masked.
func Self() (Identity, error) {
	h, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("clock: cannot obtain hostname: %w", err)
	}
	return Identity{Hostname: h, PID: os.Getpid()}, nil
}
