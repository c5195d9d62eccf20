// Package eventlog implements the daemon's event log sink: an append-only
// text stream of records shaped
//
//	<iso8601>, <pid>, <level>, <message>
//
// with sink-side level filtering. The sink is written only from the dispatch
// goroutine, so no locking is required; a mutex still guards writes so that
// the status server can safely log through it if it ever needs to.
package eventlog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/casper2020/casper-inotify/internal/clock"
)

// Level is the sink record severity. The enumeration order doubles as the
// filter threshold order: a sink configured at Event passes Info through
// Event and suppresses Debug.
type Level int

const (
	Info Level = iota
	Warning
	Error
	Event
	Debug
)

// String returns the level name as it appears in the log record.
func (l Level) String() string {
	switch l {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Event:
		return "Event"
	case Debug:
		return "Debug"
	default:
		return "???"
	}
}

// ParseLevel maps a configuration string to a Level. Unknown strings map to
// Event, the historical default.
func ParseLevel(s string) Level {
	switch s {
	case "info":
		return Info
	case "warning":
		return Warning
	case "error":
		return Error
	case "event":
		return Event
	case "debug":
		return Debug
	default:
		return Event
	}
}

// Sink is the event log writer. Create one with Open or New; a zero Sink is
// not usable.
type Sink struct {
	mu    sync.Mutex
	w     io.Writer
	c     io.Closer // nil when the sink does not own the writer
	level Level
	pid   int
}

// Open creates (truncating) the log file at path and returns a Sink writing
// to it at the given threshold level.
func Open(path string, level Level) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: cannot open %q: %w", path, err)
	}
	s := New(f, level)
	s.c = f
	return s, nil
}

// New returns a Sink writing to w at the given threshold level. The caller
// retains ownership of w.
func New(w io.Writer, level Level) *Sink {
	return &Sink{w: w, level: level, pid: os.Getpid()}
}

// Log writes one record at the given level, applying the sink threshold.
// The returned error is non-nil only when the underlying write fails; the
// dispatch loop treats that as fatal.
func (s *Sink) Log(level Level, format string, args ...any) error {
	if level > s.level {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s, %8d, %-10.10s, %s\n",
		clock.Now(), s.pid, level.String(), fmt.Sprintf(format, args...))
	if err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file when the sink owns it.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	if f, ok := s.c.(*os.File); ok {
		_ = f.Sync()
	}
	err := s.c.Close()
	s.c = nil
	return err
}
