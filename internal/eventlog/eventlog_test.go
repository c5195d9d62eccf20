package eventlog_test

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/casper2020/casper-inotify/internal/eventlog"
)

// recordRe matches one sink record: "<iso8601>, <pid>, <level>, <message>".
var recordRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\+00:00, +\d+, [A-Za-z?]+ *, .*$`)

func TestSink_RecordShape(t *testing.T) {
	var b strings.Builder
	s := eventlog.New(&b, eventlog.Debug)

	if err := s.Log(eventlog.Info, "hello %s", "world"); err != nil {
		t.Fatalf("Log: %v", err)
	}

	line := strings.TrimRight(b.String(), "\n")
	if !recordRe.MatchString(line) {
		t.Errorf("record %q does not match the sink shape", line)
	}
	if !strings.Contains(line, "Info") {
		t.Errorf("record %q is missing the level name", line)
	}
	if !strings.HasSuffix(line, "hello world") {
		t.Errorf("record %q is missing the message", line)
	}
}

// The threshold follows the level enumeration order: a sink at Event passes
// Info through Event and suppresses Debug.
func TestSink_LevelFiltering(t *testing.T) {
	var b strings.Builder
	s := eventlog.New(&b, eventlog.Event)

	for _, l := range []eventlog.Level{eventlog.Info, eventlog.Warning, eventlog.Error, eventlog.Event} {
		if err := s.Log(l, "visible"); err != nil {
			t.Fatalf("Log(%v): %v", l, err)
		}
	}
	if err := s.Log(eventlog.Debug, "hidden"); err != nil {
		t.Fatalf("Log(Debug): %v", err)
	}

	out := b.String()
	if got := strings.Count(out, "visible"); got != 4 {
		t.Errorf("got %d visible records, want 4", got)
	}
	if strings.Contains(out, "hidden") {
		t.Error("Debug record passed an Event-level sink")
	}
}

func TestSink_InfoThresholdSuppressesWarnings(t *testing.T) {
	var b strings.Builder
	s := eventlog.New(&b, eventlog.Info)

	s.Log(eventlog.Info, "in")       //nolint:errcheck
	s.Log(eventlog.Warning, "out")   //nolint:errcheck
	s.Log(eventlog.Event, "out too") //nolint:errcheck

	if got := strings.Count(b.String(), "\n"); got != 1 {
		t.Errorf("got %d records, want 1", got)
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		l    eventlog.Level
		want string
	}{
		{eventlog.Info, "Info"},
		{eventlog.Warning, "Warning"},
		{eventlog.Error, "Error"},
		{eventlog.Event, "Event"},
		{eventlog.Debug, "Debug"},
		{eventlog.Level(42), "???"},
	}
	for _, tt := range tests {
		if got := tt.l.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.l, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want eventlog.Level
	}{
		{"info", eventlog.Info},
		{"warning", eventlog.Warning},
		{"error", eventlog.Error},
		{"event", eventlog.Event},
		{"debug", eventlog.Debug},
		{"nonsense", eventlog.Event},
		{"", eventlog.Event},
	}
	for _, tt := range tests {
		if got := eventlog.ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpen_TruncatesAndWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	if err := os.WriteFile(path, []byte("stale content\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s, err := eventlog.Open(path, eventlog.Event)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Log(eventlog.Info, "fresh"); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(data), "stale") {
		t.Error("Open did not truncate the previous log")
	}
	if !strings.Contains(string(data), "fresh") {
		t.Error("record was not written")
	}
}
