//go:build linux

package engine_test

import (
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/engine"
	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/spawn"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// quietLogger discards everything below error+10, keeping test output clean.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// currentUser returns the username the test process runs as; spawned
// commands use it so no privilege switch is needed.
func currentUser(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Fatalf("user.Current: %v", err)
	}
	return u.Username
}

// startEngine loads cfg, starts the dispatch loop in the background, and
// waits for the initial registration pass.
func startEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()

	sink := eventlog.New(io.Discard, eventlog.Debug)
	spawner := spawn.New("casper-inotify-test", quietLogger())
	eng := engine.New(cfg, sink, spawner, nil, quietLogger())

	if err := eng.Load(); err != nil {
		t.Fatalf("Engine.Load: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Watch() }()

	select {
	case <-eng.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("Engine.Ready() never fired")
	}

	t.Cleanup(func() {
		eng.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Engine.Watch: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Engine.Watch did not return after Stop")
		}
		eng.Unload()
		spawner.Close()
	})
	return eng
}

// waitForFile polls until path exists with non-empty content.
func waitForFile(t *testing.T, path string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return string(data)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
	return ""
}

// waitForCounts polls the good/bad view sizes.
func waitForCounts(t *testing.T, eng *engine.Engine, good, bad int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		g, b := eng.Counts()
		if g == good && b == bad {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	g, b := eng.Counts()
	t.Fatalf("counts = (%d good, %d bad), want (%d, %d)", g, b, good, bad)
}

// envCmd builds a command template that records the event environment.
func envCmd(out string) string {
	return `echo "$CASPER_INOTIFY_EVENT:$CASPER_INOTIFY_OBJECT:$CASPER_INOTIFY_NAME" > ` + out
}

func baseConfig(t *testing.T) *config.Config {
	return &config.Config{
		User:    currentUser(t),
		Message: config.DefaultMessage,
		Log:     config.LogConfig{URI: "/dev/null", Level: "debug"},
	}
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

func TestLoad_FileModifyGetsAuxiliaryDirectoryRule(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Files = []config.Rule{{URI: "/tmp/watched/late", Events: []string{"modify"}}}

	sink := eventlog.New(io.Discard, eventlog.Debug)
	spawner := spawn.New("casper-inotify-test", quietLogger())
	defer spawner.Close()
	eng := engine.New(cfg, sink, spawner, nil, quietLogger())
	if err := eng.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Unload()

	snap := eng.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot has %d rules, want 2 (auxiliary + file)", len(snap))
	}

	aux := snap[0]
	if !aux.Synthetic || aux.Kind != "directory" || aux.URI != "/tmp/watched" {
		t.Errorf("auxiliary rule = %+v", aux)
	}
	if aux.Mask&unix.IN_CREATE == 0 {
		t.Errorf("auxiliary rule mask = 0x%08X, want IN_CREATE", aux.Mask)
	}

	file := snap[1]
	if file.Synthetic || file.Kind != "file" || file.URI != "/tmp/watched/late" {
		t.Errorf("file rule = %+v", file)
	}
}

func TestLoad_DeletePromotesDeleteSelf(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Files = []config.Rule{{URI: "/tmp/watched/x", Events: []string{"delete"}}}

	eng := engine.New(cfg, eventlog.New(io.Discard, eventlog.Debug), spawn.New("t", quietLogger()), nil, quietLogger())
	if err := eng.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Unload()

	snap := eng.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot has %d rules, want 1", len(snap))
	}
	if snap[0].Mask&unix.IN_DELETE == 0 || snap[0].Mask&unix.IN_DELETE_SELF == 0 {
		t.Errorf("mask = 0x%08X, want IN_DELETE|IN_DELETE_SELF", snap[0].Mask)
	}
}

func TestLoad_DirectoryMaskGetsOnlyDir(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Directories = []config.Rule{{URI: "/tmp/watched", Events: []string{"create"}}}

	eng := engine.New(cfg, eventlog.New(io.Discard, eventlog.Debug), spawn.New("t", quietLogger()), nil, quietLogger())
	if err := eng.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Unload()

	snap := eng.Snapshot()
	if snap[0].Mask&unix.IN_ONLYDIR == 0 {
		t.Errorf("mask = 0x%08X, want IN_ONLYDIR", snap[0].Mask)
	}
}

// A file rule whose URI has no parent component is skipped entirely when
// modify is requested.
func TestLoad_ModifyFileWithoutParentIsSkipped(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Files = []config.Rule{{URI: "relative-name", Events: []string{"modify"}}}

	eng := engine.New(cfg, eventlog.New(io.Discard, eventlog.Debug), spawn.New("t", quietLogger()), nil, quietLogger())
	if err := eng.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Unload()

	if snap := eng.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot has %d rules, want 0", len(snap))
	}
}

// ---------------------------------------------------------------------------
// Dispatch scenarios
// ---------------------------------------------------------------------------

func TestDispatch_CreateInsideWatchedDirectory(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	cfg := baseConfig(t)
	cfg.Directories = []config.Rule{{URI: dir, Events: []string{"create"}, Command: envCmd(out)}}

	eng := startEngine(t, cfg)
	waitForCounts(t, eng, 1, 0, time.Second)

	if err := os.WriteFile(filepath.Join(dir, "foo"), []byte("x"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	got := strings.TrimSpace(waitForFile(t, out, 5*time.Second))
	if got != "created:file:foo" {
		t.Errorf("spawned command saw %q, want %q", got, "created:file:foo")
	}
}

func TestDispatch_NotYetExistingFileIsReregistered(t *testing.T) {
	dir := t.TempDir()
	late := filepath.Join(dir, "late")
	out := filepath.Join(t.TempDir(), "out")

	cfg := baseConfig(t)
	cfg.Files = []config.Rule{{URI: late, Events: []string{"modify"}, Command: envCmd(out)}}

	eng := startEngine(t, cfg)

	// Registration of the missing file fails; the auxiliary directory
	// watch succeeds.
	waitForCounts(t, eng, 1, 1, time.Second)
	for _, r := range eng.Snapshot() {
		if r.URI == late && r.Error == "" {
			t.Errorf("missing file rule has no registration error: %+v", r)
		}
	}

	// Creating the file must promote its rule without spawning.
	if err := os.WriteFile(late, nil, 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}
	waitForCounts(t, eng, 2, 0, 5*time.Second)
	if _, err := os.Stat(out); err == nil {
		t.Error("file creation spawned a command; synthetic rules must not spawn")
	}

	// Modifying it now dispatches through the promoted rule.
	f, err := os.OpenFile(late, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("x"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	got := strings.TrimSpace(waitForFile(t, out, 5*time.Second))
	if !strings.HasPrefix(got, "modified:file:") {
		t.Errorf("spawned command saw %q, want modified:file:...", got)
	}
}

func TestDispatch_PatternFilter(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	cfg := baseConfig(t)
	cfg.Directories = []config.Rule{{
		URI:     dir,
		Events:  []string{"create"},
		Pattern: "*.log",
		Command: `echo "$CASPER_INOTIFY_NAME" >> ` + out,
	}}

	eng := startEngine(t, cfg)
	waitForCounts(t, eng, 1, 0, time.Second)

	// Rejected by the filter: no spawn.
	if err := os.WriteFile(filepath.Join(dir, "foo.txt"), nil, 0o644); err != nil {
		t.Fatalf("create foo.txt: %v", err)
	}
	// Accepted by the filter.
	if err := os.WriteFile(filepath.Join(dir, "app.log"), nil, 0o644); err != nil {
		t.Fatalf("create app.log: %v", err)
	}

	waitForFile(t, out, 5*time.Second)
	// Give a straggler spawn for foo.txt a chance to land before asserting.
	time.Sleep(200 * time.Millisecond)
	got, _ := readFileString(out)
	if strings.Contains(got, "foo.txt") {
		t.Errorf("filtered-out object spawned a command: %q", got)
	}
	if !strings.Contains(got, "app.log") {
		t.Errorf("matching object did not spawn: %q", got)
	}
}

func TestDispatch_DeleteOfWatchedFileDemotesRule(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "x")
	out := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	cfg := baseConfig(t)
	cfg.Files = []config.Rule{{URI: target, Events: []string{"delete"}, Command: envCmd(out)}}

	eng := startEngine(t, cfg)
	waitForCounts(t, eng, 1, 0, time.Second)

	if err := os.Remove(target); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got := strings.TrimSpace(waitForFile(t, out, 5*time.Second))
	if !strings.HasPrefix(got, "deleted:") {
		t.Errorf("spawned command saw %q, want deleted:...", got)
	}

	// The kernel invalidates the watch after the delete; the rule moves to
	// the bad view with a warning.
	waitForCounts(t, eng, 0, 1, 5*time.Second)
	snap := eng.Snapshot()
	if snap[0].State != "bad" || snap[0].Warning == "" {
		t.Errorf("rule after invalidation = %+v, want bad with warning", snap[0])
	}
}

// Partition invariant: good and bad cover the whole table at every dispatch
// boundary.
func TestDispatch_PartitionInvariant(t *testing.T) {
	dir := t.TempDir()

	cfg := baseConfig(t)
	cfg.Directories = []config.Rule{{URI: dir, Events: []string{"create"}, Command: "true"}}
	cfg.Files = []config.Rule{{URI: filepath.Join(dir, "nope"), Events: []string{"modify"}, Command: "true"}}

	eng := startEngine(t, cfg)

	good, bad := eng.Counts()
	if good+bad != len(eng.Snapshot()) {
		t.Errorf("good (%d) + bad (%d) != all (%d)", good, bad, len(eng.Snapshot()))
	}
}

// readFileString is a non-fatal file read helper.
func readFileString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
