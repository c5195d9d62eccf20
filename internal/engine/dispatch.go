//go:build linux

package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/casper2020/casper-inotify/internal/clock"
	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/history"
	"github.com/casper2020/casper-inotify/internal/inotify"
	"github.com/casper2020/casper-inotify/internal/rules"
	"github.com/casper2020/casper-inotify/internal/spawn"
	"github.com/casper2020/casper-inotify/internal/template"
)

// Event is the per-record dispatch payload synthesized from one kernel
// record and the rule it resolved to.
type Event struct {
	Mask uint32

	// ObjectKind is 'd' or 'f'; ObjectKindStr the matching word.
	ObjectKind    byte
	ObjectKindStr string

	// ObjectName is the event subject: the name inside the watched
	// directory, or the rule URI itself.
	ObjectName string

	// ParentKind and ParentName are set only when the event originated
	// inside a watched directory; ParentKind is '-' otherwise.
	ParentKind byte
	ParentName string

	InsideWatchedDirectory bool

	// Name is the composite human action name ("created, modified").
	Name string

	// Timestamp is the ISO-8601 dispatch time.
	Timestamp string
}

// dispatchBuffer processes one raw kernel buffer in record order. The
// returned error is non-nil only when the log sink has died.
func (e *Engine) dispatchBuffer(buf []byte) error {
	for _, rec := range inotify.Parse(buf) {
		if err := e.dispatchRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// dispatchRecord runs the per-record pipeline: rule lookup, event synthesis,
// pattern filter, action naming, handler invocation, spawn-or-ignore, and
// kernel-invalidation bookkeeping.
func (e *Engine) dispatchRecord(rec inotify.Record) error {
	if rec.Overflowed() {
		return e.sink.Log(eventlog.Warning, "⚠︎ kernel event queue overflowed; events were lost")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, idx, ok := e.table.Good(int(rec.Wd))
	if !ok {
		return e.sink.Log(eventlog.Debug, "event NOT in watch list ( wd = %d, mask = 0x%08X )", rec.Wd, rec.Mask)
	}

	ev := Event{
		Mask:                   rec.Mask,
		InsideWatchedDirectory: rec.NameLen > 0,
		Timestamp:              clock.Now(),
	}
	if ev.InsideWatchedDirectory {
		ev.ObjectName = rec.Name
		ev.ParentKind = 'd'
		ev.ParentName = entry.URI
	} else {
		ev.ObjectName = entry.URI
		ev.ParentKind = '-'
	}
	if rec.IsDir() {
		ev.ObjectKind, ev.ObjectKindStr = 'd', "directory"
	} else {
		ev.ObjectKind, ev.ObjectKindStr = 'f', "file"
	}

	if entry.Pattern != "" {
		matched, err := filepath.Match(entry.Pattern, ev.ObjectName)
		if err != nil || !matched {
			return e.sink.Log(eventlog.Debug, "SKIPPED, no match for pattern %s over %s", entry.Pattern, ev.ObjectName)
		}
	}

	ev.Name = inotify.ActionNames(rec.Mask)

	if entry.Handler != rules.HandlerNone && !e.runHandler(entry, ev) {
		return e.sink.Log(eventlog.Debug, "➢ %d, %s, event skipped!", entry.Wd, ev.Name)
	}

	if ev.Name == "???" || ev.Name == "" {
		if err := e.ignore(ev); err != nil {
			return err
		}
	} else if !rec.Ignored() {
		e.spawnFor(entry, ev)
	}

	// IN_IGNORED: the kernel has invalidated this watch (target deleted,
	// filesystem unmounted, or explicit removal).
	if rec.Ignored() {
		e.table.Demote(idx, "event was removed explicitly or automatically!")
		e.logEntry(entry)
	}
	return nil
}

// runHandler dispatches to the entry's built-in handler. The boolean return
// decides whether the record falls through to the spawn path.
func (e *Engine) runHandler(entry *rules.Entry, ev Event) bool {
	switch entry.Handler {
	case rules.HandlerReregister:
		return e.reregister(ev)
	default:
		return true
	}
}

// reregister is the built-in handler attached to synthetic parent-directory
// rules: when a file the configuration asked to watch is created, the
// matching bad rule is registered on the spot. Synthetic rules never spawn,
// so every path returns false.
func (e *Engine) reregister(ev Event) bool {
	if ev.Mask&unix.IN_ISDIR != 0 || ev.Mask&unix.IN_CREATE == 0 {
		return false
	}
	uri := ev.ParentName + "/" + ev.ObjectName
	if !e.table.WatchedFile(uri) {
		return false
	}
	_ = e.sink.Log(eventlog.Info, "Re-registering '%s'...", uri)
	idx, ok := e.table.FindBad(uri)
	if !ok {
		return false
	}
	entry := e.table.At(idx)
	if e.register(entry) {
		e.table.Promote(idx)
	}
	e.logEntry(entry)
	return false
}

// ignore records an event that produced no recognizable action name.
func (e *Engine) ignore(ev Event) error {
	if err := e.sink.Log(eventlog.Event, "[%c%c] %s '%s' was 0x%08X.",
		ev.ParentKind, ev.ObjectKind, ev.ObjectKindStr, ev.ObjectName, ev.Mask); err != nil {
		return err
	}
	return e.sink.Log(eventlog.Warning, "⚠︎ event ignored!")
}

// spawnFor expands the entry's templates and launches its command. The
// placeholder map binds CASPER_INOTIFY_MSG to the expanded message and
// CASPER_INOTIFY_CMD to the unexpanded command template.
func (e *Engine) spawnFor(entry *rules.Entry, ev Event) {
	vars := map[string]string{
		template.EnvEvent:    ev.Name,
		template.EnvObject:   ev.ObjectKindStr,
		template.EnvName:     ev.ObjectName,
		template.EnvDatetime: ev.Timestamp,
		template.EnvHostname: e.ident.Hostname,
	}
	vars[template.EnvMsg] = template.Expand(entry.Msg, vars)
	vars[template.EnvCmd] = entry.Cmd
	cmd := template.Expand(entry.Cmd, vars)

	pid, err := e.spawner.Spawn(spawn.Request{User: entry.User, Cmd: cmd, Vars: vars})
	if err != nil {
		_ = e.sink.Log(eventlog.Error, "✕ unable to launch '%s': %v", cmd, err)
	}
	e.record(entry, ev, cmd, pid, err)
}

// record persists the spawn outcome in the history store, when enabled.
func (e *Engine) record(entry *rules.Entry, ev Event, cmd string, pid int, spawnErr error) {
	if e.hist == nil {
		return
	}
	rec := history.SpawnRecord{
		Timestamp: time.Now().UTC(),
		URI:       entry.URI,
		User:      entry.User,
		Command:   cmd,
		Event:     ev.Name,
		Object:    ev.ObjectName,
		PID:       pid,
	}
	if spawnErr != nil {
		rec.Error = spawnErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.hist.Record(ctx, rec); err != nil {
		e.logger.Warn("engine: history record failed", slog.Any("error", err))
	}
}

// RuleStatus is the status API's view of one rule.
type RuleStatus struct {
	Kind      string `json:"kind"`
	URI       string `json:"uri"`
	Mask      uint32 `json:"mask"`
	Wd        int    `json:"wd"`
	State     string `json:"state"`
	Pattern   string `json:"pattern,omitempty"`
	Error     string `json:"error,omitempty"`
	Warning   string `json:"warning,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// Snapshot returns a consistent copy of the rule table for the status API.
func (e *Engine) Snapshot() []RuleStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleStatus, 0, e.table.Len())
	for _, entry := range e.table.All() {
		kind := "file"
		if entry.Kind == rules.Directory {
			kind = "directory"
		}
		state := "bad"
		if entry.Registered() {
			state = "good"
		}
		out = append(out, RuleStatus{
			Kind:      kind,
			URI:       entry.URI,
			Mask:      entry.Mask,
			Wd:        entry.Wd,
			State:     state,
			Pattern:   entry.Pattern,
			Error:     entry.Error,
			Warning:   entry.Warning,
			Synthetic: entry.Synthetic(),
		})
	}
	return out
}

// Counts returns the sizes of the good and bad views.
func (e *Engine) Counts() (good, bad int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table.GoodCount(), e.table.BadCount()
}
