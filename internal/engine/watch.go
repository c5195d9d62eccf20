//go:build linux

package engine

import (
	"fmt"

	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/inotify"
	"github.com/casper2020/casper-inotify/internal/rules"
)

// Watch initializes the kernel instance, registers every rule, logs the
// resulting table, and runs the dispatch loop until Stop is called. It
// returns a non-nil error only for initialization failures or a dead log
// sink; per-iteration dispatch errors are logged and survived.
func (e *Engine) Watch() error {
	if err := e.sink.Log(eventlog.Info, "%s...", "Initializing"); err != nil {
		return err
	}

	in, err := inotify.NewInstance()
	if err != nil {
		return err
	}
	e.in = in

	if err := e.sink.Log(eventlog.Info, "%s...", "Registering"); err != nil {
		return err
	}

	e.mu.Lock()
	e.entryML = 0
	for idx, entry := range e.table.All() {
		if e.register(entry) {
			e.table.Promote(idx)
		}
		if len(entry.URI) > e.entryML {
			e.entryML = len(entry.URI)
		}
	}
	e.mu.Unlock()

	e.logTable()
	if err := e.sink.Log(eventlog.Info, "%s...", "Ready"); err != nil {
		return err
	}
	close(e.ready)

	for {
		_ = e.sink.Log(eventlog.Debug, "%s...", "Waiting")
		buf, err := in.Wait()
		if err == inotify.ErrClosed {
			break
		}
		if err != nil {
			// Log and keep going; a dead sink ends the daemon.
			if logErr := e.sink.Log(eventlog.Error, "%v", err); logErr != nil {
				return logErr
			}
			continue
		}
		if err := e.dispatchBuffer(buf); err != nil {
			return err
		}
	}

	// Best-effort unregister of everything still live.
	e.mu.Lock()
	for _, entry := range e.table.All() {
		if entry.Registered() {
			e.unregister(entry)
		}
	}
	e.mu.Unlock()
	return nil
}

// Stop interrupts the blocking wait and makes Watch return. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.in != nil {
			e.in.Interrupt()
		}
	})
}

// Unload releases every engine resource: kernel watches, the rule table, and
// the inotify instance. The event log sink is owned by the caller.
func (e *Engine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.in != nil {
		for _, entry := range e.table.All() {
			if entry.Registered() {
				_ = e.in.RmWatch(entry.Wd)
				entry.Wd = rules.WdNone
			}
		}
		_ = e.in.Close()
		e.in = nil
	}
	e.table.Clear()
}

// register performs the kernel registration for entry, storing the assigned
// descriptor on success and the failure cause on entry.Error otherwise.
func (e *Engine) register(entry *rules.Entry) bool {
	wd, err := e.in.AddWatch(entry.URI, entry.Mask)
	if err != nil {
		entry.Error = fmt.Sprintf("An error occurred while registering an event for %s: %v", entry.URI, err)
		entry.Wd = rules.WdNone
		return false
	}
	entry.Wd = wd
	entry.Error = ""
	entry.Warning = ""
	return true
}

// unregister removes entry's kernel watch. A no-op when the entry holds no
// descriptor; failures are logged and leave the descriptor in place.
func (e *Engine) unregister(entry *rules.Entry) bool {
	if !entry.Registered() {
		return true
	}
	if err := e.in.RmWatch(entry.Wd); err != nil {
		_ = e.sink.Log(eventlog.Error, "An error occurred while unregistering event %d ( %s ): %v",
			entry.Wd, entry.URI, err)
		return false
	}
	entry.Wd = rules.WdNone
	entry.Error = ""
	entry.Warning = ""
	return true
}

// logTable writes one line per rule with a pass/fail symbol, the kind tag,
// the URI, the mask, and the descriptor or failure cause.
func (e *Engine) logTable() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.table.All() {
		e.logEntry(entry)
	}
}

// logEntry writes the table line for a single rule.
func (e *Engine) logEntry(entry *rules.Entry) {
	suffix := ""
	if entry.Pattern != "" {
		suffix = ", " + entry.Pattern
	}
	if entry.Registered() {
		_ = e.sink.Log(eventlog.Info, " ✓ [%c] %-*.*s, 0x%08X ⇥ %d%s",
			entry.Kind.Char(), e.entryML, e.entryML, entry.URI, entry.Mask, entry.Wd, suffix)
		return
	}
	_ = e.sink.Log(eventlog.Info, " ✕ [%c] %-*.*s, 0x%08X ⌁ ✕",
		entry.Kind.Char(), e.entryML, e.entryML, entry.URI, entry.Mask)
	if entry.Error != "" {
		_ = e.sink.Log(eventlog.Error, " ✕ %s", entry.Error)
	} else if entry.Warning != "" {
		_ = e.sink.Log(eventlog.Warning, " ⚠︎ %s", entry.Warning)
	}
}
