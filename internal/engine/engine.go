//go:build linux

// Package engine is the event dispatch core of casper-inotify. It translates
// the configuration document into the rule table, registers every rule with
// the kernel, demultiplexes batched inotify events into per-rule handling,
// and hands spawnable events to the process spawner.
//
// The engine is strictly single-threaded: one dispatch goroutine blocks in
// the kernel read and processes each returned buffer to completion before
// reading again. The rule table is mutated only by that goroutine; a mutex
// exists solely so the status server can take consistent snapshots.
package engine

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/casper2020/casper-inotify/internal/clock"
	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/history"
	"github.com/casper2020/casper-inotify/internal/inotify"
	"github.com/casper2020/casper-inotify/internal/rules"
	"github.com/casper2020/casper-inotify/internal/spawn"
)

// Engine wires the rule table, the kernel watch instance, the event log
// sink, and the process spawner into the dispatch lifecycle.
type Engine struct {
	cfg     *config.Config
	sink    *eventlog.Sink
	spawner *spawn.Spawner
	hist    *history.Store // nil when the history store is disabled
	logger  *slog.Logger
	diag    io.Writer // unknown-keyword reports; stderr by default

	ident clock.Identity
	in    *inotify.Instance

	mu      sync.RWMutex
	table   *rules.Table
	entryML int // widest rule URI, for table log alignment

	ready    chan struct{}
	stopOnce sync.Once
}

// New creates an Engine. hist may be nil; sink, spawner, and logger are
// required.
func New(cfg *config.Config, sink *eventlog.Sink, spawner *spawn.Spawner, hist *history.Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		sink:    sink,
		spawner: spawner,
		hist:    hist,
		logger:  logger,
		diag:    os.Stderr,
		table:   rules.NewTable(),
		ready:   make(chan struct{}),
	}
}

// Load resolves the daemon identity and translates the configuration
// document into rule entries. A hostname failure is fatal.
func (e *Engine) Load() error {
	ident, err := clock.Self()
	if err != nil {
		return err
	}
	e.ident = ident

	if err := e.sink.Log(eventlog.Info, "Loading..."); err != nil {
		return err
	}
	e.dumpFields()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.cfg.Directories {
		mask := inotify.MaskFor(r.Events, e.diag)
		if mask == 0 {
			continue
		}
		e.table.Add(e.newEntry(rules.Directory, r, r.URI, mask|unix.IN_ONLYDIR, rules.HandlerNone))
	}

	for _, r := range e.cfg.Files {
		mask := inotify.MaskFor(r.Events, e.diag)
		if mask == 0 {
			continue
		}
		if mask&unix.IN_DELETE != 0 {
			mask |= unix.IN_DELETE_SELF
		}
		if mask&unix.IN_MODIFY != 0 {
			// Watch the parent directory too, so the file can be
			// registered the moment it appears.
			slash := strings.LastIndex(r.URI, "/")
			if slash < 0 {
				continue
			}
			e.table.Add(e.newEntry(rules.Directory, r, r.URI[:slash], unix.IN_CREATE, rules.HandlerReregister))
		}
		e.table.Add(e.newEntry(rules.File, r, r.URI, mask, rules.HandlerNone))
	}

	return nil
}

// newEntry builds a rule entry from a configuration element, applying the
// document defaults for user, command, and message.
func (e *Engine) newEntry(kind rules.Kind, r config.Rule, uri string, mask uint32, h rules.Handler) *rules.Entry {
	user := r.User
	if user == "" {
		user = e.cfg.User
	}
	cmd := r.Command
	if cmd == "" {
		cmd = e.cfg.Command
	}
	msg := r.Message
	if msg == "" {
		msg = e.cfg.Message
	}
	return &rules.Entry{
		Kind:    kind,
		URI:     uri,
		Mask:    mask,
		Wd:      rules.WdNone,
		User:    user,
		Cmd:     cmd,
		Msg:     msg,
		Pattern: r.Pattern,
		Handler: h,
	}
}

// dumpFields writes the taxonomy table to the sink at debug level.
func (e *Engine) dumpFields() {
	var b strings.Builder
	inotify.DumpFields(&b)
	for _, line := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
		_ = e.sink.Log(eventlog.Debug, "%s", line)
	}
}

// Ready returns a channel closed once the initial registration pass has
// completed. Tests wait on it before triggering filesystem operations.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Identity returns the daemon identity resolved by Load.
func (e *Engine) Identity() clock.Identity { return e.ident }
