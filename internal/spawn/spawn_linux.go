//go:build linux

// Package spawn launches the external command attached to a watch rule: a
// detached /bin/sh -c invocation running under the rule's target user with a
// rebuilt, sanitized environment.
//
// The credential set and environment are fully constructed in the parent and
// handed to the kernel through the exec machinery; nothing is mutated between
// fork and exec. Children run in their own session (setsid) and are never
// waited on.
package spawn

import (
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/casper2020/casper-inotify/internal/template"
)

const (
	defaultShell = "/bin/sh"
	defaultPath  = "/usr/bin:/usr/local/bin"
)

// Request carries everything one spawn needs: the target username, the
// expanded command string, and the full placeholder map exported to the
// child's environment.
type Request struct {
	User string
	Cmd  string
	Vars map[string]string
}

// Spawner launches commands and reports outcomes to syslog.
type Spawner struct {
	logger *slog.Logger
	sys    *syslog.Writer // nil when syslog is unavailable
}

// New creates a Spawner reporting to syslog with facility CRON and the given
// identifier tag. Syslog being unavailable is logged and tolerated; spawn
// outcomes are then only visible through the operational logger.
func New(tag string, logger *slog.Logger) *Spawner {
	w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_CRON, tag)
	if err != nil {
		logger.Warn("spawn: syslog unavailable", slog.Any("error", err))
		w = nil
	}
	return &Spawner{logger: logger, sys: w}
}

// Close releases the syslog connection.
func (s *Spawner) Close() {
	if s.sys != nil {
		_ = s.sys.Close()
		s.sys = nil
	}
}

// Notice writes a notice-level syslog line.
func (s *Spawner) Notice(format string, args ...any) {
	if s.sys != nil {
		_ = s.sys.Notice(fmt.Sprintf(format, args...))
	}
}

// errorf writes an err-level syslog line and mirrors it to the operational
// logger.
func (s *Spawner) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.sys != nil {
		_ = s.sys.Err(msg)
	}
	s.logger.Error("spawn: " + msg)
}

// Spawn starts req.Cmd as the target user and returns the child pid. The
// child is detached into its own session and its exit status is not
// collected. On failure the stage and cause are reported to syslog and the
// error is returned for the caller to record.
func (s *Spawner) Spawn(req Request) (int, error) {
	cred, u, err := lookupCredential(req.User)
	if err != nil {
		s.errorf("✕ unable to launch %s", req.Cmd)
		s.errorf("  ⌃ get user info - %v", err)
		return 0, err
	}

	cmd := exec.Command(defaultShell, "-c", req.Cmd)
	cmd.Env = BuildEnv(u, req.Vars)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	attr := &syscall.SysProcAttr{Setsid: true}
	// Switching credentials requires privilege; skip when the target is
	// already the current identity so unprivileged runs still spawn.
	if int(cred.Uid) != os.Getuid() || int(cred.Gid) != os.Getgid() {
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		s.errorf("✕ unable to launch %s", req.Cmd)
		s.errorf("  ⌃ start failure: %v", err)
		return 0, fmt.Errorf("spawn: start %q as %q: %w", req.Cmd, req.User, err)
	}
	pid := cmd.Process.Pid
	// Intentionally detached: release instead of waiting.
	_ = cmd.Process.Release()

	s.Notice("✓ (%s) CMD %s", req.User, req.Cmd)
	return pid, nil
}

// lookupCredential resolves username to a kernel credential set: uid, primary
// gid, and the supplementary group list (the initgroups equivalent). The
// group switch must precede the uid drop, which the kernel credential
// structure encodes by construction.
func lookupCredential(username string) (*syscall.Credential, *user.User, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: uid of %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: gid of %q: %w", username, err)
	}
	groupStrs, err := u.GroupIds()
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: group list of %q: %w", username, err)
	}
	groups := make([]uint32, 0, len(groupStrs))
	for _, g := range groupStrs {
		n, err := strconv.Atoi(g)
		if err != nil {
			return nil, nil, fmt.Errorf("spawn: group id %q of %q: %w", g, username, err)
		}
		groups = append(groups, uint32(n))
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: groups}, u, nil
}

// BuildEnv constructs the child environment from scratch. Non-root targets
// get a minimal login-like environment; every CASPER_INOTIFY_* variable from
// vars is exported in both the root and non-root cases.
func BuildEnv(u *user.User, vars map[string]string) []string {
	var env []string
	if u.Uid != "0" {
		env = append(env,
			"PATH="+defaultPath,
			"LOGNAME="+u.Username,
			"USER="+u.Username,
			"USERNAME="+u.Username,
			"HOME="+u.HomeDir,
			"SHELL="+shellOf(u),
		)
	}
	for _, name := range template.Order {
		if v, ok := vars[name]; ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// shellOf returns the user's login shell. os/user does not expose pw_shell,
// so the default shell stands in; rules that need a specific shell invoke it
// from the command template.
func shellOf(_ *user.User) string {
	return defaultShell
}
