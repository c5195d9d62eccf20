// Package inotify wraps the Linux inotify kernel interface: the static event
// taxonomy shared with the configuration format, the watch instance
// (initialize / add / remove / blocking wait), and the parser for the
// variable-length event records the kernel delivers.
package inotify

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// FieldInfo describes one kernel event class: the kernel constant name, the
// configuration keyword, and a short human description.
type FieldInfo struct {
	Name        string
	Key         string
	Description string
}

// fields is the closed taxonomy table, listed in configuration keyword order
// (not by kernel flag value); the debug dump follows this order. See
// inotify(7).
var fields = []struct {
	Mask uint32
	Info FieldInfo
}{
	{unix.IN_ACCESS, FieldInfo{"IN_ACCESS", "access", "File was accessed."}},
	{unix.IN_ATTRIB, FieldInfo{"IN_ATTRIB", "attrib", "Metadata, permissions, timestamps, ownership, etc, changes."}},
	{unix.IN_CLOSE, FieldInfo{"IN_CLOSE", "close", "IN_CLOSE_WRITE | IN_CLOSE_NOWRITE"}},
	{unix.IN_CLOSE_WRITE, FieldInfo{"IN_CLOSE_WRITE", "close_write", "File opened for writing was closed."}},
	{unix.IN_CLOSE_NOWRITE, FieldInfo{"IN_CLOSE_NOWRITE", "close_nowrite", "File or directory not opened for writing was closed."}},
	{unix.IN_CREATE, FieldInfo{"IN_CREATE", "create", "File/directory created in watched directory."}},
	{unix.IN_DELETE, FieldInfo{"IN_DELETE", "delete", "File/directory deleted from watched directory."}},
	{unix.IN_DELETE_SELF, FieldInfo{"IN_DELETE_SELF", "delete_self", "Watched file/directory was itself deleted."}},
	{unix.IN_MODIFY, FieldInfo{"IN_MODIFY", "modify", "File was modified."}},
	{unix.IN_MOVE, FieldInfo{"IN_MOVE", "move", "IN_MOVED_FROM | IN_MOVED_TO."}},
	{unix.IN_MOVE_SELF, FieldInfo{"IN_MOVE_SELF", "move_self", "Watched file/directory was itself moved."}},
	{unix.IN_MOVED_FROM, FieldInfo{"IN_MOVED_FROM", "move_from", "Generated for the directory containing the old filename when a file is renamed."}},
	{unix.IN_MOVED_TO, FieldInfo{"IN_MOVED_TO", "move_to", "Generated for the directory containing the new filename when a file is renamed."}},
	{unix.IN_OPEN, FieldInfo{"IN_OPEN", "open", "File or directory was opened."}},
}

// keyToMask maps configuration keywords to kernel event classes.
var keyToMask = map[string]uint32{
	"open":          unix.IN_OPEN,
	"create":        unix.IN_CREATE,
	"access":        unix.IN_ACCESS,
	"modify":        unix.IN_MODIFY,
	"attrib":        unix.IN_ATTRIB,
	"close_write":   unix.IN_CLOSE_WRITE,
	"close_nowrite": unix.IN_CLOSE_NOWRITE,
	"close":         unix.IN_CLOSE,
	"delete":        unix.IN_DELETE,
	"delete_self":   unix.IN_DELETE_SELF,
	"move":          unix.IN_MOVE,
	"move_self":     unix.IN_MOVE_SELF,
	"move_from":     unix.IN_MOVED_FROM,
	"move_to":       unix.IN_MOVED_TO,
}

// MaskFor ORs the kernel flags for every recognized keyword in keys. Unknown
// keywords are reported to diag and ignored.
func MaskFor(keys []string, diag io.Writer) uint32 {
	var mask uint32
	for _, k := range keys {
		m, ok := keyToMask[k]
		if !ok {
			if diag != nil {
				fmt.Fprintf(diag, "%s ???\n", k)
			}
			continue
		}
		mask |= m
	}
	return mask
}

// KeywordMask returns the kernel flag for a single keyword.
func KeywordMask(key string) (uint32, bool) {
	m, ok := keyToMask[key]
	return m, ok
}

// Fields returns the taxonomy table in dump order.
func Fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Info)
	}
	return out
}

// DumpFields writes the taxonomy table to w, one line per kernel flag.
func DumpFields(w io.Writer) {
	for _, f := range fields {
		fmt.Fprintf(w, "\t0x%08X - %-16.16s - %-13.13s - %s\n",
			f.Mask, f.Info.Name, f.Info.Key, f.Info.Description)
	}
}

// actionTokens is the canonical composition order for the human action name.
// IN_CLOSE covers both close variants; delete and delete_self collapse into
// a single "deleted" token.
var actionTokens = []struct {
	mask  uint32
	token string
}{
	{unix.IN_OPEN, "open"},
	{unix.IN_CLOSE, "closed"},
	{unix.IN_ACCESS, "accessed"},
	{unix.IN_CREATE, "created"},
	{unix.IN_MODIFY, "modified"},
	{unix.IN_DELETE | unix.IN_DELETE_SELF, "deleted"},
	{unix.IN_IGNORED, "ignored"},
}

// ActionNames composes the human action name for mask: the matching tokens in
// canonical order joined with ", ", or "???" when no token matches. A record
// carrying several flags yields one composite name, never one name per flag.
func ActionNames(mask uint32) string {
	var tokens []string
	for _, a := range actionTokens {
		if mask&a.mask != 0 {
			tokens = append(tokens, a.token)
		}
	}
	if len(tokens) == 0 {
		return "???"
	}
	return strings.Join(tokens, ", ")
}
