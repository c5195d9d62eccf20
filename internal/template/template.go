// Package template performs the literal ${NAME} placeholder substitution used
// by command and message templates. It is deliberately not a general template
// language: the placeholder set is closed, substitution runs one pass per
// placeholder in a fixed order, and no pass rescans the text it introduced.
package template

import "strings"

// Placeholder names, in substitution (enumeration) order. EnvMsg binds the
// expanded message; EnvCmd binds the unexpanded command template so spawned
// children can see the raw template.
const (
	EnvEvent    = "CASPER_INOTIFY_EVENT"
	EnvObject   = "CASPER_INOTIFY_OBJECT"
	EnvName     = "CASPER_INOTIFY_NAME"
	EnvDatetime = "CASPER_INOTIFY_DATETIME"
	EnvHostname = "CASPER_INOTIFY_HOSTNAME"
	EnvMsg      = "CASPER_INOTIFY_MSG"
	EnvCmd      = "CASPER_INOTIFY_CMD"
)

// Order is the canonical placeholder enumeration order. Substitution within a
// single string follows this order; since placeholder names are disjoint the
// order only matters when a substituted value itself contains a
// placeholder-shaped substring: one naming a placeholder later in Order is
// expanded by that later pass, one naming the same or an earlier placeholder
// is left unexpanded.
var Order = []string{EnvEvent, EnvObject, EnvName, EnvDatetime, EnvHostname, EnvMsg, EnvCmd}

// Replace substitutes every non-overlapping occurrence of from in value with
// to, scanning left to right and advancing past each replacement by len(to).
// Text introduced by a replacement is therefore never expanded again.
func Replace(value, from, to string) string {
	if from == "" {
		return value
	}
	var b strings.Builder
	for {
		i := strings.Index(value, from)
		if i < 0 {
			b.WriteString(value)
			return b.String()
		}
		b.WriteString(value[:i])
		b.WriteString(to)
		value = value[i+len(from):]
	}
}

// Expand substitutes every ${NAME} placeholder present in vars into value,
// in canonical Order. Placeholders absent from vars are left untouched.
func Expand(value string, vars map[string]string) string {
	for _, name := range Order {
		v, ok := vars[name]
		if !ok {
			continue
		}
		value = Replace(value, "${"+name+"}", v)
	}
	return value
}
