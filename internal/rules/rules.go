// Package rules holds the canonical registry of watch rules: the
// authoritative entry list, the descriptor-indexed active view, the
// pending-retry view, and the literal URI sets the configuration asked to
// watch. The table is plain data; it is mutated only by the dispatch
// pipeline.
package rules

// WdNone is the sentinel watch descriptor of an unregistered entry.
const WdNone = -1

// Kind tags the configured intent of an entry. It records what the rule was
// declared as, not what the kernel observed.
type Kind int

const (
	File Kind = iota
	Directory
)

// Char returns the single-character kind tag used in log lines.
func (k Kind) Char() byte {
	switch k {
	case File:
		return 'f'
	case Directory:
		return 'd'
	default:
		return '?'
	}
}

// Handler selects the built-in behavior attached to an entry. Entries with a
// handler other than HandlerNone are synthetic: they never spawn commands
// themselves and their URIs are excluded from the user-facing URI sets.
type Handler int

const (
	// HandlerNone marks a regular spawn rule.
	HandlerNone Handler = iota
	// HandlerReregister marks the synthetic parent-directory rule that
	// re-registers a not-yet-existing file the moment it is created.
	HandlerReregister
)

// Entry is one watch rule.
type Entry struct {
	Kind    Kind
	URI     string
	Mask    uint32
	Wd      int
	User    string
	Cmd     string
	Msg     string
	Pattern string
	Error   string
	Warning string
	Handler Handler
}

// Registered reports whether the entry currently holds a live watch
// descriptor.
func (e *Entry) Registered() bool { return e.Wd != WdNone }

// Synthetic reports whether the entry exists only to serve a built-in
// handler.
func (e *Entry) Synthetic() bool { return e.Handler != HandlerNone }

// Table is the rule registry. Entries are referred to by stable index; the
// good view maps live watch descriptors to indices and the bad view is the
// set of indices awaiting (re-)registration. At rest between dispatch
// iterations, good and bad partition the whole table.
type Table struct {
	entries  []*Entry
	good     map[int]int      // watch descriptor -> entry index
	bad      map[int]struct{} // entry index set
	dirURIs  map[string]struct{}
	fileURIs map[string]struct{}
}

// NewTable returns an empty rule table.
func NewTable() *Table {
	return &Table{
		good:     make(map[int]int),
		bad:      make(map[int]struct{}),
		dirURIs:  make(map[string]struct{}),
		fileURIs: make(map[string]struct{}),
	}
}

// Add appends e to the authoritative list and returns its stable index. The
// entry starts unregistered and is placed in the bad view until a successful
// registration promotes it. Non-synthetic URIs are recorded in the matching
// user-facing URI set.
func (t *Table) Add(e *Entry) int {
	e.Wd = WdNone
	idx := len(t.entries)
	t.entries = append(t.entries, e)
	t.bad[idx] = struct{}{}
	if !e.Synthetic() {
		switch e.Kind {
		case Directory:
			t.dirURIs[e.URI] = struct{}{}
		case File:
			t.fileURIs[e.URI] = struct{}{}
		}
	}
	return idx
}

// Len returns the number of entries in the authoritative list.
func (t *Table) Len() int { return len(t.entries) }

// At returns the entry at index idx.
func (t *Table) At(idx int) *Entry { return t.entries[idx] }

// All returns the authoritative entry list in insertion order. The slice is
// shared; callers must not mutate it.
func (t *Table) All() []*Entry { return t.entries }

// Good resolves a live watch descriptor to its entry, or reports a miss.
func (t *Table) Good(wd int) (*Entry, int, bool) {
	idx, ok := t.good[wd]
	if !ok {
		return nil, 0, false
	}
	return t.entries[idx], idx, true
}

// GoodCount returns the number of entries holding live descriptors.
func (t *Table) GoodCount() int { return len(t.good) }

// BadCount returns the number of entries awaiting retry.
func (t *Table) BadCount() int { return len(t.bad) }

// Promote moves the entry at idx from the bad view into the good view. The
// entry's Wd must already hold the kernel-assigned descriptor.
func (t *Table) Promote(idx int) {
	delete(t.bad, idx)
	t.good[t.entries[idx].Wd] = idx
}

// Demote moves the entry at idx from the good view to the bad view, clears
// its descriptor, and records reason as the entry's warning.
func (t *Table) Demote(idx int, reason string) {
	e := t.entries[idx]
	delete(t.good, e.Wd)
	t.bad[idx] = struct{}{}
	e.Wd = WdNone
	e.Warning = reason
}

// FindBad returns the index of the bad entry whose URI equals uri.
func (t *Table) FindBad(uri string) (int, bool) {
	for idx := range t.bad {
		if t.entries[idx].URI == uri {
			return idx, true
		}
	}
	return 0, false
}

// WatchedFile reports whether uri is one of the literal file URIs the
// configuration asked to watch.
func (t *Table) WatchedFile(uri string) bool {
	_, ok := t.fileURIs[uri]
	return ok
}

// WatchedDirectory reports whether uri is one of the literal directory URIs
// the configuration asked to watch.
func (t *Table) WatchedDirectory(uri string) bool {
	_, ok := t.dirURIs[uri]
	return ok
}

// Clear drops every entry and every view. Used on unload.
func (t *Table) Clear() {
	t.entries = nil
	t.good = make(map[int]int)
	t.bad = make(map[int]struct{})
	t.dirURIs = make(map[string]struct{})
	t.fileURIs = make(map[string]struct{})
}
