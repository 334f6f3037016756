package domain

import (
	"slices"
	"sort"
	"strings"
)

// FilterEntry is one allow or deny list item. An empty Source matches every
// source.
type FilterEntry struct {
	Source   string
	RemoteID RemoteID
}

func (e FilterEntry) String() string {
	if e.Source == "" {
		return string(e.RemoteID)
	}
	return e.Source + ":" + string(e.RemoteID)
}

// ParseFilterEntry parses "id" or "source:id". The prefix is read as a source
// only when it is one of sources, so string ids may contain colons.
func ParseFilterEntry(s string, sources []string) FilterEntry {
	s = strings.TrimSpace(s)
	if src, id, ok := strings.Cut(s, ":"); ok && slices.Contains(sources, strings.TrimSpace(src)) {
		return FilterEntry{Source: strings.TrimSpace(src), RemoteID: RemoteID(strings.TrimSpace(id))}
	}
	return FilterEntry{RemoteID: RemoteID(s)}
}

// Filter decides which datastreams a run processes. When the allow set is
// non-empty only listed ids pass. Denied ids never pass.
type Filter struct {
	allow map[FilterEntry]struct{}
	deny  map[FilterEntry]struct{}
}

// NewFilter builds a Filter from allow and deny entries.
func NewFilter(allow, deny []FilterEntry) Filter {
	f := Filter{
		allow: make(map[FilterEntry]struct{}, len(allow)),
		deny:  make(map[FilterEntry]struct{}, len(deny)),
	}
	for _, e := range allow {
		if e.RemoteID != "" {
			f.allow[e] = struct{}{}
		}
	}
	for _, e := range deny {
		if e.RemoteID != "" {
			f.deny[e] = struct{}{}
		}
	}
	return f
}

// Restricted reports whether an allow set is in force.
func (f Filter) Restricted() bool { return len(f.allow) > 0 }

// Listed reports whether the allow set names the id.
func (f Filter) Listed(source string, id RemoteID) bool {
	return match(f.allow, source, id)
}

// Denied reports whether the deny set names the id.
func (f Filter) Denied(source string, id RemoteID) bool {
	return match(f.deny, source, id)
}

// Allows applies both sets to a single datastream id.
func (f Filter) Allows(source string, id RemoteID) bool {
	if f.Denied(source, id) {
		return false
	}
	return !f.Restricted() || f.Listed(source, id)
}

// AllowEntries returns the allow set in a stable order.
func (f Filter) AllowEntries() []FilterEntry {
	out := make([]FilterEntry, 0, len(f.allow))
	for e := range f.allow {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Matches reports whether the entry names the given datastream.
func (e FilterEntry) Matches(source string, id RemoteID) bool {
	return e.RemoteID == id && (e.Source == "" || e.Source == source)
}

func match(set map[FilterEntry]struct{}, source string, id RemoteID) bool {
	if _, ok := set[FilterEntry{RemoteID: id}]; ok {
		return true
	}
	_, ok := set[FilterEntry{Source: source, RemoteID: id}]
	return ok
}
