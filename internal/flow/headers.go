// Package flow holds Syrah's pure data model: requests, responses, flows,
// sessions, rules, and matchers, plus the builders and derived getters that
// operate on them. Nothing in this package performs I/O.
package flow

import "strings"

// Headers is an ordered, case-insensitive-keyed multimap. Iteration via
// Names/Values preserves insertion order so re-serialization matches what
// was captured on the wire, per the data model's header invariant.
type Headers struct {
	order []string            // canonical-cased names, in first-seen order
	index map[string]string   // lowercase key -> canonical-cased name
	vals  map[string][]string // canonical-cased name -> values, in arrival order
}

// NewHeaders returns an empty header multimap.
func NewHeaders() *Headers {
	return &Headers{index: map[string]string{}, vals: map[string][]string{}}
}

// Add appends value under name, preserving the casing of the first
// occurrence of name and recording a new position only the first time it's
// seen.
func (h *Headers) Add(name, value string) {
	key := strings.ToLower(name)
	canon, ok := h.index[key]
	if !ok {
		h.index[key] = name
		h.order = append(h.order, name)
		canon = name
	}
	h.vals[canon] = append(h.vals[canon], value)
}

// Set replaces all values of name with a single value, preserving position
// if name already existed, or appending it otherwise.
func (h *Headers) Set(name, value string) {
	key := strings.ToLower(name)
	canon, ok := h.index[key]
	if !ok {
		h.index[key] = name
		h.order = append(h.order, name)
		canon = name
	}
	h.vals[canon] = []string{value}
}

// Del removes name and all its values.
func (h *Headers) Del(name string) {
	key := strings.ToLower(name)
	canon, ok := h.index[key]
	if !ok {
		return
	}
	delete(h.index, key)
	delete(h.vals, canon)
	for i, n := range h.order {
		if n == canon {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Get returns the first value for name, and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	vs := h.Values(name)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns all values for name in arrival order, or nil if absent.
func (h *Headers) Values(name string) []string {
	canon, ok := h.index[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return h.vals[canon]
}

// Has reports whether name is present, case-insensitively.
func (h *Headers) Has(name string) bool {
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

// Names returns header names in first-seen order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, name := range h.order {
		for _, v := range h.vals[name] {
			c.Add(name, v)
		}
	}
	return c
}

// Len reports the number of distinct header names.
func (h *Headers) Len() int { return len(h.order) }
