package pagemanager

import "sort"

// Meta is the directory stored at MetaPID: tree name -> root PageID.
// A Meta reachable from the page table is never mutated; updates go through
// With/Without and a CAS of the whole page.
type Meta struct {
	roots map[string]PageID
}

func NewMeta() *Meta {
	return &Meta{roots: make(map[string]PageID)}
}

// Root returns the root registered under name.
func (m *Meta) Root(name []byte) (PageID, bool) {
	if m == nil {
		return 0, false
	}
	pid, ok := m.roots[string(name)]
	return pid, ok
}

// With returns a copy of m with name bound to root.
func (m *Meta) With(name []byte, root PageID) *Meta {
	out := m.clone()
	out.roots[string(name)] = root
	return out
}

// Without returns a copy of m with name removed.
func (m *Meta) Without(name []byte) *Meta {
	out := m.clone()
	delete(out.roots, string(name))
	return out
}

// Names returns every registered tree name in sorted order.
func (m *Meta) Names() [][]byte {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.roots))
	for name := range m.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([][]byte, len(names))
	for i, name := range names {
		out[i] = []byte(name)
	}
	return out
}

// Len returns the number of registered trees.
func (m *Meta) Len() int {
	if m == nil {
		return 0
	}
	return len(m.roots)
}

func (m *Meta) clone() *Meta {
	out := NewMeta()
	if m != nil {
		for k, v := range m.roots {
			out.roots[k] = v
		}
	}
	return out
}
