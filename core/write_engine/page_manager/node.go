package pagemanager

import (
	"bytes"
	"sort"
)

// DataKind distinguishes leaf nodes from index nodes.
type DataKind byte

const (
	DataLeaf DataKind = iota + 1
	DataIndex
)

// KV is one leaf entry.
type KV struct {
	Key   []byte
	Value []byte
}

// IndexEntry maps a prefix-encoded separator to the child responsible for
// keys at or above it.
type IndexEntry struct {
	Sep   []byte
	Child PageID
}

// Data is either a sorted run of leaf entries or a sorted run of index
// entries. Exactly one of Leaf/Index is meaningful, selected by Kind.
type Data struct {
	Kind  DataKind
	Leaf  []KV
	Index []IndexEntry
}

// Node is the logical content of one tree page.
//
// Lo is inclusive, Hi exclusive; an empty Hi means unbounded. Next links to
// the right sibling created by a split. MergingChild is set on a parent while
// one of its children is being merged away, and Merging is set on the child
// itself; readers must not treat either as stable until the merge confirms.
type Node struct {
	Data         Data
	Lo           []byte
	Hi           []byte
	Next         *PageID
	MergingChild *PageID
	Merging      bool
}

// Size estimates the memory held by the node.
func (n *Node) Size() int {
	size := len(n.Lo) + len(n.Hi)
	for _, kv := range n.Data.Leaf {
		size += len(kv.Key) + len(kv.Value) + 48
	}
	for _, e := range n.Data.Index {
		size += len(e.Sep) + 32
	}
	return size
}

// NewEmptyLeaf returns a leaf responsible for the whole keyspace.
func NewEmptyLeaf() Node {
	return Node{Data: Data{Kind: DataLeaf, Leaf: []KV{}}, Lo: []byte{}, Hi: []byte{}}
}

// NewRootIndex returns an index node whose single entry routes every key to
// child.
func NewRootIndex(child PageID) Node {
	return Node{
		Data: Data{Kind: DataIndex, Index: []IndexEntry{{Sep: EncodePrefix(nil, nil), Child: child}}},
		Lo:   []byte{},
		Hi:   []byte{},
	}
}

// IsLeaf reports whether the node carries leaf entries.
func (n *Node) IsLeaf() bool { return n.Data.Kind == DataLeaf }

// Contains reports whether key falls inside [Lo, Hi).
func (n *Node) Contains(key []byte) bool {
	if bytes.Compare(key, n.Lo) < 0 {
		return false
	}
	return len(n.Hi) == 0 || bytes.Compare(key, n.Hi) < 0
}

// EncodePrefix encodes key relative to lo: one byte holding the length of
// the shared prefix (capped at 255) followed by the remaining suffix.
// EncodePrefix(nil, nil) is the canonical empty prefix []byte{0}.
func EncodePrefix(lo, key []byte) []byte {
	shared := 0
	for shared < len(lo) && shared < len(key) && shared < 255 && lo[shared] == key[shared] {
		shared++
	}
	out := make([]byte, 0, 1+len(key)-shared)
	out = append(out, byte(shared))
	return append(out, key[shared:]...)
}

// DecodePrefix reverses EncodePrefix.
func DecodePrefix(lo, encoded []byte) []byte {
	if len(encoded) == 0 {
		return []byte{}
	}
	shared := int(encoded[0])
	if shared > len(lo) {
		shared = len(lo)
	}
	out := make([]byte, 0, shared+len(encoded)-1)
	out = append(out, lo[:shared]...)
	return append(out, encoded[1:]...)
}

// Clone returns a deep copy; folds never mutate a node reachable from the
// page table.
func (n *Node) Clone() Node {
	c := Node{
		Data:    Data{Kind: n.Data.Kind},
		Lo:      cloneBytes(n.Lo),
		Hi:      cloneBytes(n.Hi),
		Merging: n.Merging,
	}
	if n.Next != nil {
		next := *n.Next
		c.Next = &next
	}
	if n.MergingChild != nil {
		mc := *n.MergingChild
		c.MergingChild = &mc
	}
	switch n.Data.Kind {
	case DataLeaf:
		c.Data.Leaf = make([]KV, len(n.Data.Leaf))
		for i, kv := range n.Data.Leaf {
			c.Data.Leaf[i] = KV{Key: cloneBytes(kv.Key), Value: cloneBytes(kv.Value)}
		}
	case DataIndex:
		c.Data.Index = make([]IndexEntry, len(n.Data.Index))
		for i, e := range n.Data.Index {
			c.Data.Index[i] = IndexEntry{Sep: cloneBytes(e.Sep), Child: e.Child}
		}
	}
	return c
}

// Get returns the value stored under key in a leaf.
func (n *Node) Get(key []byte) ([]byte, bool) {
	if !n.IsLeaf() {
		return nil, false
	}
	i, found := n.leafSearch(key)
	if !found {
		return nil, false
	}
	return n.Data.Leaf[i].Value, true
}

// ChildFor returns the child an index node routes key to.
func (n *Node) ChildFor(key []byte) (PageID, bool) {
	if n.IsLeaf() || len(n.Data.Index) == 0 {
		return 0, false
	}
	// last separator <= key
	i := sort.Search(len(n.Data.Index), func(i int) bool {
		return bytes.Compare(DecodePrefix(n.Lo, n.Data.Index[i].Sep), key) > 0
	})
	if i == 0 {
		return n.Data.Index[0].Child, true
	}
	return n.Data.Index[i-1].Child, true
}

func (n *Node) leafSearch(key []byte) (int, bool) {
	leaf := n.Data.Leaf
	i := sort.Search(len(leaf), func(i int) bool { return bytes.Compare(leaf[i].Key, key) >= 0 })
	return i, i < len(leaf) && bytes.Equal(leaf[i].Key, key)
}

func (n *Node) set(key, value []byte) {
	i, found := n.leafSearch(key)
	if found {
		n.Data.Leaf[i].Value = cloneBytes(value)
		return
	}
	n.Data.Leaf = append(n.Data.Leaf, KV{})
	copy(n.Data.Leaf[i+1:], n.Data.Leaf[i:])
	n.Data.Leaf[i] = KV{Key: cloneBytes(key), Value: cloneBytes(value)}
}

func (n *Node) del(key []byte) {
	i, found := n.leafSearch(key)
	if !found {
		return
	}
	n.Data.Leaf = append(n.Data.Leaf[:i], n.Data.Leaf[i+1:]...)
}

// splitAt drops every entry at or above at and narrows Hi to at.
func (n *Node) splitAt(at []byte, to PageID) {
	switch n.Data.Kind {
	case DataLeaf:
		i := sort.Search(len(n.Data.Leaf), func(i int) bool { return bytes.Compare(n.Data.Leaf[i].Key, at) >= 0 })
		n.Data.Leaf = n.Data.Leaf[:i]
	case DataIndex:
		i := sort.Search(len(n.Data.Index), func(i int) bool {
			return bytes.Compare(DecodePrefix(n.Lo, n.Data.Index[i].Sep), at) >= 0
		})
		n.Data.Index = n.Data.Index[:i]
	}
	n.Hi = cloneBytes(at)
	next := to
	n.Next = &next
}

func (n *Node) addChild(at []byte, to PageID) {
	sep := EncodePrefix(n.Lo, at)
	i := sort.Search(len(n.Data.Index), func(i int) bool {
		return bytes.Compare(DecodePrefix(n.Lo, n.Data.Index[i].Sep), at) >= 0
	})
	n.Data.Index = append(n.Data.Index, IndexEntry{})
	copy(n.Data.Index[i+1:], n.Data.Index[i:])
	n.Data.Index[i] = IndexEntry{Sep: sep, Child: to}
}

func (n *Node) removeChild(child PageID) {
	for i, e := range n.Data.Index {
		if e.Child == child {
			n.Data.Index = append(n.Data.Index[:i], n.Data.Index[i+1:]...)
			return
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
