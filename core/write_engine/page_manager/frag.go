package pagemanager

import (
	"errors"
	"fmt"
)

// FragKind tags the variants of Frag.
type FragKind byte

const (
	FragBase FragKind = iota + 1
	FragSet
	FragDel
	FragChildSplit
	FragParentSplit
	FragParentMergeIntention
	FragParentMergeConfirm
	FragChildMergeCap
)

func (k FragKind) String() string {
	switch k {
	case FragBase:
		return "base"
	case FragSet:
		return "set"
	case FragDel:
		return "del"
	case FragChildSplit:
		return "child_split"
	case FragParentSplit:
		return "parent_split"
	case FragParentMergeIntention:
		return "parent_merge_intention"
	case FragParentMergeConfirm:
		return "parent_merge_confirm"
	case FragChildMergeCap:
		return "child_merge_cap"
	default:
		return fmt.Sprintf("frag(%d)", byte(k))
	}
}

// Frag is one element of a page's fragment chain: a complete Base node or a
// delta applied on top of one. Only the fields relevant to Kind are set.
type Frag struct {
	Kind  FragKind
	Base  *Node
	Key   []byte // Set, Del, ChildSplit (split point), ParentSplit (separator)
	Value []byte // Set
	Child PageID // ChildSplit/ParentSplit (new right sibling), merge deltas (merging child)
}

var ErrChainWithoutBase = errors.New("fragment chain does not terminate in a base")

func BaseFrag(n Node) Frag               { return Frag{Kind: FragBase, Base: &n} }
func SetFrag(key, value []byte) Frag     { return Frag{Kind: FragSet, Key: key, Value: value} }
func DelFrag(key []byte) Frag            { return Frag{Kind: FragDel, Key: key} }
func ChildSplitFrag(at []byte, to PageID) Frag {
	return Frag{Kind: FragChildSplit, Key: at, Child: to}
}
func ParentSplitFrag(at []byte, to PageID) Frag {
	return Frag{Kind: FragParentSplit, Key: at, Child: to}
}
func ParentMergeIntentionFrag(child PageID) Frag {
	return Frag{Kind: FragParentMergeIntention, Child: child}
}
func ParentMergeConfirmFrag(child PageID) Frag {
	return Frag{Kind: FragParentMergeConfirm, Child: child}
}
func ChildMergeCapFrag() Frag { return Frag{Kind: FragChildMergeCap} }

// IsBase reports whether the fragment is a self-contained node snapshot.
func (f Frag) IsBase() bool { return f.Kind == FragBase }

// Size estimates the memory held by the fragment.
func (f Frag) Size() int {
	const overhead = 48
	n := overhead + len(f.Key) + len(f.Value)
	if f.Base != nil {
		n += f.Base.Size()
	}
	return n
}

// apply folds a single delta into n.
func (f Frag) apply(n *Node) error {
	switch f.Kind {
	case FragSet:
		n.set(f.Key, f.Value)
	case FragDel:
		n.del(f.Key)
	case FragChildSplit:
		n.splitAt(f.Key, f.Child)
	case FragParentSplit:
		n.addChild(f.Key, f.Child)
	case FragParentMergeIntention:
		child := f.Child
		n.MergingChild = &child
	case FragParentMergeConfirm:
		n.removeChild(f.Child)
		n.MergingChild = nil
	case FragChildMergeCap:
		n.Merging = true
	default:
		return fmt.Errorf("cannot apply %s as a delta", f.Kind)
	}
	return nil
}

// Consolidate folds a newest-first fragment chain into a single node. The
// chain must end in exactly one Base; the base is cloned, never mutated.
func Consolidate(chain []Frag) (Node, error) {
	if len(chain) == 0 || !chain[len(chain)-1].IsBase() {
		return Node{}, ErrChainWithoutBase
	}
	for _, f := range chain[:len(chain)-1] {
		if f.IsBase() {
			return Node{}, fmt.Errorf("%w: base found above the chain tail", ErrChainWithoutBase)
		}
	}
	node := chain[len(chain)-1].Base.Clone()
	for i := len(chain) - 2; i >= 0; i-- {
		if err := chain[i].apply(&node); err != nil {
			return Node{}, err
		}
	}
	return node, nil
}
