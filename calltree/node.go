// Package calltree implements the merged call-tree node model shared
// by every trace ingested for one analysis run. Nodes are a tagged sum
// type over seven variants; a common TestCases field (a bitset.Set)
// carries the membership invariant that every node's set is a superset
// of every descendant reachable along its linear successors.
package calltree

import "github.com/rss/leakwalk/bitset"

// Kind identifies which variant a Node represents.
type Kind int

const (
	Root Kind = iota
	Split
	Call
	Branch
	Return
	Allocation
	MemoryAccess
)

func (k Kind) String() string {
	switch k {
	case Root:
		return "root"
	case Split:
		return "split"
	case Call:
		return "call"
	case Branch:
		return "branch"
	case Return:
		return "return"
	case Allocation:
		return "allocation"
	case MemoryAccess:
		return "memory"
	default:
		return "unknown"
	}
}

// MemTarget is one resolved memory-access destination and the set of
// test cases observed touching it, in the order it was first seen.
type MemTarget struct {
	Addr      int64
	TestCases *bitset.Set
}

// Node is one node of the merged call tree. Only the fields relevant
// to Kind are meaningful; see the Kind constants above.
type Node struct {
	Kind      Kind
	TestCases *bitset.Set

	// Root, Split, Call: linear successor chain plus an unordered,
	// pairwise test-case-disjoint set of alternative continuations.
	Successors      []*Node
	splitSuccessors []*Node
	splitIndex      map[distinguishKey]*Node

	// Call
	CallSource  int64
	CallTarget  int64
	CallStackID uint64

	// Branch
	BranchSource int64
	BranchTarget int64
	Taken        bool

	// Return
	ReturnSource int64
	ReturnTarget int64

	// Allocation
	AllocID     int64
	AllocSize   uint32
	AllocIsHeap bool

	// MemoryAccess
	MemInstruction int64
	MemIsWrite     bool
	memTargetIndex map[int64]int
	MemTargets     []*MemTarget
}

// NewRoot creates the empty root of a merged call tree.
func NewRoot() *Node {
	return &Node{Kind: Root, TestCases: bitset.New()}
}

func newSplit() *Node {
	return &Node{Kind: Split, TestCases: bitset.New()}
}

// NewCall creates a detached Call node; callers are responsible for
// wiring it into a parent's Successors/SplitSuccessors.
func NewCall(source, target int64, stackID uint64) *Node {
	return &Node{Kind: Call, TestCases: bitset.New(), CallSource: source, CallTarget: target, CallStackID: stackID}
}

// NewBranch creates a detached Branch leaf.
func NewBranch(source, target int64, taken bool) *Node {
	return &Node{Kind: Branch, TestCases: bitset.New(), BranchSource: source, BranchTarget: target, Taken: taken}
}

// NewReturn creates a detached Return leaf.
func NewReturn(source, target int64) *Node {
	return &Node{Kind: Return, TestCases: bitset.New(), ReturnSource: source, ReturnTarget: target}
}

// NewAllocation creates a detached Allocation leaf.
func NewAllocation(allocID int64, size uint32, isHeap bool) *Node {
	return &Node{Kind: Allocation, TestCases: bitset.New(), AllocID: allocID, AllocSize: size, AllocIsHeap: isHeap}
}

// NewMemoryAccess creates a detached, targetless MemoryAccess leaf.
func NewMemoryAccess(instruction int64, isWrite bool) *Node {
	return &Node{Kind: MemoryAccess, TestCases: bitset.New(), MemInstruction: instruction, MemIsWrite: isWrite, memTargetIndex: map[int64]int{}}
}

// AddTarget records test case tc as having touched addr through this
// MemoryAccess node, creating the target entry if this is the first
// time addr is seen (in which case it is appended, preserving
// insertion order, which the attribution walk keeps as the order of a
// memory-access partition tree's children).
func (n *Node) AddTarget(addr int64, tc int) {
	if n.memTargetIndex == nil {
		n.memTargetIndex = map[int64]int{}
	}
	idx, ok := n.memTargetIndex[addr]
	if !ok {
		idx = len(n.MemTargets)
		n.memTargetIndex[addr] = idx
		n.MemTargets = append(n.MemTargets, &MemTarget{Addr: addr, TestCases: bitset.New()})
	}
	n.MemTargets[idx].TestCases.Add(tc)
}

// SplitSuccessors returns the node's split-successor children in the
// order they were created.
func (n *Node) SplitSuccessors() []*Node {
	return n.splitSuccessors
}

// distinguishKey identifies the control-flow or allocation-size
// signature that a split successor's first linear successor carries;
// two split successors of the same node never share a key, since a
// shared key is exactly what would have kept them merged into one
// linear successor instead of diverging into separate splits.
type distinguishKey struct {
	kind     Kind
	a, b     int64
	extra    bool
	hasExtra bool
}

// Distinguish computes the key used to tell this node apart from
// sibling split successors, when it is itself the first linear
// successor of a Split child. MemoryAccess keys only by instruction
// ID: two accesses to the same instruction with different targets
// record both targets on one node rather than diverging into separate
// split successors, since the memory-access fan-out is handled by
// MemTargets, not by splitting.
func Distinguish(n *Node) distinguishKey {
	switch n.Kind {
	case Call:
		return distinguishKey{kind: Call, a: n.CallSource, b: n.CallTarget}
	case Branch:
		return distinguishKey{kind: Branch, a: n.BranchSource, b: n.BranchTarget}
	case Return:
		return distinguishKey{kind: Return, a: n.ReturnSource, b: n.ReturnTarget}
	case Allocation:
		return distinguishKey{kind: Allocation, a: int64(n.AllocSize), extra: n.AllocIsHeap, hasExtra: true}
	case MemoryAccess:
		return distinguishKey{kind: MemoryAccess, a: n.MemInstruction}
	default:
		return distinguishKey{kind: n.Kind}
	}
}

// FindSplitSuccessorFor returns the split successor of n whose first
// linear successor has the same distinguishing key as candidate, or
// nil.
func (n *Node) FindSplitSuccessorFor(candidate *Node) *Node {
	if n.splitIndex == nil {
		return nil
	}
	return n.splitIndex[Distinguish(candidate)]
}

// Matches reports whether existing and candidate share a distinguishing
// key, i.e. whether candidate would extend existing's linear successor
// chain rather than forcing a split.
func Matches(existing, candidate *Node) bool {
	if existing.Kind != candidate.Kind {
		return false
	}
	return Distinguish(existing) == Distinguish(candidate)
}

// WrapSplit creates a new Split node whose sole linear successor is
// leaf, with a test-case set copied from leaf's. Used when the merge
// engine turns a single occupant into the first of what may become
// several split successors: a fresh divergence point with exactly one
// occupant so far.
func WrapSplit(leaf *Node) *Node {
	s := newSplit()
	s.Successors = []*Node{leaf}
	s.TestCases = leaf.TestCases.Copy()
	return s
}

// AppendSplitSuccessor adds child as a new split successor of n,
// indexed by the distinguishing key of its first linear successor.
func (n *Node) AppendSplitSuccessor(child *Node) {
	if n.splitIndex == nil {
		n.splitIndex = map[distinguishKey]*Node{}
	}
	n.splitSuccessors = append(n.splitSuccessors, child)
	if len(child.Successors) > 0 {
		n.splitIndex[Distinguish(child.Successors[0])] = child
	}
}

// replaceSplitSuccessor swaps the split successor old (if present) for
// replacement, and reindexes by replacement's own first successor.
// Nothing in the package calls it at present; SplitNode (see split.go)
// rebuilds the split-successor list instead.
func (n *Node) replaceSplitSuccessor(old, replacement *Node) {
	for i, s := range n.splitSuccessors {
		if s == old {
			n.splitSuccessors[i] = replacement
			break
		}
	}
	if n.splitIndex != nil {
		for k, v := range n.splitIndex {
			if v == old {
				delete(n.splitIndex, k)
			}
		}
	}
	if len(replacement.Successors) > 0 {
		if n.splitIndex == nil {
			n.splitIndex = map[distinguishKey]*Node{}
		}
		n.splitIndex[Distinguish(replacement.Successors[0])] = replacement
	}
}
