// Package attribute implements the leakage attribution walk: a single
// post-ingestion traversal of the merged call tree that discovers
// divergence points, groups them by call-stack identity, and builds
// per-instruction test-case partition trees.
package attribute

import (
	"github.com/rss/leakwalk/bitset"
	"github.com/rss/leakwalk/calltree"
)

// PartitionNode is one node of a test-case partition tree: a subset of
// test cases that reached a given instruction, subdivided by the
// outcome observed there (or, for a dummy node, simply carried forward
// across an unrelated divergence along the same path).
type PartitionNode struct {
	TestCases *bitset.Set
	Children  []*PartitionNode
	IsDummy   bool

	// HasAddr/Addr are set on the children of a memory-access partition
	// tree, one per distinct target address.
	HasAddr bool
	Addr    int64
}

// AnalysisData is the leakage finding recorded for one instruction
// within one call-stack context: its instruction kind and every
// independent partition-tree occurrence found for it.
type AnalysisData struct {
	InstrID    int64
	Kind       string // "call", "jump", "return", or "memory access"
	Partitions []*PartitionNode
}

// CallStackNode is one node of the call-stack tree built in parallel
// to the merged call tree: one per unique call-stack ID reached at a
// Call node. Two independently-built Call subtrees that land on the
// same call-stack ID share one node here, which is the point of
// deriving the ID the way the merger does: it lets findings from
// structurally identical call paths get attributed to a single shared
// location instead of being double-counted per subtree.
type CallStackNode struct {
	CSID   uint64
	Parent *CallStackNode
	// Source/Target are the call edge that produced CSID, kept only for
	// rendering the "src -> tgt ($CSID)" header.
	Source, Target int64

	Children                 map[uint64]*CallStackNode
	InstructionAnalysisData  map[int64]*AnalysisData
	Interesting              bool
}

func newCallStackNode(parent *CallStackNode, csid uint64, source, target int64) *CallStackNode {
	return &CallStackNode{
		CSID:                    csid,
		Parent:                  parent,
		Source:                  source,
		Target:                  target,
		Children:                map[uint64]*CallStackNode{},
		InstructionAnalysisData: map[int64]*AnalysisData{},
	}
}

func (cs *CallStackNode) data(instr int64, kind string) *AnalysisData {
	d, ok := cs.InstructionAnalysisData[instr]
	if !ok {
		d = &AnalysisData{InstrID: instr, Kind: kind}
		cs.InstructionAnalysisData[instr] = d
	}
	return d
}

func markInteresting(cs *CallStackNode) {
	for n := cs; n != nil && !n.Interesting; n = n.Parent {
		n.Interesting = true
	}
}

// walker carries the global call-stack-node registry: call-stack IDs
// are content-addressed, so two branches of the merged tree that
// happen to derive the same ID must resolve to the same CallStackNode
// rather than two parallel copies.
type walker struct {
	registry map[uint64]*CallStackNode
}

func (w *walker) childFor(parent *CallStackNode, csid uint64, source, target int64) *CallStackNode {
	if existing, ok := w.registry[csid]; ok {
		return existing
	}
	n := newCallStackNode(parent, csid, source, target)
	w.registry[csid] = n
	parent.Children[csid] = n
	return n
}

// Run walks the merged tree rooted at root and returns the root of the
// parallel call-stack tree (CSID 0).
func Run(root *calltree.Node) *CallStackNode {
	csRoot := newCallStackNode(nil, 0, 0, 0)
	w := &walker{registry: map[uint64]*CallStackNode{0: csRoot}}
	w.walk(root, csRoot, map[int64]*PartitionNode{})
	return csRoot
}

// controlFlowInstr reports the source-instruction ID a node groups
// under for divergence purposes, and whether it is eligible at all:
// only Call/Branch/Return do; Allocation and MemoryAccess never define
// a grouping key here. MemoryAccess divergences are reported through
// visitMemoryAccess; an allocation-size split produces no finding of
// its own.
func controlFlowInstr(n *calltree.Node) (int64, bool) {
	switch n.Kind {
	case calltree.Call:
		return n.CallSource, true
	case calltree.Branch:
		return n.BranchSource, true
	case calltree.Return:
		return n.ReturnSource, true
	default:
		return 0, false
	}
}

func instrKind(n *calltree.Node) string {
	switch n.Kind {
	case calltree.Call:
		return "call"
	case calltree.Branch:
		return "jump"
	case calltree.Return:
		return "return"
	default:
		return "unknown"
	}
}

// walk processes node (a Root/Split/Call-shaped node, or a leaf) within
// call-stack context cs, with open holding, for every instruction-id
// whose divergence is still open along the current path, the partition
// tree node representing "here".
func (w *walker) walk(node *calltree.Node, cs *CallStackNode, open map[int64]*PartitionNode) {
	switch node.Kind {
	case calltree.MemoryAccess:
		w.visitMemoryAccess(node, cs)
		return
	case calltree.Branch, calltree.Return, calltree.Allocation:
		return
	}

	for _, s := range node.Successors {
		w.walkChild(s, cs, open)
	}

	splits := node.SplitSuccessors()
	if len(splits) < 2 {
		return
	}

	groups := map[int64][]*calltree.Node{}
	for _, s := range splits {
		if len(s.Successors) == 0 {
			continue
		}
		instr, ok := controlFlowInstr(s.Successors[0])
		if !ok {
			continue
		}
		groups[instr] = append(groups[instr], s)
	}

	// childFor[s][instr] is the real (non-dummy) partition child that
	// split successor s contributes to instruction instr's tree, for
	// every instruction whose divergence is discovered at this node.
	childFor := map[*calltree.Node]map[int64]*PartitionNode{}
	for instr, group := range groups {
		if len(group) < 2 {
			continue
		}
		cursor, wasOpen := open[instr]
		if !wasOpen {
			cursor = &PartitionNode{TestCases: bitset.New()}
			data := cs.data(instr, instrKind(group[0].Successors[0]))
			data.Partitions = append(data.Partitions, cursor)
		}
		for _, s := range group {
			child := &PartitionNode{TestCases: s.TestCases.Copy()}
			cursor.Children = append(cursor.Children, child)
			cursor.TestCases.Union(child.TestCases)
			if childFor[s] == nil {
				childFor[s] = map[int64]*PartitionNode{}
			}
			childFor[s][instr] = child
		}
		markInteresting(cs)
	}

	for _, s := range splits {
		newOpen := make(map[int64]*PartitionNode, len(open)+1)
		for instr, cur := range open {
			if real, ok := childFor[s][instr]; ok {
				newOpen[instr] = real
				continue
			}
			dummy := &PartitionNode{TestCases: s.TestCases.Copy(), IsDummy: true}
			cur.Children = append(cur.Children, dummy)
			newOpen[instr] = dummy
		}
		for instr, real := range childFor[s] {
			if _, already := newOpen[instr]; !already {
				newOpen[instr] = real
			}
		}
		w.walkChild(s, cs, newOpen)
	}
}

// walkChild descends into one successor (linear or split). Entering a
// Call node switches to its call-stack child and resets the
// open-partition map: a nested call starts a fresh partition context,
// since a divergence's attribution is scoped to the call stack it
// occurred under, not carried into the callee.
func (w *walker) walkChild(node *calltree.Node, cs *CallStackNode, open map[int64]*PartitionNode) {
	if node.Kind == calltree.Call {
		child := w.childFor(cs, node.CallStackID, node.CallSource, node.CallTarget)
		w.walk(node, child, map[int64]*PartitionNode{})
		return
	}
	w.walk(node, cs, open)
}

func (w *walker) visitMemoryAccess(node *calltree.Node, cs *CallStackNode) {
	if len(node.MemTargets) < 2 {
		return
	}
	root := &PartitionNode{TestCases: node.TestCases.Copy()}
	for _, t := range node.MemTargets {
		root.Children = append(root.Children, &PartitionNode{
			TestCases: t.TestCases.Copy(),
			HasAddr:   true,
			Addr:      t.Addr,
		})
	}
	data := cs.data(node.MemInstruction, "memory access")
	data.Partitions = append(data.Partitions, root)
	markInteresting(cs)
}
