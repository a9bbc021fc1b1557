// Package report renders the two textual analysis artifacts: a
// preorder call-tree dump and a DFS call-stack leakage report.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/rss/leakwalk/addr"
	"github.com/rss/leakwalk/calltree"
)

// DumpCallTree writes a preorder, 4-space-per-call-depth pretty-print
// of the merged tree rooted at root. includeMemory gates
// allocation/memory-access lines, per the
// include-memory-accesses-in-dump config option.
func DumpCallTree(w io.Writer, root *calltree.Node, in *addr.Interner, includeMemory bool) error {
	return dumpNode(w, root, 0, in, includeMemory)
}

func dumpNode(w io.Writer, n *calltree.Node, depth int, in *addr.Interner, includeMemory bool) error {
	indent := strings.Repeat("    ", depth)

	switch n.Kind {
	case calltree.Root:
		if _, err := fmt.Fprintf(w, "%s@root\n", indent); err != nil {
			return err
		}
	case calltree.Split:
		if _, err := fmt.Fprintf(w, "%s@split\n", indent); err != nil {
			return err
		}
	case calltree.Call:
		if _, err := fmt.Fprintf(w, "%s#call %s -> %s ($%d)\n", indent,
			in.Format(addr.TaggedID(n.CallSource)), in.Format(addr.TaggedID(n.CallTarget)), n.CallStackID); err != nil {
			return err
		}
	case calltree.Branch:
		if n.Taken {
			_, err := fmt.Fprintf(w, "%s#branch %s -> %s\n", indent,
				in.Format(addr.TaggedID(n.BranchSource)), in.Format(addr.TaggedID(n.BranchTarget)))
			return err
		}
		_, err := fmt.Fprintf(w, "%s#branch %s -> <?> (not taken)\n", indent, in.Format(addr.TaggedID(n.BranchSource)))
		return err
	case calltree.Return:
		_, err := fmt.Fprintf(w, "%s#return %s -> %s\n", indent,
			in.Format(addr.TaggedID(n.ReturnSource)), in.Format(addr.TaggedID(n.ReturnTarget)))
		return err
	case calltree.Allocation:
		if !includeMemory {
			return nil
		}
		tag := "S"
		marker := "stackalloc"
		if n.AllocIsHeap {
			tag = "H"
			marker = "heapalloc"
		}
		_, err := fmt.Fprintf(w, "%s#%s %s#%d, %d bytes\n", indent, marker, tag, n.AllocID, n.AllocSize)
		return err
	case calltree.MemoryAccess:
		if !includeMemory {
			return nil
		}
		verb := "reads"
		if n.MemIsWrite {
			verb = "writes"
		}
		if _, err := fmt.Fprintf(w, "%s#memory %s %s\n", indent, in.Format(addr.TaggedID(n.MemInstruction)), verb); err != nil {
			return err
		}
		for _, target := range n.MemTargets {
			ids := target.TestCases.IDs()
			if _, err := fmt.Fprintf(w, "%s    %s : %s (%d total)\n", indent,
				in.Format(addr.TaggedID(target.Addr)), formatIDSequence(ids), len(ids)); err != nil {
				return err
			}
		}
		return nil
	}

	childDepth := depth
	if n.Kind == calltree.Call {
		childDepth = depth + 1
	}
	for _, s := range n.Successors {
		if err := dumpNode(w, s, childDepth, in, includeMemory); err != nil {
			return err
		}
	}
	for _, s := range n.SplitSuccessors() {
		if err := dumpNode(w, s, childDepth, in, includeMemory); err != nil {
			return err
		}
	}
	return nil
}
