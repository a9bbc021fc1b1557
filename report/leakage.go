package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/rss/leakwalk/addr"
	"github.com/rss/leakwalk/attribute"
)

// RenderLeakageReport writes the call-stacks.txt artifact: a DFS over
// the call-stack tree with 2-space indent per depth, pruning every
// subtree that carries no finding of its own or in a descendant. The
// root is always printed, even with no findings at all.
func RenderLeakageReport(w io.Writer, root *attribute.CallStackNode, in *addr.Interner) error {
	color := isTerminal(w)
	return renderCallStackNode(w, root, 0, in, true, color)
}

func renderCallStackNode(w io.Writer, n *attribute.CallStackNode, depth int, in *addr.Interner, isRoot bool, color bool) error {
	indent := indentOf(depth)
	if isRoot {
		if _, err := fmt.Fprintf(w, "%s@root ($0)\n", indent); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(w, "%s%s -> %s ($%d)\n", indent,
			in.Format(addr.TaggedID(n.Source)), in.Format(addr.TaggedID(n.Target)), n.CSID); err != nil {
			return err
		}
	}

	if err := renderFindings(w, n, depth+1, in, color); err != nil {
		return err
	}

	for _, csid := range sortedChildCSIDs(n.Children) {
		child := n.Children[csid]
		if !child.Interesting {
			continue
		}
		if err := renderCallStackNode(w, child, depth+1, in, false, color); err != nil {
			return err
		}
	}
	return nil
}

func renderFindings(w io.Writer, n *attribute.CallStackNode, depth int, in *addr.Interner, color bool) error {
	indent := indentOf(depth)
	for _, instr := range sortedInstrIDs(n.InstructionAnalysisData) {
		data := n.InstructionAnalysisData[instr]
		header := fmt.Sprintf("%s (%s)", in.Format(addr.TaggedID(instr)), data.Kind)
		if _, err := fmt.Fprintf(w, "%s%s %s\n", indent, colorize(ansiBoldRed, "[L]", color), header); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s- Number of calls: %d\n", indent, len(data.Partitions)); err != nil {
			return err
		}
		for _, part := range data.Partitions {
			if err := renderPartitionTree(w, part, indent, in, color); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderPartitionTree(w io.Writer, root *attribute.PartitionNode, indent string, in *addr.Interner, color bool) error {
	if _, err := fmt.Fprintf(w, "%s%s\n", indent, partitionLine(root, in, color)); err != nil {
		return err
	}
	return renderPartitionChildren(w, root.Children, indent, in, color)
}

func renderPartitionChildren(w io.Writer, children []*attribute.PartitionNode, indent string, in *addr.Interner, color bool) error {
	for i, c := range children {
		last := i == len(children)-1
		connector, childIndent := "├── ", indent+"│   "
		if last {
			connector, childIndent = "└── ", indent+"    "
		}
		if _, err := fmt.Fprintf(w, "%s%s%s\n", indent, connector, partitionLine(c, in, color)); err != nil {
			return err
		}
		if err := renderPartitionChildren(w, c.Children, childIndent, in, color); err != nil {
			return err
		}
	}
	return nil
}

func partitionLine(n *attribute.PartitionNode, in *addr.Interner, color bool) string {
	var tag string
	if n.IsDummy {
		tag = colorize(ansiDim, "[M] ", color)
	}
	var addrPart string
	if n.HasAddr {
		formatted := in.Format(addr.TaggedID(n.Addr))
		if color {
			// Align the ":" column when writing to a terminal; plain
			// file output (call-stacks.txt) skips the padding.
			formatted = padRight(formatted, 20)
		}
		addrPart = formatted + " : "
	}
	ids := n.TestCases.IDs()
	return fmt.Sprintf("%s%s%s (%d total)", tag, addrPart, formatIDSequence(ids), len(ids))
}

func indentOf(depth int) string {
	b := make([]byte, depth*2)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

func sortedChildCSIDs(children map[uint64]*attribute.CallStackNode) []uint64 {
	ids := make([]uint64, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedInstrIDs(data map[int64]*attribute.AnalysisData) []int64 {
	ids := make([]int64, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
