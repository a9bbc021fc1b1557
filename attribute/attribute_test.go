package attribute

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rss/leakwalk/merge"
	"github.com/rss/leakwalk/trace"
)

type fakeResolver struct{}

func (fakeResolver) FormatAddress(image, offset uint32) string {
	return fmt.Sprintf("img%d+%#x", image, offset)
}

func buildTrace(t *testing.T, build func(w *trace.Writer)) *trace.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	build(w)
	return trace.NewReader(&buf)
}

// TestIdenticalTracesNoFindings covers two test cases with an
// identical record sequence, which should produce no divergence at
// all.
func TestIdenticalTracesNoFindings(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()

	build := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchCall, 1, 10, 1, 20, true))
		must(t, w.WriteBranch(trace.BranchJump, 1, 21, 1, 25, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 25, 1, 11, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildTrace(t, build)))
	must(t, eng.AddTrace(ctx, 1, buildTrace(t, build)))

	csRoot := Run(ctx.Root)
	var findings int
	var walk func(n *CallStackNode)
	walk = func(n *CallStackNode) {
		findings += len(n.InstructionAnalysisData)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(csRoot)
	if findings != 0 {
		t.Fatalf("want no findings for identical traces, got %d", findings)
	}
}

// TestSecretDependentBranch covers two test cases taking opposite
// directions at the same branch instruction.
func TestSecretDependentBranch(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()

	build0 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchCall, 1, 10, 1, 20, true))
		must(t, w.WriteBranch(trace.BranchJump, 1, 21, 1, 25, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 25, 1, 11, true))
	}
	build1 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchCall, 1, 10, 1, 20, true))
		must(t, w.WriteBranch(trace.BranchJump, 1, 21, 1, 30, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 30, 1, 11, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildTrace(t, build0)))
	must(t, eng.AddTrace(ctx, 1, buildTrace(t, build1)))

	csRoot := Run(ctx.Root)
	if len(csRoot.Children) != 1 {
		t.Fatalf("want one call-stack child (the call at 10->20), got %d", len(csRoot.Children))
	}
	var callCS *CallStackNode
	for _, c := range csRoot.Children {
		callCS = c
	}
	if !callCS.Interesting {
		t.Fatalf("call-stack containing the divergent branch should be interesting")
	}
	if !csRoot.Interesting {
		t.Fatalf("ancestor call-stack (root) should be marked interesting too")
	}
	data, ok := callCS.InstructionAnalysisData[int64(ctx.Addr.InternImage(1, 21))]
	if !ok {
		t.Fatalf("want a finding at instruction 21")
	}
	if data.Kind != "jump" {
		t.Fatalf("want kind jump, got %s", data.Kind)
	}
	if len(data.Partitions) != 1 {
		t.Fatalf("want exactly one partition-tree occurrence, got %d", len(data.Partitions))
	}
	root := data.Partitions[0]
	if len(root.Children) != 2 {
		t.Fatalf("want two children (one per test case), got %d", len(root.Children))
	}
	if root.TestCases.Count() != 2 {
		t.Fatalf("want both test cases at the partition root, got %d", root.TestCases.Count())
	}
}

// TestSecretDependentMemoryAccess covers two test cases touching
// different addresses from the same memory-access instruction.
func TestSecretDependentMemoryAccess(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()

	build0 := func(w *trace.Writer) {
		must(t, w.WriteImageMemoryAccess(false, 1, 42, 2, 0x100))
	}
	build1 := func(w *trace.Writer) {
		must(t, w.WriteImageMemoryAccess(false, 1, 42, 2, 0x200))
	}
	must(t, eng.AddTrace(ctx, 0, buildTrace(t, build0)))
	must(t, eng.AddTrace(ctx, 1, buildTrace(t, build1)))

	csRoot := Run(ctx.Root)
	// Instruction ids are tagged addresses from the interner, not raw
	// offsets; fetch whichever single entry exists instead of
	// reconstructing the packing here.
	if len(csRoot.InstructionAnalysisData) != 1 {
		t.Fatalf("want exactly one instruction with a finding, got %d", len(csRoot.InstructionAnalysisData))
	}
	for _, d := range csRoot.InstructionAnalysisData {
		if d.Kind != "memory access" {
			t.Fatalf("want kind memory access, got %s", d.Kind)
		}
		if len(d.Partitions) != 1 {
			t.Fatalf("want one partition occurrence, got %d", len(d.Partitions))
		}
		root := d.Partitions[0]
		if len(root.Children) != 2 {
			t.Fatalf("want two target children, got %d", len(root.Children))
		}
		if root.TestCases.Count() != 2 {
			t.Fatalf("want both test cases at the root, got %d", root.TestCases.Count())
		}
	}
	if !csRoot.Interesting {
		t.Fatalf("root call-stack should be interesting")
	}
}

// TestNestedCallAttributesToInnerFrame covers a divergent branch that
// lives inside g, called from f identically by both test cases, so
// only the f->g call-stack should be interesting.
func TestNestedCallAttributesToInnerFrame(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()

	build0 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchCall, 1, 10, 1, 20, true))  // -> f
		must(t, w.WriteBranch(trace.BranchCall, 1, 21, 1, 40, true))  // f -> g
		must(t, w.WriteBranch(trace.BranchJump, 1, 41, 1, 45, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 45, 1, 22, true)) // g -> f
		must(t, w.WriteBranch(trace.BranchReturn, 1, 22, 1, 11, true)) // f -> caller
	}
	build1 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchCall, 1, 10, 1, 20, true))
		must(t, w.WriteBranch(trace.BranchCall, 1, 21, 1, 40, true))
		must(t, w.WriteBranch(trace.BranchJump, 1, 41, 1, 50, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 50, 1, 22, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 22, 1, 11, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildTrace(t, build0)))
	must(t, eng.AddTrace(ctx, 1, buildTrace(t, build1)))

	csRoot := Run(ctx.Root)
	if len(csRoot.InstructionAnalysisData) != 0 {
		t.Fatalf("root call-stack should carry no findings of its own")
	}
	if len(csRoot.Children) != 1 {
		t.Fatalf("want one child (f's call-stack), got %d", len(csRoot.Children))
	}
	var fCS *CallStackNode
	for _, c := range csRoot.Children {
		fCS = c
	}
	if len(fCS.InstructionAnalysisData) != 0 {
		t.Fatalf("f's own call-stack should carry no findings -- only g's does")
	}
	if len(fCS.Children) != 1 {
		t.Fatalf("want one child (g's call-stack), got %d", len(fCS.Children))
	}
	var gCS *CallStackNode
	for _, c := range fCS.Children {
		gCS = c
	}
	if !gCS.Interesting || !fCS.Interesting || !csRoot.Interesting {
		t.Fatalf("g's call-stack and every ancestor must be interesting")
	}
	if len(gCS.InstructionAnalysisData) != 1 {
		t.Fatalf("want the finding attached to g's call-stack, got %d entries", len(gCS.InstructionAnalysisData))
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
