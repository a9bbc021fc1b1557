package report

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/rss/leakwalk/attribute"
	"github.com/rss/leakwalk/merge"
	"github.com/rss/leakwalk/trace"
)

type fakeResolver struct{}

func (fakeResolver) FormatAddress(image, offset uint32) string {
	return fmt.Sprintf("img%d+%#x", image, offset)
}

func buildReader(t *testing.T, build func(w *trace.Writer)) *trace.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	build(w)
	return trace.NewReader(&buf)
}

// TestDumpCallTreeRendersDivergentBranches checks the dump shows an
// @split with two #branch children once two test cases diverge at the
// same branch instruction.
func TestDumpCallTreeRendersDivergentBranches(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()

	build0 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchJump, 1, 0x21, 1, 0x25, true))
	}
	build1 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchJump, 1, 0x21, 1, 0x30, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildReader(t, build0)))
	must(t, eng.AddTrace(ctx, 1, buildReader(t, build1)))

	var buf bytes.Buffer
	if err := DumpCallTree(&buf, ctx.Root, ctx.Addr, true); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "@root") {
		t.Errorf("dump should contain the root marker:\n%s", out)
	}
	if !strings.Contains(out, "@split") {
		t.Errorf("dump should contain a split marker once traces diverge:\n%s", out)
	}
	if strings.Count(out, "#branch") != 2 {
		t.Errorf("dump should contain exactly 2 branch lines, got:\n%s", out)
	}
}

// TestDumpCallTreeGatesMemoryLines checks that includeMemory=false
// suppresses allocation/memory-access lines but keeps control flow.
func TestDumpCallTreeGatesMemoryLines(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()
	build := func(w *trace.Writer) {
		must(t, w.WriteAllocation(true, 1, 16))
		must(t, w.WriteBranch(trace.BranchJump, 1, 0x10, 1, 0x20, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildReader(t, build)))

	var withMem, withoutMem bytes.Buffer
	must(t, DumpCallTree(&withMem, ctx.Root, ctx.Addr, true))
	must(t, DumpCallTree(&withoutMem, ctx.Root, ctx.Addr, false))

	if !strings.Contains(withMem.String(), "#heapalloc") {
		t.Errorf("includeMemory=true should show the allocation line:\n%s", withMem.String())
	}
	if strings.Contains(withoutMem.String(), "#heapalloc") {
		t.Errorf("includeMemory=false should hide the allocation line:\n%s", withoutMem.String())
	}
	if !strings.Contains(withoutMem.String(), "#branch") {
		t.Errorf("control flow lines must survive includeMemory=false:\n%s", withoutMem.String())
	}
}

// TestRenderLeakageReportPrunesUninterestingSubtrees checks that
// identical traces produce a report containing only the root, with no
// findings.
func TestRenderLeakageReportPrunesUninterestingSubtrees(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()
	build := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchCall, 1, 10, 1, 20, true))
		must(t, w.WriteBranch(trace.BranchReturn, 1, 25, 1, 11, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildReader(t, build)))
	must(t, eng.AddTrace(ctx, 1, buildReader(t, build)))

	csRoot := attribute.Run(ctx.Root)
	var buf bytes.Buffer
	if err := RenderLeakageReport(&buf, csRoot, ctx.Addr); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "@root") {
		t.Errorf("report should start with the root header, got:\n%s", out)
	}
	if strings.Contains(out, "[L]") {
		t.Errorf("identical traces should produce no findings:\n%s", out)
	}
	// The call's own call-stack node carries no divergence and must be
	// pruned from the rendered tree, leaving only the root line.
	if out != "@root ($0)\n" {
		t.Errorf("want only the root line for identical traces, got:\n%s", out)
	}
}

// TestRenderLeakageReportShowsDummyTag covers a divergence at
// instruction 50 splitting {0} from {1,2}; inside the {1,2} branch, a
// second divergence at instruction 80 splits {1} from {2}. Instruction
// 50's partition tree is still open at that deeper split, so its
// {1,2} leaf grows two dummy children -- one per instruction-80 split
// successor -- rather than vanishing at that depth.
func TestRenderLeakageReportShowsDummyTag(t *testing.T) {
	ctx := merge.NewContext(fakeResolver{})
	eng := merge.NewEngine()

	build0 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchJump, 1, 50, 1, 60, true))
	}
	build1 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchJump, 1, 50, 1, 70, true))
		must(t, w.WriteBranch(trace.BranchJump, 1, 80, 1, 90, true))
	}
	build2 := func(w *trace.Writer) {
		must(t, w.WriteBranch(trace.BranchJump, 1, 50, 1, 70, true))
		must(t, w.WriteBranch(trace.BranchJump, 1, 80, 1, 100, true))
	}
	must(t, eng.AddTrace(ctx, 0, buildReader(t, build0)))
	must(t, eng.AddTrace(ctx, 1, buildReader(t, build1)))
	must(t, eng.AddTrace(ctx, 2, buildReader(t, build2)))

	csRoot := attribute.Run(ctx.Root)
	instr50 := int64(ctx.Addr.InternImage(1, 50))
	data50, ok := csRoot.InstructionAnalysisData[instr50]
	if !ok {
		t.Fatalf("want a finding at instruction 50, got keys %v", csRoot.InstructionAnalysisData)
	}
	if len(data50.Partitions) != 1 {
		t.Fatalf("want one partition occurrence for instr 50, got %d", len(data50.Partitions))
	}
	var group12 *attribute.PartitionNode
	for _, c := range data50.Partitions[0].Children {
		if c.TestCases.Count() == 2 {
			group12 = c
		}
	}
	if group12 == nil {
		t.Fatalf("want a {1,2} child under instr 50's partition root")
	}
	if len(group12.Children) != 2 {
		t.Fatalf("want 2 dummy children under the {1,2} leaf (one per instr-80 split successor), got %d", len(group12.Children))
	}
	for _, d := range group12.Children {
		if !d.IsDummy {
			t.Errorf("children of an instruction-50 leaf revisited at the instr-80 split must be dummies")
		}
		if d.TestCases.Count() != 1 {
			t.Errorf("each dummy should carry exactly the one test case of its instr-80 split successor, got %v", d.TestCases.IDs())
		}
	}

	var buf bytes.Buffer
	if err := RenderLeakageReport(&buf, csRoot, ctx.Addr); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "[M]") {
		t.Errorf("rendered report should tag the dummy partition nodes with [M]:\n%s", out)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
