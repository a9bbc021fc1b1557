package merge

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"

	"github.com/rss/leakwalk/calltree"
	"github.com/rss/leakwalk/trace"
)

// frame is a saved resume point pushed on Call and popped on Return:
// where the caller's walk should continue once the callee's subtree is
// done being extended.
type frame struct {
	parent *calltree.Node
	index  int
}

// state is the per-trace ingestion cursor: everything AddTrace needs
// to remember between records of a single test case. It does not
// survive past one AddTrace call.
type state struct {
	testCase int

	current *calltree.Node
	index   int

	callStackID uint64
	frames      []frame
	csids       []uint64

	stackAllocDict map[int32]int64
	heapAllocDict  map[int32]int64

	warnedUnmappedStack bool
	warnedUnmappedHeap  bool

	recordIndex int
}

// hashCallStack derives the new call-stack identifier for a call from
// prev (the caller's own call-stack ID) across a (source, target) edge.
// The ID is a pure function of the literal call sequence, not an
// assignment from a per-process dictionary, so that two independently
// built subtrees with identical call sequences land on the same ID --
// required for the call-stack tree the attribution walk builds to merge
// those subtrees back together instead of treating them as distinct.
func hashCallStack(prev uint64, source, target int64) uint64 {
	h := fnv.New64a()
	var buf [24]byte
	putUint64(buf[0:8], prev)
	putUint64(buf[8:16], uint64(source))
	putUint64(buf[16:24], uint64(target))
	h.Write(buf[:])
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// Engine ingests traces one at a time into a shared Context. It holds
// no state of its own beyond the Context it was given; nothing about
// it requires more than one to exist per run.
type Engine struct{}

// NewEngine creates a trace-ingestion engine.
func NewEngine() *Engine {
	return &Engine{}
}

// AddTrace reads every record from r and merges it into ctx's call
// tree under test case tc. Ingestion is strictly serial: callers must
// not run two AddTrace calls over the same Context concurrently.
func (e *Engine) AddTrace(ctx *Context, tc int, r *trace.Reader) error {
	ctx.Root.TestCases.Add(tc)

	st := &state{
		testCase:       tc,
		current:        ctx.Root,
		index:          0,
		stackAllocDict: map[int32]int64{},
		heapAllocDict:  map[int32]int64{},
	}

	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("trace %d: record %d: %v", tc, st.recordIndex, err)
		}

		switch rec.Kind {
		case trace.KindBranch:
			switch rec.BranchType {
			case trace.BranchCall:
				e.handleCall(ctx, st, rec)
			case trace.BranchReturn:
				e.handleReturn(ctx, st, rec)
			default:
				e.handleBranch(ctx, st, rec)
			}
		case trace.KindHeapAllocation:
			e.handleAllocation(ctx, st, rec, true)
		case trace.KindStackAllocation:
			e.handleAllocation(ctx, st, rec, false)
		case trace.KindImageMemoryAccess, trace.KindStackMemoryAccess, trace.KindHeapMemoryAccess:
			e.handleMemoryAccess(ctx, st, rec)
		}

		st.recordIndex++
	}
}

func (e *Engine) handleCall(ctx *Context, st *state, rec trace.Record) {
	source := ctx.Addr.InternImage(rec.SourceImageID, rec.SourceOffset)
	target := ctx.Addr.InternImage(rec.DestImageID, rec.DestOffset)
	newCSID := hashCallStack(st.callStackID, int64(source), int64(target))

	candidate := calltree.NewCall(int64(source), int64(target), newCSID)
	attached, resumeCurrent, resumeIndex, caseNum := resolveLeaf(st.current, st.index, st.testCase, candidate)
	if caseNum == CaseWeird {
		ctx.warn(st.testCase, st.recordIndex, CaseWeird, "call observed with no prior divergence record at this point")
	}

	st.frames = append(st.frames, frame{parent: resumeCurrent, index: resumeIndex})
	st.csids = append(st.csids, st.callStackID)
	st.callStackID = newCSID
	st.current = attached
	st.index = 0
}

func (e *Engine) handleReturn(ctx *Context, st *state, rec trace.Record) {
	source := ctx.Addr.InternImage(rec.SourceImageID, rec.SourceOffset)
	var target int64
	if rec.Taken {
		target = int64(ctx.Addr.InternImage(rec.DestImageID, rec.DestOffset))
	}

	candidate := calltree.NewReturn(int64(source), target)
	_, _, _, caseNum := resolveLeaf(st.current, st.index, st.testCase, candidate)
	if caseNum == CaseWeird {
		ctx.warn(st.testCase, st.recordIndex, CaseWeird, "return observed with no prior divergence record at this point")
	}

	if len(st.frames) == 0 {
		ctx.warn(st.testCase, st.recordIndex, CaseLinearConflict, "return with empty call-frame stack, resuming from root")
		st.current = ctx.Root
		st.index = 0
		st.callStackID = 0
		return
	}

	last := len(st.frames) - 1
	f := st.frames[last]
	st.frames = st.frames[:last]
	st.current = f.parent
	st.index = f.index

	lastCSID := len(st.csids) - 1
	st.callStackID = st.csids[lastCSID]
	st.csids = st.csids[:lastCSID]
}

func (e *Engine) handleBranch(ctx *Context, st *state, rec trace.Record) {
	source := ctx.Addr.InternImage(rec.SourceImageID, rec.SourceOffset)
	var target int64
	if rec.Taken {
		target = int64(ctx.Addr.InternImage(rec.DestImageID, rec.DestOffset))
	}

	candidate := calltree.NewBranch(int64(source), target, rec.Taken)
	_, resumeCurrent, resumeIndex, caseNum := resolveLeaf(st.current, st.index, st.testCase, candidate)
	if caseNum == CaseWeird {
		ctx.warn(st.testCase, st.recordIndex, CaseWeird, "branch observed with no prior divergence record at this point")
	}
	st.current, st.index = resumeCurrent, resumeIndex
}

func (e *Engine) handleAllocation(ctx *Context, st *state, rec trace.Record, isHeap bool) {
	candidate := calltree.NewAllocation(0, rec.AllocSize, isHeap)
	attached, resumeCurrent, resumeIndex, caseNum := resolveLeaf(st.current, st.index, st.testCase, candidate)
	if caseNum == CaseWeird {
		ctx.warn(st.testCase, st.recordIndex, CaseWeird, "allocation observed with no prior divergence record at this point")
	}

	if attached == candidate {
		attached.AllocID = ctx.newAllocID()
	}

	dict := st.stackAllocDict
	if isHeap {
		dict = st.heapAllocDict
	}
	dict[rec.AllocID] = attached.AllocID

	st.current, st.index = resumeCurrent, resumeIndex
}

func (e *Engine) handleMemoryAccess(ctx *Context, st *state, rec trace.Record) {
	instr := ctx.Addr.InternImage(rec.InstrImageID, rec.InstrOffset)

	var targetID int64
	switch rec.Kind {
	case trace.KindImageMemoryAccess:
		targetID = int64(ctx.Addr.InternImage(rec.MemImageID, rec.MemOffset))
	case trace.KindStackMemoryAccess:
		shared, ok := st.stackAllocDict[rec.MemAllocID]
		if !ok {
			shared = unmappedStackAllocID
			if !st.warnedUnmappedStack {
				ctx.warn(st.testCase, st.recordIndex, CaseLinearConflict, "stack memory access references an unmapped allocation")
				st.warnedUnmappedStack = true
			}
		}
		targetID = int64(ctx.Addr.InternMemory(uint32(shared), rec.MemOffset, false))
	case trace.KindHeapMemoryAccess:
		shared, ok := st.heapAllocDict[rec.MemAllocID]
		if !ok {
			shared = unmappedHeapAllocID
			if !st.warnedUnmappedHeap {
				ctx.warn(st.testCase, st.recordIndex, CaseLinearConflict, "heap memory access references an unmapped allocation")
				st.warnedUnmappedHeap = true
			}
		}
		targetID = int64(ctx.Addr.InternMemory(uint32(shared), rec.MemOffset, true))
	}

	candidate := calltree.NewMemoryAccess(int64(instr), rec.IsWrite)
	attached, resumeCurrent, resumeIndex, caseNum := resolveLeaf(st.current, st.index, st.testCase, candidate)
	if caseNum == CaseLinearConflict {
		ctx.WeirdMemoryConflicts++
	}
	if caseNum == CaseWeird {
		ctx.warn(st.testCase, st.recordIndex, CaseWeird, "memory access observed with no prior divergence record at this point")
	}

	attached.AddTarget(targetID, st.testCase)
	st.current, st.index = resumeCurrent, resumeIndex
}
