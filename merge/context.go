// Package merge implements the streaming trace-ingestion/merge engine:
// the per-record six-case decision tree that walks and extends the
// shared call tree for one trace at a time. Ingestion is strictly
// serial: AddTrace must run to completion for one test case before the
// next call starts, since every case mutates the shared tree in place.
package merge

import (
	"github.com/rss/leakwalk/addr"
	"github.com/rss/leakwalk/calltree"
)

// Warning records a structural anomaly recovered from during
// ingestion: an empty call stack on Return, an unmapped allocation
// reference, or a "weird" split with no prior divergence record to
// justify it. The merger never aborts on these; Warnings exists purely
// for after-the-fact auditing.
type Warning struct {
	TestCase    int
	RecordIndex int
	Condition   int // 1..6, matching the six-case decision tree below
	Message     string
}

// Condition codes used in Warning.Condition, one per case of the
// decision tree resolveLeaf walks.
const (
	CaseLinearMatch = iota + 1
	CaseLinearConflict
	CaseSoleOccupant
	CaseMatchingSplit
	CaseNewSplit
	CaseWeird
)

// Context is the shared, process-wide state for one analysis run: the
// merged tree, the address interner, the shared-allocation-id counter,
// and the warning/audit log. It is mutated exclusively by the
// ingestion goroutine -- never make any of this global, since a second
// concurrent ingestion would race on the tree.
type Context struct {
	Root    *calltree.Node
	Addr    *addr.Interner
	Warnings []Warning

	// WeirdMemoryConflicts counts MemoryAccess records that forced a
	// full split rather than just adding a new target -- tolerated, but
	// kept as an auditable counter since it's unclear how often this
	// should occur in well-behaved traces.
	WeirdMemoryConflicts int

	nextAllocID int64
}

// Reserved shared-allocation-id sentinels: 0 is "unmapped stack", 1 is
// "unmapped heap".
const (
	unmappedStackAllocID = 0
	unmappedHeapAllocID  = 1
)

// NewContext creates an empty analysis context.
func NewContext(resolver addr.SymbolResolver) *Context {
	return &Context{
		Root:        calltree.NewRoot(),
		Addr:        addr.NewInterner(resolver),
		nextAllocID: 2,
	}
}

func (c *Context) newAllocID() int64 {
	id := c.nextAllocID
	c.nextAllocID++
	return id
}

func (c *Context) warn(testCase, recordIndex, condition int, message string) {
	c.Warnings = append(c.Warnings, Warning{
		TestCase:    testCase,
		RecordIndex: recordIndex,
		Condition:   condition,
		Message:     message,
	})
}
