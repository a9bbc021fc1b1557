package merge

import "github.com/rss/leakwalk/calltree"

// resolveLeaf implements the six-case decision tree for merging a
// single control-flow-shaped record (Call, Branch, Return, Allocation
// or MemoryAccess) against the node at current.Successors[index].
// candidate is a freshly built, detached node carrying this record's
// payload; it is only actually linked into the tree when no existing
// node matches.
//
// It returns:
//   - attached: the node now representing this record in the tree --
//     either candidate itself (newly linked) or a pre-existing node
//     candidate was matched against;
//   - resumeCurrent/resumeIndex: where a subsequent record in the same
//     linear context should continue looking;
//   - caseNum: which of the six cases fired, for callers that care
//     (MemoryAccess's conflict counter, weird-case warnings).
func resolveLeaf(current *calltree.Node, index int, tc int, candidate *calltree.Node) (attached, resumeCurrent *calltree.Node, resumeIndex, caseNum int) {
	if index < len(current.Successors) {
		existing := current.Successors[index]
		if calltree.Matches(existing, candidate) {
			existing.TestCases.Add(tc)
			return existing, current, index + 1, CaseLinearMatch
		}
		candidate.TestCases.Add(tc)
		b := calltree.SplitNode(current, index, tc, candidate)
		return candidate, b, 1, CaseLinearConflict
	}

	if current.TestCases.Count() == 1 {
		candidate.TestCases.Add(tc)
		current.Successors = append(current.Successors, candidate)
		return candidate, current, index + 1, CaseSoleOccupant
	}

	if match := current.FindSplitSuccessorFor(candidate); match != nil {
		match.TestCases.Add(tc)
		match.Successors[0].TestCases.Add(tc)
		return match.Successors[0], match, 1, CaseMatchingSplit
	}

	hadSplits := len(current.SplitSuccessors()) > 0
	candidate.TestCases.Add(tc)
	s := calltree.WrapSplit(candidate)
	current.AppendSplitSuccessor(s)
	if hadSplits {
		return candidate, s, 1, CaseNewSplit
	}
	return candidate, s, 1, CaseWeird
}
