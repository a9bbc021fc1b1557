// Package addr implements a tagged address identifier and interner: a
// 64-bit opaque ID over either (image-id, offset) or (allocation-id,
// offset, is-heap), with the first occurrence of each caching a
// formatted display string.
package addr

import (
	"fmt"

	"github.com/sirkon/rbtree"
)

// TaggedID is an opaque 64-bit address identifier. Bit 63 is the
// memory flag (0 = image/code, 1 = heap/stack data); bit 62 is the
// heap flag, valid only when bit 63 is set. The low 32 bits hold a
// relative offset; bits 32..61 hold the image-id or shared-allocation-id.
type TaggedID int64

const (
	memFlagBit  = 63
	heapFlagBit = 62
	idMask      = (int64(1) << 30) - 1
)

func pack(id uint32, offset uint32, isMemory, isHeap bool) TaggedID {
	var v uint64
	if isMemory {
		v |= uint64(1) << memFlagBit
	}
	if isMemory && isHeap {
		v |= uint64(1) << heapFlagBit
	}
	v |= (uint64(id) & uint64(idMask)) << 32
	v |= uint64(offset)
	return TaggedID(v)
}

// IsMemory reports whether id names a heap/stack location rather than
// an image/code location.
func (id TaggedID) IsMemory() bool { return uint64(id)>>memFlagBit&1 != 0 }

// IsHeap reports whether id names a heap allocation; only meaningful
// when IsMemory() is true.
func (id TaggedID) IsHeap() bool { return uint64(id)>>heapFlagBit&1 != 0 }

// ID returns the image-id or shared-allocation-id component.
func (id TaggedID) ID() uint32 { return uint32((uint64(id) >> 32) & uint64(idMask)) }

// Offset returns the relative offset component.
func (id TaggedID) Offset() uint32 { return uint32(uint64(id) & 0xffffffff) }

const (
	// UnmappedStack is the sentinel allocation ID for an otherwise
	// untracked stack location.
	UnmappedStack = 0
	// UnmappedHeap is the sentinel allocation ID for an otherwise
	// untracked heap location.
	UnmappedHeap = 1
)

// SymbolResolver formats an (image, offset) pair into a human-readable
// string; it is invoked at most once per pair by the Interner, which
// caches the result rather than re-resolving on every lookup.
type SymbolResolver interface {
	FormatAddress(image uint32, offset uint32) string
}

type record struct {
	id        TaggedID
	formatted string
}

func (r *record) Cmp(other *record) int {
	switch {
	case r.id < other.id:
		return -1
	case r.id > other.id:
		return 1
	default:
		return 0
	}
}

// Interner maps (image, offset) and (allocation, offset, isHeap)
// tuples to TaggedIDs, caching a formatted string on first sight. Its
// internal table is an rbtree ordered by TaggedID and is used only for
// insert and lookup; the Interner offers no way to enumerate its
// cached entries.
type Interner struct {
	resolver SymbolResolver
	table    *rbtree.Tree[*record]
}

// NewInterner creates an interner that calls resolver to format newly
// seen image addresses.
func NewInterner(resolver SymbolResolver) *Interner {
	return &Interner{resolver: resolver, table: rbtree.New[*record]()}
}

// InternImage returns the tagged ID for (image, offset), formatting
// and caching it via the resolver on first occurrence.
func (in *Interner) InternImage(image uint32, offset uint32) TaggedID {
	id := pack(image, offset, false, false)
	probe := &record{id: id}
	got := in.table.InsertReturn(probe)
	if got == probe {
		probe.formatted = in.resolver.FormatAddress(image, offset)
	}
	return id
}

// InternMemory returns the tagged ID for (allocationID, offset,
// isHeap), formatting and caching the display string on first
// occurrence as "S#<id>+<hex>" / "H#<id>+<hex>", or the unmapped
// placeholders "S#?"/"H#?" for the reserved sentinel allocation IDs.
func (in *Interner) InternMemory(allocationID uint32, offset uint32, isHeap bool) TaggedID {
	id := pack(allocationID, offset, true, isHeap)
	probe := &record{id: id}
	got := in.table.InsertReturn(probe)
	if got == probe {
		probe.formatted = formatMemory(allocationID, offset, isHeap)
	}
	return id
}

func formatMemory(allocationID, offset uint32, isHeap bool) string {
	tag := "S"
	sentinel := uint32(UnmappedStack)
	if isHeap {
		tag = "H"
		sentinel = uint32(UnmappedHeap)
	}
	if allocationID == sentinel {
		return tag + "#?"
	}
	return fmt.Sprintf("%s#%d+%#x", tag, allocationID, offset)
}

// Format returns the cached display string for a previously interned
// ID. An id that was never interned does not panic: it is rendered
// from its own bits as a raw placeholder instead.
func (in *Interner) Format(id TaggedID) string {
	probe := &record{id: id}
	got := in.table.Search(probe)
	if got == nil {
		// Defensive fallback: render a raw placeholder rather than
		// crash a long-running analysis over a formatting bug.
		if id.IsMemory() {
			return formatMemory(id.ID(), id.Offset(), id.IsHeap())
		}
		return fmt.Sprintf("image#%d+%#x", id.ID(), id.Offset())
	}
	return got.formatted
}
