package trace

import (
	"encoding/binary"
	"fmt"
	"io"
)

// wireEntry is the fixed-size, little-endian on-disk shape of one
// Record: a 4-byte kind tag, a 1-byte flag field, 3 reserved bytes
// (a 1-byte and a 2-byte field) kept for alignment, and two 8-byte
// parameters wide enough to
// hold a packed (id, offset) pair each.
type wireEntry struct {
	Kind     uint32
	Flag     uint8
	_        uint8
	_        uint16
	Param1   uint64
	Param2   uint64
}

const wireEntrySize = 4 + 1 + 1 + 2 + 8 + 8

const (
	flagTaken       = 1 << 0
	flagBranchShift = 1
	flagBranchMask  = 0x3 << flagBranchShift
	flagIsWrite     = 1 << 0
)

func pack32(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

func unpack32(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}

// Reader decodes a sequence of Records from an underlying byte stream,
// one wireEntry at a time. Next returns io.EOF at a clean entry
// boundary once the stream is exhausted.
type Reader struct {
	r io.Reader
}

// NewReader wraps r as a Record stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next decodes and returns the next Record, or io.EOF when the stream
// is exhausted cleanly. A partial trailing entry is reported as an
// input error rather than silently dropped.
func (rd *Reader) Next() (Record, error) {
	var we wireEntry
	if err := binary.Read(rd.r, binary.LittleEndian, &we); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, fmt.Errorf("trace: truncated record: %w", err)
		}
		return Record{}, err
	}
	return decode(we)
}

func decode(we wireEntry) (Record, error) {
	switch Kind(we.Kind) {
	case KindBranch:
		srcImage, srcOffset := unpack32(we.Param1)
		dstImage, dstOffset := unpack32(we.Param2)
		bt := BranchType((we.Flag & flagBranchMask) >> flagBranchShift)
		return Record{
			Kind:          KindBranch,
			BranchType:    bt,
			SourceImageID: srcImage,
			SourceOffset:  srcOffset,
			DestImageID:   dstImage,
			DestOffset:    dstOffset,
			Taken:         we.Flag&flagTaken != 0,
		}, nil
	case KindHeapAllocation, KindStackAllocation:
		_, size := unpack32(we.Param1)
		_, idBits := unpack32(we.Param2)
		return Record{
			Kind:      Kind(we.Kind),
			AllocID:   int32(idBits),
			AllocSize: size,
		}, nil
	case KindImageMemoryAccess:
		instrImage, instrOffset := unpack32(we.Param1)
		memImage, memOffset := unpack32(we.Param2)
		return Record{
			Kind:         KindImageMemoryAccess,
			IsWrite:      we.Flag&flagIsWrite != 0,
			InstrImageID: instrImage,
			InstrOffset:  instrOffset,
			MemImageID:   memImage,
			MemOffset:    memOffset,
		}, nil
	case KindStackMemoryAccess, KindHeapMemoryAccess:
		instrImage, instrOffset := unpack32(we.Param1)
		allocIDBits, memOffset := unpack32(we.Param2)
		return Record{
			Kind:         Kind(we.Kind),
			IsWrite:      we.Flag&flagIsWrite != 0,
			InstrImageID: instrImage,
			InstrOffset:  instrOffset,
			MemAllocID:   int32(allocIDBits),
			MemOffset:    memOffset,
		}, nil
	default:
		return Record{}, fmt.Errorf("trace: unknown record kind %d", we.Kind)
	}
}

// Writer encodes Records into the wire format Reader decodes. It
// exists mainly for tests; production trace files are produced by an
// external tracer/preprocessor upstream of this package.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w to accept encoded Records.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteBranch encodes and writes a Branch record.
func (w *Writer) WriteBranch(bt BranchType, srcImage, srcOffset, dstImage, dstOffset uint32, taken bool) error {
	flag := uint8(bt) << flagBranchShift
	if taken {
		flag |= flagTaken
	}
	return w.writeEntry(wireEntry{
		Kind:   uint32(KindBranch),
		Flag:   flag,
		Param1: pack32(srcImage, srcOffset),
		Param2: pack32(dstImage, dstOffset),
	})
}

// WriteAllocation encodes and writes a Heap/StackAllocation record.
func (w *Writer) WriteAllocation(heap bool, id int32, size uint32) error {
	kind := KindStackAllocation
	if heap {
		kind = KindHeapAllocation
	}
	return w.writeEntry(wireEntry{
		Kind:   uint32(kind),
		Param1: pack32(0, size),
		Param2: pack32(0, uint32(id)),
	})
}

// WriteImageMemoryAccess encodes and writes an ImageMemoryAccess record.
func (w *Writer) WriteImageMemoryAccess(isWrite bool, instrImage, instrOffset, memImage, memOffset uint32) error {
	var flag uint8
	if isWrite {
		flag = flagIsWrite
	}
	return w.writeEntry(wireEntry{
		Kind:   uint32(KindImageMemoryAccess),
		Flag:   flag,
		Param1: pack32(instrImage, instrOffset),
		Param2: pack32(memImage, memOffset),
	})
}

// WriteAllocMemoryAccess encodes and writes a Stack/HeapMemoryAccess
// record; allocID is trace.Unmapped (-1) for an untracked allocation.
func (w *Writer) WriteAllocMemoryAccess(heap, isWrite bool, instrImage, instrOffset uint32, allocID int32, memOffset uint32) error {
	kind := KindStackMemoryAccess
	if heap {
		kind = KindHeapMemoryAccess
	}
	var flag uint8
	if isWrite {
		flag = flagIsWrite
	}
	return w.writeEntry(wireEntry{
		Kind:   uint32(kind),
		Flag:   flag,
		Param1: pack32(instrImage, instrOffset),
		Param2: pack32(uint32(allocID), memOffset),
	})
}

func (w *Writer) writeEntry(we wireEntry) error {
	return binary.Write(w.w, binary.LittleEndian, we)
}
