package slabfs

import (
	"sync/atomic"
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/layoutgen"
)

// slabHeader sits at the base of every slab mapping. Because slabs are
// mapped at addresses naturally aligned to their own size, masking any
// object address with slabObjMask recovers the address of the slabHeader
// it belongs to. No separate index is needed to answer "which slab owns
// this pointer."
type slabHeader struct {
	id        uint64
	usedCount atomic.Uintptr
}

func slabHeaderAt(addr unsafe.Pointer) *slabHeader {
	return (*slabHeader)(addr)
}

func (a *Allocator) slabFor(obj unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(obj) & a.geo.slabObjMask)
}

func incrUsed(headerPtr unsafe.Pointer) {
	slabHeaderAt(headerPtr).usedCount.Add(1)
}

func decrUsed(headerPtr unsafe.Pointer) {
	slabHeaderAt(headerPtr).usedCount.Add(^uintptr(0))
}

// mapAlignedSlab obtains a[geo.slabSize]-byte region naturally aligned to
// its own size: mmap (or Config.Mapper's equivalent) gives no alignment
// guarantee beyond the page size, so this maps double the size needed and
// trims the leading and trailing slivers until what remains starts on a
// slabSize boundary, the same technique a C allocator uses to get an
// aligned mapping out of a page-granular mmap.
func (a *Allocator) mapAlignedSlab() ([]byte, error) {
	raw, err := a.conf.Mapper.Map(2 * a.geo.slabSize)
	if err != nil {
		return nil, err
	}

	rawAddr := uintptr(unsafe.Pointer(&raw[0]))
	alignedAddr := layoutgen.AlignUp(rawAddr, a.geo.slabSize)
	leadingTrim := alignedAddr - rawAddr
	trailingTrim := (rawAddr + 2*a.geo.slabSize) - (alignedAddr + a.geo.slabSize)

	if leadingTrim > 0 {
		if err := a.conf.Mapper.Unmap(raw[:leadingTrim]); err != nil {
			return nil, err
		}
	}
	aligned := raw[leadingTrim : leadingTrim+a.geo.slabSize]
	if trailingTrim > 0 {
		if err := a.conf.Mapper.Unmap(raw[leadingTrim+a.geo.slabSize:]); err != nil {
			return nil, err
		}
	}
	return aligned, nil
}
