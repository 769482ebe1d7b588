package slabfs

import (
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/freelist"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
)

// batch is the unit of exchange between a Cache and the central store: a
// freelist of objects belonging to one slab. A batch's freelist starts out
// as a contiguous carve of virgin objects (see linkBatches), but over its
// lifetime it is repeatedly drained by Alloc and refilled, object by
// object, by Free. The objects threaded through it need not stay
// contiguous, or even stay within the region they started in, since
// freelist.List only cares about the pointer in each slot's first word.
type batch struct {
	slabID    uint64
	headerPtr unsafe.Pointer
	free      freelist.List
}

func compareSlabKey(key, value unsafe.Pointer) int {
	k := *(*uint64)(key)
	v := (*batch)(value).slabID
	switch {
	case k < v:
		return -1
	case k > v:
		return 1
	default:
		return 0
	}
}

func noopAttach(baseValue, newValue unsafe.Pointer) {}

func identityDetach(value unsafe.Pointer) unsafe.Pointer { return value }

// linkBatches partitions a freshly mapped slab's object area (starting at
// geo.slabOffset, immediately after the header) into geo.batchPerSlab
// contiguous batches of geo.batchCapacity objects each, threading every
// batch's objects into its own free list and stamping each batch with the
// slab's id. geo.batchPerSlab is derived from the slab's actual size, so a
// slab routinely carves more batches than Config.SlabAcquireCount named.
func linkBatches(slabBase unsafe.Pointer, slabID uint64, geo geometry) []batch {
	batches := make([]batch, geo.batchPerSlab)
	batchBytes := geo.batchCapacity * geo.objPaddedSize

	for i := uintptr(0); i < geo.batchPerSlab; i++ {
		regionPtr := unsafe.Add(slabBase, geo.slabOffset+i*batchBytes)
		component := layoutgen.Component{
			Ptr: regionPtr,
			Desc: layoutgen.Desc{
				Size:  geo.objPaddedSize,
				Align: 1,
				Count: geo.batchCapacity,
			},
		}
		batches[i] = batch{
			slabID:    slabID,
			headerPtr: slabBase,
			free:      freelist.Init(component),
		}
	}
	return batches
}
