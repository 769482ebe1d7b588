// Package slabfs is a thread-aware slab allocator for fixed-size objects.
// Each Allocator owns a central, mutex-guarded store of batches of objects
// and mints per-goroutine Caches whose Alloc/Free fast paths never touch
// that mutex: they pop and push an intrusive freelist and bump an atomic
// counter on the owning slab. Slabs are anonymous OS mappings, sized and
// aligned to a power of two so that any object's owning slab can be found
// by masking its address; no per-object bookkeeping is needed to answer
// "which slab is this."
package slabfs

import (
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/errs"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
	"github.com/jfaucherlib/slabfs/internal/sysmem"
)

const (
	// DefaultBatchCapacity is how many objects a freshly carved batch
	// holds when Config.BatchCapacity is zero.
	DefaultBatchCapacity = 64
	// DefaultSlabAcquireCount is the acquire_per_slab figure fed into the
	// slab-size formula when Config.SlabAcquireCount is zero. It does not
	// directly set how many batches a slab is carved into (see
	// geometry.batchPerSlab).
	DefaultSlabAcquireCount = 8
	// DefaultReturnsCacheCapacity is the returns-side LRU's capacity when
	// Config.ReturnsCacheCapacity is zero.
	DefaultReturnsCacheCapacity = 4
	// DefaultCacheAcquireAmount is how many batches a Cache pulls from
	// the central store per mutex acquisition when Config.CacheAcquireAmount
	// is zero.
	DefaultCacheAcquireAmount = 1
	// DefaultCacheStoreCapacity bounds a Cache's reserve of spare batches
	// when Config.CacheStoreCapacity is zero.
	DefaultCacheStoreCapacity = 2
	// DefaultCacheReleaseAmount is how many batches a Cache flushes back
	// to the central store once its reserve grows past CacheStoreCapacity,
	// when Config.CacheReleaseAmount is zero.
	DefaultCacheReleaseAmount = 1
	// DefaultCentralStoreCapacity bounds how many batches the central
	// store can hold at once when Config.CentralStoreCapacity is zero.
	DefaultCentralStoreCapacity = 4
)

// Config configures an Allocator. All fields except ObjectSize are
// optional; a zero value picks a documented default, the same pattern the
// rest of the pack's allocator-flavored config structs use.
type Config struct {
	// ObjectSize is the fixed size, in bytes, of every object this
	// allocator hands out. Required, must be nonzero.
	ObjectSize uintptr
	// ObjectAlign is the required alignment of every object. Must be a
	// power of two. Defaults to the platform pointer size.
	ObjectAlign uintptr

	// BatchCapacity is how many objects a batch holds.
	BatchCapacity uintptr
	// SlabAcquireCount (acquire_per_slab) feeds the slab-size formula
	// alongside CacheAcquireAmount: a slab is sized to comfortably hold
	// SlabAcquireCount refills' worth of batches. The number of batches
	// actually carved into a slab is a derived quantity (see
	// geometry.batchPerSlab) that can exceed this figure once the
	// needed byte count rounds up to the next power-of-two page count.
	SlabAcquireCount uintptr
	// ReturnsCacheCapacity bounds the number of distinct slabs a Cache
	// accumulates in-flight frees for before flushing the
	// least-recently-touched one back to its reserve.
	ReturnsCacheCapacity uintptr
	// CacheAcquireAmount is how many batches a Cache pulls from the
	// central store at once, amortizing the cost of acquiring the
	// central mutex across several subsequent allocations. Must be
	// <= CacheStoreCapacity and <= CentralStoreCapacity.
	CacheAcquireAmount uintptr
	// CacheStoreCapacity bounds the reserve of spare batches a Cache
	// holds locally between central-store round trips.
	CacheStoreCapacity uintptr
	// CacheReleaseAmount is how many batches a Cache flushes back to the
	// central store once its reserve grows past CacheStoreCapacity. Must
	// be <= CacheStoreCapacity and <= CentralStoreCapacity.
	CacheReleaseAmount uintptr
	// CentralStoreCapacity (alloc_store_capacity) bounds how many
	// batches the central store holds at once, across all slabs.
	CentralStoreCapacity uintptr

	// Mapper supplies the OS memory-mapping calls backing each slab.
	// Defaults to sysmem.Default.
	Mapper sysmem.Mapper
}

// geometry is the derived, fixed layout every slab this Allocator creates
// shares: object size and alignment pad out to the same padded size, and
// slabs are sized and aligned in lockstep so address masking recovers a
// slab's header from any object address in one instruction.
type geometry struct {
	objPaddedSize uintptr
	slabOffset    uintptr
	batchCapacity uintptr
	// batchPerSlab is the derived count of batches a freshly mapped slab
	// is carved into: floor((slab_size - slab_offset) / (batch_capacity *
	// obj_padded_size)). It is not Config.SlabAcquireCount: rounding
	// slab_size up to a page-multiple power of two routinely leaves room
	// for more batches than SlabAcquireCount named, and that spare room
	// must be carved, not wasted.
	batchPerSlab uintptr
	slabSize     uintptr
	slabObjMask  uintptr
}

func nextPowerOfTwo(n uintptr) uintptr {
	if n == 0 {
		return 1
	}
	p := uintptr(1)
	for p < n {
		p <<= 1
	}
	return p
}

func isPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

func (c *Config) applyDefaults() {
	if c.ObjectAlign == 0 {
		c.ObjectAlign = unsafe.Alignof(uintptr(0))
	}
	if c.BatchCapacity == 0 {
		c.BatchCapacity = DefaultBatchCapacity
	}
	if c.SlabAcquireCount == 0 {
		c.SlabAcquireCount = DefaultSlabAcquireCount
	}
	if c.ReturnsCacheCapacity == 0 {
		c.ReturnsCacheCapacity = DefaultReturnsCacheCapacity
	}
	if c.CacheAcquireAmount == 0 {
		c.CacheAcquireAmount = DefaultCacheAcquireAmount
	}
	if c.CacheStoreCapacity == 0 {
		c.CacheStoreCapacity = DefaultCacheStoreCapacity
	}
	if c.CacheReleaseAmount == 0 {
		c.CacheReleaseAmount = DefaultCacheReleaseAmount
	}
	if c.CentralStoreCapacity == 0 {
		c.CentralStoreCapacity = DefaultCentralStoreCapacity
	}
	if c.Mapper == nil {
		c.Mapper = sysmem.Default
	}
}

// validate checks the resolved configuration. It runs after applyDefaults,
// so every zero-means-default field has already been filled in and only
// genuinely malformed values remain to reject.
func (c Config) validate() error {
	if c.ObjectSize == 0 {
		return errs.New("slabfs.New", errs.BadConfig, nil)
	}
	if !isPowerOfTwo(c.ObjectAlign) {
		return errs.New("slabfs.New", errs.BadConfig, nil)
	}
	if c.CacheAcquireAmount > c.CacheStoreCapacity {
		return errs.New("slabfs.New", errs.BadConfig, nil)
	}
	if c.CacheReleaseAmount > c.CacheStoreCapacity {
		return errs.New("slabfs.New", errs.BadConfig, nil)
	}
	if c.CacheAcquireAmount > c.CentralStoreCapacity {
		return errs.New("slabfs.New", errs.BadConfig, nil)
	}
	if c.CacheReleaseAmount > c.CentralStoreCapacity {
		return errs.New("slabfs.New", errs.BadConfig, nil)
	}
	return nil
}

func newGeometry(conf Config) (geometry, error) {
	objSize := conf.ObjectSize
	if minSize := unsafe.Sizeof(uintptr(0)); objSize < minSize {
		objSize = minSize
	}
	objPaddedSize := layoutgen.AlignUp(objSize, conf.ObjectAlign)

	slabOffset := layoutgen.AlignUp(unsafe.Sizeof(slabHeader{}), conf.ObjectAlign)

	batchBytes := conf.BatchCapacity * objPaddedSize
	neededBytes := slabOffset + conf.SlabAcquireCount*conf.CacheAcquireAmount*batchBytes

	pageSize := conf.Mapper.PageSize()
	pages := (neededBytes + pageSize - 1) / pageSize
	slabSize := nextPowerOfTwo(pages * pageSize)

	// batch_per_slab is derived from the actual, page/power-of-two-rounded
	// slabSize, not copied from SlabAcquireCount: rounding routinely
	// leaves room for more batches than SlabAcquireCount named, and that
	// room must be carved rather than left idle.
	batchPerSlab := (slabSize - slabOffset) / batchBytes
	if batchPerSlab == 0 {
		return geometry{}, errs.New("slabfs.New", errs.BadConfig, nil)
	}
	if batchPerSlab > conf.CentralStoreCapacity {
		return geometry{}, errs.New("slabfs.New", errs.BadConfig, nil)
	}

	return geometry{
		objPaddedSize: objPaddedSize,
		slabOffset:    slabOffset,
		batchCapacity: conf.BatchCapacity,
		batchPerSlab:  batchPerSlab,
		slabSize:      slabSize,
		slabObjMask:   ^(slabSize - 1),
	}, nil
}
