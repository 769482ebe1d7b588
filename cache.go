package slabfs

import (
	"context"
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/errs"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
	"github.com/jfaucherlib/slabfs/internal/lru"
	"github.com/jfaucherlib/slabfs/internal/rbtree"
)

// Cache is a single goroutine's view of an Allocator. Alloc and Free never
// take the Allocator's mutex as long as they can be satisfied from this
// Cache's own state (its active batch, its reserve of spare batches, or its
// returns-side LRU); only a miss in all three falls through to the
// central store. A Cache must not be shared across goroutines; callers
// typically keep one per worker goroutine or per P, the same granularity
// the "thread" in this package's design notes refers to.
type Cache struct {
	a      *Allocator
	active *batch

	reserve    *rbtree.Tree
	reserveMem *layoutgen.Memory

	returns    *lru.Cache
	returnsMem *layoutgen.Memory

	closed bool
}

func noopHit(value unsafe.Pointer, ctx any)  {}
func noopMiss(value unsafe.Pointer, ctx any) {}

// NewCache creates a Cache bound to a. The Cache holds no memory until its
// first Alloc or Free.
func (a *Allocator) NewCache() (*Cache, error) {
	// The reserve is sized with CacheReleaseAmount headroom above
	// CacheStoreCapacity (its low-water mark): refills and evicted
	// returns-cache groups may push it past the low-water mark by up to
	// CacheReleaseAmount before drainReserve brings it back down.
	reserveValueDesc := layoutgen.Desc{
		Size:  unsafe.Sizeof(batch{}),
		Align: unsafe.Alignof(batch{}),
		Count: a.conf.CacheStoreCapacity + a.conf.CacheReleaseAmount,
	}
	reserveNodeDesc := rbtree.MakeDesc(reserveValueDesc)
	reserveMem, err := layoutgen.Build(layoutgen.Desc{Size: 1, Align: 1, Count: 1}, []layoutgen.Desc{reserveNodeDesc})
	if err != nil {
		return nil, err
	}
	reserve, err := rbtree.Init(reserveMem.Components[1], reserveValueDesc.Size, rbtree.Config{
		Compare: compareSlabKey,
		Attach:  noopAttach,
		Detach:  identityDetach,
	})
	if err != nil {
		reserveMem.Free()
		return nil, err
	}

	returnsValueDesc := layoutgen.Desc{
		Size:  unsafe.Sizeof(batch{}),
		Align: unsafe.Alignof(batch{}),
		Count: a.conf.ReturnsCacheCapacity,
	}
	returnsCompDesc := lru.MakeDesc(returnsValueDesc, a.conf.ReturnsCacheCapacity)
	returnsMem, err := layoutgen.Build(layoutgen.Desc{Size: 1, Align: 1, Count: 1}, []layoutgen.Desc{returnsCompDesc})
	if err != nil {
		reserveMem.Free()
		return nil, err
	}

	c := &Cache{a: a, reserveMem: reserveMem, returnsMem: returnsMem, reserve: reserve}
	returns, err := lru.Init(returnsMem.Components[1], a.conf.ReturnsCacheCapacity, lru.Config{
		Compare: compareSlabKeyLRU,
		Hit:     noopHit,
		Miss:    noopMiss,
		Evict:   c.onReturnsEvict,
	})
	if err != nil {
		reserveMem.Free()
		returnsMem.Free()
		return nil, err
	}
	c.returns = returns
	return c, nil
}

func compareSlabKeyLRU(key, value unsafe.Pointer) bool {
	return *(*uint64)(key) == (*batch)(value).slabID
}

// onReturnsEvict feeds an evicted per-slab free-object group into the
// reserve (cache.store), then drains the reserve if that push left it
// above its low-water mark. Best effort: Evict has no error return, and a
// Put failure here falls back to releasing the group directly rather than
// leaking it.
func (c *Cache) onReturnsEvict(value unsafe.Pointer) {
	evicted := *(*batch)(value)
	key := evicted.slabID
	if err := c.reserve.Put(unsafe.Pointer(&evicted), unsafe.Pointer(&key)); err != nil {
		_ = c.a.releaseBatch(context.Background(), evicted)
		return
	}
	c.drainReserve()
}

// drainReserve flushes CacheReleaseAmount batches back to the central
// store once the reserve has grown past its CacheStoreCapacity low-water
// mark, the release side of the Cache's acquire/release pair.
func (c *Cache) drainReserve() {
	if c.reserve.Count() <= c.a.conf.CacheStoreCapacity {
		return
	}
	for i := uintptr(0); i < c.a.conf.CacheReleaseAmount; i++ {
		var b batch
		if err := c.reserve.GetSmallest(unsafe.Pointer(&b)); err != nil {
			return
		}
		_ = c.a.releaseBatch(context.Background(), b)
	}
}

// Close flushes every batch this Cache is holding (its active batch, its
// reserve, and its returns-side accumulation) back to the central store.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	ctx := context.Background()
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.active != nil {
		record(c.a.releaseBatch(ctx, *c.active))
		c.active = nil
	}
	for {
		var b batch
		if err := c.reserve.GetLargest(unsafe.Pointer(&b)); err != nil {
			break
		}
		record(c.a.releaseBatch(ctx, b))
	}
	for c.returns.Len() > 0 {
		var b batch
		c.returns.Read(0, unsafe.Pointer(&b))
		record(c.a.releaseBatch(ctx, b))
		c.returns.Evict(0)
	}

	c.reserveMem.Free()
	c.returnsMem.Free()
	return firstErr
}

// Alloc returns a pointer to one object, or an error if the central store
// could not map a new slab.
func (c *Cache) Alloc() (unsafe.Pointer, error) {
	if c.active != nil {
		if p := c.active.free.Alloc(); p != nil {
			incrUsed(c.active.headerPtr)
			return p, nil
		}
	}
	if err := c.refillActive(); err != nil {
		return nil, err
	}
	p := c.active.free.Alloc()
	if p == nil {
		return nil, errs.New("slabfs.Alloc", errs.System, nil)
	}
	incrUsed(c.active.headerPtr)
	return p, nil
}

func (c *Cache) refillActive() error {
	var b batch
	if err := c.reserve.GetLargest(unsafe.Pointer(&b)); err == nil {
		c.active = &b
		return nil
	}

	batches, err := c.a.acquireBatches(context.Background(), c.a.conf.CacheAcquireAmount)
	if err != nil {
		return err
	}
	c.active = &batches[0]
	for i := 1; i < len(batches); i++ {
		extra := batches[i]
		if err := c.reserve.Put(unsafe.Pointer(&extra), unsafe.Pointer(&extra.slabID)); err != nil {
			_ = c.a.releaseBatch(context.Background(), extra)
		}
	}
	c.drainReserve()
	return nil
}

// Free returns obj, previously returned by Alloc on some Cache belonging to
// the same Allocator, to its owning slab's pool.
func (c *Cache) Free(obj unsafe.Pointer) {
	headerPtr := c.a.slabFor(obj)
	slabID := slabHeaderAt(headerPtr).id

	if c.active != nil && c.active.slabID == slabID && c.active.free.Len() < c.a.geo.batchCapacity {
		c.active.free.Free(obj)
		decrUsed(headerPtr)
		return
	}

	key := slabID
	if value, index, ok := c.returns.Find(unsafe.Pointer(&key)); ok {
		b := (*batch)(value)
		b.free.Free(obj)
		decrUsed(headerPtr)
		c.returns.Touch(index)
		return
	}

	nb := batch{slabID: slabID, headerPtr: headerPtr}
	nb.free.Free(obj)
	decrUsed(headerPtr)
	c.returns.Access(unsafe.Pointer(&key), unsafe.Pointer(&nb), nil)
}
