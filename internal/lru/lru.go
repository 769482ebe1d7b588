// Package lru implements a fixed-capacity, linearly-scanned LRU cache over
// a memblock.Block. It exists for the slab allocator's returns path: a
// small, fast structure remembering which few slabs a thread most recently
// freed into, so repeated frees into the same slab don't pay the central
// store's cost.
//
// Capacity N is enforced by the cache, not by the backing block: the block
// is always sized for N+1 slots (MakeDesc adds the extra row), the spare
// slot is scratch space Access uses while promoting an entry to the front,
// and is never counted toward the N live entries.
package lru

import (
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/errs"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
	"github.com/jfaucherlib/slabfs/internal/memblock"
)

// Config supplies the callbacks Access needs. All four are required.
type Config struct {
	// Compare reports whether key matches the entry stored at value.
	Compare func(key, value unsafe.Pointer) bool
	// Hit is called on a cache hit, before the entry is promoted to the
	// front, with ctx passed through from Access.
	Hit func(value unsafe.Pointer, ctx any)
	// Miss is called on a cache miss after the new entry has been written
	// into its slot (and, if the cache was already full, after the
	// previous least-recently-used entry has been evicted to make room),
	// before the new entry is promoted to the front.
	Miss func(value unsafe.Pointer, ctx any)
	// Evict is called when a miss must displace the current
	// least-recently-used entry to make room for the new one.
	Evict func(value unsafe.Pointer)
}

func (c Config) valid() bool {
	return c.Compare != nil && c.Hit != nil && c.Miss != nil && c.Evict != nil
}

// Cache is a fixed-capacity LRU cache of fixed-size values.
type Cache struct {
	conf     Config
	mb       memblock.Block
	capacity uintptr
	count    uintptr
	scratch  unsafe.Pointer
}

// MakeDesc returns the layout descriptor for the backing component a Cache
// of capacity entries of valueDesc's size needs: one extra slot beyond
// capacity for promotion scratch space.
func MakeDesc(valueDesc layoutgen.Desc, capacity uintptr) layoutgen.Desc {
	return layoutgen.Desc{
		Size:  valueDesc.Size,
		Align: valueDesc.Align,
		Count: capacity + 1,
	}
}

// Init builds a Cache of capacity entries over component, which must have
// been sized by MakeDesc for the same capacity.
func Init(component layoutgen.Component, capacity uintptr, conf Config) (*Cache, error) {
	if !conf.valid() {
		return nil, errs.New("lru.Init", errs.BadConfig, nil)
	}
	if !component.Desc.Valid() || component.Desc.Count != capacity+1 {
		return nil, errs.New("lru.Init", errs.Argument, nil)
	}

	mb := memblock.Block{
		Base:     component.Ptr,
		Stride:   component.Desc.Size,
		Capacity: component.Desc.Count,
	}
	return &Cache{
		conf:     conf,
		mb:       mb,
		capacity: capacity,
		scratch:  mb.Index(capacity),
	}, nil
}

// Len reports the number of live entries.
func (c *Cache) Len() uintptr {
	return c.count
}

// Access looks up key. On a hit, Hit is invoked and the matching entry is
// then promoted to the front. On a miss, value is inserted (evicting the
// current least-recently-used entry first if the cache is already at
// capacity), Miss is invoked, and the new entry is then promoted to the
// front. ctx is opaque data forwarded to whichever callback fires.
func (c *Cache) Access(key, value unsafe.Pointer, ctx any) {
	for i := uintptr(0); i < c.count; i++ {
		slot := c.mb.Index(i)
		if c.conf.Compare(key, slot) {
			c.conf.Hit(slot, ctx)
			c.promote(i)
			return
		}
	}

	var index uintptr
	if c.count < c.capacity {
		index = c.count
		c.count++
	} else {
		index = c.count - 1
		c.conf.Evict(c.mb.Index(index))
	}
	c.mb.Write(index, value)
	c.conf.Miss(c.mb.Index(index), ctx)
	c.promote(index)
}

// promote moves the entry at index to the front (index 0), shifting
// entries [0, index) right by one slot. The scratch slot beyond capacity
// holds the entry being moved for the duration of the shift.
func (c *Cache) promote(index uintptr) {
	if index == 0 {
		return
	}
	c.mb.Read(index, c.scratch)
	c.mb.Remap(1, 0, index)
	c.mb.Write(0, c.scratch)
}

// Find returns a pointer to the entry matching key and its current index,
// without promoting it. Callers that want to both inspect and mutate an
// entry in place (the allocator's returns path does, to thread a freed
// object into an already-accumulating batch) use Find instead of Access to
// avoid forcing a second lookup.
func (c *Cache) Find(key unsafe.Pointer) (value unsafe.Pointer, index uintptr, ok bool) {
	for i := uintptr(0); i < c.count; i++ {
		slot := c.mb.Index(i)
		if c.conf.Compare(key, slot) {
			return slot, i, true
		}
	}
	return nil, 0, false
}

// Touch promotes the entry at index to the front. index must come from a
// Find call on this Cache with no intervening mutation.
func (c *Cache) Touch(index uintptr) {
	c.promote(index)
}

// Read copies the entry at index into dst without disturbing order.
func (c *Cache) Read(index uintptr, dst unsafe.Pointer) {
	c.mb.Read(index, dst)
}

// Evict removes the entry at index, shifting every later entry left by one
// slot. Used by callers draining the cache entirely (e.g. on shutdown)
// rather than through the capacity-triggered eviction Access performs.
func (c *Cache) Evict(index uintptr) {
	tail := c.count - index - 1
	if tail > 0 {
		c.mb.Remap(index, index+1, tail)
	}
	c.count--
}
