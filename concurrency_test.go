package slabfs_test

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"

	slabfs "github.com/jfaucherlib/slabfs"
	"github.com/jfaucherlib/slabfs/internal/sysmem"
)

// countingMapper wraps sysmem.Default and tracks total bytes mapped vs.
// unmapped, so a test can check every byte a test mapped (the double-length
// request, trimmed down by mapAlignedSlab's own leading/trailing Unmap
// calls, then the remaining aligned slab unmapped at retirement) was also
// unmapped, without relying on the Allocator's own final Close (which
// would unmap any leftover slab itself and so could hide a retirement bug).
type countingMapper struct {
	mappedBytes, unmappedBytes atomic.Int64
}

func (m *countingMapper) Map(length uintptr) ([]byte, error) {
	b, err := sysmem.Default.Map(length)
	if err == nil {
		m.mappedBytes.Add(int64(len(b)))
	}
	return b, err
}

func (m *countingMapper) Unmap(b []byte) error {
	m.unmappedBytes.Add(int64(len(b)))
	return sysmem.Default.Unmap(b)
}

func (m *countingMapper) PageSize() uintptr {
	return sysmem.Default.PageSize()
}

// TestConcurrentCachesDoNotCorruptEachOther: N goroutines each
// allocate a batch of objects from their own Cache, stamp an owner tag
// into every object, then free them in reverse order, and nothing ever
// observes another goroutine's tag in an object it still holds.
func TestConcurrentCachesDoNotCorruptEachOther(t *testing.T) {
	a := newTestAllocator(t, func(c *slabfs.Config) {
		c.ObjectSize = 24
		c.ObjectAlign = 8
		c.BatchCapacity = 16
		c.SlabAcquireCount = 4
		c.ReturnsCacheCapacity = 4
		c.CacheAcquireAmount = 2
		c.CacheStoreCapacity = 4
		c.CacheReleaseAmount = 1
		c.CentralStoreCapacity = 512
	})

	const goroutines = 8
	const perGoroutine = 2000

	var g errgroup.Group
	for w := 0; w < goroutines; w++ {
		owner := int64(w)
		g.Go(func() error {
			c, err := a.NewCache()
			if err != nil {
				return err
			}
			defer c.Close()

			ptrs := make([]unsafe.Pointer, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				p, err := c.Alloc()
				if err != nil {
					return err
				}
				*(*int64)(p) = owner
				ptrs = append(ptrs, p)
			}

			for i := len(ptrs) - 1; i >= 0; i-- {
				p := ptrs[i]
				if got := *(*int64)(p); got != owner {
					t.Errorf("worker %d: object at %p tagged %d, want %d (another goroutine wrote through this cache's live object)", owner, p, got, owner)
				}
				c.Free(p)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent alloc/free: %v", err)
	}
}

// TestConcurrentDrainReleasesEverySlab checks the balance property end to
// end: after every alloc across every goroutine has been paired with a
// free and every Cache has been closed, every byte mapped during the run
// has been returned to the OS and the Allocator holds no slabs.
func TestConcurrentDrainReleasesEverySlab(t *testing.T) {
	mapper := &countingMapper{}
	a := newTestAllocator(t, func(c *slabfs.Config) {
		c.ObjectSize = 16
		c.ObjectAlign = 8
		c.BatchCapacity = 8
		c.SlabAcquireCount = 2
		c.ReturnsCacheCapacity = 2
		c.CacheAcquireAmount = 1
		c.CacheStoreCapacity = 2
		c.CacheReleaseAmount = 1
		c.CentralStoreCapacity = 256
		c.Mapper = mapper
	})

	const goroutines = 4
	const perGoroutine = 500

	var g errgroup.Group
	for w := 0; w < goroutines; w++ {
		g.Go(func() error {
			c, err := a.NewCache()
			if err != nil {
				return err
			}

			ptrs := make([]unsafe.Pointer, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				p, err := c.Alloc()
				if err != nil {
					return err
				}
				ptrs = append(ptrs, p)
			}
			for i := len(ptrs) - 1; i >= 0; i-- {
				c.Free(ptrs[i])
			}
			return c.Close()
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent drain: %v", err)
	}

	gotMapped, gotUnmapped := mapper.mappedBytes.Load(), mapper.unmappedBytes.Load()
	if gotMapped == 0 {
		t.Fatal("no slab was ever mapped; test exercised nothing")
	}
	if gotUnmapped != gotMapped {
		t.Fatalf("mapped %d bytes but unmapped %d after every cache drained and closed; want every mapped byte returned to the OS", gotMapped, gotUnmapped)
	}
}
