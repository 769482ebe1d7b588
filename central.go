package slabfs

import (
	"context"
	"sync"
	"unsafe"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jfaucherlib/slabfs/internal/errs"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
	"github.com/jfaucherlib/slabfs/internal/rbtree"
)

var tracer trace.Tracer = otel.Tracer("github.com/jfaucherlib/slabfs")

// slabRecord is the central store's bookkeeping for one live slab: enough
// to unmap it once drained, and an object-level residency count deciding
// when that is. residentObjects is the number of the slab's objects
// currently sitting in centrally-parked free lists; it is object-granular
// rather than batch-granular because Caches mint ad-hoc batch handles on
// their returns path, so the handle count for a slab is not fixed but
// the object count is. A slab is retireable exactly when every one of its
// objects is parked here (residentObjects == totalObjects), which also
// implies no Cache can be holding any part of it.
type slabRecord struct {
	header          unsafe.Pointer
	region          []byte
	totalObjects    uintptr
	residentObjects uintptr
}

// Allocator is the central, mutex-guarded authority over a fixed-object-size
// pool of memory. It mints slabs on demand and hands batches of their
// objects out to per-goroutine Caches; Caches do the actual Alloc/Free work
// lock-free against the batches they hold.
type Allocator struct {
	conf Config
	geo  geometry

	mu       sync.Mutex
	store    *rbtree.Tree
	storeMem *layoutgen.Memory
	slabs    map[uint64]*slabRecord
	nextSlab uint64
	closed   bool
}

// New constructs an Allocator. The returned Allocator maps no memory until
// the first Cache asks it to.
func New(conf Config) (*Allocator, error) {
	conf.applyDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}

	geo, err := newGeometry(conf)
	if err != nil {
		return nil, err
	}

	batchValueDesc := layoutgen.Desc{
		Size:  unsafe.Sizeof(batch{}),
		Align: unsafe.Alignof(batch{}),
		Count: conf.CentralStoreCapacity,
	}
	nodeDesc := rbtree.MakeDesc(batchValueDesc)
	storeMem, err := layoutgen.Build(layoutgen.Desc{Size: 1, Align: 1, Count: 1}, []layoutgen.Desc{nodeDesc})
	if err != nil {
		return nil, err
	}

	store, err := rbtree.Init(storeMem.Components[1], batchValueDesc.Size, rbtree.Config{
		Compare: compareSlabKey,
		Attach:  noopAttach,
		Detach:  identityDetach,
	})
	if err != nil {
		storeMem.Free()
		return nil, err
	}

	return &Allocator{
		conf:     conf,
		geo:      geo,
		store:    store,
		storeMem: storeMem,
		slabs:    make(map[uint64]*slabRecord),
	}, nil
}

// AllocatorStats is a point-in-time snapshot of an Allocator's central
// bookkeeping, taken under the same mutex the slow path already pays for.
// Nothing in this module's hot path depends on it.
type AllocatorStats struct {
	// LiveSlabs is how many slabs are currently mapped.
	LiveSlabs int
	// ResidentBatches is how many batches are parked in the central
	// store right now (checked out of no Cache).
	ResidentBatches uintptr
	// SlabSize is the byte size of each slab this Allocator maps.
	SlabSize uintptr
}

// Stats snapshots the Allocator's current central-store occupancy.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AllocatorStats{
		LiveSlabs:       len(a.slabs),
		ResidentBatches: a.store.Count(),
		SlabSize:        a.geo.slabSize,
	}
}

// Close unmaps every slab this Allocator ever created. Callers must close
// every Cache derived from this Allocator first; Close does not know
// about batches a live Cache is still holding.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var first error
	for id, rec := range a.slabs {
		if err := a.conf.Mapper.Unmap(rec.region); err != nil && first == nil {
			first = err
		}
		delete(a.slabs, id)
	}
	a.storeMem.Free()
	return first
}

// createSlabLocked maps a fresh slab and carves it into geo.batchPerSlab
// batches. Callers must hold a.mu.
func (a *Allocator) createSlabLocked(ctx context.Context) ([]batch, error) {
	_, span := tracer.Start(ctx, "slabfs.createSlab")
	defer span.End()

	region, err := a.mapAlignedSlab()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errs.New("slabfs.createSlab", errs.System, err)
	}

	id := a.nextSlab
	a.nextSlab++

	header := slabHeaderAt(unsafe.Pointer(&region[0]))
	header.id = id
	header.usedCount.Store(0)

	span.SetAttributes(
		attribute.Int64("slabfs.slab_id", int64(id)),
		attribute.Int64("slabfs.slab_size", int64(a.geo.slabSize)),
	)

	a.slabs[id] = &slabRecord{
		header:       unsafe.Pointer(&region[0]),
		region:       region,
		totalObjects: a.geo.batchPerSlab * a.geo.batchCapacity,
	}

	return linkBatches(unsafe.Pointer(&region[0]), id, a.geo), nil
}

// putBatchLocked parks b in the central store and credits its objects to
// the owning slab's residency count. If the store's node pool is at
// capacity, b's objects are folded into a batch of the same slab already
// resident instead of being refused: the store holds objects, handles are
// fungible. Callers must hold a.mu.
func (a *Allocator) putBatchLocked(b batch) (*slabRecord, error) {
	n := b.free.Len()
	if err := a.store.Put(unsafe.Pointer(&b), unsafe.Pointer(&b.slabID)); err != nil {
		var existing batch
		if terr := a.store.Take(unsafe.Pointer(&existing), unsafe.Pointer(&b.slabID)); terr != nil {
			return nil, err
		}
		for p := b.free.Alloc(); p != nil; p = b.free.Alloc() {
			existing.free.Free(p)
		}
		if perr := a.store.Put(unsafe.Pointer(&existing), unsafe.Pointer(&existing.slabID)); perr != nil {
			return nil, perr
		}
	}
	rec := a.slabs[b.slabID]
	rec.residentObjects += n
	return rec, nil
}

// acquireBatches pulls n batches out of the central store for a Cache's
// use, creating fresh slabs as needed until the request is met.
// acquireBatches never partially fails: on a mapping error, batches
// already taken from the store during this call are put back before the
// error is returned.
func (a *Allocator) acquireBatches(ctx context.Context, n uintptr) ([]batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, span := tracer.Start(ctx, "slabfs.acquireBatches")
	defer span.End()
	span.SetAttributes(attribute.Int64("slabfs.requested", int64(n)))

	out := make([]batch, 0, n)
	for uintptr(len(out)) < n {
		var b batch
		if err := a.store.GetLargest(unsafe.Pointer(&b)); err == nil {
			a.slabs[b.slabID].residentObjects -= b.free.Len()
			out = append(out, b)
			continue
		}

		fresh, err := a.createSlabLocked(ctx)
		if err != nil {
			// Park the batches already taken this call back in the store.
			for _, taken := range out {
				_, _ = a.putBatchLocked(taken)
			}
			span.RecordError(err)
			return nil, err
		}
		out = append(out, fresh[0])
		for _, extra := range fresh[1:] {
			if _, err := a.putBatchLocked(extra); err != nil {
				span.RecordError(err)
				return nil, err
			}
		}
	}
	return out, nil
}

// releaseBatch returns a batch to the central store, retiring its owning
// slab (unmapping it and dropping all bookkeeping) once every one of
// the slab's objects is parked centrally and none remain allocated to
// the application. An empty batch carries no objects and is dropped
// instead of being parked.
func (a *Allocator) releaseBatch(ctx context.Context, b batch) error {
	if b.free.Len() == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	_, span := tracer.Start(ctx, "slabfs.releaseBatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("slabfs.slab_id", int64(b.slabID)))

	rec, err := a.putBatchLocked(b)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if rec.residentObjects == rec.totalObjects && slabHeaderAt(rec.header).usedCount.Load() == 0 {
		a.retireSlabLocked(ctx, b.slabID, rec)
	}
	return nil
}

// retireSlabLocked drains every batch the central store still holds for
// slabID (they reference memory about to be unmapped), then unmaps the
// slab. Callers must hold a.mu and must already have verified the slab has
// no live batches and no outstanding allocations.
func (a *Allocator) retireSlabLocked(ctx context.Context, slabID uint64, rec *slabRecord) {
	_, span := tracer.Start(ctx, "slabfs.retireSlab")
	defer span.End()
	span.SetAttributes(attribute.Int64("slabfs.slab_id", int64(slabID)))

	var tmp batch
	for {
		if err := a.store.Take(unsafe.Pointer(&tmp), unsafe.Pointer(&slabID)); err != nil {
			break
		}
	}

	if err := a.conf.Mapper.Unmap(rec.region); err != nil {
		span.RecordError(err)
	}
	delete(a.slabs, slabID)
}
