package slabfs

import (
	"testing"
)

// fakePageMapper supplies a fixed PageSize for geometry derivation tests;
// Map/Unmap are never called by newGeometry and are left unimplemented.
type fakePageMapper struct {
	pageSize uintptr
}

func (m fakePageMapper) Map(length uintptr) ([]byte, error) { panic("unused") }
func (m fakePageMapper) Unmap(b []byte) error               { panic("unused") }
func (m fakePageMapper) PageSize() uintptr                  { return m.pageSize }

// TestBatchPerSlabIsDerivedNotConfigured checks that a slab built with a
// small acquire-per-slab/cache-acquire pair carves *at least* that many
// batches, and that rounding the slab size up to the next power of two
// routinely carves strictly more. The page size is chosen so the needed
// 400 bytes round to two pages (600 bytes) and then up to 1024, leaving
// room for extra batches.
func TestBatchPerSlabIsDerivedNotConfigured(t *testing.T) {
	conf := Config{
		ObjectSize:           48,
		ObjectAlign:          8,
		BatchCapacity:        4,
		SlabAcquireCount:     2,
		CacheAcquireAmount:   1,
		CentralStoreCapacity: 64,
		Mapper:               fakePageMapper{pageSize: 300},
	}

	geo, err := newGeometry(conf)
	if err != nil {
		t.Fatalf("newGeometry: %v", err)
	}

	configured := conf.SlabAcquireCount * conf.CacheAcquireAmount
	if geo.batchPerSlab < configured {
		t.Fatalf("batchPerSlab = %d, want >= %d (SlabAcquireCount*CacheAcquireAmount)", geo.batchPerSlab, configured)
	}
	if geo.batchPerSlab <= configured {
		t.Fatalf("batchPerSlab = %d, want strictly more than %d for this page size: rounding the slab size up to the next power of two should have left room for extra batches", geo.batchPerSlab, configured)
	}

	wantBatchPerSlab := (geo.slabSize - geo.slabOffset) / (geo.batchCapacity * geo.objPaddedSize)
	if geo.batchPerSlab != wantBatchPerSlab {
		t.Fatalf("batchPerSlab = %d, want floor((slab_size-slab_offset)/(batch_capacity*obj_padded_size)) = %d", geo.batchPerSlab, wantBatchPerSlab)
	}
}

// TestNewGeometryRejectsBatchPerSlabOverCentralStoreCapacity: a slab
// that would carve more batches than the central store can ever hold is
// rejected at construction rather than silently accepted.
func TestNewGeometryRejectsBatchPerSlabOverCentralStoreCapacity(t *testing.T) {
	conf := Config{
		ObjectSize:           48,
		ObjectAlign:          8,
		BatchCapacity:        4,
		SlabAcquireCount:     2,
		CacheAcquireAmount:   1,
		CentralStoreCapacity: 1,
		Mapper:               fakePageMapper{pageSize: 150},
	}

	if _, err := newGeometry(conf); err == nil {
		t.Fatal("newGeometry with CentralStoreCapacity smaller than the derived batchPerSlab: want error, got nil")
	}
}
