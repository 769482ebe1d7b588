package rbtree

import (
	"errors"
	"sort"
	"testing"
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/errs"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
)

type entry struct {
	key   int64
	tag   int64
	chain int64 // distinguishes duplicate entries sharing the same key
}

func compareEntry(key, value unsafe.Pointer) int {
	k := *(*int64)(key)
	v := (*entry)(value).key
	switch {
	case k < v:
		return -1
	case k > v:
		return 1
	default:
		return 0
	}
}

func newTestTree(t *testing.T, capacity uintptr) *Tree {
	t.Helper()
	valueDesc := layoutgen.Desc{
		Size:  unsafe.Sizeof(entry{}),
		Align: unsafe.Alignof(entry{}),
		Count: capacity,
	}
	nodeDesc := MakeDesc(valueDesc)
	raw := make([]byte, nodeDesc.Size*nodeDesc.Count)
	component := layoutgen.Component{
		Ptr:  unsafe.Pointer(&raw[0]),
		Desc: nodeDesc,
	}

	tree, err := Init(component, valueDesc.Size, Config{
		Compare: compareEntry,
		Attach:  func(baseValue, newValue unsafe.Pointer) {},
		Detach:  func(value unsafe.Pointer) unsafe.Pointer { return value },
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return tree
}

func put(t *testing.T, tree *Tree, key, tag int64) {
	t.Helper()
	e := entry{key: key, tag: tag}
	k := key
	if err := tree.Put(unsafe.Pointer(&e), unsafe.Pointer(&k)); err != nil {
		t.Fatalf("Put(%d): %v", key, err)
	}
}

func TestPutTakeRoundTrip(t *testing.T) {
	tree := newTestTree(t, 16)
	keys := []int64{50, 20, 70, 10, 30, 60, 80, 5, 15}
	for _, k := range keys {
		put(t, tree, k, k*10)
	}
	if tree.Count() != uintptr(len(keys)) {
		t.Fatalf("Count() = %d, want %d", tree.Count(), len(keys))
	}

	for _, k := range keys {
		var out entry
		key := k
		if err := tree.Take(unsafe.Pointer(&out), unsafe.Pointer(&key)); err != nil {
			t.Fatalf("Take(%d): %v", k, err)
		}
		if out.key != k || out.tag != k*10 {
			t.Fatalf("Take(%d) = %+v, want key=%d tag=%d", k, out, k, k*10)
		}
	}
	if tree.Count() != 0 {
		t.Fatalf("Count() after draining = %d, want 0", tree.Count())
	}
}

func TestTakeMissingKeyReturnsBadKey(t *testing.T) {
	tree := newTestTree(t, 4)
	put(t, tree, 1, 1)

	var out entry
	missing := int64(99)
	err := tree.Take(unsafe.Pointer(&out), unsafe.Pointer(&missing))
	if !errors.Is(err, errs.ErrBadKey) {
		t.Fatalf("Take(99): want bad-key, got %v", err)
	}
}

func TestGetSmallestAndLargestOrder(t *testing.T) {
	tree := newTestTree(t, 16)
	keys := []int64{50, 20, 70, 10, 30, 60, 80}
	for _, k := range keys {
		put(t, tree, k, k)
	}

	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var got []int64
	for i := 0; i < len(sorted); i++ {
		var out entry
		if err := tree.GetSmallest(unsafe.Pointer(&out)); err != nil {
			t.Fatalf("GetSmallest: %v", err)
		}
		got = append(got, out.key)
	}
	for i := range sorted {
		if got[i] != sorted[i] {
			t.Fatalf("GetSmallest sequence = %v, want %v", got, sorted)
		}
	}

	if err := tree.GetSmallest(unsafe.Pointer(&entry{})); !errors.Is(err, errs.ErrEmpty) {
		t.Fatalf("GetSmallest on empty tree: want empty, got %v", err)
	}
}

func TestGetLargestDrainsDescending(t *testing.T) {
	tree := newTestTree(t, 8)
	keys := []int64{3, 1, 4, 1, 5, 9, 2, 6}
	// Note: two entries share key 1, which exercises duplicate chaining too.
	for i, k := range keys {
		put(t, tree, k, int64(i))
	}

	var prev int64 = 1 << 62
	count := 0
	for tree.Count() > 0 {
		var out entry
		if err := tree.GetLargest(unsafe.Pointer(&out)); err != nil {
			t.Fatalf("GetLargest: %v", err)
		}
		if out.key > prev {
			t.Fatalf("GetLargest returned %d after %d, not descending", out.key, prev)
		}
		prev = out.key
		count++
	}
	if count != len(keys) {
		t.Fatalf("drained %d entries, want %d", count, len(keys))
	}
}

func TestDuplicateKeyChaining(t *testing.T) {
	tree := newTestTree(t, 8)
	put(t, tree, 42, 1)
	put(t, tree, 42, 2)
	put(t, tree, 42, 3)

	if tree.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", tree.Count())
	}

	key := int64(42)
	seen := make(map[int64]bool)
	for i := 0; i < 3; i++ {
		var out entry
		if err := tree.Take(unsafe.Pointer(&out), unsafe.Pointer(&key)); err != nil {
			t.Fatalf("Take duplicate #%d: %v", i, err)
		}
		if out.key != 42 {
			t.Fatalf("Take duplicate #%d key = %d, want 42", i, out.key)
		}
		seen[out.tag] = true
	}
	if len(seen) != 3 {
		t.Fatalf("got %d distinct tags, want 3: %v", len(seen), seen)
	}

	var out entry
	if err := tree.Take(unsafe.Pointer(&out), unsafe.Pointer(&key)); err == nil {
		t.Fatal("Take after draining all duplicates: want error, got nil")
	}
}

func TestPreviousCacheHitAvoidsFind(t *testing.T) {
	tree := newTestTree(t, 8)
	put(t, tree, 5, 0)
	put(t, tree, 3, 0)
	put(t, tree, 8, 0)
	put(t, tree, 1, 1) // 1 sits two levels below the root (5 -> 3 -> 1)

	calls := 0
	compare := tree.conf.Compare
	tree.conf.Compare = func(key, value unsafe.Pointer) int {
		calls++
		return compare(key, value)
	}
	put(t, tree, 1, 2) // repeated Put on the same key should hit the previous-cache.

	// A descent from the root would compare against 5, 3 and 1; the
	// previous-cache hit compares once.
	if calls != 1 {
		t.Fatalf("Compare called %d times for a repeated Put, want 1 (previous-cache hit, no find)", calls)
	}
	if tree.Count() != 5 {
		t.Fatalf("Count() = %d, want 5", tree.Count())
	}
}

func TestFullTreeReturnsFullError(t *testing.T) {
	tree := newTestTree(t, 2)
	put(t, tree, 1, 1)
	put(t, tree, 2, 2)

	e := entry{key: 3, tag: 3}
	k := int64(3)
	if err := tree.Put(unsafe.Pointer(&e), unsafe.Pointer(&k)); !errors.Is(err, errs.ErrFull) {
		t.Fatalf("Put on full tree: want full, got %v", err)
	}
}
