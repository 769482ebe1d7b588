// Package freelist implements an intrusive, singly linked LIFO free list
// over a caller-owned region of fixed-size slots. "Intrusive" means the
// list's own links live inside the first pointer-sized word of each free
// slot: there is no separate node allocation, so Alloc and Free are O(1),
// Init is linear in the slot count, and none of them costs extra memory
// beyond the slots themselves.
//
// List carries no synchronization of its own. Per the allocator's
// concurrency model, that is always the job of whichever component owns a
// given List (a single thread's active batch, or the central store under
// its mutex), never the list itself.
package freelist

import (
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/layoutgen"
)

// List is a LIFO free list threaded through slots of Stride bytes each.
type List struct {
	head   unsafe.Pointer
	count  uintptr
	stride uintptr
}

func slotNext(p unsafe.Pointer) *unsafe.Pointer {
	return (*unsafe.Pointer)(p)
}

// Init threads every slot of component into one free chain. Stride must be
// at least the size of a pointer; neither Init nor layoutgen.Desc.Valid
// checks this.
func Init(component layoutgen.Component) List {
	l := List{stride: component.Desc.Size}
	base := component.Ptr
	count := component.Desc.Count

	var head unsafe.Pointer
	for i := uintptr(0); i < count; i++ {
		slot := unsafe.Add(base, i*l.stride)
		*slotNext(slot) = head
		head = slot
	}
	l.head = head
	l.count = count
	return l
}

// Len reports the number of slots currently held by the list.
func (l *List) Len() uintptr {
	return l.count
}

// Alloc pops and returns the head slot, or nil if the list is empty.
func (l *List) Alloc() unsafe.Pointer {
	if l.head == nil {
		return nil
	}
	slot := l.head
	l.head = *slotNext(slot)
	l.count--
	return slot
}

// Free pushes p back onto the list as the new head.
func (l *List) Free(p unsafe.Pointer) {
	*slotNext(p) = l.head
	l.head = p
	l.count++
}
