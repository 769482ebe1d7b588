// Package layoutgen plans the byte layout of a single composite allocation
// built from several fixed-size, fixed-alignment components (a header
// struct followed by one or more arrays of objects) and then carves that
// one allocation into typed component pointers. It is the Go analogue of
// appending field descriptors to a running struct layout by hand, the way a
// C library computes offsets before a single malloc.
package layoutgen

import (
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/errs"
)

// Desc describes one component of a composite layout: Count contiguous
// elements of Size bytes each, the whole run aligned to Align bytes. Align
// must be a power of two; Size and Count must be nonzero.
type Desc struct {
	Size  uintptr
	Align uintptr
	Count uintptr
}

// Valid reports whether d is usable as a layout component.
func (d Desc) Valid() bool {
	if d.Size == 0 || d.Count == 0 || d.Align == 0 {
		return false
	}
	return d.Align&(d.Align-1) == 0
}

// Bytes returns the total byte span of Count elements of Size.
func (d Desc) Bytes() uintptr {
	return d.Size * d.Count
}

// AlignUp rounds size up to the next multiple of align. align must be a
// power of two.
func AlignUp(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}

// Append grows base to additionally hold add, immediately after base's
// current extent, respecting add's alignment. base.Size becomes the new
// total extent, base.Align becomes the stricter (larger) of the two alignments
// (mirroring how a composite struct's alignment is the max of its fields'),
// and the offset add lands at, relative to the start of the whole
// layout, is returned. base.Count is left untouched; it is meaningless
// for the running "total so far" descriptor Append accumulates into.
func Append(base *Desc, add Desc) uintptr {
	offset := AlignUp(base.Size, add.Align)
	base.Size = offset + add.Bytes()
	if add.Align > base.Align {
		base.Align = add.Align
	}
	return offset
}

// Component is one named region of a built Memory: a pointer to where it
// begins and the descriptor it was built from.
type Component struct {
	Ptr  unsafe.Pointer
	Desc Desc
}

// Memory is a single backing allocation carved into an ordered list of
// Components. Component 0 is always the header, per Build.
type Memory struct {
	Components []Component
	raw        []byte
}

// Header returns the pointer to Memory's header component (Component 0).
func (m *Memory) Header() unsafe.Pointer {
	return m.Components[0].Ptr
}

// Build allocates one backing region sized to hold headerDesc followed by
// each of descs in order, aligned according to each descriptor's own
// alignment, and returns the Memory view over it. This is a single `make`
// doing the work of the original's one aligned malloc: Go slices are the
// idiomatic vehicle for "one owned allocation, many logical sub-regions"
// the same way a bump arena treats its backing buffer.
func Build(headerDesc Desc, descs []Desc) (*Memory, error) {
	if !headerDesc.Valid() {
		return nil, errs.New("layoutgen.Build", errs.Argument, nil)
	}
	for _, d := range descs {
		if !d.Valid() {
			return nil, errs.New("layoutgen.Build", errs.Argument, nil)
		}
	}

	total := Desc{Align: 1}
	offsets := make([]uintptr, len(descs)+1)
	offsets[0] = Append(&total, headerDesc)
	for i, d := range descs {
		offsets[i+1] = Append(&total, d)
	}

	// make gives no alignment guarantee for a byte slice, so over-allocate
	// by total.Align-1 and start the layout at the first total.Align
	// boundary inside it.
	raw := make([]byte, AlignUp(total.Size, total.Align)+total.Align-1)
	base := unsafe.Pointer(&raw[0])
	base = unsafe.Add(base, AlignUp(uintptr(base), total.Align)-uintptr(base))

	components := make([]Component, 0, len(descs)+1)
	components = append(components, Component{
		Ptr:  unsafe.Add(base, offsets[0]),
		Desc: headerDesc,
	})
	for i, d := range descs {
		components = append(components, Component{
			Ptr:  unsafe.Add(base, offsets[i+1]),
			Desc: d,
		})
	}

	return &Memory{Components: components, raw: raw}, nil
}

// Free drops Memory's reference to its backing allocation. Unlike the
// mmap'd regions the slab allocator itself hands out, a layoutgen.Memory is
// plain GC-managed memory, so there is no unmap step; the garbage
// collector reclaims it once nothing references raw or any Component.Ptr
// derived from it.
func (m *Memory) Free() {
	m.Components = nil
	m.raw = nil
}
