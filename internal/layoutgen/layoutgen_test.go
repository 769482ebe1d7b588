package layoutgen

import (
	"testing"
	"unsafe"
)

func TestAlignUp(t *testing.T) {
	cases := []struct {
		size, align, want uintptr
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{3, 4, 4},
	}
	for _, c := range cases {
		if got := AlignUp(c.size, c.align); got != c.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.size, c.align, got, c.want)
		}
	}
}

func TestAppendAccumulates(t *testing.T) {
	total := Desc{Align: 1}

	offA := Append(&total, Desc{Size: 3, Align: 1, Count: 1})
	if offA != 0 {
		t.Fatalf("first offset = %d, want 0", offA)
	}

	offB := Append(&total, Desc{Size: 8, Align: 8, Count: 1})
	if offB != 8 {
		t.Fatalf("second offset = %d, want 8 (aligned up from 3)", offB)
	}

	if total.Align != 8 {
		t.Fatalf("total.Align = %d, want 8 (max of component aligns)", total.Align)
	}
	if total.Size != 16 {
		t.Fatalf("total.Size = %d, want 16", total.Size)
	}
}

func TestDescValid(t *testing.T) {
	cases := []struct {
		d    Desc
		want bool
	}{
		{Desc{Size: 8, Align: 8, Count: 1}, true},
		{Desc{Size: 0, Align: 8, Count: 1}, false},
		{Desc{Size: 8, Align: 0, Count: 1}, false},
		{Desc{Size: 8, Align: 3, Count: 1}, false},
		{Desc{Size: 8, Align: 8, Count: 0}, false},
	}
	for _, c := range cases {
		if got := c.d.Valid(); got != c.want {
			t.Errorf("Desc(%+v).Valid() = %v, want %v", c.d, got, c.want)
		}
	}
}

func TestBuildLaysOutHeaderThenComponents(t *testing.T) {
	header := Desc{Size: 8, Align: 8, Count: 1}
	slots := Desc{Size: 16, Align: 8, Count: 4}

	mem, err := Build(header, []Desc{slots})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(mem.Components) != 2 {
		t.Fatalf("len(Components) = %d, want 2", len(mem.Components))
	}

	headerPtr := mem.Header()
	slotsPtr := mem.Components[1].Ptr
	if headerPtr != mem.Components[0].Ptr {
		t.Fatalf("Header() disagrees with Components[0].Ptr")
	}

	gotOffset := uintptr(slotsPtr) - uintptr(headerPtr)
	if gotOffset != 8 {
		t.Fatalf("slots offset = %d, want 8", gotOffset)
	}

	// Writable without faulting, and within the single backing region.
	*(*uint64)(headerPtr) = 0xdeadbeef
	for i := uintptr(0); i < slots.Count; i++ {
		p := unsafe.Add(slotsPtr, i*slots.Size)
		*(*uint64)(p) = uint64(i)
	}
	for i := uintptr(0); i < slots.Count; i++ {
		p := unsafe.Add(slotsPtr, i*slots.Size)
		if got := *(*uint64)(p); got != uint64(i) {
			t.Errorf("slot %d = %d, want %d", i, got, i)
		}
	}
}

func TestBuildRejectsInvalidDesc(t *testing.T) {
	header := Desc{Size: 8, Align: 8, Count: 1}
	if _, err := Build(header, []Desc{{Size: 0, Align: 8, Count: 1}}); err == nil {
		t.Fatal("Build with invalid component desc: want error, got nil")
	}
	if _, err := Build(Desc{}, nil); err == nil {
		t.Fatal("Build with invalid header desc: want error, got nil")
	}
}
