//go:build unix

package sysmem

import (
	"sync"

	"golang.org/x/sys/unix"
)

type unixMapper struct {
	pageSizeOnce sync.Once
	pageSize     uintptr
}

func newUnixMapper() Mapper {
	return &unixMapper{}
}

func (m *unixMapper) Map(length uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *unixMapper) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

func (m *unixMapper) PageSize() uintptr {
	m.pageSizeOnce.Do(func() {
		m.pageSize = uintptr(unix.Getpagesize())
	})
	return m.pageSize
}
