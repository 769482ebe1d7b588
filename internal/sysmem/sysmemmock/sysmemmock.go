// Package sysmemmock is a hand-authored mock of internal/sysmem.Mapper in
// the shape go.uber.org/mock's mockgen would generate for that interface.
// It exists so the slab allocator's OS-mapping failure paths and slab
// retirement bookkeeping (unmap call counting) can be driven
// deterministically in tests without touching the real OS address space.
package sysmemmock

import (
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockMapper is a mock of the sysmem.Mapper interface.
type MockMapper struct {
	ctrl     *gomock.Controller
	recorder *MockMapperMockRecorder
}

// MockMapperMockRecorder is the mock recorder for MockMapper.
type MockMapperMockRecorder struct {
	mock *MockMapper
}

// NewMockMapper creates a new mock instance.
func NewMockMapper(ctrl *gomock.Controller) *MockMapper {
	mock := &MockMapper{ctrl: ctrl}
	mock.recorder = &MockMapperMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockMapper) EXPECT() *MockMapperMockRecorder {
	return m.recorder
}

// Map mocks base method.
func (m *MockMapper) Map(length uintptr) ([]byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Map", length)
	ret0, _ := ret[0].([]byte)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Map indicates an expected call of Map.
func (mr *MockMapperMockRecorder) Map(length any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Map", reflect.TypeOf((*MockMapper)(nil).Map), length)
}

// Unmap mocks base method.
func (m *MockMapper) Unmap(b []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Unmap", b)
	ret0, _ := ret[0].(error)
	return ret0
}

// Unmap indicates an expected call of Unmap.
func (mr *MockMapperMockRecorder) Unmap(b any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Unmap", reflect.TypeOf((*MockMapper)(nil).Unmap), b)
}

// PageSize mocks base method.
func (m *MockMapper) PageSize() uintptr {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "PageSize")
	ret0, _ := ret[0].(uintptr)
	return ret0
}

// PageSize indicates an expected call of PageSize.
func (mr *MockMapperMockRecorder) PageSize() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "PageSize", reflect.TypeOf((*MockMapper)(nil).PageSize))
}
