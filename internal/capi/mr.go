//go:build cgo && rdma_hw

package capi

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>

static struct ibv_mr *rx_reg_mr_iova(struct ibv_pd *pd, void *addr, size_t length, uint64_t iova, int access) {
	return ibv_reg_mr_iova(pd, addr, length, iova, access);
}
*/
import "C"

import "unsafe"

// Access flags accepted by RegisterZeroBased and ModifyToInit.
const (
	AccessLocalWrite  = int(C.IBV_ACCESS_LOCAL_WRITE)
	AccessRemoteWrite = int(C.IBV_ACCESS_REMOTE_WRITE)
	AccessRemoteRead  = int(C.IBV_ACCESS_REMOTE_READ)
)

// PD wraps an ibv_pd handle.
type PD struct {
	ptr *C.struct_ibv_pd
}

// AllocPD allocates a protection domain.
func (c *Context) AllocPD() (*PD, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_alloc_pd")
	}
	pd, err := C.ibv_alloc_pd(c.ptr)
	if pd == nil {
		return nil, ErrorFromErrno(err, "ibv_alloc_pd")
	}
	return &PD{ptr: pd}, nil
}

// Close deallocates the protection domain.
func (p *PD) Close() error {
	if p == nil || p.ptr == nil {
		return nil
	}
	if err := ErrorFromStatus(int(C.ibv_dealloc_pd(p.ptr)), "ibv_dealloc_pd"); err != nil {
		return err
	}
	p.ptr = nil
	return nil
}

// MR wraps an ibv_mr handle.
type MR struct {
	ptr *C.struct_ibv_mr
}

// RegisterZeroBased registers length bytes at addr with an I/O virtual address of zero,
// so remote work requests address the region by offset. addr must not point into
// Go-managed memory.
func (p *PD) RegisterZeroBased(addr unsafe.Pointer, length int, access int) (*MR, error) {
	if p == nil || p.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_reg_mr_iova")
	}
	if addr == nil || length <= 0 {
		return nil, ErrInvalid.WithOp("ibv_reg_mr_iova")
	}
	mr, err := C.rx_reg_mr_iova(p.ptr, addr, C.size_t(length), 0, C.int(access))
	if mr == nil {
		return nil, ErrorFromErrno(err, "ibv_reg_mr_iova")
	}
	return &MR{ptr: mr}, nil
}

// LKey returns the local key.
func (m *MR) LKey() uint32 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint32(m.ptr.lkey)
}

// RKey returns the remote key.
func (m *MR) RKey() uint32 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint32(m.ptr.rkey)
}

// Close deregisters the memory region.
func (m *MR) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	if err := ErrorFromStatus(int(C.ibv_dereg_mr(m.ptr)), "ibv_dereg_mr"); err != nil {
		return err
	}
	m.ptr = nil
	return nil
}
