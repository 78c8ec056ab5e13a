//go:build cgo && rdma_hw

package capi

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>

static int rx_poll_one(struct ibv_cq *cq, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, 1, wc);
}
*/
import "C"

// CQ wraps an ibv_cq handle created without a completion channel.
type CQ struct {
	ptr *C.struct_ibv_cq
}

// WC mirrors the fields of ibv_wc consumed by the Go layer.
type WC struct {
	ID        uint64
	Status    int
	Opcode    int
	ByteLen   uint32
	QPN       uint32
	VendorErr uint32
}

// CreateCQ creates a completion queue with at least depth entries.
func (c *Context) CreateCQ(depth int) (*CQ, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("ibv_create_cq")
	}
	cq, err := C.ibv_create_cq(c.ptr, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, ErrorFromErrno(err, "ibv_create_cq")
	}
	return &CQ{ptr: cq}, nil
}

// Depth reports the number of entries actually allocated.
func (q *CQ) Depth() int {
	if q == nil || q.ptr == nil {
		return 0
	}
	return int(q.ptr.cqe)
}

// Poll reads at most one completion. ok is false when the queue is empty.
func (q *CQ) Poll() (wc WC, ok bool, err error) {
	if q == nil || q.ptr == nil {
		return WC{}, false, ErrInvalid.WithOp("ibv_poll_cq")
	}
	var entry C.struct_ibv_wc
	n := C.rx_poll_one(q.ptr, &entry)
	if n < 0 {
		return WC{}, false, ErrorFromStatus(int(n), "ibv_poll_cq")
	}
	if n == 0 {
		return WC{}, false, nil
	}
	return WC{
		ID:        uint64(entry.wr_id),
		Status:    int(entry.status),
		Opcode:    int(entry.opcode),
		ByteLen:   uint32(entry.byte_len),
		QPN:       uint32(entry.qp_num),
		VendorErr: uint32(entry.vendor_err),
	}, true, nil
}

// Close destroys the completion queue.
func (q *CQ) Close() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if err := ErrorFromStatus(int(C.ibv_destroy_cq(q.ptr)), "ibv_destroy_cq"); err != nil {
		return err
	}
	q.ptr = nil
	return nil
}
