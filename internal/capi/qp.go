//go:build cgo && rdma_hw

package capi

/*
#cgo LDFLAGS: -libverbs
#include <string.h>
#include <infiniband/verbs.h>

static int rx_post_recv(struct ibv_qp *qp, uint64_t id, uint64_t addr, uint32_t length, uint32_t lkey) {
	struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
	struct ibv_recv_wr wr;
	struct ibv_recv_wr *bad = NULL;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	return ibv_post_recv(qp, &wr, &bad);
}

static int rx_post_rdma(struct ibv_qp *qp, uint64_t id, int opcode, uint64_t addr, uint32_t length,
		uint32_t lkey, uint64_t remote_addr, uint32_t rkey, int signaled) {
	struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
	struct ibv_send_wr wr;
	struct ibv_send_wr *bad = NULL;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = opcode;
	wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
	wr.wr.rdma.remote_addr = remote_addr;
	wr.wr.rdma.rkey = rkey;
	return ibv_post_send(qp, &wr, &bad);
}
*/
import "C"

import "unsafe"

// Work request opcodes accepted by PostRDMA.
const (
	OpRDMAWrite = int(C.IBV_WR_RDMA_WRITE)
	OpRDMARead  = int(C.IBV_WR_RDMA_READ)
)

// QPCap mirrors ibv_qp_cap.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
}

// RTRParams carries the Init -> RTR attribute set.
type RTRParams struct {
	PathMTU         int
	DestQPN         uint32
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	IsGlobal        bool
	DGID            [16]byte
	SGIDIndex       uint8
	HopLimit        uint8
	TrafficClass    uint8
	FlowLabel       uint32
	DLID            uint16
	SL              uint8
	Port            uint8
}

// RTSParams carries the RTR -> RTS attribute set.
type RTSParams struct {
	SQPSN       uint32
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	MaxRdAtomic uint8
}

// QP wraps an ibv_qp handle.
type QP struct {
	ptr *C.struct_ibv_qp
}

// CreateRCQP creates a reliable connected queue pair. The returned capacity is the one
// granted by the provider, which may exceed the request.
func (p *PD) CreateRCQP(send, recv *CQ, cap QPCap, signalAll bool) (*QP, QPCap, error) {
	if p == nil || p.ptr == nil || send == nil || send.ptr == nil || recv == nil || recv.ptr == nil {
		return nil, QPCap{}, ErrInvalid.WithOp("ibv_create_qp")
	}
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = send.ptr
	attr.recv_cq = recv.ptr
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = C.uint32_t(cap.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(cap.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(cap.MaxSendSGE)
	attr.cap.max_recv_sge = C.uint32_t(cap.MaxRecvSGE)
	if signalAll {
		attr.sq_sig_all = 1
	}
	qp, err := C.ibv_create_qp(p.ptr, &attr)
	if qp == nil {
		return nil, QPCap{}, ErrorFromErrno(err, "ibv_create_qp")
	}
	granted := QPCap{
		MaxSendWR:  int(attr.cap.max_send_wr),
		MaxRecvWR:  int(attr.cap.max_recv_wr),
		MaxSendSGE: int(attr.cap.max_send_sge),
		MaxRecvSGE: int(attr.cap.max_recv_sge),
	}
	return &QP{ptr: qp}, granted, nil
}

// Num returns the queue pair number.
func (q *QP) Num() uint32 {
	if q == nil || q.ptr == nil {
		return 0
	}
	return uint32(q.ptr.qp_num)
}

// State returns the cached ibv_qp_state value.
func (q *QP) State() int {
	if q == nil || q.ptr == nil {
		return 0
	}
	return int(q.ptr.state)
}

// ModifyToInit moves the queue pair from RESET to INIT.
func (q *QP) ModifyToInit(port uint8, pkeyIndex uint16, access int) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_modify_qp(INIT)")
	}
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.port_num = C.uint8_t(port)
	attr.pkey_index = C.uint16_t(pkeyIndex)
	attr.qp_access_flags = C.uint(access)
	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	return ErrorFromStatus(int(C.ibv_modify_qp(q.ptr, &attr, C.int(mask))), "ibv_modify_qp(INIT)")
}

// ModifyToRTR moves the queue pair from INIT to RTR.
func (q *QP) ModifyToRTR(p RTRParams) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_modify_qp(RTR)")
	}
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = uint32(p.PathMTU)
	attr.dest_qp_num = C.uint32_t(p.DestQPN)
	attr.rq_psn = C.uint32_t(p.RQPSN)
	attr.max_dest_rd_atomic = C.uint8_t(p.MaxDestRdAtomic)
	attr.min_rnr_timer = C.uint8_t(p.MinRNRTimer)
	attr.ah_attr.dlid = C.uint16_t(p.DLID)
	attr.ah_attr.sl = C.uint8_t(p.SL)
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.port_num = C.uint8_t(p.Port)
	if p.IsGlobal {
		attr.ah_attr.is_global = 1
		attr.ah_attr.grh.dgid = p.DGID
		attr.ah_attr.grh.sgid_index = C.uint8_t(p.SGIDIndex)
		attr.ah_attr.grh.hop_limit = C.uint8_t(p.HopLimit)
		attr.ah_attr.grh.traffic_class = C.uint8_t(p.TrafficClass)
		attr.ah_attr.grh.flow_label = C.uint32_t(p.FlowLabel)
	}
	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	return ErrorFromStatus(int(C.ibv_modify_qp(q.ptr, &attr, C.int(mask))), "ibv_modify_qp(RTR)")
}

// ModifyToRTS moves the queue pair from RTR to RTS.
func (q *QP) ModifyToRTS(p RTSParams) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_modify_qp(RTS)")
	}
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.sq_psn = C.uint32_t(p.SQPSN)
	attr.timeout = C.uint8_t(p.Timeout)
	attr.retry_cnt = C.uint8_t(p.RetryCount)
	attr.rnr_retry = C.uint8_t(p.RNRRetry)
	attr.max_rd_atomic = C.uint8_t(p.MaxRdAtomic)
	mask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY |
		C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	return ErrorFromStatus(int(C.ibv_modify_qp(q.ptr, &attr, C.int(mask))), "ibv_modify_qp(RTS)")
}

// PostRecv posts a single-segment receive work request.
func (q *QP) PostRecv(id uint64, addr unsafe.Pointer, length int, lkey uint32) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_post_recv")
	}
	rc := C.rx_post_recv(q.ptr, C.uint64_t(id), C.uint64_t(uintptr(addr)), C.uint32_t(length), C.uint32_t(lkey))
	return ErrorFromStatus(int(rc), "ibv_post_recv")
}

// PostRDMA posts a single-segment RDMA read or write. remoteAddr is interpreted in the
// remote region's I/O virtual address space.
func (q *QP) PostRDMA(id uint64, opcode int, addr unsafe.Pointer, length int, lkey uint32, remoteAddr uint64, rkey uint32, signaled bool) error {
	if q == nil || q.ptr == nil {
		return ErrInvalid.WithOp("ibv_post_send")
	}
	sig := C.int(0)
	if signaled {
		sig = 1
	}
	rc := C.rx_post_rdma(q.ptr, C.uint64_t(id), C.int(opcode), C.uint64_t(uintptr(addr)), C.uint32_t(length),
		C.uint32_t(lkey), C.uint64_t(remoteAddr), C.uint32_t(rkey), sig)
	return ErrorFromStatus(int(rc), "ibv_post_send")
}

// Close destroys the queue pair.
func (q *QP) Close() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if err := ErrorFromStatus(int(C.ibv_destroy_qp(q.ptr)), "ibv_destroy_qp"); err != nil {
		return err
	}
	q.ptr = nil
	return nil
}
