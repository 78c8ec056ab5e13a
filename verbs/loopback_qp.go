package verbs

import "fmt"

type loopQP struct {
	pd        *loopPD
	qpn       uint32
	state     QPState
	sendCQ    *loopCQ
	recvCQ    *loopCQ
	cap       QPCap
	signalAll bool
	access    AccessFlags

	remoteQPN uint32
	remoteGID GID

	recvQueue       []RecvRequest
	pendingNotify   []int
	sendOutstanding int
	unsignaledRun   int
	closed          bool
}

// loopTransfer is a one-sided operation waiting for its target to reach RTR.
type loopTransfer struct {
	qp       *loopQP
	req      SendRequest
	signaled bool
}

func (q *loopQP) fab() *Loopback { return q.pd.dev.fab }

func (q *loopQP) QPN() uint32 { return q.qpn }

func (q *loopQP) Cap() QPCap { return q.cap }

func (q *loopQP) State() QPState {
	q.fab().mu.Lock()
	defer q.fab().mu.Unlock()
	return q.state
}

func (q *loopQP) ModifyToInit(attr InitAttr) error {
	fab := q.fab()
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if q.closed {
		return ErrInvalidHandle{"queue pair"}
	}
	if q.state != QPStateReset {
		return fmt.Errorf("modify qp %s->%s: %w", q.state, QPStateInit, ErrInvalidState)
	}
	if err := fab.fault(StepModifyInit); err != nil {
		return err
	}
	if attr.Port == 0 || int(attr.Port) > loopbackDeviceAttr.PhysPortCount {
		return fmt.Errorf("%w: port %d", ErrInvalidAttr, attr.Port)
	}
	if attr.PKeyIndex != 0 {
		return fmt.Errorf("%w: pkey index %d", ErrInvalidAttr, attr.PKeyIndex)
	}
	q.access = attr.Access
	q.state = QPStateInit
	return nil
}

func (q *loopQP) ModifyToRTR(attr RTRAttr) error {
	fab := q.fab()
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if q.closed {
		return ErrInvalidHandle{"queue pair"}
	}
	if q.state != QPStateInit {
		return fmt.Errorf("modify qp %s->%s: %w", q.state, QPStateRTR, ErrInvalidState)
	}
	if err := fab.fault(StepModifyRTR); err != nil {
		return err
	}
	switch {
	case !attr.PathMTU.Valid() || attr.PathMTU > MTU4096:
		return fmt.Errorf("%w: path mtu %d", ErrInvalidAttr, attr.PathMTU)
	case attr.DestQPN == 0 || attr.DestQPN > MaxPSN:
		return fmt.Errorf("%w: dest qpn %d", ErrInvalidAttr, attr.DestQPN)
	case attr.RQPSN > MaxPSN:
		return fmt.Errorf("%w: rq psn %d", ErrInvalidAttr, attr.RQPSN)
	case int(attr.MaxDestRdAtomic) > loopbackDeviceAttr.MaxQPRdAtom:
		return fmt.Errorf("%w: max dest rd atomic %d", ErrInvalidAttr, attr.MaxDestRdAtomic)
	case attr.MinRNRTimer > 31:
		return fmt.Errorf("%w: min rnr timer %d", ErrInvalidAttr, attr.MinRNRTimer)
	case !attr.AH.IsGlobal:
		// loopback ports have no local identifiers
		return fmt.Errorf("%w: address handle requires global routing", ErrInvalidAttr)
	case attr.AH.DGID.IsZero():
		return fmt.Errorf("%w: zero destination gid", ErrInvalidAttr)
	}
	q.remoteQPN = attr.DestQPN
	q.remoteGID = attr.AH.DGID
	q.state = QPStateRTR

	pending := fab.inflight[:0]
	var ready []loopTransfer
	for _, t := range fab.inflight {
		if t.qp.remoteQPN == q.qpn {
			ready = append(ready, t)
			continue
		}
		pending = append(pending, t)
	}
	fab.inflight = pending
	for _, t := range ready {
		if t.qp.closed {
			continue
		}
		t.qp.complete(t.req, t.signaled, t.qp.execute(q, t.req))
	}
	return nil
}

func (q *loopQP) ModifyToRTS(attr RTSAttr) error {
	fab := q.fab()
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if q.closed {
		return ErrInvalidHandle{"queue pair"}
	}
	if q.state != QPStateRTR {
		return fmt.Errorf("modify qp %s->%s: %w", q.state, QPStateRTS, ErrInvalidState)
	}
	if err := fab.fault(StepModifyRTS); err != nil {
		return err
	}
	switch {
	case attr.SQPSN > MaxPSN:
		return fmt.Errorf("%w: sq psn %d", ErrInvalidAttr, attr.SQPSN)
	case attr.Timeout > 31:
		return fmt.Errorf("%w: timeout %d", ErrInvalidAttr, attr.Timeout)
	case attr.RetryCount > 7:
		return fmt.Errorf("%w: retry count %d", ErrInvalidAttr, attr.RetryCount)
	case attr.RNRRetry > 7:
		return fmt.Errorf("%w: rnr retry %d", ErrInvalidAttr, attr.RNRRetry)
	case int(attr.MaxRdAtomic) > loopbackDeviceAttr.MaxQPInitRdAtom:
		return fmt.Errorf("%w: max rd atomic %d", ErrInvalidAttr, attr.MaxRdAtomic)
	}
	q.state = QPStateRTS
	return nil
}

func (q *loopQP) PostRecv(req RecvRequest) error {
	fab := q.fab()
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if q.closed {
		return ErrInvalidHandle{"queue pair"}
	}
	if err := fab.fault(StepPostRecv); err != nil {
		return err
	}
	if q.state == QPStateReset {
		return fmt.Errorf("post recv in %s: %w", q.state, ErrInvalidState)
	}
	if err := checkSegment(req.Local); err != nil {
		return fmt.Errorf("post recv: %w", err)
	}
	if len(q.recvQueue) >= q.cap.MaxRecvWR {
		return fmt.Errorf("post recv: %w", ErrCapacityExceeded)
	}
	if q.state == QPStateError {
		q.recvCQ.push(loopEntry{wc: WorkCompletion{ID: req.ID, Status: WCWRFlushErr, Opcode: WCOpcodeRecv, QPN: q.qpn}})
		return nil
	}
	q.recvQueue = append(q.recvQueue, req)
	if len(q.pendingNotify) > 0 {
		n := q.pendingNotify[0]
		q.pendingNotify = q.pendingNotify[1:]
		q.notifyWrite(n)
	}
	return nil
}

func (q *loopQP) PostSend(req SendRequest) error {
	fab := q.fab()
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if q.closed {
		return ErrInvalidHandle{"queue pair"}
	}
	if err := fab.fault(StepPostSend); err != nil {
		return err
	}
	if q.state != QPStateRTS && q.state != QPStateError {
		return fmt.Errorf("post send in %s: %w", q.state, ErrInvalidState)
	}
	if err := checkSegment(req.Local); err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	if req.Opcode != OpcodeRDMARead && req.Opcode != OpcodeRDMAWrite {
		return fmt.Errorf("%w: opcode %s", ErrInvalidAttr, req.Opcode)
	}
	if q.sendOutstanding >= q.cap.MaxSendWR {
		return fmt.Errorf("post send: %w", ErrCapacityExceeded)
	}
	signaled := req.Signaled || q.signalAll
	q.sendOutstanding++
	if !signaled {
		q.unsignaledRun++
	}

	if q.state == QPStateError {
		q.complete(req, signaled, WCWRFlushErr)
		return nil
	}
	if status, ok := fab.wcFaults[req.Opcode]; ok {
		q.complete(req, signaled, status)
		return nil
	}
	target, ok := fab.qps[q.remoteQPN]
	if !ok || target.closed || target.pd.dev.gid != q.remoteGID {
		q.complete(req, signaled, WCRetryExcErr)
		return nil
	}
	if target.state == QPStateError {
		q.complete(req, signaled, WCRemOpErr)
		return nil
	}
	if target.state < QPStateRTR {
		fab.inflight = append(fab.inflight, loopTransfer{qp: q, req: req, signaled: signaled})
		return nil
	}
	q.complete(req, signaled, q.execute(target, req))
	return nil
}

// execute moves bytes between q's local segment and target's region. Caller holds the fabric lock.
func (q *loopQP) execute(target *loopQP, req SendRequest) WCStatus {
	local, ok := req.Local.Region.(*loopRegion)
	if !ok || local.closed || local.pd != q.pd {
		return WCLocProtErr
	}
	remote, ok := q.fab().regions[req.RKey]
	if !ok || remote.pd != target.pd {
		return WCRemAccessErr
	}
	n := uint64(req.Local.Length)
	if req.RemoteOffset > uint64(len(remote.buf)) || n > uint64(len(remote.buf))-req.RemoteOffset {
		return WCRemAccessErr
	}
	lo := req.Local.Offset
	ro := req.RemoteOffset
	switch req.Opcode {
	case OpcodeRDMARead:
		if !remote.access.Has(AccessRemoteRead) || !target.access.Has(AccessRemoteRead) {
			return WCRemAccessErr
		}
		if !local.access.Has(AccessLocalWrite) {
			return WCLocProtErr
		}
		copy(local.buf[lo:lo+req.Local.Length], remote.buf[ro:ro+n])
	case OpcodeRDMAWrite:
		if !remote.access.Has(AccessRemoteWrite) || !target.access.Has(AccessRemoteWrite) {
			return WCRemAccessErr
		}
		copy(remote.buf[ro:ro+n], local.buf[lo:lo+req.Local.Length])
		target.notifyWrite(req.Local.Length)
	}
	return WCSuccess
}

// notifyWrite consumes a posted receive when remote write notification is enabled. With
// no receive posted the notification waits for one, as an RNR retry would.
func (q *loopQP) notifyWrite(n int) {
	status := q.fab().notify
	if status == nil {
		return
	}
	if len(q.recvQueue) == 0 {
		q.pendingNotify = append(q.pendingNotify, n)
		return
	}
	recv := q.recvQueue[0]
	q.recvQueue = q.recvQueue[1:]
	q.recvCQ.push(loopEntry{wc: WorkCompletion{
		ID:      recv.ID,
		Status:  *status,
		Opcode:  WCOpcodeRecv,
		ByteLen: uint32(n),
		QPN:     q.qpn,
	}})
	if *status != WCSuccess {
		q.state = QPStateError
	}
}

// complete produces the initiator-side completion. Error completions are always
// generated, and move the queue pair to the error state.
func (q *loopQP) complete(req SendRequest, signaled bool, status WCStatus) {
	if !signaled && status == WCSuccess {
		return
	}
	retire := q.unsignaledRun
	if signaled {
		retire++
	}
	q.unsignaledRun = 0
	op := WCOpcodeRDMAWrite
	if req.Opcode == OpcodeRDMARead {
		op = WCOpcodeRDMARead
	}
	wc := WorkCompletion{ID: req.ID, Status: status, Opcode: op, QPN: q.qpn}
	if status == WCSuccess {
		wc.ByteLen = uint32(req.Local.Length)
	}
	q.sendCQ.push(loopEntry{wc: wc, qp: q, retire: retire})
	if status != WCSuccess {
		q.state = QPStateError
	}
}

func (q *loopQP) Close() error {
	if q == nil {
		return nil
	}
	fab := q.fab()
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	delete(fab.qps, q.qpn)
	pending := fab.inflight[:0]
	for _, t := range fab.inflight {
		if t.qp != q {
			pending = append(pending, t)
		}
	}
	fab.inflight = pending
	q.recvQueue = nil
	q.pendingNotify = nil
	q.pd.qps--
	q.sendCQ.qps--
	q.recvCQ.qps--
	fab.journal = append(fab.journal, StepDestroyQP)
	return nil
}
