package verbs

import "fmt"

// WCStatus is the status carried by a work completion, numbered as ibv_wc_status.
// A non-success status is usable as an error.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusText = [...]string{
	WCSuccess:        "success",
	WCLocLenErr:      "local length error",
	WCLocQPOpErr:     "local QP operation error",
	WCLocEECOpErr:    "local EE context operation error",
	WCLocProtErr:     "local protection error",
	WCWRFlushErr:     "Work Request Flushed Error",
	WCMWBindErr:      "memory management operation error",
	WCBadRespErr:     "bad response error",
	WCLocAccessErr:   "local access error",
	WCRemInvReqErr:   "remote invalid request error",
	WCRemAccessErr:   "remote access error",
	WCRemOpErr:       "remote operation error",
	WCRetryExcErr:    "transport retry counter exceeded",
	WCRNRRetryExcErr: "RNR retry counter exceeded",
	WCLocRDDViolErr:  "local RDD violation error",
	WCRemInvRDReqErr: "remote invalid RD request",
	WCRemAbortErr:    "aborted error",
	WCInvEECNErr:     "invalid EE context number",
	WCInvEECStateErr: "invalid EE context state",
	WCFatalErr:       "fatal error",
	WCRespTimeoutErr: "response timeout error",
	WCGeneralErr:     "general error",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusText) {
		return wcStatusText[s]
	}
	return fmt.Sprintf("wc_status(%d)", int(s))
}

func (s WCStatus) Error() string {
	return s.String()
}

// WCOpcode identifies the operation a completion belongs to.
type WCOpcode int

const (
	WCOpcodeSend WCOpcode = iota
	WCOpcodeRDMAWrite
	WCOpcodeRDMARead
	WCOpcodeRecv WCOpcode = 128
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpcodeSend:
		return "send"
	case WCOpcodeRDMAWrite:
		return "rdma_write"
	case WCOpcodeRDMARead:
		return "rdma_read"
	case WCOpcodeRecv:
		return "recv"
	default:
		return fmt.Sprintf("wc_opcode(%d)", int(o))
	}
}

// WorkCompletion is a single completion queue entry.
type WorkCompletion struct {
	ID        uint64
	Status    WCStatus
	Opcode    WCOpcode
	ByteLen   uint32
	QPN       uint32
	VendorErr uint32
}
