package verbs

//go:generate go tool stringer -type=QPState -trimprefix=QPState

// QPState is the lifecycle state of a queue pair, numbered as ibv_qp_state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateError
)
