package verbs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCompletion indicates that the completion queue had no entries.
	ErrNoCompletion = errors.New("rdmaxchg verbs: no completion available")
	// ErrDeviceNotFound indicates that no device matched the requested name.
	ErrDeviceNotFound = errors.New("rdmaxchg verbs: device not found")
	// ErrNotSupported indicates that the provider is not compiled into this binary.
	ErrNotSupported = errors.New("rdmaxchg verbs: provider not supported in this build")
	// ErrInvalidState indicates that the queue pair is not in a state that permits the request.
	ErrInvalidState = errors.New("rdmaxchg verbs: invalid queue pair state")
	// ErrInvalidAttr indicates that an attribute set was rejected.
	ErrInvalidAttr = errors.New("rdmaxchg verbs: invalid attribute")
	// ErrCapacityExceeded indicates that a work queue has no free slots.
	ErrCapacityExceeded = errors.New("rdmaxchg verbs: work queue capacity exceeded")
	// ErrOutOfRange indicates that a segment falls outside its memory region.
	ErrOutOfRange = errors.New("rdmaxchg verbs: segment outside memory region")
	// ErrBusy indicates that a resource still has dependent resources attached.
	ErrBusy = errors.New("rdmaxchg verbs: resource busy")
	// ErrCQOverrun indicates that the completion queue overflowed and lost entries.
	ErrCQOverrun = errors.New("rdmaxchg verbs: completion queue overrun")
	// ErrPortNotActive indicates that the selected port is not in the active state.
	ErrPortNotActive = errors.New("rdmaxchg verbs: port not active")
)

// ErrInvalidHandle reports use of a closed or nil resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return fmt.Sprintf("invalid or closed %s handle", e.Resource)
}
