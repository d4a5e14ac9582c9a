package ioreq

import "errors"

var (
	// Caller errors.
	ErrInvalidClient    = errors.New("ioreq: invalid client id")
	ErrInvalidRange     = errors.New("ioreq: range end precedes start")
	ErrInvalidVM        = errors.New("ioreq: invalid virtual machine")
	ErrFallbackExists   = errors.New("ioreq: virtual machine already has a fallback client")
	ErrClientHasWorker  = errors.New("ioreq: client runs its own worker")
	ErrBadBuffer        = errors.New("ioreq: request buffer must be one aligned page")
	ErrBufferBound      = errors.New("ioreq: request buffer already bound")
	ErrBufferNotBound   = errors.New("ioreq: request buffer not bound")
	ErrInvalidSlot      = errors.New("ioreq: request slot out of range")
	ErrClientDestroying = errors.New("ioreq: client is being destroyed")

	// Resource exhaustion.
	ErrOutOfSlots = errors.New("ioreq: no free client slot")

	// Privileged-layer failures.
	ErrRegisterBuffer = errors.New("ioreq: register request buffer")
	ErrNotifyFailed   = errors.New("ioreq: notify request finished")
)
