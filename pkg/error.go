package pkg

import "errors"

// Streaming engine errors.
var (
	// ErrTimeout indicates a wait expired before the condition was met.
	ErrTimeout = errors.New("timeout")

	// ErrWouldBlock indicates a non-blocking wait found nothing to consume.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTransport indicates the underlying transport faulted.
	ErrTransport = errors.New("transport failure")

	// ErrIO indicates the transport refused a request such as DMA registration.
	ErrIO = errors.New("i/o error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrProtocol indicates a protocol inconsistency reported by hardware.
	ErrProtocol = errors.New("protocol error")

	// ErrNoMemory indicates buffer memory could not be allocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidState indicates a slot or stream was not in the expected state.
	ErrInvalidState = errors.New("invalid state")

	// ErrClosed indicates the object was closed while in use.
	ErrClosed = errors.New("closed")

	// ErrNotSupported indicates an unsupported operation or platform.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates the engine is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the engine is not running.
	ErrNotRunning = errors.New("not running")
)

// IsRecoverable reports whether err leaves the stream usable. Timeouts,
// empty non-blocking waits and locally recovered protocol glitches are
// recoverable; everything else requires deinitialization.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, ErrProtocol)
}

// TransferStatus represents the completion status of a single transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusNoDevice                        // Device went away
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusNoDevice:
		return "no-device"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusNoDevice:
		return ErrNoDevice
	default:
		return ErrProtocol
	}
}

// Fatal reports whether a transfer completing with this status must not be
// resubmitted.
func (s TransferStatus) Fatal() bool {
	return s == TransferStatusStall || s == TransferStatusNoDevice
}
