package iocp

import (
	"errors"
	"strconv"
	"syscall"
)

// Windows error codes the operation state machine cares about.
// They are defined here so that classification stays usable on every platform.
const (
	errnoERROR_SUCCESS            = 0
	errnoERROR_HANDLE_EOF         = 38
	errnoERROR_NETNAME_DELETED    = 64
	errnoERROR_BROKEN_PIPE        = 109
	errnoERROR_MORE_DATA          = 234
	errnoWAIT_TIMEOUT             = 258
	errnoERROR_OPERATION_ABORTED  = 995
	errnoERROR_IO_INCOMPLETE      = 996
	errnoERROR_IO_PENDING         = 997
	errnoERROR_NOT_FOUND          = 1168
	errnoERROR_CONNECTION_REFUSED = 1225
	errnoERROR_CONNECTION_ABORTED = 1236
	errnoWSAEINVAL                = 10022
	errnoWSAECONNABORTED          = 10053
	errnoWSAECONNRESET            = 10054
	errnoWSAECONNREFUSED          = 10061
)

var (
	ErrAlreadyAttempted = errors.New("operation already attempted")
	ErrNotAttempted     = errors.New("operation not yet attempted")
	ErrNotStarted       = errors.New("operation failed to start")
	ErrStillPending     = errors.New("operation is still pending")
	ErrBufferTooLarge   = errors.New("buffer too large")
	ErrClosed           = errors.New("use of closed operation")

	// ErrPendingAtClose is returned by Operation.Close when the kernel could not
	// confirm that the operation finished. The operation stays reachable so the
	// kernel never writes to freed memory.
	ErrPendingAtClose = errors.New("operation still pending at close, the process may crash")
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionAborted = errors.New("connection aborted")
	ErrConnectionReset   = errors.New("connection reset")
	ErrBrokenPipe        = errors.New("broken pipe")
	ErrOperationAborted  = errors.New("operation aborted")
	ErrNotFound          = errors.New("operation not found")
	ErrTimeout           = errors.New("wait timed out")
)

// ErrorKind classifies a platform error code.
type ErrorKind uint8

const (
	// KindOSError is the catch-all for codes without a more specific meaning.
	KindOSError ErrorKind = iota
	KindSuccess
	KindPending
	KindTimeout
	KindStillPending
	KindPeerClosed
	KindCancelled
	KindNotFound
	KindConnectionRefused
	KindConnectionAborted
	KindConnectionReset
)

var errorKindNames = [...]string{
	KindOSError:           "os error",
	KindSuccess:           "success",
	KindPending:           "pending",
	KindTimeout:           "timeout",
	KindStillPending:      "still pending",
	KindPeerClosed:        "peer closed",
	KindCancelled:         "cancelled",
	KindNotFound:          "not found",
	KindConnectionRefused: "connection refused",
	KindConnectionAborted: "connection aborted",
	KindConnectionReset:   "connection reset",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "ErrorKind(" + strconv.Itoa(int(k)) + ")"
}

// sentinel returns the package error that errors.Is matches for this kind,
// or nil when the kind has no sentinel.
func (k ErrorKind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindStillPending:
		return ErrStillPending
	case KindPeerClosed:
		return ErrBrokenPipe
	case KindCancelled:
		return ErrOperationAborted
	case KindNotFound:
		return ErrNotFound
	case KindConnectionRefused:
		return ErrConnectionRefused
	case KindConnectionAborted:
		return ErrConnectionAborted
	case KindConnectionReset:
		return ErrConnectionReset
	}
	return nil
}

// Classify maps a raw Windows error code to its [ErrorKind].
// It is a pure table lookup and does not depend on any handle state.
func Classify(code uint32) ErrorKind {
	switch code {
	case errnoERROR_SUCCESS, errnoERROR_MORE_DATA:
		return KindSuccess
	case errnoERROR_IO_PENDING:
		return KindPending
	case errnoWAIT_TIMEOUT:
		return KindTimeout
	case errnoERROR_IO_INCOMPLETE:
		return KindStillPending
	case errnoERROR_BROKEN_PIPE, errnoERROR_HANDLE_EOF:
		return KindPeerClosed
	case errnoERROR_OPERATION_ABORTED:
		return KindCancelled
	case errnoERROR_NOT_FOUND:
		return KindNotFound
	case errnoERROR_CONNECTION_REFUSED, errnoWSAECONNREFUSED:
		return KindConnectionRefused
	case errnoERROR_CONNECTION_ABORTED, errnoWSAECONNABORTED:
		return KindConnectionAborted
	case errnoERROR_NETNAME_DELETED, errnoWSAECONNRESET:
		return KindConnectionReset
	}
	return KindOSError
}

// OpError is a kernel error raised by one of the package's operations.
// It carries the raw platform code for diagnostics.
type OpError struct {
	// Op is the name of the system call that failed, e.g. "WSARecv".
	Op string

	// Code is the raw Windows error code.
	Code uint32

	// Kind is Classify(Code).
	Kind ErrorKind
}

// newOpError returns nil for codes that classify as success.
func newOpError(op string, code uint32) error {
	kind := Classify(code)
	if kind == KindSuccess {
		return nil
	}
	return &OpError{Op: op, Code: code, Kind: kind}
}

func (e *OpError) Error() string {
	return e.Op + ": " + syscall.Errno(e.Code).Error()
}

// Unwrap returns the kind's sentinel error, if any, followed by the raw
// syscall.Errno, so that both can be matched with errors.Is.
func (e *OpError) Unwrap() []error {
	errno := syscall.Errno(e.Code)
	if s := e.Kind.sentinel(); s != nil {
		return []error{s, errno}
	}
	return []error{errno}
}

// Timeout reports whether the error is a wait timeout.
func (e *OpError) Timeout() bool {
	return e.Kind == KindTimeout
}

// Temporary reports whether retrying the same call later may succeed.
func (e *OpError) Temporary() bool {
	return e.Kind == KindTimeout || e.Kind == KindStillPending
}

// KindOf returns the [ErrorKind] of err. Errors that are neither an *OpError
// nor a syscall.Errno classify as KindOSError, and nil as KindSuccess.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindSuccess
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return Classify(uint32(errno))
	}
	return KindOSError
}
