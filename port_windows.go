package iocp

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// Completion is one notification dequeued from a [Port].
type Completion struct {
	// Errno is the Windows error code the request finished with.
	// A completion with a non-zero Errno still belongs to an operation
	// whose result can be retrieved.
	Errno uint32

	// Bytes is the number of bytes transferred.
	Bytes uint32

	// Key is the completion key the handle was registered with,
	// or the key passed to Post.
	Key uintptr

	// Overlapped is the completion record address. It is nil for
	// completions posted without an operation.
	Overlapped *windows.Overlapped

	// Operation owns Overlapped, if it is an operation of this package.
	Operation *Operation
}

// Err returns the completion's error code as an error, or nil.
func (c *Completion) Err() error {
	return newOpError("GetQueuedCompletionStatus", c.Errno)
}

// Port is an I/O completion port.
type Port struct {
	h      windows.Handle
	closed atomic.Bool
}

// CreateIoCompletionPort creates a completion port when existing is 0, or
// associates h with the existing port under key. It returns the port handle.
// Pass windows.InvalidHandle as h to create a port without associating a handle.
func CreateIoCompletionPort(h, existing windows.Handle, key uintptr, concurrency uint32) (windows.Handle, error) {
	port, err := windows.CreateIoCompletionPort(h, existing, key, concurrency)
	if err != nil {
		return 0, newOpError("CreateIoCompletionPort", errnoOf(err))
	}
	return port, nil
}

// NewPort creates a completion port that lets at most concurrency threads
// process completions at once. Zero means one per processor.
func NewPort(concurrency uint32) (*Port, error) {
	h, err := CreateIoCompletionPort(windows.InvalidHandle, 0, 0, concurrency)
	if err != nil {
		return nil, err
	}
	return &Port{h: h}, nil
}

// Handle returns the port's kernel handle.
func (p *Port) Handle() windows.Handle {
	return p.h
}

// Register associates h with the port. Completions of overlapped requests on h
// carry key. The association lasts as long as h is open and cannot be undone.
func (p *Port) Register(h windows.Handle, key uintptr) error {
	_, err := CreateIoCompletionPort(h, p.h, key, 0)
	return err
}

// Wait dequeues one completion, blocking for up to msecs milliseconds.
// Pass 0 to poll and Infinite to block until a completion arrives.
//
// On timeout, ok is false and err is nil. A timeout is never retried
// internally. A completion whose request failed is returned with ok true
// and a non-zero Errno.
func (p *Port) Wait(msecs uint32) (c Completion, ok bool, err error) {
	var o *windows.Overlapped
	werr := windows.GetQueuedCompletionStatus(p.h, &c.Bytes, &c.Key, &o, msecs)
	code := errnoOf(werr)

	if o == nil {
		switch code {
		case errnoWAIT_TIMEOUT:
			return Completion{}, false, nil
		case errnoERROR_SUCCESS:
			// Posted without an operation, e.g. a wakeup.
			return c, true, nil
		default:
			return Completion{}, false, newOpError("GetQueuedCompletionStatus", code)
		}
	}

	c.Errno = code
	c.Overlapped = o
	if op := operationFor(o); op != nil {
		c.Operation = op
		// The kernel is done with the record. The caller now holds the only
		// reference that matters.
		untrack(op)
	}
	return c, true, nil
}

// Post enqueues a synthetic completion. op may be nil to wake a waiter
// without reporting on any operation.
func (p *Port) Post(bytes uint32, key uintptr, op *Operation) error {
	var o *windows.Overlapped
	if op != nil {
		o = &op.o
		track(op)
	}
	if err := windows.PostQueuedCompletionStatus(p.h, bytes, key, o); err != nil {
		if op != nil {
			untrack(op)
		}
		return newOpError("PostQueuedCompletionStatus", errnoOf(err))
	}
	return nil
}

// Close closes the port handle. Goroutines blocked in Wait return an error.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return errors.New("iocp: port already closed")
	}
	return wrapSyscallError("CloseHandle", windows.CloseHandle(p.h))
}
