package iocp

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/database64128/iocp-go/winsock2"
	"golang.org/x/sys/windows"
)

// statusPending is the value of Overlapped.Internal while the kernel
// is still working on the request.
const statusPending = 0x103

// acceptAddrLen is the room AcceptEx needs for one endpoint record.
const acceptAddrLen = SizeofSockaddrInet6 + 16

// Result is what a completed operation hands over.
type Result struct {
	// N is the number of bytes transferred.
	N int

	// Buffer holds the received bytes of a read, truncated to N.
	// Ownership passes to the caller. It is nil for every other kind.
	Buffer []byte
}

// Operation wraps one kernel completion record and the buffers of the single
// overlapped request it carries.
//
// A zero Operation is not usable; create one with [NewOperation]. Exactly one
// start method may be called. The result is retrieved with [Operation.GetResult]
// once the kernel reports completion, either through a [Port] or by waiting.
// Call [Operation.Close] when done.
type Operation struct {
	// Must be the first field: completions are mapped back by its address.
	o windows.Overlapped

	caps *Capabilities

	mu        sync.Mutex
	handle    windows.Handle
	kind      Kind
	errno     uint32
	ownsEvent bool
	closed    bool

	// done is set once the kernel outcome has been observed.
	done   bool
	result Result
	resErr error

	// Kind-specific payload, guarded by kind.
	readBuf  []byte // KindRead, KindAccept
	writeBuf []byte // KindWrite, KindConnect, borrowed from the caller
	sockaddr []byte // KindConnect
	wsabuf   windows.WSABuf
	flags    uint32
}

// NewOperation returns an operation with its own manual-reset event.
func NewOperation(caps *Capabilities) (*Operation, error) {
	if caps == nil {
		return nil, ErrCapabilityUnavailable
	}
	event, err := winsock2.WSACreateEvent()
	if err != nil {
		return nil, wrapSyscallError("WSACreateEvent", err)
	}
	op := &Operation{caps: caps, ownsEvent: true}
	op.o.HEvent = event
	runtime.SetFinalizer(op, (*Operation).Close)
	return op, nil
}

// NewOperationWithEvent returns an operation that signals event on completion.
// Pass 0 for no event, which is what operations that are only ever waited on
// through a completion port want. The caller keeps ownership of event.
func NewOperationWithEvent(caps *Capabilities, event windows.Handle) (*Operation, error) {
	if caps == nil {
		return nil, ErrCapabilityUnavailable
	}
	op := &Operation{caps: caps}
	op.o.HEvent = event
	runtime.SetFinalizer(op, (*Operation).Close)
	return op, nil
}

// Kind returns the state tag of the operation.
func (op *Operation) Kind() Kind {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.kind
}

// Handle returns the file or socket handle the operation was started on.
func (op *Operation) Handle() windows.Handle {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.handle
}

// Errno returns the Windows error code of the most recent call,
// or 0 after success.
func (op *Operation) Errno() uint32 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.errno
}

// Event returns the event signalled on completion, or 0.
func (op *Operation) Event() windows.Handle {
	return op.o.HEvent
}

// Overlapped returns the kernel completion record. Its address identifies
// the operation in completions returned by [Port.Wait].
func (op *Operation) Overlapped() *windows.Overlapped {
	return &op.o
}

// Pending reports whether the kernel has accepted the request
// and not yet completed it.
func (op *Operation) Pending() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.kind != KindNotStarted && !op.hasCompleted()
}

func (op *Operation) String() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	state := "idle"
	switch {
	case op.closed:
		state = "closed"
	case op.kind == KindNone:
	case op.kind == KindNotStarted:
		state = "failed"
	case op.hasCompleted():
		state = "completed"
	default:
		state = "pending"
	}
	return fmt.Sprintf("iocp.Operation(%s, %s, %#x)", op.kind, state, uintptr(unsafe.Pointer(&op.o)))
}

func (op *Operation) hasCompleted() bool {
	return atomic.LoadUintptr(&op.o.Internal) != statusPending
}

// begin claims the operation for kind on h.
func (op *Operation) begin(h windows.Handle, kind Kind) error {
	if op.closed {
		return ErrClosed
	}
	if op.kind != KindNone {
		return ErrAlreadyAttempted
	}
	op.kind = kind
	op.handle = h
	return nil
}

// submitted classifies the immediate return of a start call.
func (op *Operation) submitted(name string, err error) error {
	code := errnoOf(err)
	op.errno = code
	switch code {
	case errnoERROR_SUCCESS, errnoERROR_IO_PENDING:
		track(op)
		return nil
	case errnoERROR_MORE_DATA:
		if op.kind == KindRead {
			track(op)
			return nil
		}
	case errnoERROR_BROKEN_PIPE:
		if op.kind == KindRead {
			// The peer is gone. That is the normal end of a read, not a fault.
			op.kind = KindNotStarted
			return nil
		}
	}
	op.kind = KindNotStarted
	op.readBuf, op.writeBuf, op.sockaddr = nil, nil, nil
	return newOpError(name, code)
}

// StartRead starts a ReadFile of up to size bytes from h into a buffer owned
// by the operation. A broken pipe at submission leaves the operation in
// KindNotStarted without an error: the peer has closed and there is nothing
// to read.
func (op *Operation) StartRead(h windows.Handle, size uint32) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(h, KindRead); err != nil {
		return err
	}
	op.readBuf = make([]byte, max(size, 1))

	var n uint32
	err := winsock2.ReadFile(h, &op.readBuf[0], size, &n, &op.o)
	return op.submitted("ReadFile", err)
}

// StartRecv is like StartRead for sockets, using WSARecv with flags.
func (op *Operation) StartRecv(h windows.Handle, size, flags uint32) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(h, KindRead); err != nil {
		return err
	}
	op.readBuf = make([]byte, max(size, 1))
	op.wsabuf = windows.WSABuf{Len: size, Buf: &op.readBuf[0]}
	op.flags = flags

	var n uint32
	err := windows.WSARecv(h, &op.wsabuf, 1, &n, &op.flags, &op.o, nil)
	return op.submitted("WSARecv", err)
}

// StartWrite starts a WriteFile of b to h.
//
// b is borrowed: it must stay alive and unmodified until the completion is
// observed.
func (op *Operation) StartWrite(h windows.Handle, b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return ErrBufferTooLarge
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(h, KindWrite); err != nil {
		return err
	}
	op.writeBuf = b

	var n uint32
	err := windows.WriteFile(h, b, &n, &op.o)
	return op.submitted("WriteFile", err)
}

// StartSend is like StartWrite for sockets, using WSASend with flags.
//
// b is borrowed: it must stay alive and unmodified until the completion is
// observed.
func (op *Operation) StartSend(h windows.Handle, b []byte, flags uint32) error {
	if uint64(len(b)) > math.MaxUint32 {
		return ErrBufferTooLarge
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(h, KindWrite); err != nil {
		return err
	}
	op.writeBuf = b
	op.wsabuf = windows.WSABuf{Len: uint32(len(b))}
	if len(b) > 0 {
		op.wsabuf.Buf = &b[0]
	}

	var n uint32
	err := windows.WSASend(h, &op.wsabuf, 1, &n, flags, &op.o, nil)
	return op.submitted("WSASend", err)
}

// StartAccept starts an AcceptEx on the listening socket ls. The accepted
// connection lands on as, which must be a fresh unbound, unconnected socket
// of the same family. After completion, call [UpdateAcceptContext] on as.
func (op *Operation) StartAccept(ls, as windows.Handle) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(ls, KindAccept); err != nil {
		return err
	}
	op.readBuf = make([]byte, acceptAddrLen*2)

	var n uint32
	err := winsock2.AcceptEx(op.caps.acceptEx, ls, as, &op.readBuf[0], 0, acceptAddrLen, acceptAddrLen, &n, &op.o)
	return op.submitted("AcceptEx", err)
}

// StartConnect starts a ConnectEx of s to addr. The socket must already be
// bound (see [BindLocal]) and not connected. After completion, call
// [UpdateConnectContext] on s.
//
// An address that fails to encode leaves the operation untouched.
func (op *Operation) StartConnect(s windows.Handle, addr Address) error {
	return op.StartConnectWithData(s, addr, nil)
}

// StartConnectWithData is like StartConnect, but sends b once the connection
// is established. With TCP Fast Open enabled on s (see [SetFastOpen]), b may
// travel in the SYN. Result.N is the number of bytes of b that were sent.
//
// b is borrowed: it must stay alive and unmodified until the completion is
// observed.
func (op *Operation) StartConnectWithData(s windows.Handle, addr Address, b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return ErrBufferTooLarge
	}
	sa, err := addr.Encode()
	if err != nil {
		return err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(s, KindConnect); err != nil {
		return err
	}
	op.sockaddr = sa
	op.writeBuf = b
	var sendBuf *byte
	if len(b) > 0 {
		sendBuf = &b[0]
	}

	err = winsock2.ConnectEx(op.caps.connectEx, s, &op.sockaddr[0], int32(len(op.sockaddr)), sendBuf, uint32(len(b)), nil, &op.o)
	return op.submitted("ConnectEx", err)
}

// StartDisconnect starts a DisconnectEx on s. Pass TFReuseSocket in flags to
// make the socket reusable for a later AcceptEx or ConnectEx.
func (op *Operation) StartDisconnect(s windows.Handle, flags uint32) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.begin(s, KindDisconnect); err != nil {
		return err
	}

	err := winsock2.DisconnectEx(op.caps.disconnectEx, s, &op.o, flags)
	return op.submitted("DisconnectEx", err)
}

// Cancel requests cancellation of the in-flight request. It is a no-op when
// nothing was started, when the start failed, and when the request has already
// completed. A request that completes while being cancelled is not an error.
func (op *Operation) Cancel() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.closed {
		return ErrClosed
	}
	if !op.kind.Started() || op.done || op.hasCompleted() {
		return nil
	}
	err := op.caps.cancel(op.handle, &op.o)
	if code := errnoOf(err); code != errnoERROR_SUCCESS && code != errnoERROR_NOT_FOUND {
		op.errno = code
		return newOpError("CancelIoEx", code)
	}
	return nil
}

// GetResult retrieves the outcome of the request. If wait is true, it blocks
// until the kernel completes the request. If wait is false and the request is
// still pending, it returns ErrStillPending.
//
// A broken pipe on a read is reported as a successful, possibly empty read.
// Once the outcome is known, later calls return the same result.
func (op *Operation) GetResult(wait bool) (Result, error) {
	op.mu.Lock()
	switch {
	case op.closed:
		op.mu.Unlock()
		return Result{}, ErrClosed
	case op.kind == KindNone:
		op.mu.Unlock()
		return Result{}, ErrNotAttempted
	case op.kind == KindNotStarted:
		op.mu.Unlock()
		return Result{}, ErrNotStarted
	case op.done:
		op.mu.Unlock()
		return op.result, op.resErr
	}
	h := op.handle
	op.mu.Unlock()

	var n uint32
	err := windows.GetOverlappedResult(h, &op.o, &n, wait)
	code := errnoOf(err)

	op.mu.Lock()
	defer op.mu.Unlock()
	op.errno = code
	if code == errnoERROR_IO_INCOMPLETE {
		return Result{}, ErrStillPending
	}
	if op.done {
		// A concurrent caller got here first.
		return op.result, op.resErr
	}
	op.done = true
	untrack(op)

	switch code {
	case errnoERROR_SUCCESS, errnoERROR_MORE_DATA:
	case errnoERROR_BROKEN_PIPE:
		if op.kind == KindRead {
			break
		}
		fallthrough
	default:
		op.resErr = newOpError("GetOverlappedResult", code)
		op.readBuf, op.writeBuf, op.sockaddr = nil, nil, nil
		return op.result, op.resErr
	}

	op.result.N = int(n)
	switch op.kind {
	case KindRead:
		op.result.Buffer = op.readBuf[:n:n]
		op.readBuf = nil
	case KindWrite:
		op.writeBuf = nil
	case KindConnect:
		op.sockaddr, op.writeBuf = nil, nil
	}
	return op.result, nil
}

// AcceptAddrs decodes the local and remote endpoints of a completed accept.
func (op *Operation) AcceptAddrs() (local, remote Address, err error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.kind != KindAccept {
		return Address{}, Address{}, fmt.Errorf("AcceptAddrs called on %s operation", op.kind)
	}
	if !op.done {
		return Address{}, Address{}, ErrStillPending
	}
	if op.resErr != nil {
		return Address{}, Address{}, op.resErr
	}

	var lsa, rsa *windows.RawSockaddrAny
	var llen, rlen int32
	winsock2.GetAcceptExSockaddrs(op.caps.getAcceptExSockaddrs, &op.readBuf[0], 0, acceptAddrLen, acceptAddrLen, &lsa, &llen, &rsa, &rlen)
	if lsa == nil || rsa == nil {
		return Address{}, Address{}, errors.New("GetAcceptExSockaddrs returned no address")
	}

	if local, err = DecodeSockaddr(unsafe.Slice((*byte)(unsafe.Pointer(lsa)), llen)); err != nil {
		return
	}
	remote, err = DecodeSockaddr(unsafe.Slice((*byte)(unsafe.Pointer(rsa)), rlen))
	return
}

// Close releases the operation. A request that is still in flight is
// cancelled and waited for first, because the kernel may still write into
// the completion record and buffers.
//
// If the kernel cannot confirm that the request finished, Close returns an
// error wrapping ErrPendingAtClose. In that case the completion record and
// buffers are deliberately kept reachable, and the event stays open, so that
// a late kernel write cannot land in reused memory.
func (op *Operation) Close() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.closed {
		return nil
	}
	op.closed = true
	runtime.SetFinalizer(op, nil)

	if op.kind.Started() && !op.done && !op.hasCompleted() {
		wait := op.caps.cancel(op.handle, &op.o) == nil

		var n uint32
		err := windows.GetOverlappedResult(op.handle, &op.o, &n, wait)
		switch code := errnoOf(err); code {
		case errnoERROR_SUCCESS, errnoERROR_NOT_FOUND, errnoERROR_OPERATION_ABORTED:
		default:
			op.errno = code
			return fmt.Errorf("%w: %s: %w", ErrPendingAtClose, op.kind, newOpError("GetOverlappedResult", code))
		}
	}

	untrack(op)
	op.done = true
	op.readBuf, op.writeBuf, op.sockaddr = nil, nil, nil
	if op.ownsEvent && op.o.HEvent != 0 {
		windows.CloseHandle(op.o.HEvent)
		op.o.HEvent = 0
	}
	return nil
}

func errnoOf(err error) uint32 {
	if err == nil {
		return errnoERROR_SUCCESS
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return uint32(syscall.EINVAL)
}
