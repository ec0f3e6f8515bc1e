package iocp

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/windows"
)

func TestOperationGetResultNotAttempted(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	if op.Kind() != KindNone {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindNone)
	}
	if _, err := op.GetResult(false); !errors.Is(err, ErrNotAttempted) {
		t.Errorf("GetResult() error = %v, want %v", err, ErrNotAttempted)
	}
	if err := op.Cancel(); err != nil {
		t.Errorf("Cancel() on fresh operation = %v", err)
	}
}

func TestOperationStartFailure(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	before := InFlight()

	err := op.StartRecv(windows.InvalidHandle, 16, 0)
	if err == nil {
		t.Fatal("StartRecv on an invalid handle succeeded")
	}
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Errorf("StartRecv error = %T, want *OpError", err)
	}
	if op.Kind() != KindNotStarted {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindNotStarted)
	}
	if op.Errno() == 0 {
		t.Error("Errno() = 0 after failed start")
	}
	if _, err = op.GetResult(true); !errors.Is(err, ErrNotStarted) {
		t.Errorf("GetResult() error = %v, want %v", err, ErrNotStarted)
	}
	if err = op.Cancel(); err != nil {
		t.Errorf("Cancel() after failed start = %v", err)
	}
	for _, start := range []func() error{
		func() error { return op.StartRecv(windows.InvalidHandle, 16, 0) },
		func() error { return op.StartWrite(windows.InvalidHandle, []byte("x")) },
		func() error { return op.StartDisconnect(windows.InvalidHandle, 0) },
	} {
		if err = start(); !errors.Is(err, ErrAlreadyAttempted) {
			t.Errorf("start after failed start error = %v, want %v", err, ErrAlreadyAttempted)
		}
	}
	if n := InFlight(); n != before {
		t.Errorf("InFlight() = %d, want %d", n, before)
	}
}

func TestOperationStartTwice(t *testing.T) {
	caps := testCapabilities(t)
	_, server := connectedPair(t, caps)
	op := newTestOperation(t, caps)

	if err := op.StartRecv(server, 16, 0); err != nil {
		t.Fatal(err)
	}
	if err := op.StartRecv(server, 16, 0); !errors.Is(err, ErrAlreadyAttempted) {
		t.Errorf("second StartRecv error = %v, want %v", err, ErrAlreadyAttempted)
	}
	if err := op.StartWrite(server, []byte("x")); !errors.Is(err, ErrAlreadyAttempted) {
		t.Errorf("StartWrite after StartRecv error = %v, want %v", err, ErrAlreadyAttempted)
	}
	if op.Kind() != KindRead {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindRead)
	}
}

func TestOperationStillPendingAndCancel(t *testing.T) {
	caps := testCapabilities(t)
	_, server := connectedPair(t, caps)
	op := newTestOperation(t, caps)

	if err := op.StartRecv(server, 16, 0); err != nil {
		t.Fatal(err)
	}
	if !op.Pending() {
		t.Error("Pending() = false with nothing sent")
	}
	if _, err := op.GetResult(false); !errors.Is(err, ErrStillPending) {
		t.Fatalf("GetResult(false) error = %v, want %v", err, ErrStillPending)
	}

	if err := op.Cancel(); err != nil {
		t.Fatal(err)
	}
	_, err := op.GetResult(true)
	if !errors.Is(err, ErrOperationAborted) {
		t.Errorf("GetResult after cancel error = %v, want %v", err, ErrOperationAborted)
	}
	if KindOf(err) != KindCancelled {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindCancelled)
	}

	// Cancelling a finished operation is a no-op, any number of times.
	for i := 0; i < 2; i++ {
		if err = op.Cancel(); err != nil {
			t.Errorf("Cancel() #%d after completion = %v", i, err)
		}
	}
}

func TestOperationSendRecv(t *testing.T) {
	caps := testCapabilities(t)
	client, server := connectedPair(t, caps)
	payload := []byte("hello, completion port")

	send := newTestOperation(t, caps)
	if err := send.StartSend(client, payload, 0); err != nil {
		t.Fatal(err)
	}
	res, err := send.GetResult(true)
	if err != nil {
		t.Fatal(err)
	}
	if res.N != len(payload) || res.Buffer != nil {
		t.Errorf("send result = %+v", res)
	}

	recv := newTestOperation(t, caps)
	if err = recv.StartRecv(server, 64, 0); err != nil {
		t.Fatal(err)
	}
	res, err = recv.GetResult(true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.Buffer, payload) {
		t.Errorf("received %q, want %q", res.Buffer, payload)
	}
	if cap(res.Buffer) != len(res.Buffer) {
		t.Errorf("cap(Buffer) = %d, want %d", cap(res.Buffer), len(res.Buffer))
	}

	// The outcome is cached.
	again, err := recv.GetResult(false)
	if err != nil || again.N != res.N {
		t.Errorf("second GetResult = %+v, %v", again, err)
	}
}

func TestOperationWriteRead(t *testing.T) {
	caps := testCapabilities(t)
	client, server := connectedPair(t, caps)
	payload := bytes.Repeat([]byte{0xa5}, 4096)

	write := newTestOperation(t, caps)
	if err := write.StartWrite(client, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := write.GetResult(true); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for len(got) < len(payload) {
		read := newTestOperation(t, caps)
		if err := read.StartRead(server, uint32(len(payload)-len(got))); err != nil {
			t.Fatal(err)
		}
		res, err := read.GetResult(true)
		if err != nil {
			t.Fatal(err)
		}
		if res.N == 0 {
			t.Fatal("unexpected end of stream")
		}
		got = append(got, res.Buffer...)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
}

func TestOperationRecvAfterPeerClose(t *testing.T) {
	caps := testCapabilities(t)
	client, server := connectedPair(t, caps)

	disconnect := newTestOperation(t, caps)
	if err := disconnect.StartDisconnect(client, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := disconnect.GetResult(true); err != nil {
		t.Fatal(err)
	}

	recv := newTestOperation(t, caps)
	if err := recv.StartRecv(server, 16, 0); err != nil {
		t.Fatal(err)
	}
	if recv.Kind() == KindNotStarted {
		return
	}
	res, err := recv.GetResult(true)
	if err != nil {
		t.Fatal(err)
	}
	if res.N != 0 || len(res.Buffer) != 0 {
		t.Errorf("read after peer close = %+v, want empty", res)
	}
}

func TestOperationAcceptAddrs(t *testing.T) {
	caps := testCapabilities(t)
	ln, laddr := listenLoopback(t)

	server, err := Socket(AF_INET)
	if err != nil {
		t.Fatal(err)
	}
	closeSocketOnCleanup(t, server)
	accept := newTestOperation(t, caps)
	if err = accept.StartAccept(ln, server); err != nil {
		t.Fatal(err)
	}
	if _, _, err = accept.AcceptAddrs(); !errors.Is(err, ErrStillPending) {
		t.Errorf("AcceptAddrs before completion error = %v, want %v", err, ErrStillPending)
	}

	client, err := Socket(AF_INET)
	if err != nil {
		t.Fatal(err)
	}
	closeSocketOnCleanup(t, client)
	if err = BindLocal(client, 2); err != nil {
		t.Fatal(err)
	}
	connect := newTestOperation(t, caps)
	if err = connect.StartConnect(client, laddr); err != nil {
		t.Fatal(err)
	}
	if _, err = connect.GetResult(true); err != nil {
		t.Fatal(err)
	}
	res, err := accept.GetResult(true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Buffer != nil {
		t.Errorf("accept result carries a buffer of %d bytes", len(res.Buffer))
	}

	local, remote, err := accept.AcceptAddrs()
	if err != nil {
		t.Fatal(err)
	}
	if local != laddr {
		t.Errorf("local = %v, want %v", local, laddr)
	}
	if err = UpdateConnectContext(client); err != nil {
		t.Fatal(err)
	}
	caddr, err := LocalAddress(client)
	if err != nil {
		t.Fatal(err)
	}
	if remote != caddr {
		t.Errorf("remote = %v, want %v", remote, caddr)
	}

	if _, _, err = connect.AcceptAddrs(); err == nil {
		t.Error("AcceptAddrs on a connect operation succeeded")
	}
}

func TestOperationConnectRefused(t *testing.T) {
	caps := testCapabilities(t)

	ln, err := Listen(Inet4("127.0.0.1", 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	laddr, err := LocalAddress(ln)
	if err != nil {
		t.Fatal(err)
	}
	windows.Closesocket(ln)

	s, err := Socket(AF_INET)
	if err != nil {
		t.Fatal(err)
	}
	closeSocketOnCleanup(t, s)
	if err = BindLocal(s, 2); err != nil {
		t.Fatal(err)
	}
	op := newTestOperation(t, caps)
	if err = op.StartConnect(s, laddr); err != nil {
		if !errors.Is(err, ErrConnectionRefused) {
			t.Fatal(err)
		}
		return
	}
	if _, err = op.GetResult(true); !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("GetResult error = %v, want %v", err, ErrConnectionRefused)
	}
}

func TestOperationStartConnectBadAddress(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	if err := op.StartConnect(windows.InvalidHandle, Inet4("not an address", 80)); err == nil {
		t.Fatal("StartConnect with a bad address succeeded")
	}
	if op.Kind() != KindNone {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindNone)
	}
	if err := op.StartSend(windows.InvalidHandle, make([]byte, 0), 0); errors.Is(err, ErrAlreadyAttempted) {
		t.Error("a rejected address consumed the operation")
	}
}

func TestOperationCloseInFlight(t *testing.T) {
	caps := testCapabilities(t)
	_, server := connectedPair(t, caps)
	before := InFlight()

	op, err := NewOperation(caps)
	if err != nil {
		t.Fatal(err)
	}
	if err = op.StartRecv(server, 16, 0); err != nil {
		t.Fatal(err)
	}
	if n := InFlight(); n != before+1 {
		t.Errorf("InFlight() = %d, want %d", n, before+1)
	}

	done := make(chan error, 1)
	go func() { done <- op.Close() }()
	select {
	case err = <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	if n := InFlight(); n != before {
		t.Errorf("InFlight() after Close = %d, want %d", n, before)
	}
	if op.Event() != 0 {
		t.Error("owned event still open after Close")
	}
	if _, err = op.GetResult(false); !errors.Is(err, ErrClosed) {
		t.Errorf("GetResult after Close error = %v, want %v", err, ErrClosed)
	}
	if err = op.StartRecv(server, 16, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("StartRecv after Close error = %v, want %v", err, ErrClosed)
	}
	if err = op.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestOperationSendInvalidHandle(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	if err := op.StartSend(windows.InvalidHandle, nil, 0); err == nil {
		t.Fatal("StartSend on an invalid handle succeeded")
	}
	if op.Kind() != KindNotStarted {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindNotStarted)
	}
}

func TestOperationZeroSizeRead(t *testing.T) {
	caps := testCapabilities(t)
	client, server := connectedPair(t, caps)

	send := newTestOperation(t, caps)
	if err := send.StartSend(client, []byte("data"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := send.GetResult(true); err != nil {
		t.Fatal(err)
	}

	read := newTestOperation(t, caps)
	if err := read.StartRead(server, 0); err != nil {
		t.Fatal(err)
	}
	res, err := read.GetResult(true)
	if err != nil {
		t.Fatal(err)
	}
	if res.N != 0 || len(res.Buffer) != 0 {
		t.Errorf("zero-size read = %+v, want empty", res)
	}
}

func TestOperationReadBrokenPipeAtStart(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	server, client := pipePair(t)
	windows.CloseHandle(client)

	before := InFlight()
	if err := op.StartRead(server, 16); err != nil {
		t.Fatalf("StartRead after the writer closed = %v, want nil", err)
	}
	if op.Kind() != KindNotStarted {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindNotStarted)
	}
	if op.Errno() != errnoERROR_BROKEN_PIPE {
		t.Errorf("Errno() = %d, want %d", op.Errno(), errnoERROR_BROKEN_PIPE)
	}
	if _, err := op.GetResult(false); !errors.Is(err, ErrNotStarted) {
		t.Errorf("GetResult() error = %v, want %v", err, ErrNotStarted)
	}
	if n := InFlight(); n != before {
		t.Errorf("InFlight() = %d, want %d", n, before)
	}
}

func TestOperationReadBrokenPipeAtCompletion(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	server, client := pipePair(t)

	if err := op.StartRead(server, 16); err != nil {
		t.Fatal(err)
	}
	if !op.Pending() {
		t.Fatal("read on an idle pipe is not pending")
	}
	windows.CloseHandle(client)

	res, err := op.GetResult(true)
	if err != nil {
		t.Fatalf("GetResult after the writer closed = %v, want nil", err)
	}
	if res.N != 0 || len(res.Buffer) != 0 {
		t.Errorf("result = %+v, want an empty read", res)
	}
}

func TestOperationWriteClosedPipe(t *testing.T) {
	op := newTestOperation(t, testCapabilities(t))
	server, client := pipePair(t)
	windows.CloseHandle(client)

	// Only reads treat a vanished peer as a normal end.
	var oe *OpError
	if err := op.StartWrite(server, []byte("nobody listens")); !errors.As(err, &oe) {
		t.Errorf("StartWrite error = %v, want *OpError", err)
	}
	if op.Kind() != KindNotStarted {
		t.Errorf("Kind() = %s, want %s", op.Kind(), KindNotStarted)
	}
}

func TestOperationPipeRoundTrip(t *testing.T) {
	caps := testCapabilities(t)
	server, client := pipePair(t)
	defer windows.CloseHandle(client)
	payload := []byte("through the pipe")

	write := newTestOperation(t, caps)
	if err := write.StartWrite(client, payload); err != nil {
		t.Fatal(err)
	}
	read := newTestOperation(t, caps)
	if err := read.StartRead(server, uint32(len(payload))); err != nil {
		t.Fatal(err)
	}
	res, err := read.GetResult(true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.Buffer, payload) {
		t.Errorf("read %q, want %q", res.Buffer, payload)
	}
	if _, err = write.GetResult(true); err != nil {
		t.Fatal(err)
	}
}
