package iocp

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/windows"
)

func testCapabilities(t *testing.T) *Capabilities {
	t.Helper()
	caps, err := Initialize()
	if err != nil {
		t.Fatal(err)
	}
	return caps
}

func newTestOperation(t *testing.T, caps *Capabilities) *Operation {
	t.Helper()
	op, err := NewOperation(caps)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := op.Close(); err != nil {
			t.Error(err)
		}
	})
	return op
}

func closeSocketOnCleanup(t *testing.T, s windows.Handle) {
	t.Cleanup(func() {
		windows.Closesocket(s)
	})
}

func listenLoopback(t *testing.T) (windows.Handle, Address) {
	t.Helper()
	ln, err := Listen(Inet4("127.0.0.1", 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	closeSocketOnCleanup(t, ln)
	laddr, err := LocalAddress(ln)
	if err != nil {
		t.Fatal(err)
	}
	return ln, laddr
}

// connectedPair returns the client and server ends of a loopback TCP
// connection established through AcceptEx and ConnectEx.
func connectedPair(t *testing.T, caps *Capabilities) (client, server windows.Handle) {
	t.Helper()
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

	client, err = Socket(AF_INET)
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
	if _, err = accept.GetResult(true); err != nil {
		t.Fatal(err)
	}
	if err = UpdateConnectContext(client); err != nil {
		t.Fatal(err)
	}
	if err = UpdateAcceptContext(server, ln); err != nil {
		t.Fatal(err)
	}
	return client, server
}

var pipeSeq atomic.Uint32

// pipePair returns the server and client ends of a fresh overlapped
// byte-mode named pipe.
func pipePair(t *testing.T) (server, client windows.Handle) {
	t.Helper()
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`\\.\pipe\iocp-go-test-%d-%d`, os.Getpid(), pipeSeq.Add(1)))
	if err != nil {
		t.Fatal(err)
	}
	server, err = windows.CreateNamedPipe(name, windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED, 0, 1, 4096, 4096, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { windows.CloseHandle(server) })

	client, err = windows.CreateFile(name, windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil, windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		t.Fatal(err)
	}

	var o windows.Overlapped
	if err = windows.ConnectNamedPipe(server, &o); err != nil && err != windows.ERROR_PIPE_CONNECTED {
		windows.CloseHandle(client)
		t.Fatal(err)
	}
	return server, client
}
