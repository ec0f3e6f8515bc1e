// Package iocp provides per-operation wrappers around Windows overlapped I/O
// coordinated through an I/O completion port. It is the building block for
// proactor-style event loops: an [Operation] submits exactly one read, write,
// accept, connect or disconnect to the kernel, returns immediately, and later
// yields its result exactly once through [Operation.GetResult], while a [Port]
// delivers completion notifications to any number of waiting goroutines.
//
// On platforms other than Windows, [Initialize] returns ErrPlatformUnsupported.
// The error taxonomy ([Classify]) and the address codec ([Address]) are pure and
// available everywhere.
//
// Buffers passed to write-type operations are borrowed: the caller must keep
// them alive and unmodified until completion is observed. Buffers allocated by
// read-type operations belong to the operation until [Operation.GetResult]
// hands them over.
package iocp

import (
	"errors"
	"os"
	"syscall"
)

var (
	ErrPlatformUnsupported   = errors.New("iocp-go does not support this platform")
	ErrCapabilityUnavailable = errors.New("required winsock extension function is unavailable")
)

// Infinite makes [Port.Wait] and the proactor block until a completion arrives.
const Infinite = 0xffffffff

// Flags for [SetCompletionNotificationModes].
const (
	FileSkipCompletionPortOnSuccess = 0x1
	FileSkipSetEventOnHandle        = 0x2
)

// Flags for [Operation.StartDisconnect].
const (
	TFDisconnect  = 0x01
	TFReuseSocket = 0x02
)

// wrapSyscallError takes an error and a syscall name. If the error is
// a syscall.Errno, it wraps it in a os.SyscallError using the syscall name.
func wrapSyscallError(name string, err error) error {
	if _, ok := err.(syscall.Errno); ok {
		err = os.NewSyscallError(name, err)
	}
	return err
}
