package proactor

import (
	"errors"
	"time"

	"github.com/database64128/iocp-go"
)

var (
	ErrNegativeTimeout = errors.New("negative timeout")
	ErrTimeoutTooBig   = errors.New("timeout too big")
)

// Forever makes Select block until at least one completion arrives.
const Forever time.Duration = -1

// timeoutMillis converts a Select timeout to the milliseconds the port
// expects, rounding to the nearest millisecond.
func timeoutMillis(timeout time.Duration) (uint32, error) {
	switch {
	case timeout == Forever:
		return iocp.Infinite, nil
	case timeout < 0:
		return 0, ErrNegativeTimeout
	}
	ms := (timeout + time.Millisecond/2) / time.Millisecond
	if ms >= iocp.Infinite {
		return 0, ErrTimeoutTooBig
	}
	return uint32(ms), nil
}
