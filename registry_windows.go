package iocp

import (
	"sync"

	"golang.org/x/sys/windows"
)

// inflight holds every operation whose completion record the kernel may still
// write to. Keeping the operation reachable from here pins its record and
// buffers against collection until the completion has been observed.
var inflight = struct {
	sync.Mutex
	m map[*windows.Overlapped]*Operation
}{
	m: make(map[*windows.Overlapped]*Operation),
}

func track(op *Operation) {
	inflight.Lock()
	inflight.m[&op.o] = op
	inflight.Unlock()
}

func untrack(op *Operation) {
	inflight.Lock()
	delete(inflight.m, &op.o)
	inflight.Unlock()
}

// operationFor returns the operation owning the completion record o,
// or nil if o does not belong to a tracked operation.
func operationFor(o *windows.Overlapped) *Operation {
	inflight.Lock()
	op := inflight.m[o]
	inflight.Unlock()
	return op
}

// InFlight returns the number of operations the kernel may still reference.
func InFlight() int {
	inflight.Lock()
	n := len(inflight.m)
	inflight.Unlock()
	return n
}
