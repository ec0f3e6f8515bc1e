package iocp

import "strconv"

// Kind is the state tag of an [Operation].
//
// A fresh operation is KindNone. A start method moves it to one of the
// in-flight kinds, or to KindNotStarted when the kernel rejected the request
// before queuing it. KindNotStarted is terminal.
type Kind uint8

const (
	KindNone Kind = iota
	KindNotStarted
	KindRead
	KindWrite
	KindAccept
	KindConnect
	KindDisconnect
)

var kindNames = [...]string{
	KindNone:       "none",
	KindNotStarted: "not started",
	KindRead:       "read",
	KindWrite:      "write",
	KindAccept:     "accept",
	KindConnect:    "connect",
	KindDisconnect: "disconnect",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Started reports whether k is one of the in-flight kinds,
// i.e. the kernel accepted the request.
func (k Kind) Started() bool {
	return k >= KindRead
}
