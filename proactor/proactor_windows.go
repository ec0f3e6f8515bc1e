package proactor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/database64128/iocp-go"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// wakeKey marks completions posted to interrupt a blocked Select.
const wakeKey = ^uintptr(0)

// closePollInterval is how long Close waits per round for cancelled
// requests to drain.
const closePollInterval = time.Second

// Config configures a [Proactor].
type Config struct {
	// Concurrency is the number of threads the port lets run at once.
	// Zero means iocp.Infinite, i.e. no limit.
	Concurrency uint32

	// Logger overrides the package's default logger.
	Logger *zap.Logger
}

// Accepted is the result of an accept request.
type Accepted struct {
	// Conn is the accepted socket. It is registered with nothing yet.
	Conn windows.Handle

	// Remote is the address of the peer.
	Remote iocp.Address
}

type entry struct {
	future Awaitable
	op     *iocp.Operation
	obj    windows.Handle
	cancel func()
	finish func()

	// discard, if not nil, releases what a dropped completion leaves behind.
	discard func()
}

// Proactor issues overlapped requests and dispatches their completions.
type Proactor struct {
	caps   *iocp.Capabilities
	port   *iocp.Port
	logger *zap.Logger

	mu         sync.Mutex
	cache      map[*windows.Overlapped]*entry
	registered map[windows.Handle]struct{}
	stopped    map[windows.Handle]struct{}
	closed     bool
}

// New creates a proactor with its own completion port.
func New(cfg Config) (*Proactor, error) {
	caps, err := iocp.Initialize()
	if err != nil {
		return nil, err
	}
	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = iocp.Infinite
	}
	port, err := iocp.NewPort(concurrency)
	if err != nil {
		return nil, err
	}
	l := cfg.Logger
	if l == nil {
		l = Logger()
	}
	return &Proactor{
		caps:       caps,
		port:       port,
		logger:     l,
		cache:      make(map[*windows.Overlapped]*entry),
		registered: make(map[windows.Handle]struct{}),
		stopped:    make(map[windows.Handle]struct{}),
	}, nil
}

// registerWithPort associates h with the port the first time it is seen.
func (p *Proactor) registerWithPort(h windows.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}
	if _, ok := p.registered[h]; ok {
		return nil
	}
	if err := p.port.Register(h, 0); err != nil {
		return err
	}
	p.registered[h] = struct{}{}
	return nil
}

// submit issues one request on h. The future is cached before the request
// reaches the kernel, so a completion can never outrun its registration.
// discard may be nil.
func submit[T any](p *Proactor, h windows.Handle, start func(*iocp.Operation) error, finish func(*iocp.Operation) (T, error), discard func()) (*Future[T], error) {
	if err := p.registerWithPort(h); err != nil {
		return nil, err
	}
	op, err := iocp.NewOperationWithEvent(p.caps, 0)
	if err != nil {
		return nil, err
	}

	f := newFuture[T](op)
	e := &entry{
		future: f,
		op:     op,
		obj:    h,
		cancel: func() { f.markCancelled() },
		finish: func() {
			v, err := finish(op)
			f.resolve(v, err)
		},
		discard: discard,
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		op.Close()
		return nil, net.ErrClosed
	}
	p.cache[op.Overlapped()] = e
	p.mu.Unlock()

	err = start(op)
	if err == nil && op.Kind() != iocp.KindNotStarted {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			// Close took its snapshot before the request was queued.
			// Its drain loop waits for this one too.
			op.Cancel()
		}
		return f, nil
	}

	p.mu.Lock()
	delete(p.cache, op.Overlapped())
	p.mu.Unlock()
	op.Close()
	if err != nil {
		return nil, err
	}
	// A read whose peer was already gone. Nothing will ever be queued.
	var zero T
	return resolvedFuture(zero), nil
}

func finishRead(op *iocp.Operation) ([]byte, error) {
	res, err := op.GetResult(false)
	return res.Buffer, err
}

func finishWrite(op *iocp.Operation) (int, error) {
	res, err := op.GetResult(false)
	return res.N, err
}

// Recv receives up to n bytes from socket conn. A future that resolves
// to an empty slice means the peer closed the connection.
func (p *Proactor) Recv(conn windows.Handle, n, flags uint32) (*Future[[]byte], error) {
	return submit(p, conn, func(op *iocp.Operation) error {
		return op.StartRecv(conn, n, flags)
	}, finishRead, nil)
}

// Read is like Recv for pipes and files.
func (p *Proactor) Read(h windows.Handle, n uint32) (*Future[[]byte], error) {
	return submit(p, h, func(op *iocp.Operation) error {
		return op.StartRead(h, n)
	}, finishRead, nil)
}

// Send sends b on socket conn. b must not be modified until the future is done.
func (p *Proactor) Send(conn windows.Handle, b []byte, flags uint32) (*Future[int], error) {
	return submit(p, conn, func(op *iocp.Operation) error {
		return op.StartSend(conn, b, flags)
	}, finishWrite, nil)
}

// Write is like Send for pipes and files.
func (p *Proactor) Write(h windows.Handle, b []byte) (*Future[int], error) {
	return submit(p, h, func(op *iocp.Operation) error {
		return op.StartWrite(h, b)
	}, finishWrite, nil)
}

// Accept accepts a connection on the listening socket listener.
func (p *Proactor) Accept(listener windows.Handle) (*Future[Accepted], error) {
	laddr, err := iocp.LocalAddress(listener)
	if err != nil {
		return nil, err
	}
	conn, err := iocp.Socket(laddr.Family())
	if err != nil {
		return nil, err
	}
	return p.acceptInto(listener, conn)
}

// acceptInto accepts a connection on listener into conn. It takes ownership
// of conn: conn is closed unless the future resolves successfully.
func (p *Proactor) acceptInto(listener, conn windows.Handle) (*Future[Accepted], error) {
	f, err := submit(p, listener, func(op *iocp.Operation) error {
		return op.StartAccept(listener, conn)
	}, func(op *iocp.Operation) (Accepted, error) {
		if _, err := op.GetResult(false); err != nil {
			windows.Closesocket(conn)
			return Accepted{}, err
		}
		if err := iocp.UpdateAcceptContext(conn, listener); err != nil {
			windows.Closesocket(conn)
			return Accepted{}, err
		}
		_, remote, err := op.AcceptAddrs()
		if err != nil {
			windows.Closesocket(conn)
			return Accepted{}, err
		}
		return Accepted{Conn: conn, Remote: remote}, nil
	}, func() {
		windows.Closesocket(conn)
	})
	if err != nil {
		windows.Closesocket(conn)
		return nil, err
	}
	return f, nil
}

// Connect connects socket conn to addr. An unbound conn is bound to an
// ephemeral local port first.
func (p *Proactor) Connect(conn windows.Handle, addr iocp.Address) (*Future[struct{}], error) {
	if err := bindForConnect(conn, addr); err != nil {
		return nil, err
	}
	return submit(p, conn, func(op *iocp.Operation) error {
		return op.StartConnect(conn, addr)
	}, func(op *iocp.Operation) (struct{}, error) {
		if _, err := op.GetResult(false); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, iocp.UpdateConnectContext(conn)
	}, nil)
}

// ConnectWithData is like Connect, but sends b as soon as the connection is
// established, in the SYN if TCP Fast Open is enabled on conn. The future
// resolves to the number of bytes of b that were sent.
func (p *Proactor) ConnectWithData(conn windows.Handle, addr iocp.Address, b []byte) (*Future[int], error) {
	if err := bindForConnect(conn, addr); err != nil {
		return nil, err
	}
	return submit(p, conn, func(op *iocp.Operation) error {
		return op.StartConnectWithData(conn, addr, b)
	}, func(op *iocp.Operation) (int, error) {
		res, err := op.GetResult(false)
		if err != nil {
			return 0, err
		}
		return res.N, iocp.UpdateConnectContext(conn)
	}, nil)
}

func bindForConnect(conn windows.Handle, addr iocp.Address) error {
	if err := iocp.BindLocal(conn, addr.Fields()); err != nil {
		if !errors.Is(err, windows.WSAEINVAL) {
			return err
		}
		// Probably bound already. Make sure of it.
		if laddr, lerr := iocp.LocalAddress(conn); lerr != nil || laddr.Port == 0 {
			return err
		}
	}
	return nil
}

// Disconnect gracefully disconnects socket conn. With iocp.TFReuseSocket in
// flags, conn can be passed to a later accept or connect.
func (p *Proactor) Disconnect(conn windows.Handle, flags uint32) (*Future[struct{}], error) {
	return submit(p, conn, func(op *iocp.Operation) error {
		return op.StartDisconnect(conn, flags)
	}, func(op *iocp.Operation) (struct{}, error) {
		_, err := op.GetResult(false)
		return struct{}{}, err
	}, nil)
}

// Select waits up to timeout for completions, resolves their futures, and
// returns them. Pass Forever to block until at least one arrives.
func (p *Proactor) Select(timeout time.Duration) ([]Awaitable, error) {
	ms, err := timeoutMillis(timeout)
	if err != nil {
		return nil, err
	}
	var results []Awaitable
	_, err = p.poll(ms, &results)
	return results, err
}

// poll dequeues completions until the port runs dry. Only the first wait
// uses ms. It reports whether anything was dequeued.
func (p *Proactor) poll(ms uint32, results *[]Awaitable) (bool, error) {
	var dequeued bool
	for {
		c, ok, err := p.port.Wait(ms)
		if err != nil {
			return dequeued, err
		}
		if !ok {
			return dequeued, nil
		}
		dequeued = true
		ms = 0

		if c.Overlapped == nil {
			if c.Key != wakeKey {
				p.logger.Debug("ignoring completion without overlapped", zap.Uintptr("key", c.Key))
			}
			continue
		}

		p.mu.Lock()
		e, found := p.cache[c.Overlapped]
		var stopped bool
		if found {
			delete(p.cache, c.Overlapped)
			_, stopped = p.stopped[e.obj]
		}
		p.mu.Unlock()

		if !found {
			p.logger.Warn("completion for unknown operation",
				zap.Uintptr("key", c.Key),
				zap.Uint32("errno", c.Errno),
			)
			continue
		}

		switch {
		case stopped:
			e.cancel()
			if e.discard != nil {
				e.discard()
			}
			p.logger.Debug("cancelled completion of stopped handle",
				zap.Uintptr("handle", uintptr(e.obj)),
				zap.Stringer("op", e.op),
			)
		case !e.future.Cancelled():
			e.finish()
			if results != nil {
				*results = append(*results, e.future)
			}
		default:
			if e.discard != nil {
				e.discard()
			}
		}
		if err := e.op.Close(); err != nil {
			p.logger.Warn("failed to release operation", zap.Error(err))
		}
	}
}

// Run polls the port until ctx is done. Completed futures are resolved and
// can be awaited from other goroutines.
func (p *Proactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := p.port.Post(0, wakeKey, nil); err != nil {
			p.logger.Warn("failed to wake proactor", zap.Error(err))
		}
	})
	defer stop()

	for ctx.Err() == nil {
		if _, err := p.poll(iocp.Infinite, nil); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// StopServing makes future completions on obj cancel their futures instead of
// resolving them. The caller is expected to close obj, which makes pending
// requests fail quickly.
func (p *Proactor) StopServing(obj windows.Handle) {
	p.mu.Lock()
	p.stopped[obj] = struct{}{}
	p.mu.Unlock()
}

// Forget drops what the proactor remembers about h. Call it after closing h,
// since the system may hand out the same handle value again.
func (p *Proactor) Forget(h windows.Handle) {
	p.mu.Lock()
	delete(p.registered, h)
	delete(p.stopped, h)
	p.mu.Unlock()
}

// Close cancels every pending request, waits for the kernel to confirm each
// one, and closes the port. It must not be called while Select or Run is
// running in another goroutine.
func (p *Proactor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry, 0, len(p.cache))
	for _, e := range p.cache {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		// The request may have completed in the meantime.
		e.op.Cancel()
	}

	for {
		p.mu.Lock()
		n := len(p.cache)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		dequeued, err := p.poll(uint32(closePollInterval/time.Millisecond), nil)
		if err != nil {
			return err
		}
		if !dequeued {
			p.logger.Debug("taking long time to close proactor", zap.Int("pending", n))
		}
	}

	return p.port.Close()
}
