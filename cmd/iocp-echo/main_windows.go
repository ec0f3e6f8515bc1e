package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/database64128/iocp-go"
	"github.com/database64128/iocp-go/proactor"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

func main() {
	envErr := loadDotEnv()

	cfg, err := parseEchoConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	listen := flag.String("listen", cfg.Listen.String(), "Address to listen on")
	fastOpen := flag.Bool("tfo", cfg.FastOpen, "Enable TCP Fast Open on the listener")
	noDelay := flag.Bool("nodelay", cfg.NoDelay, "Disable Nagle's algorithm on accepted connections")
	debug := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	var logger *zap.Logger
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file loaded", zap.Error(envErr))
	}

	addr, err := parseListenAddress(*listen)
	if err != nil {
		logger.Fatal("Invalid listen address", zap.String("listen", *listen), zap.Error(err))
	}

	proactor.SetLogger(logger)
	p, err := proactor.New(proactor.Config{Concurrency: cfg.Concurrency, Logger: logger})
	if err != nil {
		logger.Fatal("Failed to create proactor", zap.Error(err))
	}

	lc := iocp.ListenConfig{Backlog: cfg.Backlog, FastOpen: *fastOpen}
	ln, err := lc.Listen(addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Stringer("listen", addr), zap.Error(err))
	}
	laddr, err := iocp.LocalAddress(ln)
	if err != nil {
		logger.Warn("Failed to get listener address", zap.Error(err))
		laddr = addr
	}
	logger.Info("Started echo server", zap.Stringer("listen", laddr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go acceptLoop(ctx, p, ln, cfg.BufSize, *noDelay, logger)

	if err = p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Proactor stopped", zap.Error(err))
	}

	p.StopServing(ln)
	windows.Closesocket(ln)
	if err = p.Close(); err != nil {
		logger.Warn("Failed to close proactor", zap.Error(err))
	}
	logger.Info("Stopped echo server")
}

func acceptLoop(ctx context.Context, p *proactor.Proactor, ln windows.Handle, bufSize uint32, noDelay bool, logger *zap.Logger) {
	for {
		f, err := p.Accept(ln)
		if err != nil {
			logger.Warn("Failed to start accept", zap.Error(err))
			return
		}
		a, err := f.Await(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Failed to accept", zap.Error(err))
			}
			return
		}
		logger.Debug("Accepted connection", zap.Stringer("remote", a.Remote))
		if noDelay {
			if err = iocp.SetNoDelay(a.Conn, true); err != nil {
				logger.Warn("Failed to set TCP_NODELAY", zap.Stringer("remote", a.Remote), zap.Error(err))
			}
		}
		go serve(ctx, p, a, bufSize, logger)
	}
}

// closeConn closes conn and forgets it once pending has settled. The
// completion of an aborted request must still find conn marked as stopped.
// pending may be nil.
func closeConn(p *proactor.Proactor, conn windows.Handle, pending proactor.Awaitable) {
	p.StopServing(conn)
	windows.Closesocket(conn)
	if pending != nil {
		<-pending.Done()
	}
	p.Forget(conn)
}

func serve(ctx context.Context, p *proactor.Proactor, a proactor.Accepted, bufSize uint32, logger *zap.Logger) {
	var pending proactor.Awaitable
	defer func() {
		closeConn(p, a.Conn, pending)
	}()

	var total int
	for {
		rf, err := p.Recv(a.Conn, bufSize, 0)
		if err != nil {
			logger.Debug("Failed to start recv", zap.Stringer("remote", a.Remote), zap.Error(err))
			return
		}
		pending = rf
		b, err := rf.Await(ctx)
		if err != nil {
			logger.Debug("Failed to recv", zap.Stringer("remote", a.Remote), zap.Error(err))
			return
		}
		if len(b) == 0 {
			logger.Debug("Connection closed by peer", zap.Stringer("remote", a.Remote), zap.Int("echoed", total))
			return
		}

		for len(b) > 0 {
			wf, err := p.Send(a.Conn, b, 0)
			if err != nil {
				logger.Debug("Failed to start send", zap.Stringer("remote", a.Remote), zap.Error(err))
				return
			}
			pending = wf
			n, err := wf.Await(ctx)
			if err != nil {
				logger.Debug("Failed to send", zap.Stringer("remote", a.Remote), zap.Error(err))
				return
			}
			b = b[n:]
			total += n
		}
	}
}
