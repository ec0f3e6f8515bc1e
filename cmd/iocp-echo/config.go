package main

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"

	"github.com/database64128/iocp-go"
	"github.com/joho/godotenv"
)

// loadDotEnv loads .env files into the environment, if any exist.
// Variables already set take precedence.
func loadDotEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}

type echoConfig struct {
	Listen      netip.AddrPort // IOCP_ECHO_LISTEN, e.g. "127.0.0.1:7777"
	Concurrency uint32         // IOCP_ECHO_CONCURRENCY, 0 for no limit
	BufSize     uint32         // IOCP_ECHO_BUFSIZE
	Backlog     int            // IOCP_ECHO_BACKLOG
	FastOpen    bool           // IOCP_ECHO_FASTOPEN
	NoDelay     bool           // IOCP_ECHO_NODELAY
	Debug       bool           // IOCP_ECHO_DEBUG
}

func parseEchoConfigFromEnv() (*echoConfig, error) {
	cfg := echoConfig{
		Listen:  netip.AddrPortFrom(netip.IPv6Loopback(), 7777),
		BufSize: 32 * 1024,
		Backlog: 128,
	}

	if s := os.Getenv("IOCP_ECHO_LISTEN"); s != "" {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("IOCP_ECHO_LISTEN: %w", err)
		}
		cfg.Listen = ap
	}

	if s := os.Getenv("IOCP_ECHO_CONCURRENCY"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("IOCP_ECHO_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = uint32(n)
	}

	if s := os.Getenv("IOCP_ECHO_BUFSIZE"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("IOCP_ECHO_BUFSIZE must be a positive integer, got %q", s)
		}
		cfg.BufSize = uint32(n)
	}

	if s := os.Getenv("IOCP_ECHO_BACKLOG"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("IOCP_ECHO_BACKLOG must be a positive integer, got %q", s)
		}
		cfg.Backlog = n
	}

	for _, b := range [...]struct {
		key string
		dst *bool
	}{
		{"IOCP_ECHO_FASTOPEN", &cfg.FastOpen},
		{"IOCP_ECHO_NODELAY", &cfg.NoDelay},
		{"IOCP_ECHO_DEBUG", &cfg.Debug},
	} {
		if s := os.Getenv(b.key); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.key, err)
			}
			*b.dst = v
		}
	}

	return &cfg, nil
}

// parseListenAddress parses the -listen flag.
func parseListenAddress(s string) (iocp.Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return iocp.Address{}, err
	}
	return iocp.AddressFromAddrPort(ap), nil
}
