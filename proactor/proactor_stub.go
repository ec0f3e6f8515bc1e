//go:build !windows

package proactor

import (
	"github.com/database64128/iocp-go"
	"go.uber.org/zap"
)

// Config configures a [Proactor].
type Config struct {
	Concurrency uint32
	Logger      *zap.Logger
}

// Proactor is unavailable on this platform.
type Proactor struct{}

// New returns iocp.ErrPlatformUnsupported on this platform.
func New(cfg Config) (*Proactor, error) {
	return nil, iocp.ErrPlatformUnsupported
}
