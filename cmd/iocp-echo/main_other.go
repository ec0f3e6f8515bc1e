//go:build !windows

package main

import (
	"fmt"
	"os"

	"github.com/database64128/iocp-go"
)

func main() {
	fmt.Fprintln(os.Stderr, iocp.ErrPlatformUnsupported)
	os.Exit(1)
}
