//go:build !windows
// +build !windows

package console

import (
	"os"

	"golang.org/x/sys/unix"
)

// flushStdin discards input typed before the prompt appeared (Unix platforms).
func flushStdin(f *os.File) error {
	return unix.IoctlSetInt(int(f.Fd()), unix.TCFLSH, unix.TCIFLUSH)
}
