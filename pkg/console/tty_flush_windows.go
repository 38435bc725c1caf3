//go:build windows
// +build windows

package console

import "os"

// flushStdin is a no-op on Windows.
func flushStdin(*os.File) error {
	return nil
}
