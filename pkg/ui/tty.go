//go:build !windows

package ui

import (
	"io"
	"os"
)

// OpenTTY opens the controlling terminal directly. The chat command uses
// it to stay interactive when stdin or stdout is a pipe.
func OpenTTY() (io.ReadWriteCloser, error) {
	return os.OpenFile("/dev/tty", os.O_RDWR, 0)
}
