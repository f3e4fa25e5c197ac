//go:build windows

package ui

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// OpenTTY opens the console input handle. The chat command uses it to
// stay interactive when stdin or stdout is a pipe.
func OpenTTY() (io.ReadWriteCloser, error) {
	handle, err := windows.GetStdHandle(windows.STD_INPUT_HANDLE)
	if err != nil {
		return nil, errors.Wrap(err, "could not get console handle")
	}

	fd := os.NewFile(uintptr(handle), "conin$")
	if fd == nil {
		return nil, errors.New("could not create file from console handle")
	}

	return fd, nil
}
