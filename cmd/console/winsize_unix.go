//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// hostWinsize reports the host terminal's column/row count via TIOCGWINSZ,
// the same ioctl the teacher's PTY resize path uses (internal/cmd/term/
// pty_darwin.go's unix.IoctlSetWinsize), read here instead of set since
// console has no PTY slave to propagate a size into.
func hostWinsize() (cols, rows int, err error) {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, err
	}
	return int(ws.Col), int(ws.Row), nil
}
