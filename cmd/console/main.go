// Command console attaches the host terminal to an in-memory hal.UART, the
// nearest thing to "plug a serial cable into the board" available without
// real hardware. §6 "External interfaces"; SPEC_FULL §1.
//
// Grounded on the teacher's cmd/cc raw-mode handling (term.MakeRaw /
// term.Restore around os.Stdin.Fd()) and internal/cmd/term/main.go's
// read-loop-plus-writer-goroutine shape for bridging a terminal to a
// simulated device, simplified here since there is no PTY or GPU window:
// stdin bytes feed the UART's RX side, and bytes the UART transmits are
// written straight to stdout. The host window size is read via
// golang.org/x/sys/unix's TIOCGWINSZ ioctl (winsize_unix.go), grounded on
// the teacher's identical ioctl in internal/cmd/term/pty_darwin.go.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/hal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	pollEvery := fs.Duration("poll", 5*time.Millisecond, "how often to drain the simulated UART's TX buffer")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	uart := hal.NewFakeUART()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	if cols, rows, err := hostWinsize(); err == nil {
		fmt.Fprintf(os.Stderr, "console: attached (%dx%d), press Ctrl-] to detach\n", cols, rows)
	} else {
		fmt.Fprintln(os.Stderr, "console: attached, press Ctrl-] to detach")
	}

	done := make(chan struct{})

	// stdin -> UART RX.
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for _, b := range buf[:n] {
					if b == 0x1d { // Ctrl-]
						return
					}
					uart.Feed([]byte{b})
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// UART TX -> stdout, polled since FakeUART has no blocking read.
	ticker := time.NewTicker(*pollEvery)
	defer ticker.Stop()
	drained := 0
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			tx := uart.Written()
			if len(tx) > drained {
				os.Stdout.Write(tx[drained:])
				drained = len(tx)
			}
		}
	}
}
