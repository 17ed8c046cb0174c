package hal

import (
	"testing"

	"github.com/charmbracelet/x/vt"
)

// TestFakeUARTRoundTripViaVT feeds everything a simulated kernel wrote to
// the UART's TX side through a headless vt.SafeEmulator and asserts on
// rendered screen content, the same technique the teacher uses to test its
// own console (internal/term/terminal_test.go) instead of matching raw
// byte strings.
func TestFakeUARTRoundTripViaVT(t *testing.T) {
	u := NewFakeUART()
	for _, b := range []byte("hello kernel\r\n") {
		u.PutByte(b)
	}

	emu := vt.NewSafeEmulator(80, 24)
	defer emu.Close()

	if _, err := emu.Write(u.Written()); err != nil {
		t.Fatalf("emu.Write: %v", err)
	}

	const want = "hello kernel"
	for i, r := range want {
		cell := emu.CellAt(i, 0)
		if cell == nil {
			t.Fatalf("CellAt(%d, 0) = nil, want %q", i, string(r))
		}
		if cell.Content != string(r) {
			t.Fatalf("CellAt(%d, 0).Content = %q, want %q", i, cell.Content, string(r))
		}
	}
}
