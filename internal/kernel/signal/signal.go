// Package signal holds the per-process signal bookkeeping: the pending
// bitmask, the blocked-signal mask, and the disposition table. §4.5, §3.
//
// It is deliberately independent of the proc package: PCB embeds a
// signal.State value, so signal cannot import proc without creating a
// cycle. The delivery algorithm itself — which needs both a PCB's trap
// frame and its signal.State — lives in the trap package, the one place
// both are already in scope (§4.1 "Signal check" is invoked from dispatch).
package signal

import (
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/csr"
)

// Disposition is one of default/ignore/user-handler for a given signal.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandler
)

// Handler describes one signal's disposition plus, for a user handler, its
// entry address. Addr is only meaningful when Disposition is
// DispositionHandler; no per-handler signal mask is stored.
type Handler struct {
	Disposition Disposition
	Addr        uint64 // user-space handler entry point, meaningful iff Disposition == DispositionHandler
}

// NSIG is the number of tracked signal numbers. 1-indexed in the POSIX
// tradition; index 0 is unused.
const NSIG = csr.NSIG

// Well-known signal numbers, matching the default-action table in §4.5.
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGSTOP = 19
	SIGTSTP = 20
	SIGCONT = 18
	SIGCHLD = 17
	SIGTTIN = 21
	SIGTTOU = 22
)

// Action is the default disposition category applied to a signal with no
// handler installed and no explicit ignore. §4.5 "Defaults".
type Action int

const (
	ActionTerminate Action = iota
	ActionStop
	ActionContinue
	ActionIgnore
)

var defaultActions = map[int]Action{
	SIGHUP:  ActionTerminate,
	SIGINT:  ActionTerminate,
	SIGQUIT: ActionTerminate,
	SIGILL:  ActionTerminate,
	SIGABRT: ActionTerminate,
	SIGBUS:  ActionTerminate,
	SIGFPE:  ActionTerminate,
	SIGKILL: ActionTerminate,
	SIGUSR1: ActionTerminate,
	SIGSEGV: ActionTerminate,
	SIGUSR2: ActionTerminate,
	SIGPIPE: ActionTerminate,
	SIGALRM: ActionTerminate,
	SIGTERM: ActionTerminate,
	SIGSTOP: ActionStop,
	SIGTSTP: ActionStop,
	SIGTTIN: ActionStop,
	SIGTTOU: ActionStop,
	SIGCONT: ActionContinue,
	SIGCHLD: ActionIgnore,
}

// DefaultAction returns the default action for signum; signals with no
// table entry default to terminate, the conservative choice.
func DefaultAction(signum int) Action {
	if a, ok := defaultActions[signum]; ok {
		return a
	}
	return ActionTerminate
}

// Uncatchable reports whether signum can never be blocked, caught, or
// ignored. §4.5.
func Uncatchable(signum int) bool {
	return signum == SIGKILL || signum == SIGSTOP
}

// State is the signal bookkeeping embedded in each PCB. §3.
type State struct {
	Handlers [NSIG]Handler
	Pending  uint64 // bitmask, bit n set means signal n is pending
	Mask     uint64 // bitmask of currently blocked signals

	// SavedFrame holds the trap frame captured at handler-entry time, so
	// sigreturn can restore it. Opaque to this package; trap owns the
	// concrete type.
	SavedFrame any
}

func NewState() State {
	return State{}
}

func bit(signum int) uint64 { return 1 << uint(signum) }

// SetPending marks signum pending. §4.5 "Send".
func (s *State) SetPending(signum int) {
	if signum <= 0 || signum >= NSIG {
		return
	}
	s.Pending |= bit(signum)
}

// ClearPending clears signum from the pending set.
func (s *State) ClearPending(signum int) {
	s.Pending &^= bit(signum)
}

// Deliverable returns the lowest-numbered signal that is pending and not
// blocked, or 0 if none. §4.5 "lowest numbered first", §5 "ascending
// signal-number order".
func (s *State) Deliverable() int {
	ready := s.Pending &^ s.Mask
	for n := 1; n < NSIG; n++ {
		if ready&bit(n) != 0 {
			return n
		}
	}
	return 0
}

// Disposition reports the disposition for signum, honoring the
// uncatchable-signal rule.
func (s *State) Disposition(signum int) Disposition {
	if Uncatchable(signum) {
		return DispositionDefault
	}
	return s.Handlers[signum].Disposition
}

// SetHandler installs h for signum, rejecting SIGKILL/SIGSTOP. §4.5 "send".
func (s *State) SetHandler(signum int, h Handler) bool {
	if Uncatchable(signum) || signum <= 0 || signum >= NSIG {
		return false
	}
	s.Handlers[signum] = h
	return true
}
