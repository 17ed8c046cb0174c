// Package pipe implements the fixed-size ring-buffer pipe with independent
// reader/writer wait queues and open-ref counts. §2 "Pipe", §3, §4.7.
//
// Grounded on the ring-buffer bookkeeping in the teacher's virtio queue
// implementation (internal/hv/riscv/ccvm/virtblock.go tracks a circular
// descriptor ring with explicit used/avail indices); the wrap-around index
// arithmetic here follows the same modulo-capacity pattern.
package pipe

import (
	"sync"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/errno"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/signal"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/waitqueue"
)

// BufSize is the fixed ring-buffer capacity. §3.
const BufSize = 4096

// Pipe is the shared ring buffer behind a pair of file descriptors. §3.
type Pipe struct {
	mu sync.Mutex

	sched *sched.Scheduler

	buf      [BufSize]byte
	readPos  int
	writePos int
	dataSize int

	readersOpen int
	writersOpen int

	readWaiters  waitqueue.Queue
	writeWaiters waitqueue.Queue
}

// New creates a pipe with one open reader end and one open writer end, the
// state immediately after the `pipe` syscall returns both fds.
func New(s *sched.Scheduler) *Pipe {
	return &Pipe{sched: s, readersOpen: 1, writersOpen: 1}
}

// ReadEnd and WriteEnd are the two directional handles installed into a
// process's fd table; both satisfy proc.File.
type ReadEnd struct{ p *Pipe }
type WriteEnd struct{ p *Pipe }

func (p *Pipe) Reader() *ReadEnd  { return &ReadEnd{p: p} }
func (p *Pipe) Writer() *WriteEnd { return &WriteEnd{p: p} }

// DataSize reports the number of unread bytes currently buffered, exposed
// for the §8 invariant `data_size == (write_pos - read_pos) mod buf_size`.
func (p *Pipe) DataSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataSize
}

// Read implements §4.7 `read(n)`. Blocks while empty and the write end is
// still open; returns (0, nil) for EOF once the writer has closed and the
// buffer has drained. Never returns more than min(len(buf), dataSize)
// bytes — a short read is not an error.
func (p *Pipe) Read(caller *proc.PCB, buf []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.dataSize > 0 {
			n := len(buf)
			if n > p.dataSize {
				n = p.dataSize
			}
			for i := 0; i < n; i++ {
				buf[i] = p.buf[(p.readPos+i)%BufSize]
			}
			p.readPos = (p.readPos + n) % BufSize
			p.dataSize -= n
			p.mu.Unlock()
			p.sched.WakeOne(&p.writeWaiters)
			return n, nil
		}
		if p.writersOpen == 0 {
			p.mu.Unlock()
			return 0, nil
		}
		p.mu.Unlock()
		if !p.sched.Sleep(caller, &p.readWaiters) {
			return 0, errno.EINTR
		}
	}
}

// Write implements §4.7 `write(n)`: loops until every byte is copied,
// sleeping on the writer queue whenever the buffer is full, and sends
// SIGPIPE if the reader end is already closed.
func (p *Pipe) Write(caller *proc.PCB, data []byte) (int, error) {
	p.mu.Lock()
	if p.readersOpen == 0 {
		p.mu.Unlock()
		p.sched.SignalSend(caller, signal.SIGPIPE)
		return 0, errno.EPIPE
	}
	p.mu.Unlock()

	written := 0
	for written < len(data) {
		p.mu.Lock()
		if p.readersOpen == 0 {
			p.mu.Unlock()
			p.sched.SignalSend(caller, signal.SIGPIPE)
			if written > 0 {
				return written, nil
			}
			return 0, errno.EPIPE
		}
		free := BufSize - p.dataSize
		if free == 0 {
			p.mu.Unlock()
			if !p.sched.Sleep(caller, &p.writeWaiters) {
				return written, errno.EINTR
			}
			continue
		}
		n := len(data) - written
		if n > free {
			n = free
		}
		for i := 0; i < n; i++ {
			p.buf[(p.writePos+i)%BufSize] = data[written+i]
		}
		p.writePos = (p.writePos + n) % BufSize
		p.dataSize += n
		written += n
		p.mu.Unlock()
		p.sched.WakeOne(&p.readWaiters)
	}
	return written, nil
}

// closeRead / closeWrite implement §4.7's ref-counted close; wake the
// opposite queue so blocked peers observe the new open-count immediately.
func (p *Pipe) closeRead() {
	p.mu.Lock()
	if p.readersOpen > 0 {
		p.readersOpen--
	}
	p.mu.Unlock()
	p.sched.WakeAll(&p.writeWaiters)
}

func (p *Pipe) closeWrite() {
	p.mu.Lock()
	if p.writersOpen > 0 {
		p.writersOpen--
	}
	p.mu.Unlock()
	p.sched.WakeAll(&p.readWaiters)
}

// Freeable reports whether both ends are closed, at which point the pipe's
// buffer may be released by its owner (the fd table / vfs layer holds no
// other reference once this is true).
func (p *Pipe) Freeable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readersOpen == 0 && p.writersOpen == 0
}

func (e *ReadEnd) Close() error {
	e.p.closeRead()
	return nil
}

func (e *WriteEnd) Close() error {
	e.p.closeWrite()
	return nil
}

// Dup implements proc.Dupper: a duplicated read end shares the same ring
// buffer but bumps the open-reader count, so each of the two fds must be
// closed independently before the pipe is freeable. §4.7 "independent
// reader-end and writer-end open counts (so dup'd descriptors track
// correctly)".
func (e *ReadEnd) Dup() proc.File {
	e.p.mu.Lock()
	e.p.readersOpen++
	e.p.mu.Unlock()
	return &ReadEnd{p: e.p}
}

func (e *WriteEnd) Dup() proc.File {
	e.p.mu.Lock()
	e.p.writersOpen++
	e.p.mu.Unlock()
	return &WriteEnd{p: e.p}
}
