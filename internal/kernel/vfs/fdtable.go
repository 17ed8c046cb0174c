// fd table operations layered on proc.PCB.FDs. §3 "File: tagged union
// {RegularFile(VFSNode, pos, flags)} | {PipeEnd(Pipe, direction)}. Per-fd
// state in the process fd table."
//
// Only the RegularFile half of that tagged union lives here; PipeEnd is
// internal/kernel/pipe.ReadEnd/WriteEnd, which also implements proc.File
// and is installed into the same table by the pipe syscall handler.
package vfs

import (
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/errno"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
)

// Open flag bits, matching the subset of Linux's O_* the core syscall
// surface needs (§4.8's open/read/write/lseek). Numeric values follow
// gVisor's linux.O_* constants so the ABI stays Linux-authentic without
// redefining them; declared locally to avoid a second direct dependency
// edge onto gvisor from this package for three bit values.
const (
	ORdOnly = 0x0
	OWrOnly = 0x1
	ORdWr   = 0x2
	OCreat  = 0x40
	OTrunc  = 0x200
	OAppend = 0x400
)

// Whence values for Lseek. §4.8 "lseek".
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// RegularFile is an open handle onto a VFS Node: the position cursor and
// open flags the fd table entry owns, distinct from the Node itself (which
// may be opened by several fds at once). §3 "RegularFile(VFSNode, pos,
// flags)".
type RegularFile struct {
	Node  Node
	Pos   int64
	Flags int
}

func (f *RegularFile) Close() error { return nil }

func (f *RegularFile) Read(buf []byte) (int, error) {
	if f.Flags&0x3 == OWrOnly {
		return 0, errno.EBADF
	}
	n, err := f.Node.Read(f.Pos, buf)
	if err != nil {
		return 0, err
	}
	f.Pos += int64(n)
	return n, nil
}

func (f *RegularFile) Write(data []byte) (int, error) {
	if f.Flags&0x3 == ORdOnly {
		return 0, errno.EBADF
	}
	pos := f.Pos
	if f.Flags&OAppend != 0 {
		pos = f.Node.Size()
	}
	n, err := f.Node.Write(pos, data)
	if err != nil {
		return 0, err
	}
	f.Pos = pos + int64(n)
	return n, nil
}

func (f *RegularFile) Lseek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.Pos
	case SeekEnd:
		base = f.Node.Size()
	default:
		return 0, errno.EINVAL
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, errno.EINVAL
	}
	f.Pos = newPos
	return newPos, nil
}

// AllocFD installs f in the lowest unused descriptor slot of p's fd table.
// §4.8 "open" / the implicit fd-allocation contract every fd-creating
// syscall shares.
func AllocFD(p *proc.PCB, f proc.File) (int, error) {
	p.Lock()
	defer p.Unlock()
	for i := 0; i < proc.MaxFDs; i++ {
		if p.FDs[i] == nil {
			p.FDs[i] = f
			return i, nil
		}
	}
	return -1, errno.EMFILE
}

// Get returns the fd table entry at fd, or EBADF if unset/out of range.
func Get(p *proc.PCB, fd int) (proc.File, error) {
	p.Lock()
	defer p.Unlock()
	if fd < 0 || fd >= proc.MaxFDs || p.FDs[fd] == nil {
		return nil, errno.EBADF
	}
	return p.FDs[fd], nil
}

// CloseFD closes and clears fd. §8 "open(path); close(fd) leaves fd table
// state identical to pre-call".
func CloseFD(p *proc.PCB, fd int) error {
	p.Lock()
	if fd < 0 || fd >= proc.MaxFDs || p.FDs[fd] == nil {
		p.Unlock()
		return errno.EBADF
	}
	f := p.FDs[fd]
	p.FDs[fd] = nil
	p.Unlock()
	return f.Close()
}

// Dup2 makes newfd refer to the same open file description as oldfd,
// closing whatever newfd previously held. §4.8 "dup2".
func Dup2(p *proc.PCB, oldfd, newfd int) error {
	p.Lock()
	if oldfd < 0 || oldfd >= proc.MaxFDs || p.FDs[oldfd] == nil {
		p.Unlock()
		return errno.EBADF
	}
	if newfd < 0 || newfd >= proc.MaxFDs {
		p.Unlock()
		return errno.EBADF
	}
	if oldfd == newfd {
		p.Unlock()
		return nil
	}
	old := p.FDs[newfd]
	p.FDs[newfd] = proc.DupFile(p.FDs[oldfd])
	p.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}
