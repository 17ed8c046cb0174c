package vfs

import (
	"testing"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
)

func TestResolveAndCreate(t *testing.T) {
	fs := NewFS(NewInMemDir(0o755))

	dir, name, err := fs.ResolveParent("/etc/hosts")
	if err == nil {
		t.Fatalf("expected ENOENT for missing /etc, got dir=%v name=%v", dir, name)
	}

	root := fs.Root()
	etc, err := root.Mkdir("etc", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	parent, leaf, err := fs.ResolveParent("/etc/hosts")
	if err != nil {
		t.Fatalf("ResolveParent: %v", err)
	}
	if parent != etc || leaf != "hosts" {
		t.Fatalf("ResolveParent returned wrong parent/leaf")
	}

	f, err := parent.Create("hosts", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write(0, []byte("127.0.0.1 localhost")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fs.Resolve("/etc/hosts")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	buf := make([]byte, 64)
	n, err := got.Read(0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "127.0.0.1 localhost" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestNormalizeAndSplit(t *testing.T) {
	if got := Normalize("/home/user", "../etc"); got != "/home/etc" {
		t.Fatalf("Normalize got %q", got)
	}
	if got := Normalize("/", "bin/sh"); got != "/bin/sh" {
		t.Fatalf("Normalize got %q", got)
	}
	dir, name := Split("/a/b/c")
	if dir != "/a/b" || name != "c" {
		t.Fatalf("Split got dir=%q name=%q", dir, name)
	}
}

func TestReaddirStableOrder(t *testing.T) {
	fs := NewFS(NewInMemDir(0o755))
	root := fs.Root()
	root.Create("b", 0o644)
	root.Create("a", 0o644)
	root.Mkdir("c", 0o755)

	ents, err := root.Readdir()
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(ents) != 3 || ents[0].Name != "a" || ents[1].Name != "b" || ents[2].Name != "c" {
		t.Fatalf("unexpected Readdir order: %+v", ents)
	}
}

func TestFDTableDup2AndClose(t *testing.T) {
	tbl := proc.NewTable()
	p, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	fs := NewFS(NewInMemDir(0o755))
	node, _ := fs.Root().Create("a", 0o644)
	rf := &RegularFile{Node: node, Flags: ORdWr}

	fd, err := AllocFD(p, rf)
	if err != nil {
		t.Fatalf("AllocFD: %v", err)
	}
	if fd != 0 {
		t.Fatalf("expected fd 0, got %d", fd)
	}

	if err := Dup2(p, fd, 10); err != nil {
		t.Fatalf("Dup2: %v", err)
	}
	got, err := Get(p, 10)
	if err != nil || got != proc.File(rf) {
		t.Fatalf("Get after Dup2: got=%v err=%v", got, err)
	}

	if err := CloseFD(p, fd); err != nil {
		t.Fatalf("CloseFD: %v", err)
	}
	if _, err := Get(p, fd); err == nil {
		t.Fatalf("expected EBADF after close")
	}
}
