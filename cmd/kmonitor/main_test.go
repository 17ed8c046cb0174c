package main

import (
	"testing"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
)

func TestAllZombieEmptyTableIsTrue(t *testing.T) {
	tbl := proc.NewTable()
	if !allZombie(tbl) {
		t.Fatalf("allZombie(empty) = false, want true")
	}
}

func TestAllZombieMixedStates(t *testing.T) {
	tbl := proc.NewTable()
	a, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.State = proc.Ready
	if allZombie(tbl) {
		t.Fatalf("allZombie = true with a Ready process, want false")
	}

	a.State = proc.Zombie
	if !allZombie(tbl) {
		t.Fatalf("allZombie = false with only Zombie processes, want true")
	}
}
