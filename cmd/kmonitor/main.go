// Command kmonitor renders a live dashboard of the process table and
// scheduler state: PID, name, state, ticks, and the ready-queue depth,
// redrawn in place once per poll interval. Since there is no long-running
// kernel daemon to attach to (cmd/kernel runs its scenarios to completion
// and exits), kmonitor drives a small demo workload of its own on a fresh
// table/scheduler pair and renders its progress — the same round-robin
// churn a real attach would show. §6 "External interfaces"; SPEC_FULL §2
// (the charmbracelet/x/ansi row).
//
// Grounded on the teacher's internal/term package for charmbracelet/x/ansi
// usage (cursor and screen control escape sequences) and on cmd/timeslice's
// flag.NewFlagSet CLI shape.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/config"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/proc"
	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/sched"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	interval := fs.Duration("interval", 150*time.Millisecond, "redraw interval")
	workers := fs.Int("workers", 4, "number of demo processes to round-robin")
	spins := fs.Int("spins", 30, "yields per demo process before it exits")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg := config.Default()
	tbl := proc.NewTable()
	s := sched.New(time.Duration(cfg.QuantumMillis) * time.Millisecond)

	fmt.Print(ansi.HideCursor)
	defer fmt.Print(ansi.ShowCursor)

	for i := 0; i < *workers; i++ {
		p, err := tbl.Alloc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "kmonitor: alloc: %v\n", err)
			os.Exit(1)
		}
		p.Name = fmt.Sprintf("worker-%d", i)
		s.Spawn(p, func(p *proc.PCB) func() {
			return func() {
				for n := 0; n < *spins; n++ {
					p.Lock()
					p.Ticks++
					p.Unlock()
					s.Yield(p)
				}
				s.Exit(p, 0)
			}
		}(p))
	}

	for {
		render(tbl, s)
		if allZombie(tbl) {
			render(tbl, s)
			return
		}
		time.Sleep(*interval)
	}
}

func allZombie(tbl *proc.Table) bool {
	for _, p := range tbl.All() {
		if p.State != proc.Zombie {
			return false
		}
	}
	return true
}

func render(tbl *proc.Table, s *sched.Scheduler) {
	fmt.Print(ansi.EraseEntireScreen, ansi.CursorHomePosition)

	fmt.Printf("kmonitor  ticks=%d  ready=%d  quantum=%s\n\n", s.Ticks(), s.ReadyLen(), s.Quantum())
	fmt.Printf("%-5s %-5s %-16s %-10s %-8s\n", "PID", "PPID", "NAME", "STATE", "TICKS")

	procs := tbl.All()
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	for _, p := range procs {
		p.Lock()
		fmt.Printf("%-5d %-5d %-16s %-10s %-8d\n", p.PID, p.PPID, p.Name, p.State, p.Ticks)
		p.Unlock()
	}
}
