package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/config"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "boot manifest YAML path (defaults applied if empty)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg := config.Default()
	if *manifestPath != "" {
		var err error
		cfg, err = config.Load(*manifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
			os.Exit(1)
		}
	}

	failures := 0
	for _, sc := range scenarios {
		sys, err := newSystem(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %-28s boot: %v\n", sc.name, err)
			failures++
			continue
		}
		if err := sc.run(sys); err != nil {
			fmt.Printf("FAIL %-28s %v\n", sc.name, err)
			failures++
			continue
		}
		fmt.Printf("PASS %-28s\n", sc.name)
	}

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d scenarios failed\n", failures, len(scenarios))
		os.Exit(1)
	}
}
