//go:build !unix

package main

import "fmt"

func hostWinsize() (cols, rows int, err error) {
	return 0, 0, fmt.Errorf("host window size unavailable on this platform")
}
