// Command mkrootfs copies a seed root filesystem image into the
// block-device backing file the kernel boots from, showing progress for
// the copy. §6 "External interfaces"; SPEC_FULL §1.
//
// Grounded on the teacher's internal/oci/client.go image-fetch path for
// progressbar.DefaultBytes usage (a terminal bar sized to the known
// content length, written to via io.MultiWriter alongside the real
// destination), and on cmd/timeslice's flag.NewFlagSet CLI shape.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/cmelnulabs/thunderos-sub004/internal/kernel/hal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkrootfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	image := fs.String("image", "", "seed root filesystem image to copy in (required)")
	out := fs.String("out", "", "output block-device backing file (required)")
	sectorSize := fs.Int("sector-size", 512, "backing device sector size in bytes")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *image == "" || *out == "" {
		fs.Usage()
		return fmt.Errorf("both -image and -out are required")
	}

	src, err := os.Open(*image)
	if err != nil {
		return fmt.Errorf("open seed image: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat seed image: %w", err)
	}

	numSectors := (uint64(info.Size()) + uint64(*sectorSize) - 1) / uint64(*sectorSize)
	if numSectors == 0 {
		numSectors = 1
	}
	dev := hal.NewFakeBlockDevice(numSectors, *sectorSize)

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("seed %s", *image))
	defer bar.Close()

	sw := &sectorWriter{dev: dev, buf: make([]byte, 0, *sectorSize)}
	if _, err := io.Copy(io.MultiWriter(sw, bar), src); err != nil {
		return fmt.Errorf("copy seed image: %w", err)
	}
	if err := sw.flush(); err != nil {
		return err
	}

	if err := os.WriteFile(*out, dev.Bytes(), 0644); err != nil {
		return fmt.Errorf("write backing file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nmkrootfs: wrote %d sectors (%d bytes) to %s\n", dev.NumSectors(), len(dev.Bytes()), *out)
	return nil
}

// sectorWriter adapts hal.BlockDevice.WriteSector to io.Writer, buffering
// partial sectors across Write calls so io.Copy can drive it directly.
type sectorWriter struct {
	dev *hal.FakeBlockDevice
	buf []byte
	n   uint64
}

func (w *sectorWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := cap(w.buf) - len(w.buf)
		take := room
		if take > len(p) {
			take = len(p)
		}
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		if len(w.buf) == cap(w.buf) {
			if err := w.dev.WriteSector(w.n, w.buf); err != nil {
				return total - len(p), err
			}
			w.n++
			w.buf = w.buf[:0]
		}
	}
	return total, nil
}

// flush writes out any partial final sector, zero-padded.
func (w *sectorWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	sector := make([]byte, cap(w.buf))
	copy(sector, w.buf)
	return w.dev.WriteSector(w.n, sector)
}
