// Package config loads the boot manifest: the handful of knobs a kernel
// image needs before any subsystem can be constructed (RAM size, process
// table bound, scheduler quantum, the root filesystem image and init
// binary paths, the serial device to attach). §6 "External interfaces",
// SPEC_FULL §1 "Configuration".
//
// Grounded on the teacher's `*Config` + `applyDefaults()` pattern
// (cmd/ccapp/site_config.go's SiteConfig, internal/initx/container_init.go's
// ContainerInitConfig): a plain struct decoded from YAML, defaulted by an
// explicit method rather than decoder hooks, loaded by a function that
// returns an error rather than panicking on a missing or malformed file.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the boot-time configuration cmd/kernel reads before
// constructing any subsystem.
type Manifest struct {
	RAMBytes      uint64 `yaml:"ram_bytes"`
	MaxProcs      int    `yaml:"max_procs"`
	QuantumMillis int    `yaml:"quantum_millis"`
	RootFSImage   string `yaml:"rootfs_image"`
	InitBinary    string `yaml:"init_binary"`
	SerialDevice  string `yaml:"serial_device"`
}

// Default values applied by applyDefaults, chosen to match §6/§2's sizing:
// a few megabytes of guest RAM, the MaxProcs bound proc.Table already
// fixes at compile time, and the scheduler's own DefaultQuantum.
const (
	defaultRAMBytes      = 16 * 1024 * 1024
	defaultMaxProcs      = 64
	defaultQuantumMillis = 100
	defaultInitBinary    = "/sbin/init"
	defaultSerialDevice  = "/dev/ttyS0"
)

func (m *Manifest) applyDefaults() {
	if m.RAMBytes == 0 {
		m.RAMBytes = defaultRAMBytes
	}
	if m.MaxProcs == 0 {
		m.MaxProcs = defaultMaxProcs
	}
	if m.QuantumMillis == 0 {
		m.QuantumMillis = defaultQuantumMillis
	}
	if m.InitBinary == "" {
		m.InitBinary = defaultInitBinary
	}
	if m.SerialDevice == "" {
		m.SerialDevice = defaultSerialDevice
	}
}

// Load reads and parses the manifest at path, applying defaults to any
// unset field. A missing RootFSImage is left empty — cmd/kernel treats
// that as "boot an empty in-memory root" rather than an error, useful for
// the scenario harness.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	m.applyDefaults()

	slog.Info("loaded boot manifest", "path", path, "ram_bytes", m.RAMBytes,
		"max_procs", m.MaxProcs, "quantum_millis", m.QuantumMillis)
	return m, nil
}

// Default returns a Manifest with every field at its default, for
// scenario tests and callers that boot without a manifest file on disk.
func Default() Manifest {
	var m Manifest
	m.applyDefaults()
	return m
}
