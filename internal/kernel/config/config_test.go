package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yml")
	if err := os.WriteFile(path, []byte("rootfs_image: /rootfs.img\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.RootFSImage != "/rootfs.img" {
		t.Fatalf("RootFSImage = %q, want /rootfs.img", m.RootFSImage)
	}
	if m.RAMBytes != defaultRAMBytes {
		t.Fatalf("RAMBytes = %d, want default %d", m.RAMBytes, defaultRAMBytes)
	}
	if m.MaxProcs != defaultMaxProcs {
		t.Fatalf("MaxProcs = %d, want default %d", m.MaxProcs, defaultMaxProcs)
	}
	if m.InitBinary != defaultInitBinary {
		t.Fatalf("InitBinary = %q, want default %q", m.InitBinary, defaultInitBinary)
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yml")
	content := "ram_bytes: 1048576\nmax_procs: 8\nquantum_millis: 50\ninit_binary: /bin/myinit\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.RAMBytes != 1048576 || m.MaxProcs != 8 || m.QuantumMillis != 50 || m.InitBinary != "/bin/myinit" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefaultManifest(t *testing.T) {
	m := Default()
	if m.RAMBytes != defaultRAMBytes || m.SerialDevice != defaultSerialDevice {
		t.Fatalf("unexpected default manifest: %+v", m)
	}
}
