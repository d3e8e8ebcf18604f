package seed_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tphummel/lab_gpu/internal/db"
	"github.com/tphummel/lab_gpu/internal/seed"
)

const fixtureYAML = `
hosts:
  - name: leto01
    memory_gb: 64
    room: "3256"
    storage_gb: 3600
  - name: leto02
    memory_gb: 32
    room: "3332"
    storage_gb: 3600
  - name: assam
    memory_gb: 10
    storage_gb: 390
  - name: barney0
    memory_gb: 24
    room: Server room
models:
  - name: GTX Titan X
    memory_gb: 12
    arch: 5.2
  - name: GTX 750
    memory_gb: 2
    arch: 5.0
devices:
  - { host: leto01, slot: gpu0, model: GTX Titan X }
  - { host: leto01, slot: gpu1, model: GTX Titan X }
  - { host: leto02, slot: gpu0, model: GTX Titan X }
  - { host: leto02, slot: gpu1, model: GTX 750 }
  - { host: assam, slot: gpu0, model: GTX 750 }
users:
  - { username: vanmerb, name: Bart van M }
unreservable:
  - { host: leto02, slot: gpu1 }
`

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestParse(t *testing.T) {
	f, err := seed.Parse([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Hosts) != 4 {
		t.Errorf("hosts: got %d, want 4", len(f.Hosts))
	}
	if len(f.Models) != 2 {
		t.Errorf("models: got %d, want 2", len(f.Models))
	}
	if len(f.Devices) != 5 {
		t.Errorf("devices: got %d, want 5", len(f.Devices))
	}
	if f.Hosts[2].StorageGB == nil || *f.Hosts[2].StorageGB != 390 {
		t.Errorf("assam storage: got %v", f.Hosts[2].StorageGB)
	}
	if f.Hosts[2].Room != "" {
		t.Errorf("assam room: got %q, want empty", f.Hosts[2].Room)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := seed.Parse([]byte("hosts: [")); err == nil {
		t.Error("expected parse error, got nil")
	}
}

func TestLoad(t *testing.T) {
	d := newTestDB(t)
	f, err := seed.Parse([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := seed.Load(d, f); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Rooms are derived from the unique non-empty host room values.
	rooms, err := d.ListRooms()
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Errorf("rooms: got %d, want 3", len(rooms))
	}

	hosts, err := d.ListHosts()
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 4 {
		t.Errorf("hosts: got %d, want 4", len(hosts))
	}

	// assam has no room.
	assam, err := d.GetHostByName("assam")
	if err != nil {
		t.Fatalf("GetHostByName: %v", err)
	}
	if assam.RoomID != nil {
		t.Errorf("assam RoomID: got %v, want nil", *assam.RoomID)
	}

	// Devices resolve host and model references by name.
	dev, err := d.GetDeviceBySlot("leto01", "gpu0")
	if err != nil {
		t.Fatalf("GetDeviceBySlot: %v", err)
	}
	if !dev.Reservable {
		t.Error("leto01:gpu0 should be reservable")
	}

	// The unreservable list flips the flag.
	excluded, err := d.GetDeviceBySlot("leto02", "gpu1")
	if err != nil {
		t.Fatalf("GetDeviceBySlot: %v", err)
	}
	if excluded.Reservable {
		t.Error("leto02:gpu1 should not be reservable")
	}

	if _, err := d.GetUserByUsername("vanmerb"); err != nil {
		t.Errorf("GetUserByUsername: %v", err)
	}
}

func TestLoad_Idempotent(t *testing.T) {
	d := newTestDB(t)
	f, err := seed.Parse([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := seed.Load(d, f); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	// Second load is a no-op, not a constraint failure.
	if err := seed.Load(d, f); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	hosts, err := d.ListHosts()
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 4 {
		t.Errorf("hosts after double load: got %d, want 4", len(hosts))
	}
}

func TestLoad_UnknownHostReference(t *testing.T) {
	d := newTestDB(t)
	f, err := seed.Parse([]byte(`
hosts:
  - { name: leto01, memory_gb: 64 }
models:
  - { name: GTX 750, memory_gb: 2, arch: 5.0 }
devices:
  - { host: leto99, slot: gpu0, model: GTX 750 }
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = seed.Load(d, f)
	if err == nil {
		t.Fatal("expected error for unknown host reference, got nil")
	}
	if !strings.Contains(err.Error(), "leto99") {
		t.Errorf("error should name the unknown host: %v", err)
	}
}

func TestLoad_UnknownModelReference(t *testing.T) {
	d := newTestDB(t)
	f, err := seed.Parse([]byte(`
hosts:
  - { name: leto01, memory_gb: 64 }
devices:
  - { host: leto01, slot: gpu0, model: Imaginary 9000 }
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := seed.Load(d, f); err == nil {
		t.Fatal("expected error for unknown model reference, got nil")
	}
}

func TestLoadPath(t *testing.T) {
	d := newTestDB(t)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := seed.LoadPath(d, path); err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	n, err := d.CountHosts()
	if err != nil {
		t.Fatalf("CountHosts: %v", err)
	}
	if n != 4 {
		t.Errorf("hosts: got %d, want 4", n)
	}
}

func TestLoadPath_MissingFile(t *testing.T) {
	d := newTestDB(t)
	if err := seed.LoadPath(d, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
