// Package seed loads provisioning fixture data (rooms, hosts, device
// models, devices, users) from a YAML file into an empty catalog.
package seed

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/tphummel/lab_gpu/internal/db"
	"github.com/tphummel/lab_gpu/internal/models"
	"gopkg.in/yaml.v3"
)

// File is the fixture document. Rooms are not listed explicitly; they are
// derived from the unique non-empty room values on hosts, as the
// provisioning lists only mention rooms by name.
type File struct {
	Hosts        []HostSeed   `yaml:"hosts"`
	Models       []ModelSeed  `yaml:"models"`
	Devices      []DeviceSeed `yaml:"devices"`
	Users        []UserSeed   `yaml:"users"`
	Unreservable []Pair       `yaml:"unreservable"`
}

// HostSeed describes one host row. Room and StorageGB are optional.
type HostSeed struct {
	Name      string   `yaml:"name"`
	MemoryGB  float64  `yaml:"memory_gb"`
	Room      string   `yaml:"room"`
	StorageGB *float64 `yaml:"storage_gb"`
}

// ModelSeed describes one device model row.
type ModelSeed struct {
	Name     string  `yaml:"name"`
	MemoryGB float64 `yaml:"memory_gb"`
	Arch     float64 `yaml:"arch"`
}

// DeviceSeed places a device in a slot on a host. Host and Model refer to
// entries in the hosts and models lists by name.
type DeviceSeed struct {
	Host  string `yaml:"host"`
	Slot  string `yaml:"slot"`
	Model string `yaml:"model"`
}

// UserSeed describes one directory entry.
type UserSeed struct {
	Username string `yaml:"username"`
	Name     string `yaml:"name"`
}

// Pair names a device by host and slot, used for the unreservable list.
type Pair struct {
	Host string `yaml:"host"`
	Slot string `yaml:"slot"`
}

// Parse decodes a fixture document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// LoadPath reads and applies the fixture at path. Loading is skipped when
// the catalog already has hosts, so restarts are idempotent.
func LoadPath(d *db.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	return Load(d, f)
}

// Load applies the fixture to the database. A device referencing an unknown
// host or model name is a fatal configuration error, not a runtime error.
func Load(d *db.DB, f *File) error {
	n, err := d.CountHosts()
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("seed skipped, catalog already provisioned", "hosts", n)
		return nil
	}

	// Unique non-empty rooms, in stable order.
	roomNames := make(map[string]bool)
	for _, h := range f.Hosts {
		if h.Room != "" {
			roomNames[h.Room] = true
		}
	}
	sorted := make([]string, 0, len(roomNames))
	for name := range roomNames {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	rooms := make(map[string]string, len(sorted))
	for _, name := range sorted {
		r := &models.Room{ID: uuid.New().String(), Name: name}
		if err := d.CreateRoom(r); err != nil {
			return fmt.Errorf("seed room %q: %w", name, err)
		}
		rooms[name] = r.ID
	}

	hosts := make(map[string]string, len(f.Hosts))
	for _, hs := range f.Hosts {
		h := &models.Host{
			ID:        uuid.New().String(),
			Name:      hs.Name,
			MemoryGB:  hs.MemoryGB,
			StorageGB: hs.StorageGB,
		}
		if hs.Room != "" {
			roomID := rooms[hs.Room]
			h.RoomID = &roomID
		}
		if err := d.CreateHost(h); err != nil {
			return fmt.Errorf("seed host %q: %w", hs.Name, err)
		}
		hosts[hs.Name] = h.ID
	}

	deviceModels := make(map[string]string, len(f.Models))
	for _, ms := range f.Models {
		m := &models.DeviceModel{
			ID:       uuid.New().String(),
			Name:     ms.Name,
			MemoryGB: ms.MemoryGB,
			Arch:     ms.Arch,
		}
		if err := d.CreateModel(m); err != nil {
			return fmt.Errorf("seed model %q: %w", ms.Name, err)
		}
		deviceModels[ms.Name] = m.ID
	}

	unreservable := make(map[Pair]bool, len(f.Unreservable))
	for _, p := range f.Unreservable {
		unreservable[p] = true
	}

	for _, ds := range f.Devices {
		hostID, ok := hosts[ds.Host]
		if !ok {
			return fmt.Errorf("seed device %s:%s: unknown host %q", ds.Host, ds.Slot, ds.Host)
		}
		modelID, ok := deviceModels[ds.Model]
		if !ok {
			return fmt.Errorf("seed device %s:%s: unknown model %q", ds.Host, ds.Slot, ds.Model)
		}
		dev := &models.Device{
			ID:         uuid.New().String(),
			Slot:       ds.Slot,
			Reservable: !unreservable[Pair{Host: ds.Host, Slot: ds.Slot}],
			HostID:     hostID,
			ModelID:    modelID,
		}
		if err := d.CreateDevice(dev); err != nil {
			return fmt.Errorf("seed device %s:%s: %w", ds.Host, ds.Slot, err)
		}
	}

	for _, us := range f.Users {
		u := &models.User{ID: uuid.New().String(), Username: us.Username, Name: us.Name}
		if err := d.CreateUser(u); err != nil {
			return fmt.Errorf("seed user %q: %w", us.Username, err)
		}
	}

	slog.Info("seed applied",
		"rooms", len(rooms),
		"hosts", len(f.Hosts),
		"models", len(f.Models),
		"devices", len(f.Devices),
		"users", len(f.Users),
	)
	return nil
}
