package models

import "time"

// TimeFormat is the canonical on-the-wire and on-disk timestamp layout.
// All times are UTC; the fixed-width layout means SQLite string comparison
// orders timestamps correctly.
const TimeFormat = time.RFC3339

// NormalizeTime converts t to UTC and drops sub-second precision so that
// stored timestamps are stable under RFC3339 round-trips.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// ValidInterval reports whether [start, end) is a well-formed reservation
// window. Equal or inverted endpoints are rejected.
func ValidInterval(start, end time.Time) bool {
	return start.Before(end)
}

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Touching endpoints do not overlap: a window
// ending at T is compatible with one starting at T.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Room is a physical location that hosts live in.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Host is a machine with zero or more attached GPU devices.
// StorageGB and RoomID are optional; some hosts have no assigned room.
type Host struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemoryGB  float64  `json:"memory_gb"`
	StorageGB *float64 `json:"storage_gb,omitempty"`
	RoomID    *string  `json:"room_id,omitempty"`
}

// DeviceModel describes a GPU product shared by many devices.
// Arch is the numeric compute-capability version.
type DeviceModel struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	MemoryGB float64 `json:"memory_gb"`
	Arch     float64 `json:"arch"`
}

// Device is a single reservable GPU, identified by its slot name (e.g.
// "gpu0") which is unique within its host. A device with Reservable false
// is permanently excluded from admission regardless of schedule.
type Device struct {
	ID         string `json:"id"`
	Slot       string `json:"slot"`
	Reservable bool   `json:"reservable"`
	HostID     string `json:"host_id"`
	ModelID    string `json:"model_id"`
}

// DeviceDetail is a Device joined with its host and model names, plus the
// availability flag computed for a given instant.
type DeviceDetail struct {
	Device
	HostName  string `json:"host"`
	ModelName string `json:"model"`
	Available bool   `json:"available"`
}

// User is a directory entry that reservations are attributed to.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// DisplayName returns the user's full name, falling back to the username
// when no name is recorded.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// Note is a free-form annotation attachable to hosts, device models, and
// devices. Attachments are independent many-to-many relations with no
// lifecycle coupling to reservations.
type Note struct {
	ID     string `json:"id"`
	Note   string `json:"note"`
	Detail string `json:"detail,omitempty"`
}

// Reservation binds exactly one device to one user for the half-open window
// [Start, End). Reservations are immutable once committed; the admission
// engine is the only writer.
type Reservation struct {
	ID       string    `json:"id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	Note     string    `json:"note,omitempty"`
}
