package db_test

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tphummel/lab_gpu/internal/db"
	"github.com/tphummel/lab_gpu/internal/models"
)

var day = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

// at returns an instant on the test day at the given hour and minute.
func at(hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func newReservation(f *fixture, start, end time.Time) *models.Reservation {
	return &models.Reservation{
		ID:       uuid.New().String(),
		Start:    start,
		End:      end,
		UserID:   f.User.ID,
		DeviceID: f.Device.ID,
	}
}

func TestCreateReservation_RoundTrip(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	r := newReservation(f, at(10, 0), at(11, 0))
	r.Note = "training run"
	if err := d.CreateReservation(r); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	got, err := d.GetReservation(r.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if !got.Start.Equal(at(10, 0)) || !got.End.Equal(at(11, 0)) {
		t.Errorf("interval: got [%v, %v), want [%v, %v)", got.Start, got.End, at(10, 0), at(11, 0))
	}
	if got.UserID != f.User.ID || got.DeviceID != f.Device.ID {
		t.Errorf("references: got user %q device %q", got.UserID, got.DeviceID)
	}
	if got.Note != "training run" {
		t.Errorf("Note: got %q, want %q", got.Note, "training run")
	}
}

func TestCreateReservation_OverlapRejected(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	first := newReservation(f, at(10, 0), at(12, 0))
	if err := d.CreateReservation(first); err != nil {
		t.Fatalf("first CreateReservation: %v", err)
	}

	second := newReservation(f, at(11, 0), at(13, 0))
	err := d.CreateReservation(second)
	var overlap *db.OverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected *OverlapError, got %v", err)
	}
	if overlap.Existing == nil || overlap.Existing.ID != first.ID {
		t.Errorf("Existing: got %v, want reservation %q", overlap.Existing, first.ID)
	}

	// The rejected row must not be persisted.
	if _, err := d.GetReservation(second.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("rejected reservation persisted: %v", err)
	}
}

func TestCreateReservation_TouchingIntervalsCompatible(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	if err := d.CreateReservation(newReservation(f, at(10, 0), at(11, 0))); err != nil {
		t.Fatalf("first CreateReservation: %v", err)
	}
	if err := d.CreateReservation(newReservation(f, at(11, 0), at(12, 0))); err != nil {
		t.Errorf("touching interval should not conflict: %v", err)
	}
	if err := d.CreateReservation(newReservation(f, at(9, 0), at(10, 0))); err != nil {
		t.Errorf("touching interval before should not conflict: %v", err)
	}
}

// The no_overlap trigger must hold even for writes that bypass the
// pre-insert conflict check.
func TestNoOverlapTrigger_BlocksDirectInsert(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	if err := d.CreateReservation(newReservation(f, at(10, 0), at(12, 0))); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	raw := newReservation(f, at(11, 0), at(11, 30))
	if err := d.RawInsertReservation(raw); err == nil {
		t.Fatal("direct overlapping insert should have been rejected by the trigger")
	}
	if _, err := d.GetReservation(raw.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("trigger-rejected row persisted: %v", err)
	}
}

func TestReservation_StartBeforeEndCheck(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	// Equal endpoints and inverted intervals violate the table CHECK even
	// on a direct insert.
	if err := d.RawInsertReservation(newReservation(f, at(10, 0), at(10, 0))); err == nil {
		t.Error("empty interval should violate CHECK constraint")
	}
	if err := d.RawInsertReservation(newReservation(f, at(11, 0), at(10, 0))); err == nil {
		t.Error("inverted interval should violate CHECK constraint")
	}
}

func TestReservation_DanglingReferences(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	noUser := newReservation(f, at(10, 0), at(11, 0))
	noUser.UserID = "ghost"
	if err := d.CreateReservation(noUser); err == nil {
		t.Error("expected foreign key error for unknown user, got nil")
	}

	noDevice := newReservation(f, at(10, 0), at(11, 0))
	noDevice.DeviceID = "ghost"
	if err := d.CreateReservation(noDevice); err == nil {
		t.Error("expected foreign key error for unknown device, got nil")
	}
}

func TestIsFreeAt(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	if err := d.CreateReservation(newReservation(f, at(10, 0), at(11, 0))); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before start", at(9, 59), true},
		{"at start", at(10, 0), false},
		{"inside", at(10, 30), false},
		{"at end (half-open)", at(11, 0), true},
		{"after end", at(12, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			free, err := d.IsFreeAt(f.Device.ID, tt.at)
			if err != nil {
				t.Fatalf("IsFreeAt: %v", err)
			}
			if free != tt.want {
				t.Errorf("IsFreeAt(%v): got %v, want %v", tt.at, free, tt.want)
			}
		})
	}
}

func TestConflictingReservation(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	r := newReservation(f, at(10, 0), at(12, 0))
	if err := d.CreateReservation(r); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	got, err := d.ConflictingReservation(f.Device.ID, at(11, 0), at(13, 0))
	if err != nil {
		t.Fatalf("ConflictingReservation: %v", err)
	}
	if got == nil || got.ID != r.ID {
		t.Errorf("overlap: got %v, want reservation %q", got, r.ID)
	}

	got, err = d.ConflictingReservation(f.Device.ID, at(12, 0), at(13, 0))
	if err != nil {
		t.Fatalf("ConflictingReservation: %v", err)
	}
	if got != nil {
		t.Errorf("touching window: got %v, want nil", got)
	}
}

func TestListReservations_FilterAndOrder(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	// A second device to prove filtering.
	dev2 := &models.Device{
		ID: uuid.New().String(), Slot: "gpu1", Reservable: true,
		HostID: f.Host.ID, ModelID: f.Model.ID,
	}
	if err := d.CreateDevice(dev2); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	// Insert out of start order to prove the ORDER BY.
	later := newReservation(f, at(14, 0), at(15, 0))
	earlier := newReservation(f, at(9, 0), at(10, 0))
	onDev2 := newReservation(f, at(9, 0), at(10, 0))
	onDev2.DeviceID = dev2.ID
	for _, r := range []*models.Reservation{later, earlier, onDev2} {
		if err := d.CreateReservation(r); err != nil {
			t.Fatalf("CreateReservation: %v", err)
		}
	}

	all, err := d.ListReservations(db.ReservationFilter{})
	if err != nil {
		t.Fatalf("ListReservations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 reservations, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Start.Before(all[i-1].Start) {
			t.Errorf("not in ascending start order: %v before %v", all[i].Start, all[i-1].Start)
		}
	}

	byDevice, err := d.ListReservations(db.ReservationFilter{DeviceID: f.Device.ID})
	if err != nil {
		t.Fatalf("ListReservations by device: %v", err)
	}
	if len(byDevice) != 2 {
		t.Errorf("device filter: got %d, want 2", len(byDevice))
	}

	window, err := d.ListReservations(db.ReservationFilter{From: at(8, 0), To: at(11, 0)})
	if err != nil {
		t.Fatalf("ListReservations by window: %v", err)
	}
	if len(window) != 2 {
		t.Errorf("window filter: got %d, want 2 (the two 9:00 reservations)", len(window))
	}
}

func TestDeleteReservation(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	r := newReservation(f, at(10, 0), at(11, 0))
	if err := d.CreateReservation(r); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	if err := d.DeleteReservation(r.ID); err != nil {
		t.Fatalf("DeleteReservation: %v", err)
	}
	if _, err := d.GetReservation(r.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows after delete, got %v", err)
	}
	if err := d.DeleteReservation(r.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second delete: expected sql.ErrNoRows, got %v", err)
	}

	// The freed window is reservable again.
	if err := d.CreateReservation(newReservation(f, at(10, 0), at(11, 0))); err != nil {
		t.Errorf("re-reserving freed window: %v", err)
	}
}

func TestCountReservations(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	for _, r := range []*models.Reservation{
		newReservation(f, at(9, 0), at(10, 0)),
		newReservation(f, at(10, 0), at(11, 0)),
	} {
		if err := d.CreateReservation(r); err != nil {
			t.Fatalf("CreateReservation: %v", err)
		}
	}

	total, active, err := d.CountReservations(at(10, 30))
	if err != nil {
		t.Fatalf("CountReservations: %v", err)
	}
	if total != 2 {
		t.Errorf("total: got %d, want 2", total)
	}
	if active != 1 {
		t.Errorf("active: got %d, want 1", active)
	}
}

func TestGetDeviceDetail_Availability(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	if err := d.CreateReservation(newReservation(f, at(10, 0), at(11, 0))); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	dd, err := d.GetDeviceDetail("leto01", "gpu0", at(10, 30))
	if err != nil {
		t.Fatalf("GetDeviceDetail: %v", err)
	}
	if dd.Available {
		t.Error("Available at 10:30: got true, want false")
	}
	if dd.HostName != "leto01" || dd.ModelName != "GTX Titan X" {
		t.Errorf("names: got host %q model %q", dd.HostName, dd.ModelName)
	}

	dd, err = d.GetDeviceDetail("leto01", "gpu0", at(11, 0))
	if err != nil {
		t.Fatalf("GetDeviceDetail: %v", err)
	}
	if !dd.Available {
		t.Error("Available at 11:00 (half-open end): got false, want true")
	}
}

func TestListDevices_Filters(t *testing.T) {
	d := newTestDB(t)
	f := seedFixture(t, d)

	dev2 := &models.Device{
		ID: uuid.New().String(), Slot: "gpu1", Reservable: false,
		HostID: f.Host.ID, ModelID: f.Model.ID,
	}
	if err := d.CreateDevice(dev2); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	all, err := d.ListDevices(db.DeviceFilter{}, at(12, 0))
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(all))
	}

	reservable := true
	filtered, err := d.ListDevices(db.DeviceFilter{Reservable: &reservable}, at(12, 0))
	if err != nil {
		t.Fatalf("ListDevices reservable: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Slot != "gpu0" {
		t.Errorf("reservable filter: got %d devices", len(filtered))
	}

	byHost, err := d.ListDevices(db.DeviceFilter{Host: "leto01"}, at(12, 0))
	if err != nil {
		t.Fatalf("ListDevices host: %v", err)
	}
	if len(byHost) != 2 {
		t.Errorf("host filter: got %d devices, want 2", len(byHost))
	}
	if got, err := d.ListDevices(db.DeviceFilter{Host: "nohost"}, at(12, 0)); err != nil || len(got) != 0 {
		t.Errorf("unknown host filter: got %d devices, err %v", len(got), err)
	}
}
