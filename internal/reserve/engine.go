// Package reserve implements the reservation admission engine: the only
// writer of reservation records and the sole enforcer of the no-overlap
// invariant.
package reserve

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tphummel/lab_gpu/internal/db"
	"github.com/tphummel/lab_gpu/internal/models"
)

// Admission error taxonomy. All are recoverable client-side; Conflict and
// NotReservable require a different request, not a resubmission.
var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrNotFound        = errors.New("not found")
	ErrNotReservable   = errors.New("device not reservable")
	ErrConflict        = errors.New("conflicting reservation")
	ErrUnavailable     = errors.New("storage unavailable")
)

// ConflictError carries enough detail for a caller to pick a new window:
// the device, the rejected interval, and the blocking reservation when the
// pre-commit check saw it (nil when the race was only caught at commit).
type ConflictError struct {
	Host     string
	Slot     string
	Start    time.Time
	End      time.Time
	Existing *models.Reservation
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflicting reservation on %s:%s for [%s, %s)",
		e.Host, e.Slot,
		e.Start.Format(models.TimeFormat), e.End.Format(models.TimeFormat))
	if e.Existing != nil {
		msg += fmt.Sprintf(", blocked by %s [%s, %s)",
			e.Existing.ID,
			e.Existing.Start.Format(models.TimeFormat),
			e.Existing.End.Format(models.TimeFormat))
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// maxRetries bounds how often a transient storage failure (lock contention,
// busy database) restarts the full check-and-commit sequence.
const maxRetries = 3

// Engine admits reservations against the catalog and the committed
// reservation set.
type Engine struct {
	db *db.DB
}

// New returns an Engine backed by the given database.
func New(d *db.DB) *Engine {
	return &Engine{db: d}
}

// Request is a reservation attempt. Host and Slot name the device; times
// are normalized to whole-second UTC before any comparison.
type Request struct {
	Username string
	Host     string
	Slot     string
	Start    time.Time
	End      time.Time
	Note     string
}

// Reserve validates req and atomically commits a reservation.
//
// Validation order: interval shape, user and device existence, the
// reservable flag, then conflict-check-and-insert in one transaction. The
// storage trigger re-checks the overlap inside the insert, so two racing
// calls on the same device can never both succeed. Transient storage
// failures redo the whole sequence up to maxRetries times before
// surfacing ErrUnavailable. No failure path leaves a partial row.
func (e *Engine) Reserve(req Request) (*models.Reservation, error) {
	start := models.NormalizeTime(req.Start)
	end := models.NormalizeTime(req.End)
	if !models.ValidInterval(start, end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s",
			ErrInvalidInterval,
			start.Format(models.TimeFormat), end.Format(models.TimeFormat))
	}

	user, err := e.db.GetUserByUsername(req.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, req.Username)
	}
	if err != nil {
		return nil, err
	}

	device, err := e.db.GetDeviceBySlot(req.Host, req.Slot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s:%s", ErrNotFound, req.Host, req.Slot)
	}
	if err != nil {
		return nil, err
	}

	if !device.Reservable {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotReservable, req.Host, req.Slot)
	}

	r := &models.Reservation{
		ID:       uuid.New().String(),
		Start:    start,
		End:      end,
		UserID:   user.ID,
		DeviceID: device.ID,
		Note:     req.Note,
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := e.db.CreateReservation(r)
		if err == nil {
			return r, nil
		}
		var overlap *db.OverlapError
		if errors.As(err, &overlap) {
			return nil, &ConflictError{
				Host:     req.Host,
				Slot:     req.Slot,
				Start:    start,
				End:      end,
				Existing: overlap.Existing,
			}
		}
		if !db.IsBusy(err) {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Filter narrows ListReservations by device, user, or overlapping time
// window. Device filtering requires both Host and Slot.
type Filter struct {
	Host     string
	Slot     string
	Username string
	From     time.Time
	To       time.Time
}

// ListReservations returns committed reservations matching the filter in
// ascending start order. Unknown host/slot or username references yield
// ErrNotFound rather than a silently empty list.
func (e *Engine) ListReservations(f Filter) ([]*models.Reservation, error) {
	var dbf db.ReservationFilter
	if f.Host != "" || f.Slot != "" {
		device, err := e.db.GetDeviceBySlot(f.Host, f.Slot)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: device %s:%s", ErrNotFound, f.Host, f.Slot)
		}
		if err != nil {
			return nil, err
		}
		dbf.DeviceID = device.ID
	}
	if f.Username != "" {
		user, err := e.db.GetUserByUsername(f.Username)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %q", ErrNotFound, f.Username)
		}
		if err != nil {
			return nil, err
		}
		dbf.UserID = user.ID
	}
	dbf.From = f.From
	dbf.To = f.To
	return e.db.ListReservations(dbf)
}

// IsFree reports whether the device named by host and slot has no committed
// reservation covering the instant at.
func (e *Engine) IsFree(host, slot string, at time.Time) (bool, error) {
	device, err := e.db.GetDeviceBySlot(host, slot)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: device %s:%s", ErrNotFound, host, slot)
	}
	if err != nil {
		return false, err
	}
	return e.db.IsFreeAt(device.ID, at)
}

// Conflicts reports whether any committed reservation on the device named
// by host and slot overlaps the half-open window [start, end).
func (e *Engine) Conflicts(host, slot string, start, end time.Time) (bool, error) {
	device, err := e.db.GetDeviceBySlot(host, slot)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: device %s:%s", ErrNotFound, host, slot)
	}
	if err != nil {
		return false, err
	}
	existing, err := e.db.ConflictingReservation(device.ID, start, end)
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}
