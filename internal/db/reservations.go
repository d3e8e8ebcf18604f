package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tphummel/lab_gpu/internal/models"
)

// OverlapError is returned when a reservation insert collides with a
// committed reservation on the same device. Existing is the blocking row
// when the pre-insert check found it; it is nil when only the storage
// trigger caught the collision (a race lost at commit time).
type OverlapError struct {
	Existing *models.Reservation
}

func (e *OverlapError) Error() string {
	if e.Existing != nil {
		return fmt.Sprintf("conflicting reservation %s [%s, %s)",
			e.Existing.ID,
			e.Existing.Start.Format(models.TimeFormat),
			e.Existing.End.Format(models.TimeFormat))
	}
	return "conflicting reservations"
}

// isTriggerConflict matches the RAISE(ABORT, ...) message of the no_overlap
// trigger.
func isTriggerConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "conflicting reservations")
}

// CreateReservation atomically checks for conflicts and inserts r. The
// check and the insert share one transaction, and the no_overlap trigger
// re-checks inside the insert itself, so two racing writers can never both
// commit overlapping rows: the loser gets an *OverlapError and leaves no
// partial state.
func (d *DB) CreateReservation(r *models.Reservation) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := conflicting(tx, r.DeviceID, r.Start, r.End)
	if err != nil {
		return err
	}
	if existing != nil {
		return &OverlapError{Existing: existing}
	}

	_, err = tx.Exec(`
		INSERT INTO reservations (id, start_at, end_at, user_id, device_id, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, fmtTime(r.Start), fmtTime(r.End), r.UserID, r.DeviceID, r.Note,
	)
	if err != nil {
		if isTriggerConflict(err) {
			return &OverlapError{}
		}
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

// conflicting returns the committed reservation for deviceID that overlaps
// [start, end), or nil when the window is clear. Touching endpoints do not
// conflict.
func conflicting(q queryer, deviceID string, start, end time.Time) (*models.Reservation, error) {
	row := q.QueryRow(`
		SELECT id, start_at, end_at, user_id, device_id, note
		FROM reservations
		WHERE device_id = ? AND start_at < ? AND end_at > ?
		ORDER BY start_at LIMIT 1`,
		deviceID, fmtTime(end), fmtTime(start),
	)
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ConflictingReservation reports the committed reservation on deviceID that
// overlaps [start, end), or nil if the window is free.
func (d *DB) ConflictingReservation(deviceID string, start, end time.Time) (*models.Reservation, error) {
	return conflicting(d.conn, deviceID, start, end)
}

// IsFreeAt reports whether no committed reservation on deviceID covers the
// instant at (start <= at < end).
func (d *DB) IsFreeAt(deviceID string, at time.Time) (bool, error) {
	ts := fmtTime(at)
	var occupied bool
	err := d.conn.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE device_id = ? AND start_at <= ? AND end_at > ?
		)`, deviceID, ts, ts).Scan(&occupied)
	if err != nil {
		return false, err
	}
	return !occupied, nil
}

// ReservationFilter narrows ListReservations. Zero values mean no
// filtering; From/To select reservations overlapping [From, To).
type ReservationFilter struct {
	DeviceID string
	UserID   string
	From     time.Time
	To       time.Time
}

// ListReservations returns committed reservations matching the filter in
// ascending start order.
func (d *DB) ListReservations(f ReservationFilter) ([]*models.Reservation, error) {
	q := `SELECT id, start_at, end_at, user_id, device_id, note FROM reservations`
	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.From.IsZero() {
		where = append(where, "end_at > ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "start_at < ?")
		args = append(args, fmtTime(f.To))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY start_at"

	rows, err := d.conn.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReservation returns the reservation with the given ID.
func (d *DB) GetReservation(id string) (*models.Reservation, error) {
	row := d.conn.QueryRow(`
		SELECT id, start_at, end_at, user_id, device_id, note
		FROM reservations WHERE id = ?`, id)
	return scanReservation(row)
}

// DeleteReservation removes a reservation by ID. This is an administrative
// action; it can only widen availability, never violate the no-overlap
// invariant. Returns sql.ErrNoRows if no such reservation exists.
func (d *DB) DeleteReservation(id string) error {
	res, err := d.conn.Exec(`DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanReservation(row *sql.Row) (*models.Reservation, error) {
	var r models.Reservation
	var start, end string
	if err := row.Scan(&r.ID, &start, &end, &r.UserID, &r.DeviceID, &r.Note); err != nil {
		return nil, err
	}
	return fillTimes(&r, start, end)
}

func scanReservationRows(rows *sql.Rows) (*models.Reservation, error) {
	var r models.Reservation
	var start, end string
	if err := rows.Scan(&r.ID, &start, &end, &r.UserID, &r.DeviceID, &r.Note); err != nil {
		return nil, err
	}
	return fillTimes(&r, start, end)
}

func fillTimes(r *models.Reservation, start, end string) (*models.Reservation, error) {
	var err error
	r.Start, err = parseTime(start)
	if err != nil {
		return nil, fmt.Errorf("start_at: %w", err)
	}
	r.End, err = parseTime(end)
	if err != nil {
		return nil, fmt.Errorf("end_at: %w", err)
	}
	return r, nil
}
