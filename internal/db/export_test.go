package db

import "github.com/tphummel/lab_gpu/internal/models"

// RawInsertReservation writes a reservation row directly, bypassing the
// engine and the pre-insert conflict check. Tests use it to prove the
// no_overlap trigger holds even against writers that skip the engine.
func (d *DB) RawInsertReservation(r *models.Reservation) error {
	_, err := d.conn.Exec(`
		INSERT INTO reservations (id, start_at, end_at, user_id, device_id, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, fmtTime(r.Start), fmtTime(r.End), r.UserID, r.DeviceID, r.Note,
	)
	return err
}
