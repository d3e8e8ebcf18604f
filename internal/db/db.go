package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tphummel/lab_gpu/internal/models"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs
// migrations. The pool is capped at a single connection: pragmas are
// per-connection in SQLite, an in-memory database is private to its
// connection, and a single writer matches the engine's serialization model.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS hosts (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			memory_gb  REAL NOT NULL DEFAULT 0,
			storage_gb REAL,
			room_id    TEXT REFERENCES rooms(id)
		);
		CREATE TABLE IF NOT EXISTS device_models (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL UNIQUE,
			memory_gb REAL NOT NULL DEFAULT 0,
			arch      REAL NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS devices (
			id         TEXT PRIMARY KEY,
			slot       TEXT NOT NULL,
			reservable INTEGER NOT NULL DEFAULT 1,
			host_id    TEXT NOT NULL REFERENCES hosts(id),
			model_id   TEXT NOT NULL REFERENCES device_models(id),
			UNIQUE(host_id, slot)
		);
		CREATE TABLE IF NOT EXISTS users (
			id       TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			name     TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS notes (
			id     TEXT PRIMARY KEY,
			note   TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS host_notes (
			host_id TEXT NOT NULL REFERENCES hosts(id),
			note_id TEXT NOT NULL REFERENCES notes(id),
			PRIMARY KEY (host_id, note_id)
		);
		CREATE TABLE IF NOT EXISTS model_notes (
			model_id TEXT NOT NULL REFERENCES device_models(id),
			note_id  TEXT NOT NULL REFERENCES notes(id),
			PRIMARY KEY (model_id, note_id)
		);
		CREATE TABLE IF NOT EXISTS device_notes (
			device_id TEXT NOT NULL REFERENCES devices(id),
			note_id   TEXT NOT NULL REFERENCES notes(id),
			PRIMARY KEY (device_id, note_id)
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id        TEXT PRIMARY KEY,
			start_at  TEXT NOT NULL,
			end_at    TEXT NOT NULL,
			user_id   TEXT NOT NULL REFERENCES users(id),
			device_id TEXT NOT NULL REFERENCES devices(id),
			note      TEXT NOT NULL DEFAULT '',
			CHECK (start_at < end_at)
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_device ON reservations(device_id, start_at);
		CREATE INDEX IF NOT EXISTS idx_devices_host ON devices(host_id);
	`)
	if err != nil {
		return err
	}

	// Last line of defense for the no-overlap invariant: the trigger runs
	// inside the inserting transaction, so an overlapping row can never be
	// committed even by a write path that skips the engine's own check.
	// Timestamps are fixed-width RFC3339 UTC strings, so the string
	// comparisons order correctly.
	_, err = conn.Exec(`
		CREATE TRIGGER IF NOT EXISTS no_overlap BEFORE INSERT ON reservations
		BEGIN
			SELECT CASE WHEN
				(SELECT COUNT(*) FROM reservations WHERE
				 device_id = NEW.device_id AND start_at < NEW.end_at AND end_at > NEW.start_at) > 0
			THEN
				RAISE(ABORT, 'conflicting reservations')
			END;
		END;
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping() error {
	return d.conn.Ping()
}

// IsBusy reports whether err is a transient SQLite lock/busy failure that
// is worth retrying with the full check-and-commit redone from scratch.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func fmtTime(t time.Time) string {
	return models.NormalizeTime(t).Format(models.TimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(models.TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// --- Rooms ---

// CreateRoom inserts a new room.
func (d *DB) CreateRoom(r *models.Room) error {
	_, err := d.conn.Exec(`INSERT INTO rooms (id, name) VALUES (?, ?)`, r.ID, r.Name)
	return err
}

// GetRoom returns the room with the given ID, or sql.ErrNoRows if not found.
func (d *DB) GetRoom(id string) (*models.Room, error) {
	var r models.Room
	err := d.conn.QueryRow(`SELECT id, name FROM rooms WHERE id = ?`, id).Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns all rooms ordered by name.
func (d *DB) ListRooms() ([]*models.Room, error) {
	rows, err := d.conn.Query(`SELECT id, name FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		var r models.Room
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// --- Hosts ---

// CreateHost inserts a new host. StorageGB and RoomID may be nil.
func (d *DB) CreateHost(h *models.Host) error {
	_, err := d.conn.Exec(`
		INSERT INTO hosts (id, name, memory_gb, storage_gb, room_id)
		VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.MemoryGB, h.StorageGB, h.RoomID,
	)
	return err
}

// GetHost returns the host with the given ID, or sql.ErrNoRows if not found.
func (d *DB) GetHost(id string) (*models.Host, error) {
	row := d.conn.QueryRow(`
		SELECT id, name, memory_gb, storage_gb, room_id FROM hosts WHERE id = ?`, id)
	return scanHost(row)
}

// GetHostByName returns the host with the given unique name.
func (d *DB) GetHostByName(name string) (*models.Host, error) {
	row := d.conn.QueryRow(`
		SELECT id, name, memory_gb, storage_gb, room_id FROM hosts WHERE name = ?`, name)
	return scanHost(row)
}

func scanHost(row *sql.Row) (*models.Host, error) {
	var h models.Host
	var storage sql.NullFloat64
	var room sql.NullString
	if err := row.Scan(&h.ID, &h.Name, &h.MemoryGB, &storage, &room); err != nil {
		return nil, err
	}
	if storage.Valid {
		h.StorageGB = &storage.Float64
	}
	if room.Valid {
		h.RoomID = &room.String
	}
	return &h, nil
}

// ListHosts returns all hosts ordered by name.
func (d *DB) ListHosts() ([]*models.Host, error) {
	rows, err := d.conn.Query(`
		SELECT id, name, memory_gb, storage_gb, room_id FROM hosts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*models.Host
	for rows.Next() {
		var h models.Host
		var storage sql.NullFloat64
		var room sql.NullString
		if err := rows.Scan(&h.ID, &h.Name, &h.MemoryGB, &storage, &room); err != nil {
			return nil, err
		}
		if storage.Valid {
			h.StorageGB = &storage.Float64
		}
		if room.Valid {
			h.RoomID = &room.String
		}
		hosts = append(hosts, &h)
	}
	return hosts, rows.Err()
}

// CountHosts returns the number of host rows. The seed loader uses this to
// decide whether provisioning data has already been applied.
func (d *DB) CountHosts() (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM hosts`).Scan(&n)
	return n, err
}

// --- Device models ---

// CreateModel inserts a new device model.
func (d *DB) CreateModel(m *models.DeviceModel) error {
	_, err := d.conn.Exec(`
		INSERT INTO device_models (id, name, memory_gb, arch) VALUES (?, ?, ?, ?)`,
		m.ID, m.Name, m.MemoryGB, m.Arch,
	)
	return err
}

// GetModel returns the device model with the given ID.
func (d *DB) GetModel(id string) (*models.DeviceModel, error) {
	var m models.DeviceModel
	err := d.conn.QueryRow(`
		SELECT id, name, memory_gb, arch FROM device_models WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.MemoryGB, &m.Arch)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetModelByName returns the device model with the given unique name.
func (d *DB) GetModelByName(name string) (*models.DeviceModel, error) {
	var m models.DeviceModel
	err := d.conn.QueryRow(`
		SELECT id, name, memory_gb, arch FROM device_models WHERE name = ?`, name).
		Scan(&m.ID, &m.Name, &m.MemoryGB, &m.Arch)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModels returns all device models ordered by name.
func (d *DB) ListModels() ([]*models.DeviceModel, error) {
	rows, err := d.conn.Query(`
		SELECT id, name, memory_gb, arch FROM device_models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DeviceModel
	for rows.Next() {
		var m models.DeviceModel
		if err := rows.Scan(&m.ID, &m.Name, &m.MemoryGB, &m.Arch); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- Devices ---

// CreateDevice inserts a new device. The (host_id, slot) pair must be unique.
func (d *DB) CreateDevice(dev *models.Device) error {
	_, err := d.conn.Exec(`
		INSERT INTO devices (id, slot, reservable, host_id, model_id)
		VALUES (?, ?, ?, ?, ?)`,
		dev.ID, dev.Slot, dev.Reservable, dev.HostID, dev.ModelID,
	)
	return err
}

// GetDevice returns the device with the given ID.
func (d *DB) GetDevice(id string) (*models.Device, error) {
	row := d.conn.QueryRow(`
		SELECT id, slot, reservable, host_id, model_id FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// GetDeviceBySlot resolves a device by host name and slot identifier.
func (d *DB) GetDeviceBySlot(host, slot string) (*models.Device, error) {
	row := d.conn.QueryRow(`
		SELECT d.id, d.slot, d.reservable, d.host_id, d.model_id
		FROM devices d JOIN hosts h ON h.id = d.host_id
		WHERE h.name = ? AND d.slot = ?`, host, slot)
	return scanDevice(row)
}

func scanDevice(row *sql.Row) (*models.Device, error) {
	var dev models.Device
	if err := row.Scan(&dev.ID, &dev.Slot, &dev.Reservable, &dev.HostID, &dev.ModelID); err != nil {
		return nil, err
	}
	return &dev, nil
}

// DeviceFilter narrows ListDevices. Zero values mean no filtering.
type DeviceFilter struct {
	Host       string // host name
	Model      string // model name
	Reservable *bool
}

// ListDevices returns devices joined with host and model names, each with
// Available computed at the given instant. Ordered by host name then slot.
func (d *DB) ListDevices(f DeviceFilter, at time.Time) ([]*models.DeviceDetail, error) {
	q := `
		SELECT d.id, d.slot, d.reservable, d.host_id, d.model_id, h.name, m.name,
		       NOT EXISTS (
		           SELECT 1 FROM reservations r
		           WHERE r.device_id = d.id AND r.start_at <= ? AND r.end_at > ?
		       )
		FROM devices d
		JOIN hosts h ON h.id = d.host_id
		JOIN device_models m ON m.id = d.model_id`
	ts := fmtTime(at)
	args := []any{ts, ts}
	var where []string
	if f.Host != "" {
		where = append(where, "h.name = ?")
		args = append(args, f.Host)
	}
	if f.Model != "" {
		where = append(where, "m.name = ?")
		args = append(args, f.Model)
	}
	if f.Reservable != nil {
		where = append(where, "d.reservable = ?")
		args = append(args, *f.Reservable)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY h.name, d.slot"

	rows, err := d.conn.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DeviceDetail
	for rows.Next() {
		var dd models.DeviceDetail
		if err := rows.Scan(
			&dd.ID, &dd.Slot, &dd.Reservable, &dd.HostID, &dd.ModelID,
			&dd.HostName, &dd.ModelName, &dd.Available,
		); err != nil {
			return nil, err
		}
		out = append(out, &dd)
	}
	return out, rows.Err()
}

// GetDeviceDetail resolves a device by host name and slot, joined with host
// and model names and with Available computed at the given instant.
func (d *DB) GetDeviceDetail(host, slot string, at time.Time) (*models.DeviceDetail, error) {
	ts := fmtTime(at)
	var dd models.DeviceDetail
	err := d.conn.QueryRow(`
		SELECT d.id, d.slot, d.reservable, d.host_id, d.model_id, h.name, m.name,
		       NOT EXISTS (
		           SELECT 1 FROM reservations r
		           WHERE r.device_id = d.id AND r.start_at <= ? AND r.end_at > ?
		       )
		FROM devices d
		JOIN hosts h ON h.id = d.host_id
		JOIN device_models m ON m.id = d.model_id
		WHERE h.name = ? AND d.slot = ?`, ts, ts, host, slot).
		Scan(
			&dd.ID, &dd.Slot, &dd.Reservable, &dd.HostID, &dd.ModelID,
			&dd.HostName, &dd.ModelName, &dd.Available,
		)
	if err != nil {
		return nil, err
	}
	return &dd, nil
}

// SetReservable flips the administrative exclusion flag on a device.
// Returns sql.ErrNoRows if no such device exists.
func (d *DB) SetReservable(id string, reservable bool) error {
	res, err := d.conn.Exec(`UPDATE devices SET reservable = ? WHERE id = ?`, reservable, id)
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

// --- Users ---

// CreateUser inserts a new directory entry.
func (d *DB) CreateUser(u *models.User) error {
	_, err := d.conn.Exec(`
		INSERT INTO users (id, username, name) VALUES (?, ?, ?)`,
		u.ID, u.Username, u.Name,
	)
	return err
}

// GetUser returns the user with the given ID.
func (d *DB) GetUser(id string) (*models.User, error) {
	var u models.User
	err := d.conn.QueryRow(`SELECT id, username, name FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Name)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername returns the user with the given unique username.
func (d *DB) GetUserByUsername(username string) (*models.User, error) {
	var u models.User
	err := d.conn.QueryRow(`SELECT id, username, name FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Name)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (d *DB) ListUsers() ([]*models.User, error) {
	rows, err := d.conn.Query(`SELECT id, username, name FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Name); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// --- Notes ---

// CreateNote inserts a new annotation.
func (d *DB) CreateNote(n *models.Note) error {
	_, err := d.conn.Exec(`
		INSERT INTO notes (id, note, detail) VALUES (?, ?, ?)`,
		n.ID, n.Note, n.Detail,
	)
	return err
}

// GetNote returns the note with the given ID.
func (d *DB) GetNote(id string) (*models.Note, error) {
	var n models.Note
	err := d.conn.QueryRow(`SELECT id, note, detail FROM notes WHERE id = ?`, id).
		Scan(&n.ID, &n.Note, &n.Detail)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNotes returns all notes.
func (d *DB) ListNotes() ([]*models.Note, error) {
	rows, err := d.conn.Query(`SELECT id, note, detail FROM notes ORDER BY note`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*models.Note
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.Note, &n.Detail); err != nil {
			return nil, err
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// AttachNoteToHost links a note to a host. Attaching twice is a no-op;
// dangling references fail the foreign key check.
func (d *DB) AttachNoteToHost(noteID, hostID string) error {
	_, err := d.conn.Exec(`
		INSERT OR IGNORE INTO host_notes (host_id, note_id) VALUES (?, ?)`, hostID, noteID)
	return err
}

// AttachNoteToModel links a note to a device model.
func (d *DB) AttachNoteToModel(noteID, modelID string) error {
	_, err := d.conn.Exec(`
		INSERT OR IGNORE INTO model_notes (model_id, note_id) VALUES (?, ?)`, modelID, noteID)
	return err
}

// AttachNoteToDevice links a note to a device.
func (d *DB) AttachNoteToDevice(noteID, deviceID string) error {
	_, err := d.conn.Exec(`
		INSERT OR IGNORE INTO device_notes (device_id, note_id) VALUES (?, ?)`, deviceID, noteID)
	return err
}

func (d *DB) notesVia(join, col, id string) ([]*models.Note, error) {
	rows, err := d.conn.Query(fmt.Sprintf(`
		SELECT n.id, n.note, n.detail FROM notes n
		JOIN %s j ON j.note_id = n.id WHERE j.%s = ? ORDER BY n.note`, join, col), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*models.Note
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.Note, &n.Detail); err != nil {
			return nil, err
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// NotesForHost returns the notes attached to a host.
func (d *DB) NotesForHost(hostID string) ([]*models.Note, error) {
	return d.notesVia("host_notes", "host_id", hostID)
}

// NotesForModel returns the notes attached to a device model.
func (d *DB) NotesForModel(modelID string) ([]*models.Note, error) {
	return d.notesVia("model_notes", "model_id", modelID)
}

// NotesForDevice returns the notes attached to a device.
func (d *DB) NotesForDevice(deviceID string) ([]*models.Note, error) {
	return d.notesVia("device_notes", "device_id", deviceID)
}

// --- Metrics support ---

// CountDevicesByModel returns device counts keyed by model name.
func (d *DB) CountDevicesByModel() (map[string]int, error) {
	rows, err := d.conn.Query(`
		SELECT m.name, COUNT(*) FROM devices d
		JOIN device_models m ON m.id = d.model_id
		GROUP BY m.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// CountReservations returns the total number of committed reservations and
// how many of them cover the given instant.
func (d *DB) CountReservations(at time.Time) (total, active int, err error) {
	ts := fmtTime(at)
	err = d.conn.QueryRow(`
		SELECT COUNT(*),
		       COUNT(CASE WHEN start_at <= ? AND end_at > ? THEN 1 END)
		FROM reservations`, ts, ts).Scan(&total, &active)
	return total, active, err
}
