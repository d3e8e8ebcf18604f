package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tphummel/lab_gpu/internal/db"
	"github.com/tphummel/lab_gpu/internal/models"
)

// Catalog, directory, and annotation endpoints. These are thin adapters
// over the typed stores; none of them can write a reservation row, so the
// no-overlap invariant cannot be bypassed here.

// --- Rooms ---

// CreateRoom handles POST /api/v1/rooms.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req models.Room
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	req.ID = uuid.New().String()
	if err := h.DB.CreateRoom(&req); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "room name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListRooms handles GET /api/v1/rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.DB.ListRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []*models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GetRoom handles GET /api/v1/rooms/{id}.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.DB.GetRoom(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get room")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// --- Hosts ---

// CreateHost handles POST /api/v1/hosts.
func (h *Handler) CreateHost(w http.ResponseWriter, r *http.Request) {
	var req models.Host
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.RoomID != nil {
		if _, err := h.DB.GetRoom(*req.RoomID); errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "unknown room_id")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create host")
			return
		}
	}
	req.ID = uuid.New().String()
	if err := h.DB.CreateHost(&req); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "host name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create host")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListHosts handles GET /api/v1/hosts.
func (h *Handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.DB.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}
	if hosts == nil {
		hosts = []*models.Host{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

// GetHost handles GET /api/v1/hosts/{id}.
func (h *Handler) GetHost(w http.ResponseWriter, r *http.Request) {
	host, err := h.DB.GetHost(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "host not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get host")
		return
	}
	writeJSON(w, http.StatusOK, host)
}

// --- Device models ---

// CreateModel handles POST /api/v1/models.
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var req models.DeviceModel
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	req.ID = uuid.New().String()
	if err := h.DB.CreateModel(&req); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "model name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create model")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListModels handles GET /api/v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.DB.ListModels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list models")
		return
	}
	if list == nil {
		list = []*models.DeviceModel{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetModel handles GET /api/v1/models/{id}.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.DB.GetModel(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get model")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Devices ---

// createDeviceRequest uses a pointer for reservable so an absent field
// defaults to true, matching the catalog default.
type createDeviceRequest struct {
	Slot       string `json:"slot"`
	HostID     string `json:"host_id"`
	ModelID    string `json:"model_id"`
	Reservable *bool  `json:"reservable"`
}

// CreateDevice handles POST /api/v1/devices.
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Slot == "" || req.HostID == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "slot, host_id, and model_id are required")
		return
	}
	if _, err := h.DB.GetHost(req.HostID); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusBadRequest, "unknown host_id")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	if _, err := h.DB.GetModel(req.ModelID); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusBadRequest, "unknown model_id")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}

	dev := models.Device{
		ID:         uuid.New().String(),
		Slot:       req.Slot,
		Reservable: req.Reservable == nil || *req.Reservable,
		HostID:     req.HostID,
		ModelID:    req.ModelID,
	}
	if err := h.DB.CreateDevice(&dev); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "device slot already exists on host")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// ListDevices handles GET /api/v1/devices with optional
// ?host=&model=&reservable= filters. Availability is computed at now.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.DeviceFilter{
		Host:  q.Get("host"),
		Model: q.Get("model"),
	}
	if raw := q.Get("reservable"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid reservable filter")
			return
		}
		f.Reservable = &v
	}

	devices, err := h.DB.ListDevices(f, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []*models.DeviceDetail{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// GetDevice handles GET /api/v1/devices/{id}.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := h.DB.GetDevice(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// SetReservable handles PATCH /api/v1/devices/{id}/reservable — the
// administrative, schedule-independent exclusion toggle.
func (h *Handler) SetReservable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reservable *bool `json:"reservable"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reservable == nil {
		writeError(w, http.StatusBadRequest, "reservable is required")
		return
	}
	id := r.PathValue("id")
	err := h.DB.SetReservable(id, *req.Reservable)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	dev, err := h.DB.GetDevice(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// --- Users ---

// CreateUser handles POST /api/v1/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.User
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	req.ID = uuid.New().String()
	if err := h.DB.CreateUser(&req); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListUsers handles GET /api/v1/users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.DB.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser handles GET /api/v1/users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.DB.GetUser(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Notes ---

// CreateNote handles POST /api/v1/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req models.Note
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}
	req.ID = uuid.New().String()
	if err := h.DB.CreateNote(&req); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create note")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListNotes handles GET /api/v1/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.DB.ListNotes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []*models.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// GetNote handles GET /api/v1/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	n, err := h.DB.GetNote(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "note not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get note")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// attachNote checks both sides of the relation exist, then links them.
func (h *Handler) attachNote(w http.ResponseWriter, noteID string, exists func() error, attach func() error, what string) {
	if _, err := h.DB.GetNote(noteID); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "note not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach note")
		return
	}
	if err := exists(); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach note")
		return
	}
	if err := attach(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach note")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachNoteHost handles PUT /api/v1/notes/{id}/hosts/{hostID}.
func (h *Handler) AttachNoteHost(w http.ResponseWriter, r *http.Request) {
	noteID, hostID := r.PathValue("id"), r.PathValue("hostID")
	h.attachNote(w, noteID,
		func() error { _, err := h.DB.GetHost(hostID); return err },
		func() error { return h.DB.AttachNoteToHost(noteID, hostID) },
		"host")
}

// AttachNoteModel handles PUT /api/v1/notes/{id}/models/{modelID}.
func (h *Handler) AttachNoteModel(w http.ResponseWriter, r *http.Request) {
	noteID, modelID := r.PathValue("id"), r.PathValue("modelID")
	h.attachNote(w, noteID,
		func() error { _, err := h.DB.GetModel(modelID); return err },
		func() error { return h.DB.AttachNoteToModel(noteID, modelID) },
		"model")
}

// AttachNoteDevice handles PUT /api/v1/notes/{id}/devices/{deviceID}.
func (h *Handler) AttachNoteDevice(w http.ResponseWriter, r *http.Request) {
	noteID, deviceID := r.PathValue("id"), r.PathValue("deviceID")
	h.attachNote(w, noteID,
		func() error { _, err := h.DB.GetDevice(deviceID); return err },
		func() error { return h.DB.AttachNoteToDevice(noteID, deviceID) },
		"device")
}

// HostNotes handles GET /api/v1/hosts/{id}/notes.
func (h *Handler) HostNotes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.DB.GetHost(id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "host not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	notes, err := h.DB.NotesForHost(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []*models.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// ModelNotes handles GET /api/v1/models/{id}/notes.
func (h *Handler) ModelNotes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.DB.GetModel(id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "model not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	notes, err := h.DB.NotesForModel(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []*models.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// DeviceNotes handles GET /api/v1/devices/{id}/notes.
func (h *Handler) DeviceNotes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.DB.GetDevice(id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	notes, err := h.DB.NotesForDevice(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []*models.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}
