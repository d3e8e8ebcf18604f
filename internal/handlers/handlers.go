package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tphummel/lab_gpu/internal/db"
	"github.com/tphummel/lab_gpu/internal/metrics"
	"github.com/tphummel/lab_gpu/internal/middleware"
	"github.com/tphummel/lab_gpu/internal/models"
	"github.com/tphummel/lab_gpu/internal/reserve"
)

// Handler holds shared dependencies for HTTP handlers. All reservation
// writes go through Engine; the catalog endpoints never touch the
// reservations table.
type Handler struct {
	DB      *db.DB
	Engine  *reserve.Engine
	Version string
	Commit  string
}

// NewMux builds the service route table. Health, metrics, and docs are
// unauthenticated; everything under /api/v1 requires the Bearer token and
// is instrumented with per-route metrics.
func NewMux(h *Handler, token string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /openapi.yaml", OpenAPISpec)
	mux.HandleFunc("GET /docs", Docs)

	protected := func(pattern string, fn http.HandlerFunc) {
		_, path, _ := strings.Cut(pattern, " ")
		mux.Handle(pattern, metrics.Middleware(path, middleware.Auth(token, fn)))
	}

	// Reservations (admission engine)
	protected("POST /api/v1/reservations", h.CreateReservation)
	protected("GET /api/v1/reservations", h.ListReservations)
	protected("GET /api/v1/reservations/{id}", h.GetReservation)
	protected("DELETE /api/v1/reservations/{id}", h.DeleteReservation)

	// Availability
	protected("GET /api/v1/hosts/{host}/devices/{slot}", h.GetDeviceBySlot)
	protected("GET /api/v1/hosts/{host}/devices/{slot}/free", h.DeviceFree)

	// Catalog, directory, and annotations
	protected("GET /api/v1/rooms", h.ListRooms)
	protected("POST /api/v1/rooms", h.CreateRoom)
	protected("GET /api/v1/rooms/{id}", h.GetRoom)
	protected("GET /api/v1/hosts", h.ListHosts)
	protected("POST /api/v1/hosts", h.CreateHost)
	protected("GET /api/v1/hosts/{id}", h.GetHost)
	protected("GET /api/v1/hosts/{id}/notes", h.HostNotes)
	protected("GET /api/v1/models", h.ListModels)
	protected("POST /api/v1/models", h.CreateModel)
	protected("GET /api/v1/models/{id}", h.GetModel)
	protected("GET /api/v1/models/{id}/notes", h.ModelNotes)
	protected("GET /api/v1/devices", h.ListDevices)
	protected("POST /api/v1/devices", h.CreateDevice)
	protected("GET /api/v1/devices/{id}", h.GetDevice)
	protected("GET /api/v1/devices/{id}/notes", h.DeviceNotes)
	protected("PATCH /api/v1/devices/{id}/reservable", h.SetReservable)
	protected("GET /api/v1/users", h.ListUsers)
	protected("POST /api/v1/users", h.CreateUser)
	protected("GET /api/v1/users/{id}", h.GetUser)
	protected("GET /api/v1/notes", h.ListNotes)
	protected("POST /api/v1/notes", h.CreateNote)
	protected("GET /api/v1/notes/{id}", h.GetNote)
	protected("PUT /api/v1/notes/{id}/hosts/{hostID}", h.AttachNoteHost)
	protected("PUT /api/v1/notes/{id}/models/{modelID}", h.AttachNoteModel)
	protected("PUT /api/v1/notes/{id}/devices/{deviceID}", h.AttachNoteDevice)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Health handles GET /healthz — no auth required.
// Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}

// reserveRequest is the body of POST /api/v1/reservations. Device names
// the slot on the host (e.g. "gpu0").
type reserveRequest struct {
	Username string    `json:"username"`
	Host     string    `json:"host"`
	Device   string    `json:"device"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Note     string    `json:"note"`
}

// admissionOutcome maps an engine error to an HTTP status and a stable
// outcome label for the admissions metric.
func admissionOutcome(err error) (int, string) {
	switch {
	case errors.Is(err, reserve.ErrInvalidInterval):
		return http.StatusBadRequest, "invalid_interval"
	case errors.Is(err, reserve.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, reserve.ErrNotReservable):
		return http.StatusUnprocessableEntity, "not_reservable"
	case errors.Is(err, reserve.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, reserve.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "error"
}

// CreateReservation handles POST /api/v1/reservations.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Host == "" || req.Device == "" {
		writeError(w, http.StatusBadRequest, "username, host, and device are required")
		return
	}
	if req.Start.IsZero() || req.End.IsZero() {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return
	}

	res, err := h.Engine.Reserve(reserve.Request{
		Username: req.Username,
		Host:     req.Host,
		Slot:     req.Device,
		Start:    req.Start,
		End:      req.End,
		Note:     req.Note,
	})
	if err != nil {
		status, outcome := admissionOutcome(err)
		metrics.ObserveAdmission(outcome)
		if status == http.StatusInternalServerError {
			slog.Error("reservation admission failed", "error", err)
			writeError(w, status, "failed to create reservation")
			return
		}
		var conflict *reserve.ConflictError
		if errors.As(err, &conflict) && conflict.Existing != nil {
			writeJSON(w, status, map[string]any{
				"error":    err.Error(),
				"existing": conflict.Existing,
			})
			return
		}
		writeError(w, status, err.Error())
		return
	}

	metrics.ObserveAdmission("granted")
	writeJSON(w, http.StatusCreated, res)
}

// ListReservations handles GET /api/v1/reservations with optional
// ?host=&device=&user=&from=&to= filters. Device filtering requires host.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := reserve.Filter{
		Host:     q.Get("host"),
		Slot:     q.Get("device"),
		Username: q.Get("user"),
	}
	if f.Slot != "" && f.Host == "" {
		writeError(w, http.StatusBadRequest, "device filter requires host")
		return
	}
	if f.Host != "" && f.Slot == "" {
		writeError(w, http.StatusBadRequest, "host filter requires device")
		return
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(models.TimeFormat, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name+" timestamp")
				return
			}
			*dst = t
		}
	}

	reservations, err := h.Engine.ListReservations(f)
	if errors.Is(err, reserve.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reservations")
		return
	}
	if reservations == nil {
		reservations = []*models.Reservation{}
	}
	writeJSON(w, http.StatusOK, reservations)
}

// GetReservation handles GET /api/v1/reservations/{id}.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.DB.GetReservation(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get reservation")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteReservation handles DELETE /api/v1/reservations/{id}. Deletion is
// administrative; reservations are otherwise immutable once committed.
func (h *Handler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.DB.DeleteReservation(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete reservation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDeviceBySlot handles GET /api/v1/hosts/{host}/devices/{slot}.
// The response includes availability computed at the current instant.
func (h *Handler) GetDeviceBySlot(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	slot := r.PathValue("slot")
	dd, err := h.DB.GetDeviceDetail(host, slot, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, dd)
}

// DeviceFree handles GET /api/v1/hosts/{host}/devices/{slot}/free with an
// optional ?at=RFC3339 instant, defaulting to now.
func (h *Handler) DeviceFree(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	slot := r.PathValue("slot")

	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(models.TimeFormat, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at timestamp")
			return
		}
		at = t
	}

	free, err := h.Engine.IsFree(host, slot, at)
	if errors.Is(err, reserve.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check availability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"free": free,
		"at":   models.NormalizeTime(at).Format(models.TimeFormat),
	})
}
