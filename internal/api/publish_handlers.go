// Package api exposes the relay's REST surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-relay/internal/data"
	"github.com/technosupport/ts-relay/internal/publish"
)

type PublishHandler struct {
	Orchestrator *publish.Orchestrator
	Store        *publish.Store
}

func NewPublishHandler(o *publish.Orchestrator, s *publish.Store) *PublishHandler {
	return &PublishHandler{Orchestrator: o, Store: s}
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func cameraID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// POST /api/v1/cameras/{id}/publish/start
func (h *PublishHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}

	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	res := h.Orchestrator.StartPublishing(r.Context(), id, req.Force)
	status := http.StatusOK
	if !res.Success {
		if res.ErrorCode == publish.CodeAlreadyPublishing {
			status = http.StatusConflict
		} else {
			status = http.StatusBadGateway
		}
	}
	respondJSON(w, status, res)
}

// POST /api/v1/cameras/{id}/publish/stop
func (h *PublishHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}

	res := h.Orchestrator.StopPublishing(r.Context(), id)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, res)
}

// GET /api/v1/cameras/{id}/publish/status
func (h *PublishHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}

	state, live, err := h.Orchestrator.Status(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load status")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"state": state,
		"live":  live,
	})
}

// GET /api/v1/cameras
func (h *PublishHandler) ListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := h.Store.Cameras.ListEnabled(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load cameras")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cameras": cams})
}

// GET /api/v1/publish/active
func (h *PublishHandler) Active(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"publications": h.Orchestrator.StatusAll(),
	})
}

// GET /api/v1/cameras/{id}/publish/history
func (h *PublishHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.Store.Publish.HistoryForCamera(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": records})
}

// GET /api/v1/publish/config
func (h *PublishHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.Publish.ActiveConfig(r.Context())
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "No active publish configuration")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load configuration")
		return
	}
	// Never echo control-API credentials.
	cfg.APIPassword = ""
	respondJSON(w, http.StatusOK, cfg)
}

// PUT /api/v1/publish/config
func (h *PublishHandler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg data.PublishConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if cfg.ServerURL == "" {
		respondError(w, http.StatusBadRequest, "server_url is required")
		return
	}
	if cfg.Transport != "" && cfg.Transport != "tcp" && cfg.Transport != "udp" {
		respondError(w, http.StatusBadRequest, "transport must be tcp or udp")
		return
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	if err := h.Store.Publish.SaveConfig(r.Context(), &cfg); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save configuration")
		return
	}
	cfg.APIPassword = ""
	respondJSON(w, http.StatusOK, cfg)
}

// PUT /api/v1/cameras/{id}/credentials
func (h *PublishHandler) SetCredentials(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}

	var req publish.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}

	if err := h.Store.UpdateCredentials(r.Context(), id, req); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to store credentials")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
