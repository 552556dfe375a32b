package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/rt809f-bridge/internal/auth"
	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/job"
)

// handleListDevices returns every device known to this replica, local or
// remote.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := device.ValidateDeviceID(deviceID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	info, err := s.registry.Get(deviceID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDeviceHistory returns the most recent finished jobs for a device.
// Query: ?limit=n (default 50, max 200).
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := device.ValidateDeviceID(deviceID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if s.history == nil {
		writeUnavailable(w, "job history is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("reading job history", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to read job history")
		return
	}
	if entries == nil {
		entries = []job.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceID": deviceID,
		"entries":  entries,
		"count":    len(entries),
	})
}

// handleIssueDeviceToken issues a token an agent can use to connect as
// this device without holding the API key.
func (s *Server) handleIssueDeviceToken(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := device.ValidateDeviceID(deviceID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	tokens := s.secCfg.DeviceTokens
	if !tokens.Enabled {
		writeUnavailable(w, "device tokens are disabled")
		return
	}

	token, expires, err := auth.GenerateDeviceToken(deviceID, tokens.Secret, time.Duration(tokens.TTL)*time.Minute)
	if err != nil {
		if errors.Is(err, auth.ErrNoSecret) {
			writeUnavailable(w, err.Error())
			return
		}
		s.logger.Error("issuing device token", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"deviceID":  deviceID,
		"token":     token,
		"expiresAt": expires.UTC(),
	})
}
