package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/rt809f-bridge/internal/auth"
	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
	"github.com/nerrad567/rt809f-bridge/internal/session"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Agents are not browsers; authentication is by key or token
		return true
	},
}

// handleDeviceWebSocket upgrades a device agent connection and registers
// it as the device's session on this replica.
//
// A newer connection for the same device supersedes the older one.
func (s *Server) handleDeviceWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if !s.authorizeDevice(r, deviceID) {
		writeUnauthorized(w, "missing or invalid credentials")
		return
	}
	if s.ShuttingDown() || s.registry.Closed() {
		writeUnavailable(w, "bridge shutting down")
		return
	}
	if err := device.ValidateDeviceID(deviceID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response
		s.logger.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	deps := session.Deps{
		Registry:   s.registry,
		Correlator: s.correlator,
		Logger:     s.logger.With("device_id", deviceID),
	}
	if s.telemetry != nil {
		deps.Observer = s.telemetry
	}

	sess := session.New(conn, deviceID, s.sessionOptions(), deps)
	if err := sess.Start(); err != nil {
		s.logger.Warn("device registration rejected",
			"device_id", deviceID,
			"remote", r.RemoteAddr,
			"error", err,
		)
	}
}

// authorizeDevice accepts the API key (X-API-Key or bearer) or, when
// enabled, a device token for deviceID (bearer or ?token=).
func (s *Server) authorizeDevice(r *http.Request, deviceID string) bool {
	if auth.APIKeyMatches(s.secCfg.APIKey, presentedKey(r)) {
		return true
	}

	tokens := s.secCfg.DeviceTokens
	if !tokens.Enabled {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	if err := auth.AuthorizeDevice(token, tokens.Secret, deviceID); err != nil {
		s.logger.Debug("device token rejected", "device_id", deviceID, "error", err)
		return false
	}
	return true
}

func (s *Server) sessionOptions() session.Options {
	return session.Options{
		PingInterval:   config.Seconds(s.wsCfg.PingInterval),
		LivenessWindow: config.Seconds(s.wsCfg.LivenessWindow),
		WriteTimeout:   config.Seconds(s.wsCfg.WriteTimeout),
		MaxMessageSize: int64(s.wsCfg.MaxMessageSize),
		SendBuffer:     s.wsCfg.SendBuffer,
	}
}
