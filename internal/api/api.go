// Package api serves the JSON endpoints of the local status server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/config"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/recording"
)

// StatusProvider reports the recording manager's state
type StatusProvider interface {
	Status() recording.Status
}

// HotkeyChecker returns the names of system shortcuts a hotkey collides with
type HotkeyChecker func(config.HotkeyConfig) ([]string, error)

// Handler manages API endpoints
type Handler struct {
	config          *config.Config
	configPath      string
	status          StatusProvider
	listDevices     func() ([]audio.Device, error)
	checkHotkey     HotkeyChecker
	onConfigChanged func(*config.Config) error
	log             *logger.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithConfigPath sets where PUT /api/config persists changes.
// An empty path keeps changes in memory only.
func WithConfigPath(path string) Option {
	return func(h *Handler) { h.configPath = path }
}

// WithStatus sets the status source for GET /api/status
func WithStatus(s StatusProvider) Option {
	return func(h *Handler) { h.status = s }
}

// WithDeviceLister sets the input device enumeration. Without one only the
// system default is offered.
func WithDeviceLister(f func() ([]audio.Device, error)) Option {
	return func(h *Handler) { h.listDevices = f }
}

// WithHotkeyChecker enables POST /api/hotkey/validate
func WithHotkeyChecker(f HotkeyChecker) Option {
	return func(h *Handler) { h.checkHotkey = f }
}

// OnConfigChanged is called after a successful update
func OnConfigChanged(f func(*config.Config) error) Option {
	return func(h *Handler) { h.onConfigChanged = f }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New creates a new API handler
func New(cfg *config.Config, opts ...Option) *Handler {
	h := &Handler{
		config:      cfg,
		listDevices: func() ([]audio.Device, error) { return nil, nil },
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/devices", h.handleDevices)
	mux.HandleFunc("/api/config", h.handleConfig)
	mux.HandleFunc("/api/hotkey/validate", h.handleHotkeyValidate)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleStatus handles GET /api/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.status == nil {
		writeJSON(w, http.StatusOK, recording.Status{State: recording.Idle.String()})
		return
	}
	writeJSON(w, http.StatusOK, h.status.Status())
}

// handleConfig handles GET and PUT /api/config
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.config.Clone())
	case http.MethodPut:
		h.putConfig(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// putConfig applies a partial update such as {"quiet_threshold": 0.2}
func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.config.Update(updates); err != nil {
		http.Error(w, fmt.Sprintf("Failed to update config: %v", err), http.StatusBadRequest)
		return
	}

	if h.configPath != "" {
		if err := h.config.Save(h.configPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
			return
		}
	}
	h.log.Info("Config updated: %d field(s)", len(updates))

	if h.onConfigChanged != nil {
		if err := h.onConfigChanged(h.config); err != nil {
			// Saved, but the running app did not pick it up
			h.log.Warn("Failed to apply config change: %v", err)
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "partial",
				"message": fmt.Sprintf("Config saved but not applied: %v. Restart to apply.", err),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleHotkeyValidate handles POST /api/hotkey/validate
func (h *Handler) handleHotkeyValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkHotkey == nil {
		http.Error(w, "Hotkeys are not supported on this platform", http.StatusNotImplemented)
		return
	}

	var request config.HotkeyConfig
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	// macOS IMEs can send NBSP for the space bar
	if request.Key == "\u00a0" {
		request.Key = "Space"
	}

	conflicts, err := h.checkHotkey(request)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if conflicts == nil {
		conflicts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
	})
}

// handleDevices handles GET /api/devices
func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := h.listDevices()
	if err != nil || len(devices) == 0 {
		// Still offer the system default so a device can be chosen
		if err != nil {
			h.log.Warn("Failed to list audio devices: %v", err)
		}
		devices = []audio.Device{{ID: -1, Name: "System Default", IsDefault: true}}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}
