// Package handlers exposes the host-side HTTP API: pairing, status,
// device history, and server log access. These endpoints serve the
// desktop UI on the local machine; the companion device only ever
// speaks the websocket protocol.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deskbridge/deskbridge/internal/devicestore"
	"github.com/deskbridge/deskbridge/internal/logging"
	"github.com/deskbridge/deskbridge/internal/pairing"
	"github.com/deskbridge/deskbridge/internal/proxy"
)

// Injected by main before the router is built.
var (
	Proxy   *proxy.Server
	Devices *devicestore.Store
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if Proxy == nil || !Proxy.Status().Running {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// IssuePairing creates a new pairing token and returns the connect URI
// plus its QR rendering for the desktop UI to display.
func IssuePairing(w http.ResponseWriter, r *http.Request) {
	p, err := Proxy.IssuePairing()
	if err != nil {
		if errors.Is(err, pairing.ErrNoNetworkInterface) {
			writeError(w, http.StatusServiceUnavailable, "no routable network interface for pairing")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetStatus reports the live proxy state: running flag, port, and the
// connected client list.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Proxy.Status())
}

// ListDevices returns the persistent pairing history.
func ListDevices(w http.ResponseWriter, r *http.Request) {
	if Devices == nil {
		writeJSON(w, http.StatusOK, []devicestore.Device{})
		return
	}
	devices, err := Devices.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// ForgetDevice removes a device from the pairing history. The device's
// sandbox directory is left alone; forgetting is about the list, not
// the files.
func ForgetDevice(w http.ResponseWriter, r *http.Request) {
	if Devices == nil {
		writeError(w, http.StatusNotFound, "device history disabled")
		return
	}
	deviceID := chi.URLParam(r, "deviceId")
	if err := Devices.Delete(deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetServerLogs returns the last n lines of the server log.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 10000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearServerLogs truncates the server log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
