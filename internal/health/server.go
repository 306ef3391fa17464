// Package health is the capture host's HTTP surface: a read-only snapshot of
// the mode controller plus the control endpoints that drive it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ymgch/zakucam/internal/capture"
)

// Handler builds the capture-host mux over a mode controller. Sessions
// started through the control endpoints outlive their requests, so they run
// under baseCtx (the daemon's lifetime), not the request context.
func Handler(baseCtx context.Context, ctrl *capture.Controller) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth(ctrl))
	mux.HandleFunc("/api/snapshot", handleSnapshot(ctrl))
	mux.HandleFunc("/api/continuous", handleContinuous(baseCtx, ctrl))
	mux.HandleFunc("/api/cruise", handleCruise(baseCtx, ctrl))
	return withLogging(mux)
}

// NewServer wraps the handler in a server with bounded timeouts.
func NewServer(baseCtx context.Context, addr string, ctrl *capture.Controller) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      Handler(baseCtx, ctrl),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func handleHealth(ctrl *capture.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, ctrl.Status())
	}
}

func handleSnapshot(ctrl *capture.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path, err := ctrl.Snapshot(r.Context())
		if err != nil {
			writeControlError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
	}
}

func handleContinuous(baseCtx context.Context, ctrl *capture.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		on, err := parseOn(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if on {
			if _, err := ctrl.StartContinuous(baseCtx); err != nil {
				writeControlError(w, err)
				return
			}
		} else {
			ctrl.StopActive()
		}
		writeJSON(w, http.StatusOK, ctrl.Status())
	}
}

func handleCruise(baseCtx context.Context, ctrl *capture.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		on, err := parseOn(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if on {
			if err := ctrl.StartCruise(baseCtx); err != nil {
				writeControlError(w, err)
				return
			}
		} else {
			ctrl.StopActive()
		}
		writeJSON(w, http.StatusOK, ctrl.Status())
	}
}

// parseOn reads the on query parameter; missing means on.
func parseOn(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("on")
	if raw == "" {
		return true, nil
	}
	on, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("on must be a boolean")
	}
	return on, nil
}

// writeControlError maps a busy rejection to 409 so callers can distinguish
// contention from a real failure.
func writeControlError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, capture.ErrBusy) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encoding failed")
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
