package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mixreplace/work/handlers"
	"mixreplace/work/logger"
	"mixreplace/work/middleware"
	"mixreplace/work/source"
	"mixreplace/work/types"
	"mixreplace/work/utils"
)

// LogEntry is one captured log line shown by the admin API.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// maxLogEntries bounds the in-memory log ring.
const maxLogEntries = 1000

var (
	adminStartTime = time.Now()

	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, maxLogEntries)
)

// restartChan asks main to reload the configuration and restart the server.
var restartChan = make(chan bool, 1)

// setupAdminRoutes registers metrics, the JSON admin API, frame ingest and
// snapshots on router. Every /api route sits behind optional basic auth.
func setupAdminRoutes(router *mux.Router, d *daemon) error {
	cfg := d.config()
	auth, err := middleware.NewBasicAuth("mixreplace", cfg.Admin.Username, cfg.Admin.PasswordHash)
	if err != nil {
		return fmt.Errorf("invalid admin password hash: %w", err)
	}

	api := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(auth.Wrap(h))
	}
	jsonAPI := func(h http.HandlerFunc) http.HandlerFunc {
		return api(middleware.GzipMiddleware(h))
	}
	contentType := func() string {
		if srv := d.current(); srv != nil {
			return srv.ContentType()
		}
		return cfg.ContentType
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/api/status", jsonAPI(handleGetStatus(d))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sessions", jsonAPI(handleGetSessions(d))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/history", jsonAPI(handleGetHistory(d))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/history/totals", jsonAPI(handleGetHistoryTotals(d))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sources", jsonAPI(handleGetSources(d))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/snapshot/{channel}", api(handlers.HandleSnapshot(d.frames, contentType))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/media/{channel}", api(handlers.HandleIngest(d, func() bool {
		srv := d.current()
		return srv != nil && srv.IsRunning()
	}))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/server/start", api(handleServerStart(d))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/server/stop", api(handleServerStop(d))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/logs", jsonAPI(handleGetLogs)).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", api(handleClearLogs)).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/restart", api(handleRestart)).Methods("POST", "OPTIONS")

	addLogEntry("info", "Admin interface initialized")
	return nil
}

// corsMiddleware adds CORS headers and answers preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("{admin_handlers - writeJSON} failed to encode response: %v", err)
	}
}

func handleGetStatus(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		srv := d.current()
		if srv == nil {
			http.Error(w, "Media server not initialized", http.StatusServiceUnavailable)
			return
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		status := types.StatusResponse{
			Running:      srv.IsRunning(),
			Port:         srv.Port(),
			Boundary:     srv.Boundary(),
			ContentType:  srv.ContentType(),
			ServerName:   srv.ServerName(),
			FPS:          srv.FPS(),
			URLs:         make(map[string]string, types.NumChannels),
			Sessions:     srv.SessionCount(),
			MaxClients:   srv.MaxClients(),
			Uptime:       formatDuration(time.Since(adminStartTime)),
			MemoryUsage:  utils.FormatBytes(int64(m.Alloc)),
			LogLevel:     logger.GetLogLevel(),
			HistoryStore: d.history != nil,
		}

		obfuscate := d.config().ObfuscateUrls
		for _, ch := range types.Channels {
			if u := srv.URL(ch); u != "" {
				status.URLs[ch.String()] = utils.LogURL(obfuscate, u)
			}
		}
		for _, st := range d.sources.Statuses() {
			status.Sources = append(status.Sources, st.Name)
		}
		if d.watchdog != nil {
			for _, ch := range types.Channels {
				if d.watchdog.Stalled(ch) {
					status.StalledChannels = append(status.StalledChannels, ch.String())
				}
			}
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func handleGetSessions(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := []types.SessionInfo{}
		if srv := d.current(); srv != nil {
			sessions = append(sessions, srv.Sessions()...)
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

// handleGetHistory lists recently closed sessions, optionally for one channel.
func handleGetHistory(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.history == nil {
			http.Error(w, "Session history is disabled", http.StatusNotFound)
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		channel := r.URL.Query().Get("channel")
		if channel != "" {
			ch, err := types.ParseChannel(channel)
			if err != nil {
				http.Error(w, "Unknown channel", http.StatusBadRequest)
				return
			}
			channel = ch.String()
		}

		sessions, err := d.history.RecentSessions(r.Context(), channel, limit)
		if err != nil {
			logger.Error("{admin_handlers - handleGetHistory} failed to query history: %v", err)
			http.Error(w, "Failed to query history", http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []types.SessionInfo{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleGetHistoryTotals(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.history == nil {
			http.Error(w, "Session history is disabled", http.StatusNotFound)
			return
		}
		totals, err := d.history.Totals(r.Context())
		if err != nil {
			logger.Error("{admin_handlers - handleGetHistoryTotals} failed to query totals: %v", err)
			http.Error(w, "Failed to query history", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, totals)
	}
}

func handleGetSources(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := d.sources.Statuses()
		if statuses == nil {
			statuses = []source.Status{}
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

// handleServerStart starts the media server again after a stop. A new path
// token is generated, so previously issued URLs stop working.
func handleServerStart(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		srv := d.current()
		if srv == nil {
			http.Error(w, "Media server not initialized", http.StatusServiceUnavailable)
			return
		}
		if srv.IsRunning() {
			http.Error(w, "Media server already running", http.StatusConflict)
			return
		}
		if !srv.Start() {
			http.Error(w, "Media server failed to start", http.StatusInternalServerError)
			return
		}
		d.setWanted(true)

		addLogEntry("info", fmt.Sprintf("Media server started on port %d via admin interface", srv.Port()))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "started",
			"port":   srv.Port(),
		})
	}
}

func handleServerStop(d *daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		srv := d.current()
		if srv == nil {
			http.Error(w, "Media server not initialized", http.StatusServiceUnavailable)
			return
		}
		d.setWanted(false)
		srv.Stop()
		d.frames.Clear()

		addLogEntry("info", "Media server stopped via admin interface")
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := make([]LogEntry, len(logEntries))
	copy(entries, logEntries)
	logMu.Unlock()

	writeJSON(w, http.StatusOK, entries)
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()
	addLogEntry("info", "Log entries cleared via admin interface")

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleRestart asks main to reload the configuration. The request returns
// before the restart happens.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	addLogEntry("info", "Restart requested via admin interface")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "restart_initiated",
		"message": "Reloading configuration and restarting the media server...",
	})

	select {
	case restartChan <- true:
	default:
	}
}

// captureLogEntry is installed as the logger hook.
func captureLogEntry(level logger.LogLevel, message string) {
	addLogEntry(strings.ToLower(level.String()), message)
}

// addLogEntry appends to the log ring, keeping the newest maxLogEntries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
