package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyrelay/pkg/export"
	"github.com/nicktill/tinyrelay/pkg/httpx"
	"github.com/nicktill/tinyrelay/pkg/ingest"
	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/query"
	"github.com/nicktill/tinyrelay/pkg/scheduler"
	"github.com/nicktill/tinyrelay/pkg/server/monitor"
)

// Version is reported by the health endpoint. Overridden at link time.
var Version = "dev"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Jobs    []monitor.JobStatus    `json:"jobs"`
	Storage *monitor.StorageStatus `json:"storage,omitempty"`
}

// handleHealth reports degraded when a job is unhealthy or the data
// directory is over its soft limit.
func handleHealth(sched *scheduler.Scheduler, storageMonitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
		}

		for _, jm := range sched.Monitors() {
			status := jm.Status()
			if !status.Healthy {
				response.Status = "degraded"
			}
			response.Jobs = append(response.Jobs, status)
		}

		if storageMonitor != nil {
			if status, err := storageMonitor.Status(); err == nil {
				response.Storage = &status
				if status.OverLimit {
					response.Status = "degraded"
				}
			}
		}

		statusCode := http.StatusOK
		if response.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(storageMonitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := storageMonitor.Status()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, status)
	}
}

// handleTrigger starts a job outside its schedule. 409 means it is already running.
func handleTrigger(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["job"]
		started, err := sched.Trigger(name)
		if err != nil {
			httpx.RespondError(w, http.StatusNotFound, err)
			return
		}
		if !started {
			httpx.RespondErrorString(w, http.StatusConflict, "job "+name+" is already running")
			return
		}
		httpx.RespondJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
	}
}

// handleUnknownIDs lists reading ids that arrived but aren't in the metric list
func handleUnknownIDs(h *ingest.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, h.UnknownIDs())
	}
}

// Routes are the handlers mounted by SetupRoutes
type Routes struct {
	Query          *query.Handler
	Export         *export.Handler
	Hub            *ingest.RecordHub
	Ingest         *ingest.Handler
	Metrics        *observability.Metrics
	Scheduler      *scheduler.Scheduler
	StorageMonitor *monitor.StorageMonitor // nil for the memory backend
	Listen         string
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, rt Routes) {
	router.Use(corsMiddleware(listenPort(rt.Listen)))

	api := router.PathPrefix("/v1").Subrouter()
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// Buffered records
	api.HandleFunc("/records", rt.Query.HandleRecords).Methods("GET")
	api.HandleFunc("/schema", rt.Query.HandleSchema).Methods("GET")
	api.HandleFunc("/stats", rt.Query.HandleStats).Methods("GET")

	// Health and jobs
	api.HandleFunc("/health", handleHealth(rt.Scheduler, rt.StorageMonitor)).Methods("GET")
	api.HandleFunc("/jobs/{job}/trigger", handleTrigger(rt.Scheduler)).Methods("POST")
	if rt.StorageMonitor != nil {
		api.HandleFunc("/storage", handleStorageUsage(rt.StorageMonitor)).Methods("GET")
	}

	// Live stream of stored records
	api.Handle("/ws", rt.Hub).Methods("GET")
	api.HandleFunc("/ingest/unknown", handleUnknownIDs(rt.Ingest)).Methods("GET")

	// Export/import
	api.HandleFunc("/export", rt.Export.HandleExport).Methods("GET")
	api.HandleFunc("/import", rt.Export.HandleImport).Methods("POST")

	router.Handle("/metrics", rt.Metrics.Handler()).Methods("GET")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
}

// listenPort extracts the port from a listen address like ":3000"
func listenPort(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	return port
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
	}
	if port != "" {
		allowedOrigins["http://localhost:"+port] = true
		allowedOrigins["http://127.0.0.1:"+port] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
