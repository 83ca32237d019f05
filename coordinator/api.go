package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/4ier/retire-cluster/coordinator/observability"
	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/results"
	"github.com/4ier/retire-cluster/coordinator/scheduler"
	"github.com/4ier/retire-cluster/coordinator/timeline"
	"github.com/4ier/retire-cluster/coordinator/transport"
)

// API is the narrow boundary the HTTP layer calls into. Every handler
// maps onto a thread-safe registry/scheduler/result-store operation;
// nothing here mutates task state directly.
type API struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	results   *results.Store
	tl        *timeline.Store
	server    *transport.Server
	hub       *EventsHub

	// Storm protection on submissions.
	submitLimiter *rate.Limiter
}

func NewAPI(reg *registry.Registry, sched *scheduler.Scheduler, res *results.Store, tl *timeline.Store, srv *transport.Server, hub *EventsHub, submitRate float64, submitBurst int) *API {
	if submitRate <= 0 {
		submitRate = 50
	}
	if submitBurst <= 0 {
		submitBurst = 100
	}
	return &API{
		registry:      reg,
		scheduler:     sched,
		results:       res,
		tl:            tl,
		server:        srv,
		hub:           hub,
		submitLimiter: rate.NewLimiter(rate.Limit(submitRate), submitBurst),
	}
}

// Routes registers the HTTP surface on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/devices", a.handleListDevices)
	mux.HandleFunc("/devices/", a.handleDeviceByID)
	mux.HandleFunc("/cluster/stats", a.handleClusterStats)
	if a.hub != nil {
		mux.HandleFunc("/events/stream", a.hub.HandleStream)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if !a.submitLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("submit").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var spec scheduler.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	taskID, err := a.scheduler.Submit(spec)
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full")
	case errors.Is(err, scheduler.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, "invalid_task")
	case err != nil:
		log.Printf("api: submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	}
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "timeline":
		writeJSON(w, http.StatusOK, a.tl.EventsForTask(taskID))

	case r.Method == http.MethodGet && sub == "":
		rec, ok := a.scheduler.GetTask(taskID)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case r.Method == http.MethodDelete && sub == "":
		cancelled := a.scheduler.Cancel(taskID)
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	q := r.URL.Query()
	f := registry.Filter{
		Status:   q.Get("status"),
		Role:     q.Get("role"),
		Platform: q.Get("platform"),
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	writeJSON(w, http.StatusOK, deviceViews(a.registry.Snapshot(f)))
}

// deviceView is the externally visible device record.
type deviceView struct {
	DeviceID           string   `json:"device_id"`
	Role               string   `json:"role"`
	Platform           string   `json:"platform"`
	Architecture       string   `json:"architecture"`
	Status             string   `json:"status"`
	Address            string   `json:"address"`
	LastSeen           string   `json:"last_seen"`
	ActiveTaskCount    int      `json:"active_task_count"`
	CPUCores           int      `json:"cpu_cores"`
	MemoryGB           float64  `json:"memory_gb"`
	StorageGB          float64  `json:"storage_gb"`
	HasGPU             bool     `json:"has_gpu"`
	HasInternet        bool     `json:"has_internet"`
	Tags               []string `json:"tags"`
	SupportedTaskTypes []string `json:"supported_task_types"`
}

func deviceViews(devices []registry.Device) []deviceView {
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{
			DeviceID:           d.DeviceID,
			Role:               d.Role,
			Platform:           d.Platform,
			Architecture:       d.Architecture,
			Status:             d.Status,
			Address:            d.Address,
			LastSeen:           d.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
			ActiveTaskCount:    d.ActiveTaskCount,
			CPUCores:           d.Capabilities.CPUCores,
			MemoryGB:           d.Capabilities.MemoryGB,
			StorageGB:          d.Capabilities.StorageGB,
			HasGPU:             d.Capabilities.HasGPU,
			HasInternet:        d.Capabilities.HasInternet,
			Tags:               d.Capabilities.Tags,
			SupportedTaskTypes: d.SupportedTaskTypes,
		})
	}
	return out
}

func (a *API) handleDeviceByID(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimPrefix(r.URL.Path, "/devices/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, ok := a.registry.Get(deviceID)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, deviceViews([]registry.Device{d})[0])

	case http.MethodDelete:
		if _, ok := a.registry.Remove(deviceID); !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		n := a.scheduler.DeviceDown(deviceID, "device removed")
		writeJSON(w, http.StatusOK, map[string]int{"reassigned": n})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (a *API) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	stats := map[string]interface{}{
		"devices":            a.registry.Stats(),
		"scheduler":          a.scheduler.Stats(),
		"results_retained":   a.results.Len(),
		"active_connections": a.server.ActiveConnections(),
	}
	writeJSON(w, http.StatusOK, stats)
}
