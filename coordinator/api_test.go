package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/results"
	"github.com/4ier/retire-cluster/coordinator/scheduler"
	"github.com/4ier/retire-cluster/coordinator/timeline"
	"github.com/4ier/retire-cluster/coordinator/transport"
)

type stubHandler struct{}

func (stubHandler) Post(protocol.Message) error { return nil }
func (stubHandler) RequestClose(string)         {}

func newTestAPI(t *testing.T) (*API, *registry.Registry, *scheduler.Scheduler, *http.ServeMux) {
	t.Helper()
	tl := timeline.NewStore(100)
	reg := registry.New(nil, tl)
	res := results.NewStore(100, time.Hour)
	sched := scheduler.New(reg, res, tl, scheduler.Config{
		QueueCapacity:             100,
		DefaultTaskTimeoutSeconds: 30,
		DefaultMaxRetries:         3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sched.Start(ctx)

	srv := transport.NewServer(transport.DefaultConfig("127.0.0.1:0"), reg, sched)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	api := NewAPI(reg, sched, res, tl, srv, nil, 1000, 1000)
	mux := http.NewServeMux()
	api.Routes(mux)
	return api, reg, sched, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestSubmitAndGetTask(t *testing.T) {
	_, _, _, mux := newTestAPI(t)

	w := doJSON(t, mux, http.MethodPost, "/tasks", scheduler.TaskSpec{
		TaskType: "echo",
		Payload:  map[string]interface{}{"msg": "hi"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	taskID := resp["task_id"]
	if taskID == "" {
		t.Fatalf("no task_id in response")
	}

	// No device yet: state is queued with no assigned device.
	w = doJSON(t, mux, http.MethodGet, "/tasks/"+taskID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var rec results.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.State != scheduler.StateQueued || rec.AssignedDeviceID != "" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestSubmitInvalidTask(t *testing.T) {
	_, _, _, mux := newTestAPI(t)

	w := doJSON(t, mux, http.MethodPost, "/tasks", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty task_type: status = %d", w.Code)
	}
	w = doJSON(t, mux, http.MethodPost, "/tasks", scheduler.TaskSpec{TaskType: "echo", Priority: "asap"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad priority: status = %d", w.Code)
	}
}

func TestGetUnknownTask(t *testing.T) {
	_, _, _, mux := newTestAPI(t)
	w := doJSON(t, mux, http.MethodGet, "/tasks/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCancelTask(t *testing.T) {
	_, _, sched, mux := newTestAPI(t)
	taskID, _ := sched.Submit(scheduler.TaskSpec{TaskType: "echo"})

	w := doJSON(t, mux, http.MethodDelete, "/tasks/"+taskID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	var resp map[string]bool
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp["cancelled"] {
		t.Errorf("cancel reported false")
	}
}

func TestListDevicesWithFilter(t *testing.T) {
	_, reg, _, mux := newTestAPI(t)
	reg.Register(registry.DeviceInfo{DeviceID: "w1", Role: "worker", Platform: "linux"}, "a:1", stubHandler{})
	reg.Register(registry.DeviceInfo{DeviceID: "w2", Role: "storage", Platform: "android"}, "a:2", stubHandler{})

	w := doJSON(t, mux, http.MethodGet, "/devices", nil)
	var all []deviceView
	json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(all))
	}

	w = doJSON(t, mux, http.MethodGet, "/devices?role=storage", nil)
	var filtered []deviceView
	json.Unmarshal(w.Body.Bytes(), &filtered)
	if len(filtered) != 1 || filtered[0].DeviceID != "w2" {
		t.Errorf("role filter wrong: %+v", filtered)
	}
}

func TestRemoveDevice(t *testing.T) {
	_, reg, _, mux := newTestAPI(t)
	reg.Register(registry.DeviceInfo{DeviceID: "w1"}, "a:1", stubHandler{})

	w := doJSON(t, mux, http.MethodDelete, "/devices/w1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d", w.Code)
	}
	var resp map[string]int
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reassigned"] != 0 {
		t.Errorf("unexpected reassigned count: %d", resp["reassigned"])
	}
	if _, ok := reg.Get("w1"); ok {
		t.Errorf("device not removed")
	}

	w = doJSON(t, mux, http.MethodDelete, "/devices/w1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second remove status = %d, want 404", w.Code)
	}
}

func TestClusterStats(t *testing.T) {
	_, reg, sched, mux := newTestAPI(t)
	reg.Register(registry.DeviceInfo{DeviceID: "w1", Role: "worker"}, "a:1", stubHandler{})
	sched.Submit(scheduler.TaskSpec{TaskType: "transcode"})

	w := doJSON(t, mux, http.MethodGet, "/cluster/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &stats)
	for _, key := range []string{"devices", "scheduler", "results_retained", "active_connections"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}

func TestSubmitRateLimit(t *testing.T) {
	tl := timeline.NewStore(100)
	reg := registry.New(nil, tl)
	res := results.NewStore(100, time.Hour)
	sched := scheduler.New(reg, res, tl, scheduler.Config{QueueCapacity: 100, DefaultTaskTimeoutSeconds: 30, DefaultMaxRetries: 3})
	srv := transport.NewServer(transport.DefaultConfig("127.0.0.1:0"), reg, sched)
	srv.Listen()

	api := NewAPI(reg, sched, res, tl, srv, nil, 1, 1)
	mux := http.NewServeMux()
	api.Routes(mux)

	first := doJSON(t, mux, http.MethodPost, "/tasks", scheduler.TaskSpec{TaskType: "echo"})
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", first.Code)
	}
	second := doJSON(t, mux, http.MethodPost, "/tasks", scheduler.TaskSpec{TaskType: "echo"})
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded but status = %d", second.Code)
	}
}
