package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/store"
)

type fakeHandler struct {
	mu          sync.Mutex
	closed      bool
	closeReason string
	posted      []protocol.Message
}

func (h *fakeHandler) Post(m protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.posted = append(h.posted, m)
	return nil
}

func (h *fakeHandler) RequestClose(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.closeReason = reason
}

func (h *fakeHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func info(id string) DeviceInfo {
	return DeviceInfo{
		DeviceID: id,
		Role:     "worker",
		Platform: "linux",
		Capabilities: protocol.Capabilities{
			CPUCores: 4, MemoryGB: 8, StorageGB: 64,
			Tags: []string{"lan"},
		},
		SupportedTaskTypes: []string{"echo"},
		MaxConcurrentTasks: 4,
	}
}

func TestRegisterNewAndReconnect(t *testing.T) {
	r := New(nil, nil)
	h1 := &fakeHandler{}

	d, wasNew, evicted := r.Register(info("w1"), "10.0.0.5:1234", h1)
	if !wasNew || evicted {
		t.Fatalf("first register: wasNew=%v evicted=%v", wasNew, evicted)
	}
	if d.Status != StatusOnline || d.Address != "10.0.0.5:1234" {
		t.Errorf("unexpected device: %+v", d)
	}

	// Clean disconnect, then reconnect.
	if !r.Detach("w1", h1) {
		t.Fatalf("detach failed")
	}
	if d, _ := r.Get("w1"); d.Status != StatusOffline {
		t.Errorf("detached device should be offline")
	}

	h2 := &fakeHandler{}
	_, wasNew, evicted = r.Register(info("w1"), "10.0.0.5:4321", h2)
	if wasNew || evicted {
		t.Errorf("reconnect: wasNew=%v evicted=%v", wasNew, evicted)
	}
	if d, _ := r.Get("w1"); d.Status != StatusOnline {
		t.Errorf("reconnected device should be online")
	}
}

func TestDuplicateRegistrationEvictsPriorHandler(t *testing.T) {
	r := New(nil, nil)
	h1 := &fakeHandler{}
	h2 := &fakeHandler{}

	r.Register(info("w1"), "a:1", h1)
	_, wasNew, evicted := r.Register(info("w1"), "a:2", h2)
	if wasNew {
		t.Errorf("duplicate id reported as new")
	}
	if !evicted {
		t.Errorf("prior handler not reported evicted")
	}
	if !h1.isClosed() {
		t.Errorf("prior socket not asked to close")
	}

	// Only one device, attached to the new handler.
	if len(r.Snapshot(Filter{})) != 1 {
		t.Errorf("duplicate registration produced a second device")
	}
	msg := protocol.MustMessage(protocol.MsgHeartbeatAck, "coordinator", protocol.HeartbeatAckPayload{})
	if err := r.PostToDevice("w1", msg); err != nil {
		t.Fatalf("post to reattached device: %v", err)
	}
	if len(h2.posted) != 1 || len(h1.posted) != 0 {
		t.Errorf("message routed to the wrong handler")
	}

	// The evicted handler's detach must be a no-op.
	if r.Detach("w1", h1) {
		t.Errorf("stale handler detached the live connection")
	}
	if d, _ := r.Get("w1"); d.Status != StatusOnline {
		t.Errorf("stale detach took the device offline")
	}
}

func TestTouchUpdatesLastSeenAndMetrics(t *testing.T) {
	r := New(nil, nil)
	r.Register(info("w1"), "a:1", &fakeHandler{})

	before, _ := r.Get("w1")
	time.Sleep(5 * time.Millisecond)
	if err := r.Touch("w1", &Metrics{CPUPercent: 42, ActiveTasks: 2}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := r.Get("w1")
	if !after.LastSeen.After(before.LastSeen) {
		t.Errorf("last_seen not advanced")
	}
	if after.Metrics.CPUPercent != 42 {
		t.Errorf("metrics not updated: %+v", after.Metrics)
	}

	if err := r.Touch("ghost", nil); err != ErrUnknownDevice {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestMarkOfflineAndStaleOnline(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandler{}
	r.Register(info("w1"), "a:1", h)

	// Fresh device is not stale.
	if ids := r.StaleOnline(time.Minute); len(ids) != 0 {
		t.Errorf("fresh device reported stale: %v", ids)
	}
	// With a zero threshold everything online is stale.
	ids := r.StaleOnline(0)
	if len(ids) != 1 || ids[0] != "w1" {
		t.Fatalf("expected w1 stale, got %v", ids)
	}

	if !r.MarkOffline("w1", "heartbeat timeout") {
		t.Fatalf("MarkOffline failed")
	}
	if !h.isClosed() {
		t.Errorf("handler not closed on offline transition")
	}
	if r.MarkOffline("w1", "again") {
		t.Errorf("second MarkOffline should be a no-op")
	}
	if err := r.PostToDevice("w1", protocol.Message{}); err != ErrDeviceOffline {
		t.Errorf("expected ErrDeviceOffline, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandler{}
	r.Register(info("w1"), "a:1", h)

	d, ok := r.Remove("w1")
	if !ok || d.DeviceID != "w1" {
		t.Fatalf("remove failed: %+v", d)
	}
	if !h.isClosed() {
		t.Errorf("removed device's connection not closed")
	}
	if _, ok := r.Get("w1"); ok {
		t.Errorf("removed device still present")
	}
	if _, ok := r.Remove("w1"); ok {
		t.Errorf("second remove should miss")
	}
}

func TestSnapshotFilter(t *testing.T) {
	r := New(nil, nil)
	r.Register(info("w1"), "a:1", &fakeHandler{})

	i2 := info("w2")
	i2.Role = "storage"
	i2.Platform = "android"
	i2.Capabilities.Tags = []string{"lan", "battery"}
	r.Register(i2, "a:2", &fakeHandler{})
	r.MarkOffline("w2", "test")

	if got := r.Snapshot(Filter{}); len(got) != 2 {
		t.Fatalf("unfiltered snapshot: %d devices", len(got))
	}
	if got := r.Snapshot(Filter{Status: StatusOnline}); len(got) != 1 || got[0].DeviceID != "w1" {
		t.Errorf("status filter wrong: %+v", got)
	}
	if got := r.Snapshot(Filter{Role: "storage"}); len(got) != 1 || got[0].DeviceID != "w2" {
		t.Errorf("role filter wrong")
	}
	if got := r.Snapshot(Filter{Tags: []string{"battery"}}); len(got) != 1 || got[0].DeviceID != "w2" {
		t.Errorf("tag filter wrong")
	}
	if got := r.Snapshot(Filter{Platform: "macos"}); len(got) != 0 {
		t.Errorf("platform filter wrong")
	}
}

func TestFindEligibleOnlyReturnsOnline(t *testing.T) {
	r := New(nil, nil)
	r.Register(info("w1"), "a:1", &fakeHandler{})
	r.Register(info("w2"), "a:2", &fakeHandler{})
	r.MarkOffline("w2", "test")

	got := r.FindEligible(func(*Device) bool { return true })
	if len(got) != 1 || got[0].DeviceID != "w1" {
		t.Errorf("offline device leaked into eligible set: %+v", got)
	}
}

func TestIncActiveClampsAtZero(t *testing.T) {
	r := New(nil, nil)
	r.Register(info("w1"), "a:1", &fakeHandler{})

	r.IncActive("w1", 2)
	r.IncActive("w1", -5)
	if d, _ := r.Get("w1"); d.ActiveTaskCount != 0 {
		t.Errorf("active count = %d, want clamp at 0", d.ActiveTaskCount)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	snapshots := store.NewMemoryStore()

	r := New(snapshots, nil)
	r.Register(info("w1"), "a:1", &fakeHandler{})
	r.IncActive("w1", 1)
	r.Flush(ctx)

	// A fresh registry restores the same devices, all offline, with no
	// task bookkeeping carried over.
	r2 := New(snapshots, nil)
	if err := r2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	d, ok := r2.Get("w1")
	if !ok {
		t.Fatalf("device not restored")
	}
	if d.Status != StatusOffline {
		t.Errorf("restored device must be offline, got %s", d.Status)
	}
	if d.ActiveTaskCount != 0 {
		t.Errorf("active task count must not survive restart")
	}
	if d.Capabilities.CPUCores != 4 || !d.Supports("echo") {
		t.Errorf("capabilities lost in round trip: %+v", d)
	}
}

func TestStats(t *testing.T) {
	r := New(nil, nil)
	r.Register(info("w1"), "a:1", &fakeHandler{})
	i2 := info("w2")
	i2.Role = "storage"
	r.Register(i2, "a:2", &fakeHandler{})
	r.MarkOffline("w2", "test")

	s := r.Stats()
	if s.Total != 2 || s.Online != 1 || s.Offline != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.ByRole["worker"] != 1 || s.ByRole["storage"] != 1 {
		t.Errorf("role counts wrong: %+v", s.ByRole)
	}
}
