package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/4ier/retire-cluster/coordinator/observability"
	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/store"
	"github.com/4ier/retire-cluster/coordinator/timeline"
)

// Registry is the authoritative map of known devices. All compound
// operations are atomic under one RWMutex; none of them performs I/O
// while holding it.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device

	snapshots store.SnapshotStore
	tl        *timeline.Store
	dirty     chan struct{}
}

// New creates a registry. snapshots may be nil to disable persistence,
// tl may be nil to disable lifecycle events.
func New(snapshots store.SnapshotStore, tl *timeline.Store) *Registry {
	return &Registry{
		devices:   make(map[string]*Device),
		snapshots: snapshots,
		tl:        tl,
		dirty:     make(chan struct{}, 1),
	}
}

// Restore loads the persisted snapshot. Every restored device comes
// back offline with no handler; connections re-establish liveness.
func (r *Registry) Restore(ctx context.Context) error {
	if r.snapshots == nil {
		return nil
	}
	records, err := r.snapshots.LoadDevices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.devices[rec.DeviceID] = deviceFromRecord(rec)
	}
	if len(records) > 0 {
		log.Printf("registry: restored %d devices (all offline)", len(records))
	}
	r.updateGaugesLocked()
	return nil
}

func deviceFromRecord(rec store.DeviceRecord) *Device {
	d := &Device{
		DeviceInfo: DeviceInfo{
			DeviceID:       rec.DeviceID,
			Role:           rec.Role,
			Platform:       rec.Platform,
			Architecture:   rec.Architecture,
			RuntimeVersion: rec.RuntimeVersion,
			Capabilities: protocol.Capabilities{
				CPUCores:    rec.CPUCores,
				MemoryGB:    rec.MemoryGB,
				StorageGB:   rec.StorageGB,
				HasGPU:      rec.HasGPU,
				HasInternet: rec.HasInternet,
				Tags:        rec.Tags,
			},
			SupportedTaskTypes: rec.SupportedTaskTypes,
			MaxConcurrentTasks: rec.MaxConcurrentTasks,
		},
		Address:      rec.Address,
		Status:       StatusOffline,
		RegisteredAt: rec.RegisteredAt,
		LastSeen:     rec.LastSeen,
	}
	d.taskTypes = taskTypeSet(rec.SupportedTaskTypes)
	return d
}

func taskTypeSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Register inserts or revives a device and attaches its handler. When
// the id is already online on another connection, the prior handler is
// evicted so at most one live connection per id ever exists. The evicted
// handler, if any, is asked to close after the lock is released; the
// caller learns about the eviction so in-flight tasks can be reassigned.
func (r *Registry) Register(info DeviceInfo, addr string, h Handler) (dev Device, wasNew, evicted bool) {
	now := time.Now().UTC()
	var prior Handler

	r.mu.Lock()
	d, known := r.devices[info.DeviceID]
	wasNew = !known
	if !known {
		d = &Device{RegisteredAt: now}
		r.devices[info.DeviceID] = d
	} else if d.handler != nil && d.handler != h {
		prior = d.handler
	}

	d.DeviceInfo = info
	d.taskTypes = taskTypeSet(info.SupportedTaskTypes)
	d.Address = addr
	d.Status = StatusOnline
	d.LastSeen = now
	d.handler = h
	snap := d.clone()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if prior != nil {
		log.Printf("registry: device %s re-registered, evicting prior connection", info.DeviceID)
		prior.RequestClose("replaced by newer registration")
	}
	r.recordDeviceEvent(timeline.StageDeviceOnline, info.DeviceID, map[string]string{"new": boolString(wasNew)})
	r.markDirty()
	return snap, wasNew, prior != nil
}

// Touch updates last_seen and rolling metrics on any inbound message.
func (r *Registry) Touch(deviceID string, m *Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	d.LastSeen = time.Now().UTC()
	if m != nil {
		d.Metrics = *m
	}
	return nil
}

// Detach clears the handler if and only if h is the currently attached
// one, marking the device offline. A stale handler (already replaced by
// a newer registration) is a no-op.
func (r *Registry) Detach(deviceID string, h Handler) bool {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok || d.handler != h {
		r.mu.Unlock()
		return false
	}
	d.handler = nil
	d.Status = StatusOffline
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.recordDeviceEvent(timeline.StageDeviceOffline, deviceID, map[string]string{"reason": "connection closed"})
	r.markDirty()
	return true
}

// MarkOffline transitions a device offline regardless of which handler
// is attached, requesting the connection close. Used by the heartbeat
// monitor. Returns false if the device was not online.
func (r *Registry) MarkOffline(deviceID string, reason string) bool {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok || d.Status != StatusOnline {
		r.mu.Unlock()
		return false
	}
	h := d.handler
	d.handler = nil
	d.Status = StatusOffline
	r.updateGaugesLocked()
	r.mu.Unlock()

	if h != nil {
		h.RequestClose(reason)
	}
	r.recordDeviceEvent(timeline.StageDeviceOffline, deviceID, map[string]string{"reason": reason})
	r.markDirty()
	return true
}

// Remove forcibly drops a device. The caller is responsible for
// reassigning any in-flight tasks via the scheduler.
func (r *Registry) Remove(deviceID string) (Device, bool) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return Device{}, false
	}
	h := d.handler
	snap := d.clone()
	delete(r.devices, deviceID)
	r.updateGaugesLocked()
	r.mu.Unlock()

	if h != nil {
		h.RequestClose("device removed")
	}
	r.recordDeviceEvent(timeline.StageDeviceRemoved, deviceID, nil)
	r.markDirty()
	return snap, true
}

// Get returns a copy of one device.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// Snapshot returns copies of devices matching the filter, ordered by id.
func (r *Registry) Snapshot(f Filter) []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if f.matches(d) {
			out = append(out, d.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// FindEligible returns copies of online devices accepted by pred.
func (r *Registry) FindEligible(pred func(*Device) bool) []Device {
	r.mu.RLock()
	var out []Device
	for _, d := range r.devices {
		if d.Status == StatusOnline && pred(d) {
			out = append(out, d.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// StaleOnline returns ids of online devices whose last_seen is at or
// past the threshold, evaluated at one instant under the lock.
func (r *Registry) StaleOnline(threshold time.Duration) []string {
	now := time.Now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, d := range r.devices {
		if d.Status == StatusOnline && now.Sub(d.LastSeen) >= threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IncActive adjusts a device's in-flight task count, clamped at zero.
// Offline devices are still adjusted so bookkeeping survives device loss.
func (r *Registry) IncActive(deviceID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.ActiveTaskCount += delta
	if d.ActiveTaskCount < 0 {
		d.ActiveTaskCount = 0
	}
}

// PostToDevice enqueues a message on the device's connection outbox.
func (r *Registry) PostToDevice(deviceID string, msg protocol.Message) error {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	var h Handler
	if ok {
		h = d.handler
	}
	r.mu.RUnlock()

	if !ok {
		return ErrUnknownDevice
	}
	if h == nil {
		return ErrDeviceOffline
	}
	return h.Post(msg)
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		ByRole:     make(map[string]int),
		ByPlatform: make(map[string]int),
	}
	for _, d := range r.devices {
		s.Total++
		if d.Status == StatusOnline {
			s.Online++
		} else {
			s.Offline++
		}
		s.ByRole[d.Role]++
		s.ByPlatform[d.Platform]++
	}
	return s
}

func (r *Registry) updateGaugesLocked() {
	online := 0
	for _, d := range r.devices {
		if d.Status == StatusOnline {
			online++
		}
	}
	observability.ConnectedDevices.Set(float64(online))
	observability.RegisteredDevices.Set(float64(len(r.devices)))
}

func (r *Registry) recordDeviceEvent(stage, deviceID string, meta map[string]string) {
	if r.tl == nil {
		return
	}
	r.tl.Record(timeline.Event{Stage: stage, DeviceID: deviceID, Metadata: meta})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// markDirty flags the snapshot for the persistence loop.
func (r *Registry) markDirty() {
	if r.snapshots == nil {
		return
	}
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// StartPersistence runs the debounced snapshot writer until ctx ends.
// Failures are logged and counted; in-memory state stays authoritative.
func (r *Registry) StartPersistence(ctx context.Context, debounce time.Duration) {
	if r.snapshots == nil {
		return
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				r.Flush(context.Background())
				return
			case <-r.dirty:
				timer := time.NewTimer(debounce)
				select {
				case <-ctx.Done():
					timer.Stop()
					r.Flush(context.Background())
					return
				case <-timer.C:
				}
				r.Flush(ctx)
			}
		}
	}()
}

// Flush writes the current snapshot synchronously.
func (r *Registry) Flush(ctx context.Context) {
	if r.snapshots == nil {
		return
	}
	r.mu.RLock()
	records := make([]store.DeviceRecord, 0, len(r.devices))
	for _, d := range r.devices {
		records = append(records, d.record())
	}
	r.mu.RUnlock()

	if err := r.snapshots.SaveDevices(ctx, records); err != nil {
		observability.PersistenceFailures.Inc()
		log.Printf("registry: snapshot write failed: %v", err)
	}
}
