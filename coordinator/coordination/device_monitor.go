package coordination

import (
	"context"
	"log"
	"time"

	"github.com/4ier/retire-cluster/coordinator/observability"
	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/scheduler"
)

// DeviceMonitor periodically checks for stale device heartbeats. A
// device whose last_seen is at or past the threshold is marked offline,
// its connection is asked to close, and its in-flight tasks go back to
// the scheduler for reassignment.
type DeviceMonitor struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	interval  time.Duration
	threshold time.Duration
}

// NewDeviceMonitor wires the sweep. The threshold must be strictly
// greater than the worker heartbeat interval.
func NewDeviceMonitor(reg *registry.Registry, sched *scheduler.Scheduler, interval, threshold time.Duration) *DeviceMonitor {
	return &DeviceMonitor{
		registry:  reg,
		scheduler: sched,
		interval:  interval,
		threshold: threshold,
	}
}

// Start runs the sweep loop until ctx ends.
func (m *DeviceMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *DeviceMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("device monitor started (interval %v, offline threshold %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *DeviceMonitor) sweep() {
	for _, deviceID := range m.registry.StaleOnline(m.threshold) {
		if !m.registry.MarkOffline(deviceID, "heartbeat timeout") {
			continue
		}
		observability.DevicesTimedOut.Inc()
		n := m.scheduler.DeviceDown(deviceID, "device_timeout")
		log.Printf("device monitor: %s heartbeat expired, marked offline, %d in-flight tasks reassigned", deviceID, n)
	}
}
