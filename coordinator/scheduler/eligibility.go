package scheduler

import (
	"sort"

	"github.com/4ier/retire-cluster/coordinator/registry"
)

// Eligible implements the device/task predicate. A device must be
// online, meet every hardware floor, match platform/role, carry the
// required tags, satisfy gpu/internet flags, advertise a handler for
// the task type, and have spare concurrency.
func Eligible(d *registry.Device, t *Task) bool {
	if d.Status != registry.StatusOnline {
		return false
	}
	req := t.Requirements
	caps := d.Capabilities
	if caps.CPUCores < req.MinCPUCores {
		return false
	}
	if caps.MemoryGB < req.MinMemoryGB {
		return false
	}
	if caps.StorageGB < req.MinStorageGB {
		return false
	}
	if req.RequiredPlatform != "" && d.Platform != req.RequiredPlatform {
		return false
	}
	if req.RequiredRole != "" && d.Role != req.RequiredRole {
		return false
	}
	if !d.HasTags(req.RequiredTags) {
		return false
	}
	if req.GPURequired && !caps.HasGPU {
		return false
	}
	if req.InternetRequired && !caps.HasInternet {
		return false
	}
	if !d.Supports(t.Type) {
		return false
	}
	if d.MaxConcurrentTasks > 0 && d.ActiveTaskCount >= d.MaxConcurrentTasks {
		return false
	}
	return true
}

// headroom estimates spare capacity from the last heartbeat: idle cores
// plus the free-memory fraction. Devices that have not heartbeated yet
// report zero load and score highest.
func headroom(d *registry.Device) float64 {
	idleCores := float64(d.Capabilities.CPUCores) * (1 - d.Metrics.CPUPercent/100)
	freeMem := 1 - d.Metrics.MemoryPercent/100
	return idleCores + freeMem
}

// selectDevice ranks the eligible candidates for a task. Soft affinity
// for the preferred device wins outright when eligible; otherwise the
// least-loaded device wins, with a weak same-task-type bonus and the
// headroom estimate breaking ties, and device id ordering making the
// result deterministic.
func selectDevice(t *Task, candidates []*registry.Device, typeInFlight func(deviceID, taskType string) bool) *registry.Device {
	if len(candidates) == 0 {
		return nil
	}
	if pref := t.Requirements.PreferredDeviceID; pref != "" {
		for _, d := range candidates {
			if d.DeviceID == pref {
				return d
			}
		}
	}

	ranked := append([]*registry.Device(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.ActiveTaskCount != b.ActiveTaskCount {
			return a.ActiveTaskCount < b.ActiveTaskCount
		}
		affA := typeInFlight != nil && typeInFlight(a.DeviceID, t.Type)
		affB := typeInFlight != nil && typeInFlight(b.DeviceID, t.Type)
		if affA != affB {
			return affA
		}
		ha, hb := headroom(a), headroom(b)
		if ha != hb {
			return ha > hb
		}
		return a.DeviceID < b.DeviceID
	})
	return ranked[0]
}
