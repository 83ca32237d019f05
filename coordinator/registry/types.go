package registry

import (
	"errors"
	"time"

	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/store"
)

// Device status values. A registered device is never forgotten unless
// explicitly removed; it only transitions offline.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	// ErrUnknownDevice is returned for operations on an unregistered id.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceOffline is returned when posting to a device with no
	// attached connection handler.
	ErrDeviceOffline = errors.New("device offline")
)

// Handler is the write side of a worker connection. The transport layer
// implements it; the registry holds at most one per online device.
type Handler interface {
	// Post enqueues a message on the connection outbox without blocking.
	// It fails when the outbox is full or the connection is closing.
	Post(msg protocol.Message) error
	// RequestClose asks the handler to tear the connection down. Safe to
	// call more than once.
	RequestClose(reason string)
}

// Metrics is the rolling load snapshot carried by heartbeats.
type Metrics struct {
	CPUPercent    float64
	MemoryPercent float64
	ActiveTasks   int
	UptimeSeconds int64
}

// DeviceInfo is the registration-time description of a worker.
type DeviceInfo struct {
	DeviceID           string
	Role               string
	Platform           string
	Architecture       string
	RuntimeVersion     string
	Capabilities       protocol.Capabilities
	SupportedTaskTypes []string
	MaxConcurrentTasks int
}

// Device is one registry entry. Copies returned by the registry never
// carry the connection handler.
type Device struct {
	DeviceInfo

	Address         string
	Status          string
	RegisteredAt    time.Time
	LastSeen        time.Time
	ActiveTaskCount int
	Metrics         Metrics

	taskTypes map[string]bool
	handler   Handler
}

// Supports reports whether the device advertised a handler for taskType.
func (d *Device) Supports(taskType string) bool {
	if d.taskTypes != nil {
		return d.taskTypes[taskType]
	}
	for _, t := range d.SupportedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// HasTags reports whether the device tag set is a superset of want.
func (d *Device) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(d.Capabilities.Tags))
	for _, t := range d.Capabilities.Tags {
		have[t] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

// clone returns a copy safe to hand outside the registry lock.
func (d *Device) clone() Device {
	c := *d
	c.handler = nil
	c.Capabilities.Tags = append([]string(nil), d.Capabilities.Tags...)
	c.SupportedTaskTypes = append([]string(nil), d.SupportedTaskTypes...)
	c.taskTypes = nil
	return c
}

// record converts a device to its persisted form.
func (d *Device) record() store.DeviceRecord {
	return store.DeviceRecord{
		DeviceID:           d.DeviceID,
		Role:               d.Role,
		Platform:           d.Platform,
		Architecture:       d.Architecture,
		RuntimeVersion:     d.RuntimeVersion,
		CPUCores:           d.Capabilities.CPUCores,
		MemoryGB:           d.Capabilities.MemoryGB,
		StorageGB:          d.Capabilities.StorageGB,
		HasGPU:             d.Capabilities.HasGPU,
		HasInternet:        d.Capabilities.HasInternet,
		Tags:               append([]string(nil), d.Capabilities.Tags...),
		SupportedTaskTypes: append([]string(nil), d.SupportedTaskTypes...),
		MaxConcurrentTasks: d.MaxConcurrentTasks,
		Address:            d.Address,
		RegisteredAt:       d.RegisteredAt,
		LastSeen:           d.LastSeen,
	}
}

// Filter narrows a registry snapshot.
type Filter struct {
	Status   string
	Role     string
	Platform string
	Tags     []string
}

func (f Filter) matches(d *Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Role != "" && d.Role != f.Role {
		return false
	}
	if f.Platform != "" && d.Platform != f.Platform {
		return false
	}
	return d.HasTags(f.Tags)
}

// Stats summarizes the registry for the cluster status surface.
type Stats struct {
	Total      int            `json:"total"`
	Online     int            `json:"online"`
	Offline    int            `json:"offline"`
	ByRole     map[string]int `json:"by_role"`
	ByPlatform map[string]int `json:"by_platform"`
}
