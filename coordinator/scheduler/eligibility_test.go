package scheduler

import (
	"testing"

	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/registry"
)

func device(id string, mutate func(*registry.Device)) *registry.Device {
	d := &registry.Device{
		DeviceInfo: registry.DeviceInfo{
			DeviceID:     id,
			Role:         "worker",
			Platform:     "linux",
			Architecture: "amd64",
			Capabilities: protocol.Capabilities{
				CPUCores:    4,
				MemoryGB:    8,
				StorageGB:   64,
				HasInternet: true,
				Tags:        []string{"lan"},
			},
			SupportedTaskTypes: []string{"echo", "sleep"},
			MaxConcurrentTasks: 4,
		},
		Status: registry.StatusOnline,
	}
	if mutate != nil {
		mutate(d)
	}
	return d
}

func TestEligibility(t *testing.T) {
	base := &Task{Type: "echo"}

	cases := []struct {
		name   string
		task   *Task
		mutate func(*registry.Device)
		want   bool
	}{
		{"plain match", base, nil, true},
		{"offline", base, func(d *registry.Device) { d.Status = registry.StatusOffline }, false},
		{"cpu floor", &Task{Type: "echo", Requirements: Requirements{MinCPUCores: 8}}, nil, false},
		{"cpu floor met", &Task{Type: "echo", Requirements: Requirements{MinCPUCores: 4}}, nil, true},
		{"memory floor", &Task{Type: "echo", Requirements: Requirements{MinMemoryGB: 16}}, nil, false},
		{"storage floor", &Task{Type: "echo", Requirements: Requirements{MinStorageGB: 128}}, nil, false},
		{"platform mismatch", &Task{Type: "echo", Requirements: Requirements{RequiredPlatform: "android"}}, nil, false},
		{"platform match", &Task{Type: "echo", Requirements: Requirements{RequiredPlatform: "linux"}}, nil, true},
		{"role mismatch", &Task{Type: "echo", Requirements: Requirements{RequiredRole: "storage"}}, nil, false},
		{"tags subset", &Task{Type: "echo", Requirements: Requirements{RequiredTags: []string{"lan"}}}, nil, true},
		{"tags missing", &Task{Type: "echo", Requirements: Requirements{RequiredTags: []string{"lan", "gpu-rig"}}}, nil, false},
		{"gpu required", &Task{Type: "echo", Requirements: Requirements{GPURequired: true}}, nil, false},
		{"gpu present", &Task{Type: "echo", Requirements: Requirements{GPURequired: true}},
			func(d *registry.Device) { d.Capabilities.HasGPU = true }, true},
		{"internet required absent", &Task{Type: "echo", Requirements: Requirements{InternetRequired: true}},
			func(d *registry.Device) { d.Capabilities.HasInternet = false }, false},
		{"unsupported task type", &Task{Type: "transcode"}, nil, false},
		{"at concurrency cap", base, func(d *registry.Device) { d.ActiveTaskCount = 4 }, false},
	}

	for _, tc := range cases {
		d := device("w1", tc.mutate)
		if got := Eligible(d, tc.task); got != tc.want {
			t.Errorf("%s: Eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSelectLowestLoadWins(t *testing.T) {
	busy := device("a-busy", func(d *registry.Device) { d.ActiveTaskCount = 3 })
	idle := device("b-idle", nil)

	got := selectDevice(&Task{Type: "echo"}, []*registry.Device{busy, idle}, nil)
	if got.DeviceID != "b-idle" {
		t.Errorf("expected least-loaded device, got %s", got.DeviceID)
	}
}

func TestSelectPreferredDevice(t *testing.T) {
	a := device("w-a", nil)
	b := device("w-b", func(d *registry.Device) { d.ActiveTaskCount = 2 })

	// Preferred wins even though it is busier.
	task := &Task{Type: "echo", Requirements: Requirements{PreferredDeviceID: "w-b"}}
	got := selectDevice(task, []*registry.Device{a, b}, nil)
	if got.DeviceID != "w-b" {
		t.Errorf("soft affinity ignored: got %s", got.DeviceID)
	}

	// A preferred device that is not among the candidates is ignored.
	task = &Task{Type: "echo", Requirements: Requirements{PreferredDeviceID: "w-gone"}}
	got = selectDevice(task, []*registry.Device{a, b}, nil)
	if got.DeviceID != "w-a" {
		t.Errorf("expected fallback to ranking, got %s", got.DeviceID)
	}
}

func TestSelectTypeAffinityBreaksTies(t *testing.T) {
	a := device("w-a", func(d *registry.Device) { d.ActiveTaskCount = 1 })
	b := device("w-b", func(d *registry.Device) { d.ActiveTaskCount = 1 })

	inflight := func(deviceID, taskType string) bool {
		return deviceID == "w-b" && taskType == "echo"
	}
	got := selectDevice(&Task{Type: "echo"}, []*registry.Device{a, b}, inflight)
	if got.DeviceID != "w-b" {
		t.Errorf("type affinity should break the tie, got %s", got.DeviceID)
	}

	// Affinity must not override a lower load.
	idle := device("w-c", nil)
	got = selectDevice(&Task{Type: "echo"}, []*registry.Device{a, b, idle}, inflight)
	if got.DeviceID != "w-c" {
		t.Errorf("affinity overrode load ordering, got %s", got.DeviceID)
	}
}

func TestSelectHeadroomThenIDDeterminism(t *testing.T) {
	loaded := device("w-a", func(d *registry.Device) {
		d.Metrics = registry.Metrics{CPUPercent: 90, MemoryPercent: 90}
	})
	fresh := device("w-b", nil)

	got := selectDevice(&Task{Type: "echo"}, []*registry.Device{loaded, fresh}, nil)
	if got.DeviceID != "w-b" {
		t.Errorf("expected higher headroom to win, got %s", got.DeviceID)
	}

	// Fully tied candidates resolve by id, reproducibly.
	x := device("w-x", nil)
	y := device("w-y", nil)
	for i := 0; i < 5; i++ {
		got = selectDevice(&Task{Type: "echo"}, []*registry.Device{y, x}, nil)
		if got.DeviceID != "w-x" {
			t.Fatalf("tie-break not deterministic: got %s", got.DeviceID)
		}
	}
}

func TestSelectEmpty(t *testing.T) {
	if selectDevice(&Task{Type: "echo"}, nil, nil) != nil {
		t.Errorf("empty candidate set must select nothing")
	}
}
