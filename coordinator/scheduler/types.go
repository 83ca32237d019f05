package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/4ier/retire-cluster/coordinator/protocol"
)

var (
	// ErrQueueFull is returned when a submission is rejected at admission.
	ErrQueueFull = errors.New("queue_full")
	// ErrUnknownTask names an id the scheduler does not track. The
	// scheduler's own lookups (GetTask, Cancel) report a miss with a
	// boolean and do not return it.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidTask is returned for malformed submissions.
	ErrInvalidTask = errors.New("invalid task")
)

// Priority bands, highest first. Band order is strict: a queued task in
// a higher band is never passed over while it has an eligible device.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numBands = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps the wire spelling to a band. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: priority %q", ErrInvalidTask, s)
	}
}

// Task states.
const (
	StatePending   = "pending"
	StateQueued    = "queued"
	StateAssigned  = "assigned"
	StateRunning   = "running"
	StateSuccess   = "success"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
	StateTimeout   = "timeout"
)

// Enumerated failure reasons surfaced to API callers.
const (
	ReasonFailed     = "failed"
	ReasonTimeout    = "timeout"
	ReasonCancelled  = "cancelled"
	ReasonDeviceLost = "device_lost"
)

// IsTerminal reports whether state permits no further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateSuccess, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Requirements constrain which devices may run a task.
type Requirements struct {
	MinCPUCores       int      `json:"min_cpu_cores,omitempty"`
	MinMemoryGB       float64  `json:"min_memory_gb,omitempty"`
	MinStorageGB      float64  `json:"min_storage_gb,omitempty"`
	RequiredPlatform  string   `json:"required_platform,omitempty"`
	RequiredRole      string   `json:"required_role,omitempty"`
	RequiredTags      []string `json:"required_tags,omitempty"`
	GPURequired       bool     `json:"gpu_required,omitempty"`
	InternetRequired  bool     `json:"internet_required,omitempty"`
	PreferredDeviceID string   `json:"preferred_device_id,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
	MaxRetries        *int     `json:"max_retries,omitempty"`
}

// TaskSpec is a submission from the API boundary.
type TaskSpec struct {
	TaskType     string                 `json:"task_type"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     string                 `json:"priority,omitempty"`
	Requirements Requirements           `json:"requirements"`
}

// Task is the scheduler's working record. The queue owns it while
// queued, the scheduler while in flight, the result store once terminal.
type Task struct {
	ID           string
	Type         string
	Payload      map[string]interface{}
	Priority     Priority
	Requirements Requirements

	State            string
	AssignedDeviceID string
	Attempts         int
	MaxRetries       int
	TimeoutSeconds   int

	CreatedAt    time.Time
	DispatchedAt time.Time
	FinishedAt   time.Time

	Result           interface{}
	Error            *protocol.TaskError
	FailureReason    string
	ExecutionSeconds float64

	cancelRequested bool
}

// Config carries the scheduler tunables.
type Config struct {
	// QueueCapacity bounds queued tasks; submissions beyond it fail
	// with queue_full.
	QueueCapacity int
	// DefaultTaskTimeoutSeconds applies when a task omits a timeout.
	DefaultTaskTimeoutSeconds int
	// DefaultMaxRetries applies when a task omits max_retries. Total
	// attempts are 1 + retries.
	DefaultMaxRetries int
	// DispatchRatePerDevice caps task_assign messages per device per
	// second; burst DispatchBurst. Zero disables the limiter.
	DispatchRatePerDevice float64
	DispatchBurst         int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:             10000,
		DefaultTaskTimeoutSeconds: 300,
		DefaultMaxRetries:         3,
		DispatchRatePerDevice:     20,
		DispatchBurst:             10,
	}
}

// SchedulingDecision is a structured log record of a scheduler action.
type SchedulingDecision struct {
	Component string      `json:"component"`
	Decision  string      `json:"decision"` // DISPATCH, DISPATCH_REVERT, RETRY, TIMEOUT, DEVICE_DOWN, DISCARD
	TaskID    string      `json:"task_id,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
	Priority  string      `json:"priority,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

// QueueStats is the per-band queue depth summary.
type QueueStats struct {
	Urgent int `json:"urgent"`
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}

// Stats summarizes scheduler state for the status surfaces.
type Stats struct {
	Queue    QueueStats `json:"queue"`
	InFlight int        `json:"in_flight"`
}
