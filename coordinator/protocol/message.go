package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of frame on the wire.
type MessageType string

const (
	MsgRegister     MessageType = "register"
	MsgRegisterAck  MessageType = "register_ack"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgHeartbeatAck MessageType = "heartbeat_ack"
	MsgAck          MessageType = "ack"
	MsgTaskAssign   MessageType = "task_assign"
	MsgTaskResult   MessageType = "task_result"
	MsgTaskCancel   MessageType = "task_cancel"
	MsgStatusQuery  MessageType = "status_query"
	MsgStatusReply  MessageType = "status_reply"
	MsgError        MessageType = "error"
)

var knownTypes = map[MessageType]bool{
	MsgRegister:     true,
	MsgRegisterAck:  true,
	MsgHeartbeat:    true,
	MsgHeartbeatAck: true,
	MsgAck:          true,
	MsgTaskAssign:   true,
	MsgTaskResult:   true,
	MsgTaskCancel:   true,
	MsgStatusQuery:  true,
	MsgStatusReply:  true,
	MsgError:        true,
}

// Message is the envelope shared by every frame. Data carries the
// per-type payload and is decoded lazily by the receiver.
type Message struct {
	MessageType MessageType     `json:"message_type"`
	SenderID    string          `json:"sender_id"`
	Timestamp   string          `json:"timestamp"`
	MessageID   string          `json:"message_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// NewMessage builds an envelope around payload with a fresh message id.
func NewMessage(mt MessageType, senderID string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", mt, err)
	}
	return Message{
		MessageType: mt,
		SenderID:    senderID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageID:   uuid.NewString(),
		Data:        data,
	}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
func MustMessage(mt MessageType, senderID string, payload interface{}) Message {
	m, err := NewMessage(mt, senderID, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate checks the envelope fields common to every message type.
func (m *Message) Validate() error {
	if !knownTypes[m.MessageType] {
		return fmt.Errorf("%w: unknown message_type %q", ErrProtocol, m.MessageType)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrProtocol)
	}
	return nil
}

// DecodePayload unmarshals the envelope data into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s message has no data", ErrProtocol, m.MessageType)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrProtocol, m.MessageType, err)
	}
	return nil
}

// Capabilities is the hardware profile a device advertises at registration.
type Capabilities struct {
	CPUCores    int      `json:"cpu_cores"`
	MemoryGB    float64  `json:"memory_gb"`
	StorageGB   float64  `json:"storage_gb"`
	HasGPU      bool     `json:"has_gpu"`
	HasInternet bool     `json:"has_internet"`
	Tags        []string `json:"tags"`
}

// RegisterPayload is sent by a worker as the first frame on a connection.
type RegisterPayload struct {
	DeviceID           string       `json:"device_id"`
	Role               string       `json:"role"`
	Platform           string       `json:"platform"`
	Architecture       string       `json:"architecture"`
	RuntimeVersion     string       `json:"runtime_version"`
	Capabilities       Capabilities `json:"capabilities"`
	SupportedTaskTypes []string     `json:"supported_task_types"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
}

// Validate enforces the fields a registration cannot do without.
func (p *RegisterPayload) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("%w: register missing device_id", ErrProtocol)
	}
	if p.Capabilities.CPUCores < 0 || p.Capabilities.MemoryGB < 0 || p.Capabilities.StorageGB < 0 {
		return fmt.Errorf("%w: register has negative capabilities", ErrProtocol)
	}
	if p.MaxConcurrentTasks < 0 {
		return fmt.Errorf("%w: register has negative max_concurrent_tasks", ErrProtocol)
	}
	return nil
}

// RegisterAckPayload is the coordinator's reply to a register.
type RegisterAckPayload struct {
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
	AssignedDeviceID string `json:"assigned_device_id"`
}

// HeartbeatPayload carries rolling worker metrics.
type HeartbeatPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ActiveTasks   int     `json:"active_tasks"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// HeartbeatAckPayload is the coordinator's reply to a heartbeat.
type HeartbeatAckPayload struct {
	ServerTime      string `json:"server_time"`
	PendingTaskHint int    `json:"pending_task_hint"`
}

// AckPayload acknowledges receipt of a prior message, correlated by id.
// A worker acks a task_assign with the task id so the coordinator can
// observe the assigned -> running transition.
type AckPayload struct {
	OriginalMessageID string `json:"original_message_id"`
	TaskID            string `json:"task_id,omitempty"`
}

// TaskAssignPayload dispatches one task to a worker.
type TaskAssignPayload struct {
	TaskID         string                 `json:"task_id"`
	TaskType       string                 `json:"task_type"`
	Payload        map[string]interface{} `json:"payload"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Attempt        int                    `json:"attempt"`
}

// TaskError describes a worker-side failure.
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Result status values for TaskResultPayload.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// TaskResultPayload reports the outcome of an assigned task.
type TaskResultPayload struct {
	TaskID               string      `json:"task_id"`
	Status               string      `json:"status"`
	Result               interface{} `json:"result,omitempty"`
	Error                *TaskError  `json:"error,omitempty"`
	ExecutionTimeSeconds float64     `json:"execution_time_seconds"`
}

// Validate checks the result payload invariants.
func (p *TaskResultPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_result missing task_id", ErrProtocol)
	}
	if p.Status != ResultSuccess && p.Status != ResultFailure {
		return fmt.Errorf("%w: task_result has status %q", ErrProtocol, p.Status)
	}
	return nil
}

// TaskCancelPayload asks a worker to abandon a task, best effort.
type TaskCancelPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// StatusQueryPayload filters a cluster status request.
type StatusQueryPayload struct {
	Role     string `json:"role,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// StatusReplyPayload answers a status_query, correlated by message_id.
type StatusReplyPayload struct {
	OriginalMessageID string         `json:"original_message_id"`
	OnlineDevices     int            `json:"online_devices"`
	TotalDevices      int            `json:"total_devices"`
	QueuedTasks       map[string]int `json:"queued_tasks"`
	InFlightTasks     int            `json:"in_flight_tasks"`
}

// ErrorPayload reports a protocol-level fault to the peer before closing.
type ErrorPayload struct {
	Error             string `json:"error"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
}
