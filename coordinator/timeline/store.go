package timeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4ier/retire-cluster/coordinator/store"
)

// Lifecycle stages recorded on the timeline.
const (
	StageSubmitted     = "SUBMITTED"
	StageQueued        = "QUEUED"
	StageAssigned      = "ASSIGNED"
	StageRunning       = "RUNNING"
	StageRequeued      = "REQUEUED"
	StageSucceeded     = "SUCCEEDED"
	StageFailed        = "FAILED"
	StageTimedOut      = "TIMED_OUT"
	StageCancelled     = "CANCELLED"
	StageDeviceOnline  = "DEVICE_ONLINE"
	StageDeviceOffline = "DEVICE_OFFLINE"
	StageDeviceRemoved = "DEVICE_REMOVED"
)

// Event is one entry on the cluster timeline. TaskID is empty for
// device lifecycle events.
type Event struct {
	EventID   string            `json:"event_id"`
	TaskID    string            `json:"task_id,omitempty"`
	Stage     string            `json:"stage"`
	DeviceID  string            `json:"device_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives every recorded event. Sinks must not block.
type Sink func(Event)

// Store keeps a bounded in-memory window of events and fans them out to
// sinks and the optional durable log.
type Store struct {
	mu      sync.RWMutex
	events  []Event
	max     int
	sinks   []Sink
	durable store.EventLog
}

// NewStore creates a timeline bounded to max events (0 means 10000).
func NewStore(max int) *Store {
	if max <= 0 {
		max = 10000
	}
	return &Store{max: max}
}

// SetDurable attaches the append-only persistent log. Append failures
// are logged and dropped; memory stays authoritative.
func (s *Store) SetDurable(l store.EventLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durable = l
}

// AddSink registers a fan-out consumer for future events.
func (s *Store) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Record appends an event, trims the window, and fans out.
func (s *Store) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
	sinks := s.sinks
	durable := s.durable
	s.mu.Unlock()

	for _, sink := range sinks {
		sink(e)
	}
	if durable != nil {
		if err := durable.Append(context.Background(), store.TaskEvent{
			EventID:   e.EventID,
			TaskID:    e.TaskID,
			Stage:     e.Stage,
			DeviceID:  e.DeviceID,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata,
		}); err != nil {
			log.Printf("timeline: durable append failed: %v", err)
		}
	}
}

// EventsForTask returns the recorded events for one task id.
func (s *Store) EventsForTask(taskID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n most recent events, newest last.
func (s *Store) Recent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]Event, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}
