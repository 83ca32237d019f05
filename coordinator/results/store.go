package results

import (
	"sync"
	"time"

	"github.com/4ier/retire-cluster/coordinator/observability"
	"github.com/4ier/retire-cluster/coordinator/protocol"
)

// Record is a stable snapshot of a task, terminal or live. The result
// store only holds terminal records; the scheduler produces live ones
// on demand for the API.
type Record struct {
	TaskID           string              `json:"task_id"`
	TaskType         string              `json:"task_type"`
	Priority         string              `json:"priority"`
	State            string              `json:"state"`
	AssignedDeviceID string              `json:"assigned_device_id,omitempty"`
	Attempts         int                 `json:"attempts"`
	MaxRetries       int                 `json:"max_retries"`
	CreatedAt        time.Time           `json:"created_at"`
	DispatchedAt     time.Time           `json:"dispatched_at,omitzero"`
	FinishedAt       time.Time           `json:"finished_at,omitzero"`
	Result           interface{}         `json:"result,omitempty"`
	Error            *protocol.TaskError `json:"error,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	ExecutionSeconds float64             `json:"execution_time_seconds,omitempty"`
}

// Store keeps the N most recent terminal records, each for at most the
// retention age, whichever bound bites first. Absence of an id is a
// legal answer distinguishable from "still running" by consulting the
// scheduler.
type Store struct {
	mu       sync.Mutex
	records  map[string]Record
	order    []string
	maxCount int
	maxAge   time.Duration
}

// NewStore creates a result store bounded by count and age. Zero values
// take the documented defaults (10000 records, 24h).
func NewStore(maxCount int, maxAge time.Duration) *Store {
	if maxCount <= 0 {
		maxCount = 10000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Store{
		records:  make(map[string]Record),
		maxCount: maxCount,
		maxAge:   maxAge,
	}
}

// Put records a terminal snapshot, evicting past retention.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.TaskID]; !exists {
		s.order = append(s.order, rec.TaskID)
	}
	s.records[rec.TaskID] = rec
	s.purgeLocked(time.Now())
	observability.ResultStoreSize.Set(float64(len(s.records)))
}

// Get returns the terminal record for id, if retained.
func (s *Store) Get(taskID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(time.Now())
	rec, ok := s.records[taskID]
	return rec, ok
}

// Len reports the number of retained records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) purgeLocked(now time.Time) {
	// Count bound first, then age; order is insertion order so the
	// oldest records leave first either way.
	for len(s.order) > s.maxCount {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	for len(s.order) > 0 {
		rec, ok := s.records[s.order[0]]
		if ok && now.Sub(rec.FinishedAt) < s.maxAge {
			break
		}
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
}
