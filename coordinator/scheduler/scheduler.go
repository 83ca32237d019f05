package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4ier/retire-cluster/coordinator/observability"
	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/results"
	"github.com/4ier/retire-cluster/coordinator/timeline"
)

// CoordinatorSender is the sender id stamped on coordinator frames.
const CoordinatorSender = "coordinator"

// Scheduler owns every task state transition after enqueue. Inbound
// events (results, acks, device loss, timeouts) funnel through one
// serial loop; dispatch runs as part of that same loop so the band
// ordering invariant holds at each selection instant.
type Scheduler struct {
	registry *registry.Registry
	queue    *Queue
	results  *results.Store
	tl       *timeline.Store
	cfg      Config

	limiter *TokenBucketLimiter
	breaker *CircuitBreaker

	mu       sync.RWMutex
	tasks    map[string]*Task            // queued + in-flight
	inflight map[string]map[string]*Task // deviceID -> taskID -> task

	events chan event
	wake   chan struct{}
}

type event struct {
	kind     string // "result", "ack", "device_down", "sweep", "cancel_inflight"
	deviceID string
	taskID   string
	reason   string
	result   protocol.TaskResultPayload
	reply    chan int
}

// New wires the scheduler to its collaborators.
func New(reg *registry.Registry, res *results.Store, tl *timeline.Store, cfg Config) *Scheduler {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		registry: reg,
		queue:    NewQueue(cfg.QueueCapacity),
		results:  res,
		tl:       tl,
		cfg:      cfg,
		breaker:  NewCircuitBreaker(cfg.QueueCapacity),
		tasks:    make(map[string]*Task),
		inflight: make(map[string]map[string]*Task),
		events:   make(chan event, 256),
		wake:     make(chan struct{}, 1),
	}
	if cfg.DispatchRatePerDevice > 0 {
		s.limiter = NewTokenBucketLimiter(cfg.DispatchRatePerDevice, cfg.DispatchBurst)
	}
	return s
}

// Start runs the event loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.wake:
		}
		start := time.Now()
		s.dispatchPass()
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) handleEvent(ev event) {
	switch ev.kind {
	case "result":
		s.applyResult(ev.deviceID, ev.result)
	case "ack":
		s.applyAck(ev.deviceID, ev.taskID)
	case "device_down":
		n := s.applyDeviceDown(ev.deviceID, ev.reason)
		if ev.reply != nil {
			ev.reply <- n
		}
	case "sweep":
		s.applyTimeoutSweep()
	case "cancel_inflight":
		s.applyCancelInflight(ev.taskID)
	}
}

func (s *Scheduler) post(ev event) {
	s.events <- ev
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// --- Submission (API boundary) ---

// Submit validates a spec, admits it through the breaker and queue
// bound, and returns the coordinator-assigned task id.
func (s *Scheduler) Submit(spec TaskSpec) (string, error) {
	if spec.TaskType == "" {
		observability.TasksRejected.WithLabelValues("invalid").Inc()
		return "", ErrInvalidTask
	}
	prio, err := ParsePriority(spec.Priority)
	if err != nil {
		observability.TasksRejected.WithLabelValues("invalid").Inc()
		return "", err
	}

	if !s.breaker.ShouldAdmit(s.queue.Len()) {
		observability.TasksRejected.WithLabelValues("circuit_open").Inc()
		return "", ErrQueueFull
	}

	req := spec.Requirements
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = s.cfg.DefaultTaskTimeoutSeconds
	}
	retries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		retries = *req.MaxRetries
	}

	t := &Task{
		ID:             uuid.NewString(),
		Type:           spec.TaskType,
		Payload:        spec.Payload,
		Priority:       prio,
		Requirements:   req,
		State:          StatePending,
		MaxRetries:     retries,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.queue.Enqueue(t); err != nil {
		observability.TasksRejected.WithLabelValues("queue_full").Inc()
		return "", err
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	observability.TasksSubmitted.Inc()
	s.updateQueueGauges()
	s.record(timeline.Event{TaskID: t.ID, Stage: timeline.StageQueued, Metadata: map[string]string{
		"task_type": t.Type,
		"priority":  t.Priority.String(),
	}})
	s.poke()
	return t.ID, nil
}

// Cancel cancels a task. A queued task is removed immediately; an
// in-flight one gets a best-effort task_cancel and is finalized by the
// timeout sweep if the worker never resolves it.
func (s *Scheduler) Cancel(taskID string) bool {
	if t, ok := s.queue.Cancel(taskID); ok {
		s.mu.Lock()
		delete(s.tasks, taskID)
		s.mu.Unlock()
		t.FailureReason = ReasonCancelled
		s.finish(t, StateCancelled)
		s.updateQueueGauges()
		return true
	}

	s.mu.RLock()
	t, ok := s.tasks[taskID]
	live := ok && (t.State == StateAssigned || t.State == StateRunning)
	s.mu.RUnlock()
	if !live {
		return false
	}
	s.post(event{kind: "cancel_inflight", taskID: taskID})
	return true
}

func (s *Scheduler) applyCancelInflight(taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || (t.State != StateAssigned && t.State != StateRunning) {
		s.mu.Unlock()
		return
	}
	t.cancelRequested = true
	deviceID := t.AssignedDeviceID
	s.mu.Unlock()

	s.sendCancel(deviceID, taskID, "cancelled by caller")
}

func (s *Scheduler) sendCancel(deviceID, taskID, reason string) {
	msg, err := protocol.NewMessage(protocol.MsgTaskCancel, CoordinatorSender, protocol.TaskCancelPayload{
		TaskID: taskID,
		Reason: reason,
	})
	if err == nil {
		// Best effort: the worker may be gone already.
		if err := s.registry.PostToDevice(deviceID, msg); err != nil {
			log.Printf("scheduler: task_cancel for %s not delivered to %s: %v", taskID, deviceID, err)
		}
	}
}

// --- Inbound protocol events ---

// HandleResult is called by the connection handler for task_result.
func (s *Scheduler) HandleResult(deviceID string, p protocol.TaskResultPayload) {
	s.post(event{kind: "result", deviceID: deviceID, result: p})
}

// HandleAck observes the assigned -> running transition.
func (s *Scheduler) HandleAck(deviceID, taskID string) {
	s.post(event{kind: "ack", deviceID: deviceID, taskID: taskID})
}

// DeviceDown reassigns everything in flight on a lost device and
// returns the number of affected tasks.
func (s *Scheduler) DeviceDown(deviceID, reason string) int {
	reply := make(chan int, 1)
	s.post(event{kind: "device_down", deviceID: deviceID, reason: reason, reply: reply})
	return <-reply
}

// SweepTimeouts expires in-flight tasks past their deadline. Called by
// the timeout sweeper.
func (s *Scheduler) SweepTimeouts() {
	s.post(event{kind: "sweep"})
}

// Poke re-runs the dispatch pass; the transport calls it when a device
// registers so waiting tasks get matched promptly.
func (s *Scheduler) Poke() {
	s.poke()
}

func (s *Scheduler) applyAck(deviceID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.State != StateAssigned || t.AssignedDeviceID != deviceID {
		return
	}
	t.State = StateRunning
	s.record(timeline.Event{TaskID: taskID, Stage: timeline.StageRunning, DeviceID: deviceID})
}

func (s *Scheduler) applyResult(deviceID string, p protocol.TaskResultPayload) {
	s.mu.Lock()
	t, ok := s.tasks[p.TaskID]
	if !ok || (t.State != StateAssigned && t.State != StateRunning) || t.AssignedDeviceID != deviceID {
		s.mu.Unlock()
		logDecision(SchedulingDecision{
			Component: "scheduler", Decision: "DISCARD",
			TaskID: p.TaskID, DeviceID: deviceID,
			Reason: "result for unknown or unassigned task",
		})
		return
	}
	s.detachInflightLocked(t)
	s.mu.Unlock()

	s.registry.IncActive(deviceID, -1)
	observability.TaskExecutionSeconds.Observe(p.ExecutionTimeSeconds)
	t.ExecutionSeconds = p.ExecutionTimeSeconds

	if p.Status == protocol.ResultSuccess {
		t.Result = p.Result
		s.finish(t, StateSuccess)
		return
	}

	t.Error = p.Error
	retryable := p.Error == nil || p.Error.Retryable
	if t.cancelRequested {
		t.FailureReason = ReasonCancelled
		s.finish(t, StateCancelled)
		return
	}
	if retryable && t.Attempts <= t.MaxRetries {
		s.retry(t, "worker failure")
		return
	}
	t.FailureReason = ReasonFailed
	s.finish(t, StateFailed)
}

func (s *Scheduler) applyDeviceDown(deviceID, reason string) int {
	s.mu.Lock()
	tasks := s.inflight[deviceID]
	delete(s.inflight, deviceID)
	affected := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		affected = append(affected, t)
	}
	s.mu.Unlock()

	for _, t := range affected {
		// Bookkeeping decrement even though the device is offline.
		s.registry.IncActive(deviceID, -1)
		logDecision(SchedulingDecision{
			Component: "scheduler", Decision: "DEVICE_DOWN",
			TaskID: t.ID, DeviceID: deviceID, Reason: reason,
		})
		if t.cancelRequested {
			t.FailureReason = ReasonCancelled
			s.finish(t, StateCancelled)
			continue
		}
		if t.Attempts <= t.MaxRetries {
			s.retry(t, reason)
		} else {
			t.FailureReason = ReasonDeviceLost
			t.Error = &protocol.TaskError{Code: "device_lost", Message: reason, Retryable: false}
			s.finish(t, StateFailed)
		}
	}
	if s.limiter != nil {
		s.limiter.Forget(deviceID)
	}
	return len(affected)
}

func (s *Scheduler) applyTimeoutSweep() {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []*Task
	for _, byTask := range s.inflight {
		for _, t := range byTask {
			timeout := time.Duration(t.TimeoutSeconds) * time.Second
			if now.Sub(t.DispatchedAt) >= timeout {
				expired = append(expired, t)
			}
		}
	}
	for _, t := range expired {
		s.detachInflightLocked(t)
	}
	s.mu.Unlock()

	for _, t := range expired {
		deviceID := t.AssignedDeviceID
		s.registry.IncActive(deviceID, -1)
		s.sendCancel(deviceID, t.ID, "deadline exceeded")
		logDecision(SchedulingDecision{
			Component: "scheduler", Decision: "TIMEOUT",
			TaskID: t.ID, DeviceID: deviceID,
			Metadata: map[string]int{"attempt": t.Attempts, "timeout_seconds": t.TimeoutSeconds},
		})
		if t.cancelRequested {
			t.FailureReason = ReasonCancelled
			s.finish(t, StateCancelled)
			continue
		}
		if t.Attempts <= t.MaxRetries {
			s.retry(t, "task timeout")
		} else {
			t.FailureReason = ReasonTimeout
			t.Error = &protocol.TaskError{Code: "timeout", Message: "task exceeded timeout", Retryable: true}
			s.finish(t, StateTimeout)
		}
	}
}

// --- Dispatch ---

func (s *Scheduler) dispatchPass() {
	for {
		online := s.registry.Snapshot(registry.Filter{Status: registry.StatusOnline})
		if len(online) == 0 {
			return
		}
		devices := make([]*registry.Device, len(online))
		for i := range online {
			devices[i] = &online[i]
		}

		var chosen *registry.Device
		t := s.queue.DequeueMatching(func(t *Task) bool {
			var eligible []*registry.Device
			for _, d := range devices {
				if Eligible(d, t) {
					eligible = append(eligible, d)
				}
			}
			chosen = selectDevice(t, eligible, s.typeInFlight)
			return chosen != nil
		})
		if t == nil {
			return
		}

		if !s.dispatch(t, chosen) {
			// The task went back to the head of its band; a fresh pass
			// runs on the next event rather than spinning here.
			return
		}
	}
}

func (s *Scheduler) typeInFlight(deviceID, taskType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.inflight[deviceID] {
		if t.Type == taskType {
			return true
		}
	}
	return false
}

// dispatch commits one task to one device. On a failed outbox post the
// mutations are reverted and the task returns to the head of its band;
// the attempt still counts, bounding total work per task.
func (s *Scheduler) dispatch(t *Task, d *registry.Device) bool {
	if s.limiter != nil && !s.limiter.Allow(d.DeviceID) {
		// Dispatch storm guard tripped; put the task back and retry
		// shortly rather than hammering one worker.
		s.queue.RequeueFront(t)
		time.AfterFunc(100*time.Millisecond, s.poke)
		return false
	}

	now := time.Now().UTC()
	t.Attempts++
	t.State = StateAssigned
	t.AssignedDeviceID = d.DeviceID
	t.DispatchedAt = now
	s.registry.IncActive(d.DeviceID, 1)

	msg, err := protocol.NewMessage(protocol.MsgTaskAssign, CoordinatorSender, protocol.TaskAssignPayload{
		TaskID:         t.ID,
		TaskType:       t.Type,
		Payload:        t.Payload,
		TimeoutSeconds: t.TimeoutSeconds,
		Attempt:        t.Attempts,
	})
	if err == nil {
		err = s.registry.PostToDevice(d.DeviceID, msg)
	}
	if err != nil {
		s.registry.IncActive(d.DeviceID, -1)
		s.queue.RequeueFront(t)
		observability.DispatchFailures.Inc()
		logDecision(SchedulingDecision{
			Component: "scheduler", Decision: "DISPATCH_REVERT",
			TaskID: t.ID, DeviceID: d.DeviceID, Reason: err.Error(),
		})
		return false
	}

	s.mu.Lock()
	if s.inflight[d.DeviceID] == nil {
		s.inflight[d.DeviceID] = make(map[string]*Task)
	}
	s.inflight[d.DeviceID][t.ID] = t
	s.mu.Unlock()

	observability.DispatchesTotal.Inc()
	observability.InFlightTasks.Set(float64(s.inflightCount()))
	s.updateQueueGauges()
	logDecision(SchedulingDecision{
		Component: "scheduler", Decision: "DISPATCH",
		TaskID: t.ID, DeviceID: d.DeviceID, Priority: t.Priority.String(),
		Metadata: map[string]int{"attempt": t.Attempts},
	})
	s.record(timeline.Event{TaskID: t.ID, Stage: timeline.StageAssigned, DeviceID: d.DeviceID, Metadata: map[string]string{
		"attempt": strconv.Itoa(t.Attempts),
	}})
	return true
}

// --- Terminal and retry paths ---

func (s *Scheduler) retry(t *Task, reason string) {
	observability.TaskRetries.Inc()
	logDecision(SchedulingDecision{
		Component: "scheduler", Decision: "RETRY",
		TaskID: t.ID, Reason: reason,
		Metadata: map[string]int{"attempt": t.Attempts, "max_retries": t.MaxRetries},
	})
	prevDevice := t.AssignedDeviceID
	s.queue.Requeue(t)
	s.updateQueueGauges()
	observability.InFlightTasks.Set(float64(s.inflightCount()))
	s.record(timeline.Event{TaskID: t.ID, Stage: timeline.StageRequeued, DeviceID: prevDevice, Metadata: map[string]string{
		"reason": reason,
	}})
	s.poke()
}

func (s *Scheduler) finish(t *Task, state string) {
	t.State = state
	t.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	delete(s.tasks, t.ID)
	s.mu.Unlock()

	s.results.Put(snapshotTask(t))
	observability.TasksCompleted.WithLabelValues(state).Inc()
	observability.InFlightTasks.Set(float64(s.inflightCount()))

	stage := timeline.StageSucceeded
	switch state {
	case StateFailed:
		stage = timeline.StageFailed
	case StateTimeout:
		stage = timeline.StageTimedOut
	case StateCancelled:
		stage = timeline.StageCancelled
	}
	s.record(timeline.Event{TaskID: t.ID, Stage: stage, DeviceID: t.AssignedDeviceID})
	s.poke()
}

// detachInflightLocked removes t from the per-device index. Caller
// holds s.mu.
func (s *Scheduler) detachInflightLocked(t *Task) {
	if byTask, ok := s.inflight[t.AssignedDeviceID]; ok {
		delete(byTask, t.ID)
		if len(byTask) == 0 {
			delete(s.inflight, t.AssignedDeviceID)
		}
	}
}

// --- Queries ---

// GetTask returns a stable snapshot of a live or terminal task.
func (s *Scheduler) GetTask(taskID string) (results.Record, bool) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	if ok {
		rec := snapshotTask(t)
		s.mu.RUnlock()
		return rec, true
	}
	s.mu.RUnlock()
	return s.results.Get(taskID)
}

// InFlight reports whether the task is currently assigned or running.
func (s *Scheduler) InFlight(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return ok && (t.State == StateAssigned || t.State == StateRunning)
}

// PendingHint is a cheap approximation of waiting work advertised in
// heartbeat acks: the total queued count.
func (s *Scheduler) PendingHint(deviceID string) int {
	return s.queue.Len()
}

// Stats summarizes queue depth and in-flight count.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Queue:    s.queue.Stats(),
		InFlight: s.inflightCount(),
	}
}

func (s *Scheduler) inflightCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byTask := range s.inflight {
		n += len(byTask)
	}
	return n
}

func (s *Scheduler) updateQueueGauges() {
	qs := s.queue.Stats()
	observability.QueueDepth.WithLabelValues("urgent").Set(float64(qs.Urgent))
	observability.QueueDepth.WithLabelValues("high").Set(float64(qs.High))
	observability.QueueDepth.WithLabelValues("normal").Set(float64(qs.Normal))
	observability.QueueDepth.WithLabelValues("low").Set(float64(qs.Low))
}

func (s *Scheduler) record(e timeline.Event) {
	if s.tl != nil {
		s.tl.Record(e)
	}
}

func snapshotTask(t *Task) results.Record {
	return results.Record{
		TaskID:           t.ID,
		TaskType:         t.Type,
		Priority:         t.Priority.String(),
		State:            t.State,
		AssignedDeviceID: t.AssignedDeviceID,
		Attempts:         t.Attempts,
		MaxRetries:       t.MaxRetries,
		CreatedAt:        t.CreatedAt,
		DispatchedAt:     t.DispatchedAt,
		FinishedAt:       t.FinishedAt,
		Result:           t.Result,
		Error:            t.Error,
		FailureReason:    t.FailureReason,
		ExecutionSeconds: t.ExecutionSeconds,
	}
}

func logDecision(d SchedulingDecision) {
	data, _ := json.Marshal(d)
	log.Println(string(data))
}
