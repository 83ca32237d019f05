package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/4ier/retire-cluster/coordinator/protocol"
)

// HandlerFunc executes one task type. The returned value becomes the
// task result; an error becomes the task error payload.
type HandlerFunc func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// workerError lets handlers classify failures for the retry machinery.
type workerError struct {
	code      string
	message   string
	retryable bool
}

func (e *workerError) Error() string { return e.message }

// Executor runs assigned tasks through the handler registry, bounded
// by the advertised concurrency cap.
type Executor struct {
	cfg      *Config
	handlers map[string]HandlerFunc
	sem      chan struct{}

	mu      sync.Mutex
	active  int
	cancels map[string]context.CancelFunc
}

// NewExecutor registers the built-in handlers.
func NewExecutor(cfg *Config) *Executor {
	e := &Executor{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
		cancels:  make(map[string]context.CancelFunc),
	}
	e.Register("echo", handleEcho)
	e.Register("sleep", handleSleep)
	e.Register("system_info", e.handleSystemInfo)
	if cfg.HasInternet {
		e.Register("http_request", handleHTTPRequest)
	}
	return e
}

// Register adds a handler for a task type.
func (e *Executor) Register(taskType string, fn HandlerFunc) {
	e.handlers[taskType] = fn
}

// TaskTypes lists the advertised handler set, sorted for stable
// registration payloads.
func (e *Executor) TaskTypes() []string {
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ActiveTasks reports tasks currently executing.
func (e *Executor) ActiveTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Cancel aborts a running task if present.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Execute runs one assignment and reports the outcome. It blocks for a
// concurrency slot, so callers run it on its own goroutine.
func (e *Executor) Execute(ctx context.Context, assign protocol.TaskAssignPayload, report func(protocol.TaskResultPayload)) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	handler, ok := e.handlers[assign.TaskType]
	if !ok {
		report(protocol.TaskResultPayload{
			TaskID: assign.TaskID,
			Status: protocol.ResultFailure,
			Error: &protocol.TaskError{
				Code:      "unknown_task_type",
				Message:   fmt.Sprintf("no handler for %q", assign.TaskType),
				Retryable: false,
			},
		})
		return
	}

	timeout := time.Duration(assign.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)

	e.mu.Lock()
	e.active++
	e.cancels[assign.TaskID] = cancel
	e.mu.Unlock()

	start := time.Now()
	result, err := handler(taskCtx, assign.Payload)
	elapsed := time.Since(start).Seconds()

	e.mu.Lock()
	e.active--
	delete(e.cancels, assign.TaskID)
	e.mu.Unlock()

	res := protocol.TaskResultPayload{
		TaskID:               assign.TaskID,
		ExecutionTimeSeconds: elapsed,
	}
	if err != nil {
		res.Status = protocol.ResultFailure
		res.Error = classifyError(taskCtx, err)
	} else {
		res.Status = protocol.ResultSuccess
		res.Result = result
	}
	cancel()
	report(res)
}

func classifyError(ctx context.Context, err error) *protocol.TaskError {
	var we *workerError
	if errors.As(err, &we) {
		return &protocol.TaskError{Code: we.code, Message: we.message, Retryable: we.retryable}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &protocol.TaskError{Code: "timeout", Message: "handler exceeded task timeout", Retryable: true}
	}
	if ctx.Err() == context.Canceled {
		return &protocol.TaskError{Code: "cancelled", Message: "task cancelled", Retryable: false}
	}
	return &protocol.TaskError{Code: "handler_error", Message: err.Error(), Retryable: true}
}

// --- Built-in handlers ---

func handleEcho(_ context.Context, payload map[string]interface{}) (interface{}, error) {
	msg, _ := payload["msg"].(string)
	return map[string]interface{}{"echoed": msg}, nil
}

func handleSleep(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	seconds, _ := payload["seconds"].(float64)
	if seconds < 0 {
		return nil, &workerError{code: "bad_payload", message: "negative sleep duration", retryable: false}
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]interface{}{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) handleSystemInfo(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	hostname, _ := os.Hostname()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"hostname":        hostname,
		"platform":        e.cfg.Platform,
		"architecture":    e.cfg.Architecture,
		"runtime_version": e.cfg.RuntimeVersion,
		"cpu_cores":       e.cfg.CPUCores,
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_mb":   float64(mem.HeapAlloc) / (1 << 20),
	}, nil
}

func handleHTTPRequest(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	url, _ := payload["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, &workerError{code: "bad_payload", message: "url must be http or https", retryable: false}
	}
	method, _ := payload["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &workerError{code: "bad_payload", message: err.Error(), retryable: false}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &workerError{code: "http_error", message: err.Error(), retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return nil, &workerError{code: "http_error", message: err.Error(), retryable: true}
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(body),
	}, nil
}
