package coordination

import (
	"context"
	"log"
	"time"

	"github.com/4ier/retire-cluster/coordinator/scheduler"
)

// TaskSweeper periodically expires in-flight tasks that have exceeded
// their per-task timeout.
type TaskSweeper struct {
	scheduler *scheduler.Scheduler
	interval  time.Duration
}

func NewTaskSweeper(sched *scheduler.Scheduler, interval time.Duration) *TaskSweeper {
	return &TaskSweeper{scheduler: sched, interval: interval}
}

// Start runs the sweep loop until ctx ends.
func (s *TaskSweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *TaskSweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("task timeout sweeper started (interval %v)", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scheduler.SweepTimeouts()
		}
	}
}
