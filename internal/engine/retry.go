package engine

import (
	"sync"
	"time"

	"strmforge/internal/storage"
)

const (
	retryTick         = 10 * time.Second
	retryErrorBackoff = 30 * time.Second
)

// RetryService is the process-wide loop that guarantees forward progress
// for deferred retries: when a sub-task's backoff expires and no processor
// run is otherwise scheduled, it dispatches one. The per-task run guard in
// RunTask makes the dispatch idempotent.
type RetryService struct {
	engine *Engine

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewRetryService(e *Engine) *RetryService {
	return &RetryService{engine: e}
}

// Start launches the loop; a second call is a no-op
func (r *RetryService) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop()
	r.engine.logger.Info("Retry service started")
}

// Stop terminates the loop and waits for it to exit
func (r *RetryService) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *RetryService) loop() {
	defer close(r.done)
	for {
		delay := retryTick
		if err := r.iterate(); err != nil {
			r.engine.logger.Error("Retry service iteration failed", "error", err)
			delay = retryErrorBackoff
		}
		select {
		case <-r.stop:
			return
		case <-time.After(delay):
		}
	}
}

// iterate finds due retries, groups them by parent, skips terminal
// parents and re-dispatches the rest.
func (r *RetryService) iterate() error {
	now := time.Now()
	due, err := r.engine.storage.GetDueRetries(now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	byTask := make(map[uint]int)
	for _, sub := range due {
		byTask[sub.TaskID]++
	}

	for taskID, n := range byTask {
		task, err := r.engine.storage.GetTask(taskID)
		if err != nil {
			r.engine.logger.Warn("Retry service cannot load parent", "task", taskID, "error", err)
			continue
		}
		if storage.TaskTerminal(task.Status) {
			continue
		}

		r.engine.logger.Info("Re-dispatching deferred retries", "task", taskID, "count", n)
		go r.engine.RunTask(taskID)

		if err := r.engine.storage.TouchHeartbeat(taskID, now); err != nil {
			r.engine.logger.Warn("Retry service heartbeat failed", "task", taskID, "error", err)
		}
	}
	return nil
}
