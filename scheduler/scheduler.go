// Package scheduler defines the timer port the engine arms deadlines
// through, plus an in-process implementation backed by a clock. Fires are
// advisory; consumers re-check state under a conditional write before acting
// on one.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "scheduler")

// FireFunc receives a task when its instant arrives. It runs on the
// scheduler's goroutine and must not block.
type FireFunc func(taskID string, payload interface{})

// Handle identifies an armed task for cancellation.
type Handle struct {
	id string
}

// HandleFor rebuilds the handle for a task id. Cancelling a task that was
// never armed, or has already fired, is a no-op.
func HandleFor(taskID string) Handle {
	return Handle{id: taskID}
}

// Scheduler arms and cancels wall-clock tasks. Arming a task id that is
// already armed replaces the earlier schedule.
type Scheduler interface {
	Arm(taskID string, fireAt time.Time, payload interface{}) Handle
	Cancel(h Handle)
}

type armed struct {
	timer   *clock.Timer
	payload interface{}
}

// MemoryScheduler delivers fires from per-task clock timers. It satisfies
// the cancel guarantee: a task cancelled before its instant never fires.
type MemoryScheduler struct {
	ctx   context.Context
	clock clock.Clock
	fire  FireFunc

	mu    sync.Mutex
	tasks map[string]*armed
}

// NewMemoryScheduler instantiates a scheduler delivering fires to fn.
func NewMemoryScheduler(ctx context.Context, c clock.Clock, fn FireFunc) *MemoryScheduler {
	if c == nil {
		c = clock.New()
	}
	return &MemoryScheduler{
		ctx:   ctx,
		clock: c,
		fire:  fn,
		tasks: make(map[string]*armed),
	}
}

// Arm schedules the task. An instant in the past fires immediately.
func (s *MemoryScheduler) Arm(taskID string, fireAt time.Time, payload interface{}) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tasks[taskID]; ok {
		prev.timer.Stop()
	}
	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	a := &armed{payload: payload}
	a.timer = s.clock.AfterFunc(delay, func() {
		s.deliver(taskID)
	})
	s.tasks[taskID] = a
	return Handle{id: taskID}
}

// Cancel removes the task if it has not fired yet.
func (s *MemoryScheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.tasks[h.id]; ok {
		a.timer.Stop()
		delete(s.tasks, h.id)
	}
}

func (s *MemoryScheduler) deliver(taskID string) {
	s.mu.Lock()
	a, ok := s.tasks[taskID]
	if ok {
		delete(s.tasks, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.ctx.Err(); err != nil {
		log.WithField("task", taskID).Debug("Dropping fire after shutdown")
		return
	}
	s.fire(taskID, a.payload)
}

// Armed reports how many tasks are currently scheduled.
func (s *MemoryScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
