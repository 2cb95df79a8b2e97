// Package sched is the process-level scheduled-task supervisor. Timers are
// explicit task handles owned by composition, started and shut down
// together, never ambient globals.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type task struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
}

// Supervisor owns a set of periodic tasks.
type Supervisor struct {
	log    zerolog.Logger
	tasks  []task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Supervisor.
func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log.With().Str("component", "sched").Logger()}
}

// Every registers fn to run once per interval. Must be called before Start.
func (s *Supervisor) Every(name string, interval time.Duration, fn func(context.Context) error) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per registered task. Each task waits a full
// interval before its first run.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t task) {
			defer s.wg.Done()
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := t.fn(ctx); err != nil {
						s.log.Warn().Str("task", t.name).Err(err).Msg("scheduled task failed")
					}
				}
			}
		}(t)
	}
	s.log.Info().Int("tasks", len(s.tasks)).Msg("supervisor started")
}

// Shutdown stops all tasks and waits for in-flight runs to finish.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
