// Package worker drives periodic background tasks. Each Runner owns one
// timer, so a slow task never delays another.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Task is one unit of periodic work. Tick must handle its own errors.
type Task interface {
	Tick(ctx context.Context)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Tick(ctx context.Context) { f(ctx) }

// Stats is a point-in-time view of a runner.
type Stats struct {
	Name         string        `json:"name"`
	Running      bool          `json:"running"`
	Ticks        int64         `json:"ticks"`
	Panics       int64         `json:"panics"`
	LastTickAt   time.Time     `json:"last_tick_at"`
	LastDuration time.Duration `json:"last_duration"`
	NextTickAt   time.Time     `json:"next_tick_at"`
}

type Option func(*Runner)

// WithClock replaces the real clock; tests pass a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithImmediateTick runs the task once as soon as the runner starts.
func WithImmediateTick() Option {
	return func(r *Runner) { r.immediate = true }
}

// Runner calls a Task on a schedule. Ticks of one runner never overlap.
type Runner struct {
	name      string
	schedule  cron.Schedule
	task      Task
	clock     clockwork.Clock
	immediate bool
	wakeCh    chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	stats    Stats
}

func NewRunner(name string, schedule cron.Schedule, task Task, opts ...Option) *Runner {
	r := &Runner{
		name:     name,
		schedule: schedule,
		task:     task,
		clock:    clockwork.NewRealClock(),
		wakeCh:   make(chan struct{}, 1),
		stats:    Stats{Name: name},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("%s runner already running", r.name)
	}
	r.running = true
	r.stats.Running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().Str("worker", r.name).Msg("worker started")
	return nil
}

func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("%s runner not running", r.name)
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	log.Info().Str("worker", r.name).Msg("worker stopped")
	return nil
}

// Wake requests an out-of-schedule tick. Wakes arriving while a tick is in
// flight collapse into one.
func (r *Runner) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.stats.Running = false
		r.mu.Unlock()
	}()

	if r.immediate {
		r.tick(ctx)
	}

	timer := r.clock.NewTimer(r.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-timer.Chan():
			r.tick(ctx)
			timer.Reset(r.untilNext())
		case <-r.wakeCh:
			stopAndDrainTimer(timer)
			r.tick(ctx)
			timer.Reset(r.untilNext())
		}
	}
}

func (r *Runner) untilNext() time.Duration {
	now := r.clock.Now()
	next := r.schedule.Next(now)

	r.mu.Lock()
	r.stats.NextTickAt = next
	r.mu.Unlock()

	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

func (r *Runner) tick(ctx context.Context) {
	start := r.clock.Now()
	panicked := false

	func() {
		defer func() {
			if p := recover(); p != nil {
				panicked = true
				log.Error().
					Str("worker", r.name).
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Msg("worker tick panicked")
			}
		}()
		r.task.Tick(ctx)
	}()

	elapsed := r.clock.Since(start)
	r.mu.Lock()
	r.stats.Ticks++
	if panicked {
		r.stats.Panics++
	}
	r.stats.LastTickAt = start
	r.stats.LastDuration = elapsed
	r.mu.Unlock()
}

// stopAndDrainTimer stops a timer and drains its channel so a Reset starts clean.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
