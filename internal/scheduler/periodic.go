// internal/scheduler/periodic.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Periodic runs background loops with a fixed delay between the end of one
// run and the start of the next. Runs of a loop never overlap, a panicking
// run is logged and the loop keeps going.
type Periodic struct {
	cron   *cron.Cron
	logger *slog.Logger
	tracer trace.Tracer
	base   context.Context
}

// NewPeriodic creates a new Periodic scheduler.
func NewPeriodic(logger *slog.Logger) *Periodic {
	logger = logger.With("component", "periodic-scheduler")
	cl := cronLogger{logger: logger}
	return &Periodic{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger: logger,
		tracer: otel.Tracer("pds-scheduler"),
		base:   context.Background(),
	}
}

// Every registers fn to run first after initial and then delay after each
// run returned. Loops must be registered before Start.
func (p *Periodic) Every(name string, initial, delay time.Duration, fn func(ctx context.Context)) error {
	if delay <= 0 {
		return fmt.Errorf("scheduler: delay of %q must be positive, got %s", name, delay)
	}
	if initial < 0 {
		initial = 0
	}
	j := &loopJob{
		name:   name,
		delay:  delay,
		fn:     fn,
		owner:  p,
		logger: p.logger.With("loop", name),
	}
	j.mu.Lock()
	j.entry = p.cron.Schedule(&once{delay: initial}, j)
	j.mu.Unlock()
	p.logger.Info("registered loop", "loop", name, "initial_delay", initial, "delay", delay)
	return nil
}

// Start runs the loops until ctx is done and waits for running ones.
func (p *Periodic) Start(ctx context.Context) error {
	p.base = ctx
	p.logger.Info("periodic scheduler started")
	p.cron.Start()
	<-ctx.Done()
	p.logger.Info("periodic scheduler stopping...")
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.logger.Info("periodic scheduler stopped")
	return ctx.Err()
}

// once is a cron.Schedule firing a single time, delay after it was added.
// Only the cron run loop calls Next.
type once struct {
	delay time.Duration
	fired bool
}

func (s *once) Next(t time.Time) time.Time {
	if s.fired {
		return time.Time{}
	}
	s.fired = true
	return t.Add(s.delay)
}

// loopJob re-arms itself with a fresh one-shot entry after every run.
type loopJob struct {
	name   string
	delay  time.Duration
	fn     func(ctx context.Context)
	owner  *Periodic
	logger *slog.Logger

	mu    sync.Mutex
	entry cron.EntryID
}

// Run is called by the cron library.
func (j *loopJob) Run() {
	defer j.rearm()

	ctx := j.owner.base
	if ctx.Err() != nil {
		return
	}
	ctx, span := j.owner.tracer.Start(ctx, "scheduler.Run",
		trace.WithAttributes(attribute.String("loop.name", j.name)))
	defer span.End()

	j.logger.Debug("running loop")
	j.fn(ctx)
}

// rearm drops the spent entry and schedules the next run, unless the
// scheduler is stopping. It also runs while a panic unwinds.
func (j *loopJob) rearm() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.owner.cron.Remove(j.entry)
	if j.owner.base.Err() != nil {
		return
	}
	j.entry = j.owner.cron.Schedule(&once{delay: j.delay}, j)
}

// cronLogger feeds cron's internal logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
