package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rebook/internal/metrics"

	"github.com/rs/zerolog"
)

// Summary is the result of one worker pass, logged as an object.
type Summary interface {
	zerolog.LogObjectMarshaler
}

// RunFunc performs one pass of a periodic job.
type RunFunc func(ctx context.Context) (Summary, error)

type Task struct {
	Name     string
	Interval time.Duration
	Run      RunFunc
}

type scheduledTask struct {
	Task
	guard *SingleFlight
}

// Scheduler runs registered tasks on their own tickers, each behind its own single-flight guard.
type Scheduler struct {
	tasks   map[string]*scheduledTask
	order   []string
	timeout time.Duration
	logger  *zerolog.Logger
	wg      sync.WaitGroup
}

func NewScheduler(timeout time.Duration, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:   make(map[string]*scheduledTask),
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Scheduler) Add(task Task) {
	if _, exists := s.tasks[task.Name]; !exists {
		s.order = append(s.order, task.Name)
	}
	s.tasks[task.Name] = &scheduledTask{Task: task, guard: NewSingleFlight()}
}

func (s *Scheduler) Names() []string {
	return append([]string(nil), s.order...)
}

// RunNow performs one pass of the named task. A pass skipped because one is already running
// returns ran=false and no error.
func (s *Scheduler) RunNow(ctx context.Context, name string) (summary Summary, ran bool, err error) {
	task, ok := s.tasks[name]
	if !ok {
		return nil, false, fmt.Errorf("unknown worker %q", name)
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	ran, err = task.guard.Do(runCtx, func(ctx context.Context) error {
		var runErr error
		summary, runErr = task.Run(ctx)
		return runErr
	})

	switch {
	case !ran:
		metrics.IncWorkerRun(name, "skipped")
		s.logger.Debug().Str("worker", name).Msg("Previous run still in progress, skipping tick")
	case err != nil:
		metrics.IncWorkerRun(name, "error")
		s.logger.Error().Err(err).Str("worker", name).Dur("took", time.Since(start)).Msg("Worker run failed")
	default:
		metrics.IncWorkerRun(name, "ok")
		event := s.logger.Info().Str("worker", name).Dur("took", time.Since(start))
		if summary != nil {
			event = event.Object("summary", summary)
		}
		event.Msg("Worker run complete")
	}
	return summary, ran, err
}

// Start launches every task: one pass immediately, then one per interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for _, name := range s.order {
		task := s.tasks[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, task)
		}()
	}
}

func (s *Scheduler) loop(ctx context.Context, task *scheduledTask) {
	s.logger.Info().Str("worker", task.Name).Dur("interval", task.Interval).Msg("Worker started")
	_, _, _ = s.RunNow(ctx, task.Name)

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str("worker", task.Name).Msg("Worker stopped")
			return
		case <-ticker.C:
			// Tick may overlap a slow pass; the guard drops it.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_, _, _ = s.RunNow(ctx, task.Name)
			}()
		}
	}
}

// Wait blocks until all task loops have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
