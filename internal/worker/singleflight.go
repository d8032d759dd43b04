package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// SingleFlight allows at most one run of a job at a time; overlapping calls are skipped, not queued.
type SingleFlight struct {
	sem *semaphore.Weighted
}

func NewSingleFlight() *SingleFlight {
	return &SingleFlight{sem: semaphore.NewWeighted(1)}
}

// Do runs fn unless another run is in progress. ran is false when the call was skipped.
func (s *SingleFlight) Do(ctx context.Context, fn func(ctx context.Context) error) (ran bool, err error) {
	if !s.sem.TryAcquire(1) {
		return false, nil
	}
	defer s.sem.Release(1)
	return true, fn(ctx)
}
