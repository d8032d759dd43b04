// Package dispatch turns outbound message requests into paced, rate-limited provider sends
// with retries, and records every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rebook/internal/config"
	"rebook/internal/domain"
	"rebook/internal/events"
	"rebook/internal/metrics"
	"rebook/internal/models"
	"rebook/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handle tracks one enqueued job until it reaches a terminal outcome.
type Handle struct {
	Job  *models.DispatchJob
	done chan struct{}
	err  error
}

func newHandle(job *models.DispatchJob) *Handle {
	return &Handle{Job: job, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until the job was sent or failed.
func (h *Handle) Wait(ctx context.Context) (*models.DispatchJob, error) {
	select {
	case <-h.done:
		return h.Job, h.err
	case <-ctx.Done():
		return h.Job, ctx.Err()
	}
}

type Dispatcher struct {
	store    domain.DispatchStore
	provider domain.MessageProvider
	consent  domain.ConsentChecker
	limiter  domain.RateLimiter
	events   domain.EventPublisher
	cfg      config.DispatchConfig
	retry    worker.RetryPolicy
	pacer    *rate.Limiter
	queue    chan *Handle
	logger   *zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(
	store domain.DispatchStore,
	provider domain.MessageProvider,
	consent domain.ConsentChecker,
	limiter domain.RateLimiter,
	eventBus domain.EventPublisher,
	cfg config.DispatchConfig,
	logger *zerolog.Logger,
) *Dispatcher {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DispatchMaxRetries
	}

	return &Dispatcher{
		store:    store,
		provider: provider,
		consent:  consent,
		limiter:  limiter,
		events:   eventBus,
		cfg:      cfg,
		retry:    worker.NewRetryPolicy(maxRetries, cfg.BaseDelay),
		pacer:    rate.NewLimiter(rate.Limit(rps), 1),
		queue:    make(chan *Handle, queueSize),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		inflight: make(map[string]struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue persists the job as queued and appends it to the send queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req domain.DispatchRequest) (*Handle, error) {
	if req.Recipient == "" {
		return nil, errors.New("dispatch: empty recipient")
	}

	job := &models.DispatchJob{
		ID:             uuid.NewString(),
		Recipient:      req.Recipient,
		Body:           req.Body,
		SalonID:        req.SalonID,
		TemplateTag:    req.TemplateTag,
		Category:       req.Category,
		CorrelationIDs: req.CorrelationIDs,
		Actions:        req.Actions,
		Status:         models.DispatchQueued,
	}
	if err := d.store.CreateDispatchJob(ctx, job); err != nil {
		return nil, err
	}

	h := newHandle(job)
	if err := d.push(ctx, h); err != nil {
		// задание осталось в базе в статусе queued и будет подхвачено при следующем запуске
		return h, err
	}
	return h, nil
}

// Submit enqueues without waiting for the outcome.
func (d *Dispatcher) Submit(ctx context.Context, req domain.DispatchRequest) (*models.DispatchJob, error) {
	h, err := d.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.Job, nil
}

func (d *Dispatcher) push(ctx context.Context, h *Handle) error {
	d.mu.Lock()
	if _, ok := d.inflight[h.Job.ID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.inflight[h.Job.ID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- h:
		return nil
	case <-ctx.Done():
		d.release(h.Job.ID)
		return ctx.Err()
	}
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Start recovers jobs left queued by a previous run and starts the consumer.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverQueued(ctx); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.consume(ctx)
	}()
	return nil
}

// Wait blocks until the consumer stops.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Drain blocks until every job accepted so far has been processed.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		pending := len(d.inflight)
		d.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) recoverQueued(ctx context.Context) error {
	jobs, err := d.store.ListQueuedDispatchJobs(ctx, cap(d.queue))
	if err != nil {
		return fmt.Errorf("failed to load queued jobs: %w", err)
	}

	recovered := 0
	for i, job := range jobs {
		d.mu.Lock()
		_, queued := d.inflight[job.ID]
		if !queued {
			d.inflight[job.ID] = struct{}{}
		}
		d.mu.Unlock()
		if queued {
			continue
		}

		select {
		case d.queue <- newHandle(job):
		default:
			d.release(job.ID)
			d.logger.Warn().Int("left", len(jobs)-i).Msg("Dispatch queue full, remaining jobs wait for next start")
			return nil
		}
		recovered++
	}
	if recovered > 0 {
		d.logger.Info().Int("jobs", recovered).Msg("Recovered queued dispatch jobs")
	}
	return nil
}

func (d *Dispatcher) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-d.queue:
			d.process(ctx, h)
			d.release(h.Job.ID)
		}
	}
}

// process runs one job to its terminal outcome.
func (d *Dispatcher) process(ctx context.Context, h *Handle) {
	job := h.Job
	log := d.logger.With().Str("job_id", job.ID).Int64("salon_id", job.SalonID).Str("template", job.TemplateTag).Logger()

	if err := d.admit(ctx, job); err != nil {
		log.Info().Err(err).Msg("Dispatch job rejected")
		h.finish(d.fail(ctx, job, err))
		return
	}

	if err := d.pacer.Wait(ctx); err != nil {
		h.finish(err)
		return
	}

	var lastErr error
	for retries := 0; ; retries++ {
		job.Attempt = retries
		result, err := d.provider.Send(ctx, domain.SendRequest{
			To:      job.Recipient,
			Body:    job.Body,
			From:    d.cfg.From,
			Actions: job.Actions,
		})
		d.recordAttempt(ctx, job, retries+1, result, err)

		if err == nil {
			job.Status = models.DispatchSent
			job.ProviderMessageID = result.ProviderMessageID
			job.Cost += result.Cost
			job.LastError = ""
			if updErr := d.store.UpdateDispatchJob(ctx, job, models.DispatchQueued); updErr != nil {
				log.Error().Err(updErr).Msg("Failed to mark dispatch job sent")
			}
			metrics.IncDispatchJob(string(models.DispatchSent))
			log.Debug().Str("provider_message_id", result.ProviderMessageID).Int("retries", retries).Msg("Message sent")
			h.finish(nil)
			return
		}

		lastErr = err
		if !d.retry.CanRetry(retries) {
			break
		}
		delay := d.retry.NextDelay(retries + 1)
		log.Warn().Err(err).Int("retry", retries+1).Dur("delay", delay).Msg("Provider send failed, retrying")
		if err := d.sleep(ctx, delay); err != nil {
			h.finish(err)
			return
		}
	}

	h.finish(d.fail(ctx, job, fmt.Errorf("%w: %v", domain.ErrProviderFailure, lastErr)))
}

// admit applies consent, quiet hours and the per-salon minute budget.
func (d *Dispatcher) admit(ctx context.Context, job *models.DispatchJob) error {
	now := d.now()

	allowed, err := d.consent.IsAllowed(ctx, job.Recipient, job.Category)
	if err != nil {
		return fmt.Errorf("consent lookup: %w", err)
	}
	if !allowed {
		return domain.ErrConsentDenied
	}

	quiet, err := d.consent.IsQuietHours(ctx, job.Recipient, now)
	if err != nil {
		return fmt.Errorf("quiet hours lookup: %w", err)
	}
	if quiet {
		return domain.ErrQuietHours
	}

	ok, err := d.limiter.Allow(ctx, rateKey(job.SalonID, now), d.minuteBudget(), models.DispatchRateWindow)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func rateKey(salonID int64, now time.Time) string {
	return fmt.Sprintf("%d:%d", salonID, now.Unix()/60)
}

func (d *Dispatcher) minuteBudget() int {
	rps := d.cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return int(rps * 60)
}

func (d *Dispatcher) recordAttempt(ctx context.Context, job *models.DispatchJob, n int, result domain.SendResult, sendErr error) {
	attempt := &models.DispatchAttempt{
		JobID:             job.ID,
		Attempt:           n,
		Success:           sendErr == nil,
		ProviderMessageID: result.ProviderMessageID,
		Cost:              result.Cost,
	}
	if sendErr != nil {
		attempt.Error = sendErr.Error()
	}
	if err := d.store.RecordDispatchAttempt(ctx, attempt); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record dispatch attempt")
	}
	metrics.IncDispatchAttempt(sendErr == nil)
}

// fail marks the job failed and returns cause.
func (d *Dispatcher) fail(ctx context.Context, job *models.DispatchJob, cause error) error {
	job.Status = models.DispatchFailed
	job.LastError = cause.Error()
	if err := d.store.UpdateDispatchJob(ctx, job, models.DispatchQueued); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark dispatch job failed")
	}
	metrics.IncDispatchJob(string(models.DispatchFailed))

	if d.events != nil {
		payload := events.DispatchEventPayload{
			JobID:       job.ID,
			SalonID:     job.SalonID,
			TemplateTag: job.TemplateTag,
			Error:       job.LastError,
		}
		if err := d.events.PublishJSON(events.EventDispatchFailed, payload); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to publish dispatch failure")
		}
	}
	return cause
}

// HandleStatusUpdate applies a delivery callback. Unknown ids and late updates for finished
// jobs are acknowledged without changes.
func (d *Dispatcher) HandleStatusUpdate(ctx context.Context, providerMessageID, status, detail string) error {
	target := models.DispatchStatus(status)
	if target != models.DispatchDelivered && target != models.DispatchFailed {
		return fmt.Errorf("unsupported delivery status %q: %w", status, domain.ErrInvalidTransition)
	}

	job, err := d.store.GetDispatchJobByProviderID(ctx, providerMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn().Str("provider_message_id", providerMessageID).Msg("Delivery update for unknown message")
		return nil
	}
	if err != nil {
		return err
	}

	if !job.Status.CanTransitionTo(target) {
		d.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Ignoring late delivery update")
		return nil
	}

	from := job.Status
	job.Status = target
	if target == models.DispatchFailed {
		job.LastError = detail
	}
	err = d.store.UpdateDispatchJob(ctx, job, from)
	if errors.Is(err, domain.ErrConcurrentModification) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.IncDispatchJob(string(target))
	return nil
}
