package confirmation

import (
	"context"
	"errors"

	"rebook/internal/domain"
	"rebook/internal/events"
	"rebook/internal/metrics"
	"rebook/internal/models"

	"github.com/rs/zerolog"
)

// IssueResult summarizes one issuer pass.
type IssueResult struct {
	Checked  int
	Created  int
	Existing int
	Errors   int
}

func (r IssueResult) MarshalZerologObject(e *zerolog.Event) {
	e.Int("checked", r.Checked).Int("created", r.Created).Int("existing", r.Existing).Int("errors", r.Errors)
}

// Issuer requests confirmations for bookings entering the confirmation window.
type Issuer struct {
	service *Service
	logger  *zerolog.Logger
}

func NewIssuer(service *Service, logger *zerolog.Logger) *Issuer {
	return &Issuer{service: service, logger: logger}
}

func (w *Issuer) Run(ctx context.Context) (IssueResult, error) {
	var result IssueResult

	bookings, err := w.service.EligibleBookings(ctx, w.service.now())
	if err != nil {
		return result, err
	}

	for _, b := range bookings {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		_, err := w.service.RequestConfirmation(ctx, b.ID)
		switch {
		case err == nil:
			result.Created++
		case errors.Is(err, domain.ErrAlreadyExists):
			result.Existing++
		default:
			result.Errors++
			w.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("Failed to request confirmation")
		}
	}

	return result, nil
}

// Refiller starts a waterfall for a freed slot.
type Refiller interface {
	Refill(ctx context.Context, slot models.FreedSlot) (*models.SlotOffer, error)
}

// SweepResult summarizes one auto-cancel pass.
type SweepResult struct {
	Cancelled       int
	Expired         int
	RefillAttempted int
	Errors          int
}

func (r SweepResult) MarshalZerologObject(e *zerolog.Event) {
	e.Int("cancelled", r.Cancelled).
		Int("expired", r.Expired).
		Int("refill_attempted", r.RefillAttempted).
		Int("errors", r.Errors)
}

// Sweeper cancels bookings whose confirmation deadline passed and hands the freed slots to the refiller.
type Sweeper struct {
	service  *Service
	refiller Refiller
	logger   *zerolog.Logger
}

func NewSweeper(service *Service, refiller Refiller, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{service: service, refiller: refiller, logger: logger}
}

func (w *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	expired, err := w.service.FindExpired(ctx, w.service.now())
	if err != nil {
		return result, err
	}

	for _, c := range expired {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		w.sweepOne(ctx, c, &result)
	}

	return result, nil
}

func (w *Sweeper) sweepOne(ctx context.Context, c *models.Confirmation, result *SweepResult) {
	log := w.logger.With().Int64("booking_id", c.BookingID).Int64("confirmation_id", c.ID).Logger()

	booking, err := w.service.bookings.GetBooking(ctx, c.BookingID)
	if err != nil {
		result.Errors++
		log.Error().Err(err).Msg("Failed to load booking")
		return
	}

	if booking.Status != models.BookingPending {
		w.expire(ctx, c, result, &log)
		return
	}

	now := w.service.now()
	c.Status = models.ConfirmationAutoCancelled
	c.ResolvedAt = &now
	err = w.service.store.ResolveConfirmation(ctx, c, models.ConfirmationPending,
		models.BookingCancelled, models.CancelReasonNoConfirmation)
	if errors.Is(err, domain.ErrConcurrentModification) {
		// подтвердили или отменили параллельно
		w.expire(ctx, c, result, &log)
		return
	}
	if err != nil {
		result.Errors++
		log.Error().Err(err).Msg("Failed to auto-cancel booking")
		return
	}

	result.Cancelled++
	metrics.IncConfirmation(string(models.ConfirmationAutoCancelled))
	w.service.publish(events.EventConfirmationAutoCancelled, c, Meta{})
	w.publishCancelled(booking)
	log.Info().Msg("Booking auto-cancelled without confirmation")

	if w.refiller == nil {
		return
	}
	result.RefillAttempted++
	booking.Status = models.BookingCancelled
	if _, err := w.refiller.Refill(ctx, models.FreedSlotFromBooking(booking)); err != nil &&
		!errors.Is(err, domain.ErrAlreadyExists) {
		result.Errors++
		log.Error().Err(err).Msg("Failed to refill freed slot")
	}
}

// expire closes a confirmation whose booking left pending through another path.
func (w *Sweeper) expire(ctx context.Context, c *models.Confirmation, result *SweepResult, log *zerolog.Logger) {
	current, err := w.service.store.GetConfirmationByBooking(ctx, c.BookingID)
	if err != nil {
		result.Errors++
		log.Error().Err(err).Msg("Failed to reload confirmation")
		return
	}
	if current.Status != models.ConfirmationPending {
		return
	}

	now := w.service.now()
	current.Status = models.ConfirmationExpired
	current.ResolvedAt = &now
	if err := w.service.store.ResolveConfirmation(ctx, current, models.ConfirmationPending, "", ""); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return
		}
		result.Errors++
		log.Error().Err(err).Msg("Failed to expire confirmation")
		return
	}

	result.Expired++
	metrics.IncConfirmation(string(models.ConfirmationExpired))
	w.service.publish(events.EventConfirmationExpired, current, Meta{})
}

func (w *Sweeper) publishCancelled(b *models.Booking) {
	if w.service.events == nil {
		return
	}
	payload := map[string]interface{}{
		"booking_id": b.ID,
		"salon_id":   b.SalonID,
		"reason":     models.CancelReasonNoConfirmation,
	}
	if err := w.service.events.PublishJSON(events.EventBookingCancelled, payload); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to publish booking cancellation")
	}
}

// ReminderResult summarizes one reminder pass.
type ReminderResult struct {
	Checked int
	Sent    int
	Errors  int
}

func (r ReminderResult) MarshalZerologObject(e *zerolog.Event) {
	e.Int("checked", r.Checked).Int("sent", r.Sent).Int("errors", r.Errors)
}

type ReminderSender struct {
	service *Service
	logger  *zerolog.Logger
}

func NewReminderSender(service *Service, logger *zerolog.Logger) *ReminderSender {
	return &ReminderSender{service: service, logger: logger}
}

func (w *ReminderSender) Run(ctx context.Context) (ReminderResult, error) {
	var result ReminderResult

	due, err := w.service.FindDueForReminder(ctx, w.service.now())
	if err != nil {
		return result, err
	}

	for _, c := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++
		sent, err := w.service.SendReminder(ctx, c)
		if err != nil {
			result.Errors++
			w.logger.Error().Err(err).Int64("confirmation_id", c.ID).Msg("Failed to send reminder")
			continue
		}
		if sent {
			result.Sent++
		}
	}

	return result, nil
}
