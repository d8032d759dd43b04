package confirmation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"rebook/internal/config"
	"rebook/internal/domain"
	"rebook/internal/events"
	"rebook/internal/metrics"
	"rebook/internal/models"

	"github.com/rs/zerolog"
)

// Meta is the audit trail of a confirm click.
type Meta struct {
	IP        string
	UserAgent string
}

type Service struct {
	bookings   domain.BookingStore
	store      domain.ConfirmationStore
	dispatcher domain.Dispatcher
	events     domain.EventPublisher
	cfg        config.ConfirmationConfig
	publicURL  string
	loc        *time.Location
	now        func() time.Time
	logger     *zerolog.Logger
}

func NewService(
	bookings domain.BookingStore,
	store domain.ConfirmationStore,
	dispatcher domain.Dispatcher,
	eventBus domain.EventPublisher,
	cfg config.ConfirmationConfig,
	publicURL string,
	loc *time.Location,
	logger *zerolog.Logger,
) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		bookings:   bookings,
		store:      store,
		dispatcher: dispatcher,
		events:     eventBus,
		cfg:        cfg,
		publicURL:  publicURL,
		loc:        loc,
		now:        time.Now,
		logger:     logger,
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RequestConfirmation creates the confirmation of a pending booking and sends the confirm link.
// An existing confirmation is returned together with domain.ErrAlreadyExists.
func (s *Service) RequestConfirmation(ctx context.Context, bookingID int64) (*models.Confirmation, error) {
	existing, err := s.store.GetConfirmationByBooking(ctx, bookingID)
	if err == nil {
		return existing, domain.ErrAlreadyExists
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingPending {
		return nil, fmt.Errorf("booking %d is %s: %w", bookingID, booking.Status, domain.ErrInvalidTransition)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &models.Confirmation{
		BookingID: bookingID,
		Token:     token,
		Deadline:  models.ConfirmationDeadline(now, booking.StartTime, s.cfg.TTL, s.cfg.Grace),
		Status:    models.ConfirmationPending,
	}
	if err := s.store.CreateConfirmation(ctx, c); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			existing, getErr := s.store.GetConfirmationByBooking(ctx, bookingID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, domain.ErrAlreadyExists
		}
		return nil, err
	}

	metrics.IncConfirmation(string(models.ConfirmationPending))
	s.publish(events.EventConfirmationRequested, c, Meta{})
	s.sendLink(ctx, c, booking, models.TemplateConfirmRequest, now)

	return c, nil
}

// Lookup returns the confirmation behind token without changing it.
func (s *Service) Lookup(ctx context.Context, token string) (*models.Confirmation, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", domain.ErrNotFound)
	}
	return s.store.GetConfirmationByToken(ctx, token)
}

// Confirm resolves the confirmation behind token. Replaying an accepted token is a no-op.
func (s *Service) Confirm(ctx context.Context, token string, meta Meta) (*models.Confirmation, error) {
	c, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case models.ConfirmationConfirmed:
		return c, nil
	case models.ConfirmationExpired, models.ConfirmationAutoCancelled:
		return c, fmt.Errorf("confirmation is %s: %w", c.Status, domain.ErrAlreadyResolved)
	}

	now := s.now()
	if !now.Before(c.Deadline) {
		return c, domain.ErrConfirmationExpired
	}

	c.Status = models.ConfirmationConfirmed
	c.ConfirmedAt = &now
	c.ResolvedAt = &now
	c.ConfirmedByIP = meta.IP
	c.ConfirmedByUserAgent = meta.UserAgent

	err = s.store.ResolveConfirmation(ctx, c, models.ConfirmationPending, models.BookingConfirmed, "")
	if errors.Is(err, domain.ErrConcurrentModification) {
		current, getErr := s.store.GetConfirmationByToken(ctx, token)
		if getErr != nil {
			return nil, getErr
		}
		switch current.Status {
		case models.ConfirmationConfirmed:
			return current, nil
		case models.ConfirmationPending:
			return current, fmt.Errorf("booking %d is no longer pending: %w", current.BookingID, domain.ErrAlreadyResolved)
		default:
			return current, fmt.Errorf("confirmation is %s: %w", current.Status, domain.ErrAlreadyResolved)
		}
	}
	if err != nil {
		return nil, err
	}

	metrics.IncConfirmation(string(models.ConfirmationConfirmed))
	s.publish(events.EventConfirmationConfirmed, c, meta)
	s.logger.Info().Int64("booking_id", c.BookingID).Msg("Booking confirmed by customer")
	return c, nil
}

// FindDueForReminder returns pending confirmations whose deadline is within the reminder lead,
// that have reminders left and were not messaged within the reminder gap.
func (s *Service) FindDueForReminder(ctx context.Context, now time.Time) ([]*models.Confirmation, error) {
	pending, err := s.store.ListPendingConfirmations(ctx)
	if err != nil {
		return nil, err
	}

	var due []*models.Confirmation
	for _, c := range pending {
		if s.dueForReminder(c, now) {
			due = append(due, c)
		}
	}
	return due, nil
}

func (s *Service) dueForReminder(c *models.Confirmation, now time.Time) bool {
	if c.Status != models.ConfirmationPending || c.RemindersSent >= s.cfg.MaxReminders {
		return false
	}
	if !now.Before(c.Deadline) || c.Deadline.Sub(now) > s.cfg.ReminderLead {
		return false
	}
	return c.LastReminderAt == nil || now.Sub(*c.LastReminderAt) >= s.cfg.ReminderGap
}

func (s *Service) FindExpired(ctx context.Context, now time.Time) ([]*models.Confirmation, error) {
	return s.store.ListExpiredConfirmations(ctx, now)
}

// SendReminder re-sends the confirm link. It reports false when c is not due.
func (s *Service) SendReminder(ctx context.Context, c *models.Confirmation) (bool, error) {
	now := s.now()
	if !s.dueForReminder(c, now) {
		return false, nil
	}
	booking, err := s.bookings.GetBooking(ctx, c.BookingID)
	if err != nil {
		return false, err
	}
	if booking.Status != models.BookingPending {
		return false, nil
	}
	if !s.sendLink(ctx, c, booking, models.TemplateConfirmRemind, now) {
		return false, nil
	}
	s.publish(events.EventConfirmationReminded, c, Meta{})
	return true, nil
}

// EligibleBookings lists pending bookings starting inside the confirmation window.
func (s *Service) EligibleBookings(ctx context.Context, now time.Time) ([]*models.Booking, error) {
	return s.bookings.ListPendingStartingBetween(ctx, now.Add(s.cfg.WindowStart), now.Add(s.cfg.WindowEnd))
}

func (s *Service) link(c *models.Confirmation) string {
	return fmt.Sprintf("%s/confirm/%s", s.publicURL, c.Token)
}

// sendLink hands the confirm link to the dispatcher and counts it as a reminder.
// Dispatch problems are logged and never change the confirmation itself.
func (s *Service) sendLink(ctx context.Context, c *models.Confirmation, b *models.Booking, template string, now time.Time) bool {
	category := models.CategoryConfirmation
	if template == models.TemplateConfirmRemind {
		category = models.CategoryReminder
	}

	_, err := s.dispatcher.Submit(ctx, domain.DispatchRequest{
		Recipient:   b.Recipient,
		Body:        confirmBody(template, b.StartTime.In(s.loc), c.Deadline.In(s.loc), s.link(c)),
		SalonID:     b.SalonID,
		TemplateTag: template,
		Category:    category,
		CorrelationIDs: map[string]string{
			"booking_id":      strconv.FormatInt(b.ID, 10),
			"confirmation_id": strconv.FormatInt(c.ID, 10),
		},
		Actions: []models.MessageAction{
			{Label: "Подтвердить", URL: s.link(c), Callback: models.ConfirmCallback(c.Token).String()},
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("booking_id", b.ID).Str("template", template).Msg("Failed to enqueue confirm link")
		return false
	}

	if err := s.store.RecordReminder(ctx, c.ID, now); err != nil {
		s.logger.Warn().Err(err).Int64("confirmation_id", c.ID).Msg("Failed to record reminder")
		return true
	}
	c.RemindersSent++
	c.LastReminderAt = &now
	return true
}

func (s *Service) publish(eventType string, c *models.Confirmation, meta Meta) {
	if s.events == nil {
		return
	}
	payload := events.ConfirmationEventPayload{
		ConfirmationID: c.ID,
		BookingID:      c.BookingID,
		Status:         string(c.Status),
		Deadline:       c.Deadline,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	}
	if err := s.events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
