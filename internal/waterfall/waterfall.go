// Package waterfall offers a freed slot to ranked waitlist candidates one at a time.
package waterfall

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"rebook/internal/config"
	"rebook/internal/domain"
	"rebook/internal/events"
	"rebook/internal/metrics"
	"rebook/internal/models"
	"rebook/internal/ranking"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxMutateAttempts = 5

// errUnchanged stops a mutation without writing.
var errUnchanged = errors.New("offer unchanged")

type Service struct {
	offers     domain.OfferStore
	waitlist   domain.WaitlistStore
	dispatcher domain.Dispatcher
	locker     domain.Locker
	events     domain.EventPublisher
	cfg        config.WaitlistConfig
	publicURL  string
	loc        *time.Location
	now        func() time.Time
	logger     *zerolog.Logger
}

func NewService(
	offers domain.OfferStore,
	waitlist domain.WaitlistStore,
	dispatcher domain.Dispatcher,
	locker domain.Locker,
	eventBus domain.EventPublisher,
	cfg config.WaitlistConfig,
	publicURL string,
	loc *time.Location,
	logger *zerolog.Logger,
) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		offers:     offers,
		waitlist:   waitlist,
		dispatcher: dispatcher,
		locker:     locker,
		events:     eventBus,
		cfg:        cfg,
		publicURL:  publicURL,
		loc:        loc,
		now:        time.Now,
		logger:     logger,
	}
}

func lockKey(offerID string) string {
	return "offer:" + offerID
}

// Create stores a new offer for the slot. An open offer for the same original booking is
// returned together with domain.ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, slot models.FreedSlot, ranked []ranking.Candidate, estimatedRevenue float64) (*models.SlotOffer, error) {
	existing, err := s.offers.GetOpenOfferByBooking(ctx, slot.OriginalBookingID)
	if err == nil {
		return existing, domain.ErrAlreadyExists
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	offer := &models.SlotOffer{
		ID:                uuid.NewString(),
		OriginalBookingID: slot.OriginalBookingID,
		SalonID:           slot.SalonID,
		ServiceID:         slot.ServiceID,
		StaffID:           slot.StaffID,
		SlotStart:         slot.Start,
		SlotEnd:           slot.End,
		Status:            models.OfferPending,
		Candidates:        ranking.OfferCandidates(ranked),
		ExpiresAt:         slot.Start,
		EstimatedRevenue:  estimatedRevenue,
	}
	if err := s.offers.CreateOffer(ctx, offer); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			existing, getErr := s.offers.GetOpenOfferByBooking(ctx, slot.OriginalBookingID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, domain.ErrAlreadyExists
		}
		return nil, err
	}

	metrics.IncOffer(string(models.OfferPending))
	s.publish(events.EventOfferCreated, offer, nil)
	s.logger.Info().
		Str("offer_id", offer.ID).
		Int64("booking_id", offer.OriginalBookingID).
		Int("candidates", len(offer.Candidates)).
		Msg("Slot offer created")
	return offer, nil
}

func (s *Service) Get(ctx context.Context, offerID string) (*models.SlotOffer, error) {
	return s.offers.GetOffer(ctx, offerID)
}

// Refill ranks the active waitlist for the freed slot, creates the offer and notifies the
// first candidate. With nobody waiting the offer is still created and expires at once.
func (s *Service) Refill(ctx context.Context, slot models.FreedSlot) (*models.SlotOffer, error) {
	entries, err := s.waitlist.ListActiveEntries(ctx, slot.SalonID, slot.ServiceID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, e := range entries {
		score := ranking.BaseScore(e, now)
		if score == e.PriorityScore {
			continue
		}
		if err := s.waitlist.UpdatePriorityScore(ctx, e.ID, score); err != nil {
			s.logger.Warn().Err(err).Int64("entry_id", e.ID).Msg("Failed to update priority score")
		}
	}

	ranked := ranking.Rank(entries, slot, s.loc, s.cfg.CandidateLimit, now)
	if len(ranked) == 0 {
		s.logger.Info().Int64("booking_id", slot.OriginalBookingID).Msg("No waitlist candidates for freed slot")
	}

	offer, err := s.Create(ctx, slot, ranked, slot.Price)
	if err != nil {
		return offer, err
	}
	return s.NotifyNext(ctx, offer.ID)
}

// NotifyNext offers the slot to the next candidate in rank order.
func (s *Service) NotifyNext(ctx context.Context, offerID string) (*models.SlotOffer, error) {
	var offer *models.SlotOffer
	err := s.locker.WithLock(ctx, lockKey(offerID), func(ctx context.Context) error {
		var err error
		offer, err = s.notifyNext(ctx, offerID)
		return err
	})
	return offer, err
}

// notifyNext expects the offer lock to be held.
func (s *Service) notifyNext(ctx context.Context, offerID string) (*models.SlotOffer, error) {
	var notified *models.OfferCandidate
	before := models.OfferStatus("")

	offer, err := s.mutate(ctx, offerID, func(o *models.SlotOffer) (*models.Booking, error) {
		notified = nil
		before = o.Status
		if o.Status.IsTerminal() || o.Current() != nil {
			return nil, errUnchanged
		}

		now := s.now()
		if !now.Before(o.SlotStart) {
			o.Status = models.OfferExpired
			return nil, nil
		}

		for o.Cursor < len(o.Candidates) {
			c := &o.Candidates[o.Cursor]
			o.Cursor++

			active, err := s.entryActive(ctx, c.EntryID)
			if err != nil {
				return nil, err
			}
			if !active {
				c.Response = models.ResponseExpired
				continue
			}

			c.NotifiedAt = &now
			c.Response = models.ResponsePending
			o.Status = models.OfferNotifying
			notified = c
			return nil, nil
		}

		o.Status = models.OfferExpired
		return nil, nil
	})
	if err != nil {
		return offer, err
	}

	if notified != nil {
		metrics.IncOffer(string(models.OfferNotifying))
		s.publish(events.EventOfferNotified, offer, notified)
		s.sendOffer(ctx, offer, notified)
	} else if offer.Status == models.OfferExpired && before != models.OfferExpired {
		metrics.IncOffer(string(models.OfferExpired))
		s.publish(events.EventOfferExpired, offer, nil)
		s.logger.Info().Str("offer_id", offer.ID).Msg("Slot offer expired")
	}
	return offer, nil
}

func (s *Service) entryActive(ctx context.Context, entryID int64) (bool, error) {
	entry, err := s.waitlist.GetEntry(ctx, entryID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.Status == models.WaitlistActive, nil
}

// Respond records a candidate's answer. Replaying the same answer returns the offer unchanged.
func (s *Service) Respond(ctx context.Context, offerID string, entryID int64, response models.CandidateResponse) (*models.SlotOffer, error) {
	if response != models.ResponseAccepted && response != models.ResponseDeclined {
		return nil, fmt.Errorf("unsupported response %q: %w", response, domain.ErrInvalidTransition)
	}

	var offer *models.SlotOffer
	err := s.locker.WithLock(ctx, lockKey(offerID), func(ctx context.Context) error {
		var err error
		if response == models.ResponseAccepted {
			offer, err = s.accept(ctx, offerID, entryID)
		} else {
			offer, err = s.decline(ctx, offerID, entryID)
		}
		return err
	})
	return offer, err
}

// checkCurrent validates that entryID is the candidate the offer is waiting for.
// A replay of the same response yields errUnchanged.
func checkCurrent(o *models.SlotOffer, entryID int64, response models.CandidateResponse) (*models.OfferCandidate, error) {
	c := o.Candidate(entryID)
	if c == nil {
		return nil, fmt.Errorf("candidate %d: %w", entryID, domain.ErrNotFound)
	}
	if c.Response == response {
		return nil, errUnchanged
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("offer is %s: %w", o.Status, domain.ErrConflict)
	}
	if cur := o.Current(); cur == nil || cur.EntryID != entryID {
		return nil, fmt.Errorf("candidate %d is not awaiting an answer: %w", entryID, domain.ErrConflict)
	}
	return c, nil
}

func (s *Service) decline(ctx context.Context, offerID string, entryID int64) (*models.SlotOffer, error) {
	var answered *models.OfferCandidate
	offer, err := s.mutate(ctx, offerID, func(o *models.SlotOffer) (*models.Booking, error) {
		answered = nil
		c, err := checkCurrent(o, entryID, models.ResponseDeclined)
		if err != nil {
			return nil, err
		}
		now := s.now()
		c.Response = models.ResponseDeclined
		c.RespondedAt = &now
		answered = c
		return nil, nil
	})
	if err != nil || answered == nil {
		return offer, err
	}

	s.publish(events.EventOfferResponded, offer, answered)
	if err := s.waitlist.SetEntryStatus(ctx, entryID, models.WaitlistDeclined); err != nil {
		s.logger.Warn().Err(err).Int64("entry_id", entryID).Msg("Failed to mark waitlist entry declined")
	}
	return s.notifyNext(ctx, offerID)
}

func (s *Service) accept(ctx context.Context, offerID string, entryID int64) (*models.SlotOffer, error) {
	var (
		answered *models.OfferCandidate
		lapsed   bool
		booking  *models.Booking
	)
	offer, err := s.mutate(ctx, offerID, func(o *models.SlotOffer) (*models.Booking, error) {
		answered, lapsed, booking = nil, false, nil
		c, err := checkCurrent(o, entryID, models.ResponseAccepted)
		if err != nil {
			return nil, err
		}
		if o.Accepted() != nil {
			return nil, fmt.Errorf("offer already accepted: %w", domain.ErrConflict)
		}

		now := s.now()
		c.RespondedAt = &now
		answered = c
		if !now.Before(c.ResponseDeadline(o.SlotStart, s.cfg.ResponseWindow)) {
			c.Response = models.ResponseExpired
			lapsed = true
			return nil, nil
		}

		c.Response = models.ResponseAccepted
		o.Status = models.OfferFilled
		o.FilledAt = &now
		o.FilledEntryID = entryID
		booking = &models.Booking{
			CustomerID: c.CustomerID,
			SalonID:    o.SalonID,
			ServiceID:  o.ServiceID,
			StaffID:    o.StaffID,
			Recipient:  c.Recipient,
			StartTime:  o.SlotStart,
			EndTime:    o.SlotEnd,
			Price:      o.EstimatedRevenue,
			Status:     models.BookingConfirmed,
		}
		return booking, nil
	})

	if errors.Is(err, domain.ErrSlotTaken) {
		return s.cancelTaken(ctx, offerID, entryID)
	}
	if err != nil || answered == nil {
		return offer, err
	}

	if lapsed {
		s.publish(events.EventOfferResponded, offer, answered)
		offer, err = s.notifyNext(ctx, offerID)
		if err != nil {
			return offer, err
		}
		return offer, domain.ErrOfferExpired
	}

	metrics.IncOffer(string(models.OfferFilled))
	s.publish(events.EventOfferFilled, offer, answered)
	s.logger.Info().
		Str("offer_id", offer.ID).
		Int64("entry_id", entryID).
		Int64("booking_id", offer.FilledBookingID).
		Msg("Freed slot refilled from waitlist")
	return offer, nil
}

// cancelTaken closes an offer whose slot was booked through another channel.
func (s *Service) cancelTaken(ctx context.Context, offerID string, entryID int64) (*models.SlotOffer, error) {
	offer, err := s.mutate(ctx, offerID, func(o *models.SlotOffer) (*models.Booking, error) {
		if o.Status.IsTerminal() {
			return nil, errUnchanged
		}
		now := s.now()
		if c := o.Candidate(entryID); c != nil {
			c.Response = models.ResponseExpired
			c.RespondedAt = &now
		}
		o.Status = models.OfferCancelled
		return nil, nil
	})
	if err != nil {
		return offer, err
	}

	if offer.Status == models.OfferCancelled {
		metrics.IncOffer(string(models.OfferCancelled))
		s.publish(events.EventOfferCancelled, offer, nil)
		s.logger.Info().Str("offer_id", offer.ID).Msg("Slot taken elsewhere, offer cancelled")
	}
	return offer, domain.ErrSlotTaken
}

// mutate applies fn to a freshly loaded offer and stores it with a version check, retrying on
// concurrent modification. A booking returned by fn is created together with the update.
// A status change outside the offer transition table is rejected before anything is written.
func (s *Service) mutate(
	ctx context.Context,
	offerID string,
	fn func(o *models.SlotOffer) (*models.Booking, error),
) (*models.SlotOffer, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		o, err := s.offers.GetOffer(ctx, offerID)
		if err != nil {
			return nil, err
		}
		from, status := o.Version, o.Status

		booking, err := fn(o)
		if errors.Is(err, errUnchanged) {
			return o, nil
		}
		if err != nil {
			return o, err
		}
		if o.Status != status && !status.CanTransitionTo(o.Status) {
			return nil, fmt.Errorf("offer %s %s -> %s: %w", offerID, status, o.Status, domain.ErrInvalidTransition)
		}

		if booking != nil {
			err = s.offers.FillOffer(ctx, o, from, booking)
		} else {
			err = s.offers.UpdateOfferWithVersion(ctx, o, from)
		}
		if errors.Is(err, domain.ErrConcurrentModification) {
			s.logger.Debug().Str("offer_id", offerID).Int("attempt", attempt+1).Msg("Offer version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return o, nil
	}
	return nil, domain.ErrConcurrentModification
}

func (s *Service) sendOffer(ctx context.Context, o *models.SlotOffer, c *models.OfferCandidate) {
	deadline := c.ResponseDeadline(o.SlotStart, s.cfg.ResponseWindow)
	base := fmt.Sprintf("%s/offers/%s/candidates/%d", s.publicURL, o.ID, c.EntryID)

	_, err := s.dispatcher.Submit(ctx, domain.DispatchRequest{
		Recipient:   c.Recipient,
		Body:        offerBody(o.SlotStart.In(s.loc), deadline.In(s.loc), base+"/accept", base+"/decline"),
		SalonID:     o.SalonID,
		TemplateTag: models.TemplateSlotOffer,
		Category:    models.CategorySlotOffer,
		CorrelationIDs: map[string]string{
			"offer_id": o.ID,
			"entry_id": strconv.FormatInt(c.EntryID, 10),
		},
		Actions: []models.MessageAction{
			{
				Label:    "Записаться",
				URL:      base + "/accept",
				Callback: models.OfferCallback(o.ID, c.EntryID, models.ResponseAccepted).String(),
			},
			{
				Label:    "Отказаться",
				URL:      base + "/decline",
				Callback: models.OfferCallback(o.ID, c.EntryID, models.ResponseDeclined).String(),
			},
		},
	})
	if err != nil {
		// кандидат просто не ответит и волна пойдёт дальше по таймауту
		s.logger.Warn().Err(err).Str("offer_id", o.ID).Int64("entry_id", c.EntryID).Msg("Failed to enqueue slot offer")
	}
}

func (s *Service) publish(eventType string, o *models.SlotOffer, c *models.OfferCandidate) {
	if s.events == nil {
		return
	}
	payload := events.OfferEventPayload{
		OfferID:           o.ID,
		OriginalBookingID: o.OriginalBookingID,
		Status:            string(o.Status),
		SlotStart:         o.SlotStart,
		BookingID:         o.FilledBookingID,
		Candidates:        len(o.Candidates),
	}
	if c != nil {
		payload.EntryID = c.EntryID
		payload.Response = string(c.Response)
	}
	if err := s.events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
