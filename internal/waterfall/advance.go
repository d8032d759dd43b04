package waterfall

import (
	"context"

	"rebook/internal/events"
	"rebook/internal/metrics"
	"rebook/internal/models"

	"github.com/rs/zerolog"
)

// AdvanceResult summarizes one advancer pass.
type AdvanceResult struct {
	Checked  int
	Advanced int
	Expired  int
	Errors   int
}

func (r AdvanceResult) MarshalZerologObject(e *zerolog.Event) {
	e.Int("checked", r.Checked).Int("advanced", r.Advanced).Int("expired", r.Expired).Int("errors", r.Errors)
}

// Advance times out unanswered candidates, notifies the next ones and expires offers whose
// slot has started.
func (s *Service) Advance(ctx context.Context) (AdvanceResult, error) {
	var result AdvanceResult

	open, err := s.offers.ListOpenOffers(ctx)
	if err != nil {
		return result, err
	}

	for _, o := range open {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		err := s.locker.WithLock(ctx, lockKey(o.ID), func(ctx context.Context) error {
			return s.advanceOne(ctx, o.ID, &result)
		})
		if err != nil {
			result.Errors++
			s.logger.Error().Err(err).Str("offer_id", o.ID).Msg("Failed to advance slot offer")
		}
	}

	return result, nil
}

func (s *Service) advanceOne(ctx context.Context, offerID string, result *AdvanceResult) error {
	var (
		timedOut *models.OfferCandidate
		expired  bool
	)
	offer, err := s.mutate(ctx, offerID, func(o *models.SlotOffer) (*models.Booking, error) {
		timedOut, expired = nil, false
		if o.Status.IsTerminal() {
			return nil, errUnchanged
		}

		now := s.now()
		cur := o.Current()
		if !now.Before(o.SlotStart) {
			if cur != nil {
				cur.Response = models.ResponseNoResponse
				cur.RespondedAt = &now
			}
			o.Status = models.OfferExpired
			expired = true
			return nil, nil
		}

		if cur == nil || now.Before(cur.ResponseDeadline(o.SlotStart, s.cfg.ResponseWindow)) {
			return nil, errUnchanged
		}
		cur.Response = models.ResponseNoResponse
		cur.RespondedAt = &now
		timedOut = cur
		return nil, nil
	})
	if err != nil {
		return err
	}

	if expired {
		result.Expired++
		metrics.IncOffer(string(models.OfferExpired))
		s.publish(events.EventOfferExpired, offer, nil)
		return nil
	}
	if timedOut != nil {
		s.publish(events.EventOfferResponded, offer, timedOut)
	}
	if offer.Status.IsTerminal() || offer.Current() != nil {
		return nil
	}

	// ответ истёк или предложение ещё никому не отправлено
	offer, err = s.notifyNext(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Status == models.OfferExpired {
		result.Expired++
	} else {
		result.Advanced++
	}
	return nil
}
