package dispatch

import (
	"context"
	"errors"
	"time"

	"rebook/internal/domain"
	"rebook/internal/models"
)

// ConsentStore is the persistence ConsentPolicy reads from.
type ConsentStore interface {
	GetConsent(ctx context.Context, recipient string, category models.MessageCategory) (*models.Consent, error)
	GetQuietHours(ctx context.Context, recipient string) (*models.QuietHours, error)
}

// ConsentPolicy: transactional categories are allowed unless the recipient opted out,
// marketing needs an explicit opt-in.
type ConsentPolicy struct {
	store ConsentStore
}

func NewConsentPolicy(store ConsentStore) *ConsentPolicy {
	return &ConsentPolicy{store: store}
}

func (p *ConsentPolicy) IsAllowed(ctx context.Context, recipient string, category models.MessageCategory) (bool, error) {
	consent, err := p.store.GetConsent(ctx, recipient, category)
	if errors.Is(err, domain.ErrNotFound) {
		return category.IsTransactional(), nil
	}
	if err != nil {
		return false, err
	}
	return consent.Granted, nil
}

func (p *ConsentPolicy) IsQuietHours(ctx context.Context, recipient string, now time.Time) (bool, error) {
	window, err := p.store.GetQuietHours(ctx, recipient)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return window.Contains(now)
}
