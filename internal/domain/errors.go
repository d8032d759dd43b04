package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrAlreadyResolved        = errors.New("already resolved")
	ErrConfirmationExpired    = errors.New("confirmation expired")
	ErrConflict               = errors.New("conflict")
	ErrOfferExpired           = errors.New("offer expired")
	ErrSlotTaken              = errors.New("slot already taken")
	ErrRateLimited            = errors.New("rate limited")
	ErrConsentDenied          = errors.New("consent denied")
	ErrQuietHours             = errors.New("quiet hours")
	ErrProviderFailure        = errors.New("provider failure")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidTransition      = errors.New("invalid status transition")
)

// IsResolved reports whether err means the target already reached a terminal state.
func IsResolved(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrConfirmationExpired)
}
