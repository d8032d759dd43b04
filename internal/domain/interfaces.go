package domain

import (
	"context"
	"time"

	"rebook/internal/models"
)

type BookingStore interface {
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	SetBookingStatus(ctx context.Context, id int64, status models.BookingStatus, reason string) error
	CreateBookingAtomic(ctx context.Context, booking *models.Booking) error
	ListPendingStartingBetween(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
}

type ConfirmationStore interface {
	CreateConfirmation(ctx context.Context, c *models.Confirmation) error
	GetConfirmationByBooking(ctx context.Context, bookingID int64) (*models.Confirmation, error)
	GetConfirmationByToken(ctx context.Context, token string) (*models.Confirmation, error)
	ResolveConfirmation(
		ctx context.Context,
		c *models.Confirmation,
		from models.ConfirmationStatus,
		bookingStatus models.BookingStatus,
		reason string,
	) error
	RecordReminder(ctx context.Context, id int64, at time.Time) error
	ListPendingConfirmations(ctx context.Context) ([]*models.Confirmation, error)
	ListExpiredConfirmations(ctx context.Context, now time.Time) ([]*models.Confirmation, error)
}

type WaitlistStore interface {
	ListActiveEntries(ctx context.Context, salonID, serviceID int64) ([]*models.WaitlistEntry, error)
	GetEntry(ctx context.Context, id int64) (*models.WaitlistEntry, error)
	SetEntryStatus(ctx context.Context, id int64, status models.WaitlistStatus) error
	UpdatePriorityScore(ctx context.Context, id int64, score int) error
}

type OfferStore interface {
	CreateOffer(ctx context.Context, offer *models.SlotOffer) error
	GetOffer(ctx context.Context, id string) (*models.SlotOffer, error)
	GetOpenOfferByBooking(ctx context.Context, bookingID int64) (*models.SlotOffer, error)
	UpdateOfferWithVersion(ctx context.Context, offer *models.SlotOffer, fromVersion int64) error
	FillOffer(ctx context.Context, offer *models.SlotOffer, fromVersion int64, booking *models.Booking) error
	ListOpenOffers(ctx context.Context) ([]*models.SlotOffer, error)
}

type DispatchStore interface {
	CreateDispatchJob(ctx context.Context, job *models.DispatchJob) error
	GetDispatchJob(ctx context.Context, id string) (*models.DispatchJob, error)
	GetDispatchJobByProviderID(ctx context.Context, providerMessageID string) (*models.DispatchJob, error)
	UpdateDispatchJob(ctx context.Context, job *models.DispatchJob, from models.DispatchStatus) error
	RecordDispatchAttempt(ctx context.Context, attempt *models.DispatchAttempt) error
	ListQueuedDispatchJobs(ctx context.Context, limit int) ([]*models.DispatchJob, error)
}

type SendRequest struct {
	To      string
	Body    string
	From    string
	Actions []models.MessageAction
}

type SendResult struct {
	ProviderMessageID string
	Cost              float64
}

type MessageProvider interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type ConsentChecker interface {
	IsAllowed(ctx context.Context, recipient string, category models.MessageCategory) (bool, error)
	IsQuietHours(ctx context.Context, recipient string, now time.Time) (bool, error)
}

// RateLimiter counts hits per key within fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Locker runs fn while holding an exclusive lock on key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// DispatchRequest is what workflow components hand to the notification dispatcher.
type DispatchRequest struct {
	Recipient      string
	Body           string
	SalonID        int64
	TemplateTag    string
	Category       models.MessageCategory
	CorrelationIDs map[string]string
	Actions        []models.MessageAction
}

// Dispatcher accepts outbound messages without waiting for delivery.
type Dispatcher interface {
	Submit(ctx context.Context, req DispatchRequest) (*models.DispatchJob, error)
}
