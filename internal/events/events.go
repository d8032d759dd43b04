package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventConfirmationRequested     = "confirmation.requested"
	EventConfirmationReminded      = "confirmation.reminded"
	EventConfirmationConfirmed     = "confirmation.confirmed"
	EventConfirmationAutoCancelled = "confirmation.auto_cancelled"
	EventConfirmationExpired       = "confirmation.expired"
	EventBookingCancelled          = "booking.cancelled"
	EventBookingCreated            = "booking.created"
	EventOfferCreated              = "offer.created"
	EventOfferNotified             = "offer.notified"
	EventOfferResponded            = "offer.responded"
	EventOfferFilled               = "offer.filled"
	EventOfferExpired              = "offer.expired"
	EventOfferCancelled            = "offer.cancelled"
	EventDispatchFailed            = "dispatch.failed"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// ConfirmationEventPayload is published on every confirmation state change.
type ConfirmationEventPayload struct {
	ConfirmationID int64     `json:"confirmation_id"`
	BookingID      int64     `json:"booking_id"`
	Status         string    `json:"status"`
	Deadline       time.Time `json:"deadline"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// OfferEventPayload describes a slot offer transition, optionally for one candidate.
type OfferEventPayload struct {
	OfferID           string    `json:"offer_id"`
	OriginalBookingID int64     `json:"original_booking_id"`
	Status            string    `json:"status"`
	SlotStart         time.Time `json:"slot_start"`
	EntryID           int64     `json:"entry_id,omitempty"`
	Response          string    `json:"response,omitempty"`
	BookingID         int64     `json:"booking_id,omitempty"`
	Candidates        int       `json:"candidates"`
}

type DispatchEventPayload struct {
	JobID       string `json:"job_id"`
	SalonID     int64  `json:"salon_id"`
	TemplateTag string `json:"template_tag"`
	Error       string `json:"error"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. A nil logger discards handler errors.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type or AllEvents.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	// Handlers run synchronously; caller decides concurrency model.
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("Event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// EventLogWriter persists events.
type EventLogWriter interface {
	InsertEvent(ctx context.Context, eventType, payload string) error
}

// NewAuditHandler returns a handler writing every event it receives to the event log.
func NewAuditHandler(store EventLogWriter, timeout time.Duration) EventHandler {
	return func(event *Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return store.InsertEvent(ctx, event.Type, string(event.Payload))
	}
}
