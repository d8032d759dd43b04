package models

import "time"

type DispatchStatus string

const (
	DispatchQueued    DispatchStatus = "queued"
	DispatchSent      DispatchStatus = "sent"
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
)

var dispatchTransitions = map[DispatchStatus][]DispatchStatus{
	DispatchQueued: {DispatchSent, DispatchFailed},
	DispatchSent:   {DispatchDelivered, DispatchFailed},
}

func (s DispatchStatus) CanTransitionTo(next DispatchStatus) bool {
	return allowed(dispatchTransitions, s, next)
}

type MessageCategory string

const (
	CategoryConfirmation MessageCategory = "confirmation"
	CategoryReminder     MessageCategory = "reminder"
	CategorySlotOffer    MessageCategory = "slot_offer"
	CategoryMarketing    MessageCategory = "marketing"
)

// IsTransactional reports whether messages of this category are sent without explicit opt-in.
func (c MessageCategory) IsTransactional() bool {
	return c != CategoryMarketing
}

const (
	TemplateConfirmRequest = "confirm_request"
	TemplateConfirmRemind  = "confirm_reminder"
	TemplateSlotOffer      = "slot_offer"
)

type DispatchJob struct {
	ID                string            `json:"id"`
	Recipient         string            `json:"recipient"`
	Body              string            `json:"body"`
	SalonID           int64             `json:"salon_id"`
	TemplateTag       string            `json:"template_tag"`
	Category          MessageCategory   `json:"category"`
	CorrelationIDs    map[string]string `json:"correlation_ids,omitempty"`
	Actions           []MessageAction   `json:"actions,omitempty"`
	Status            DispatchStatus    `json:"status"`
	Attempt           int               `json:"attempt"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Cost              float64           `json:"cost"`
	LastError         string            `json:"last_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// DispatchAttempt records one provider call for audit and cost reporting.
type DispatchAttempt struct {
	ID                int64     `json:"id"`
	JobID             string    `json:"job_id"`
	Attempt           int       `json:"attempt"`
	Success           bool      `json:"success"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Cost              float64   `json:"cost"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// CostSummary aggregates dispatch attempts for a salon and template.
type CostSummary struct {
	SalonID     int64   `json:"salon_id"`
	TemplateTag string  `json:"template_tag"`
	Jobs        int     `json:"jobs"`
	Attempts    int     `json:"attempts"`
	Delivered   int     `json:"delivered"`
	Failed      int     `json:"failed"`
	TotalCost   float64 `json:"total_cost"`
}
