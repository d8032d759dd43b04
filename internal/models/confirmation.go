package models

import "time"

type ConfirmationStatus string

const (
	ConfirmationPending       ConfirmationStatus = "pending"
	ConfirmationConfirmed     ConfirmationStatus = "confirmed"
	ConfirmationExpired       ConfirmationStatus = "expired"
	ConfirmationAutoCancelled ConfirmationStatus = "auto_cancelled"
)

var confirmationTransitions = map[ConfirmationStatus][]ConfirmationStatus{
	ConfirmationPending: {ConfirmationConfirmed, ConfirmationExpired, ConfirmationAutoCancelled},
}

func (s ConfirmationStatus) CanTransitionTo(next ConfirmationStatus) bool {
	return allowed(confirmationTransitions, s, next)
}

func (s ConfirmationStatus) IsTerminal() bool {
	return s != ConfirmationPending
}

type Confirmation struct {
	ID                   int64              `json:"id"`
	BookingID            int64              `json:"booking_id"`
	Token                string             `json:"-"`
	Deadline             time.Time          `json:"deadline"`
	Status               ConfirmationStatus `json:"status"`
	RemindersSent        int                `json:"reminders_sent"`
	LastReminderAt       *time.Time         `json:"last_reminder_at,omitempty"`
	ConfirmedAt          *time.Time         `json:"confirmed_at,omitempty"`
	ConfirmedByIP        string             `json:"confirmed_by_ip,omitempty"`
	ConfirmedByUserAgent string             `json:"confirmed_by_user_agent,omitempty"`
	ResolvedAt           *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// ConfirmationDeadline returns the earlier of created+ttl and start-grace.
func ConfirmationDeadline(created, start time.Time, ttl, grace time.Duration) time.Time {
	deadline := created.Add(ttl)
	if latest := start.Add(-grace); latest.Before(deadline) {
		deadline = latest
	}
	return deadline
}
