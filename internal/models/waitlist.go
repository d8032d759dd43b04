package models

import "time"

type WaitlistStatus string

const (
	WaitlistActive    WaitlistStatus = "active"
	WaitlistMatched   WaitlistStatus = "matched"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistCancelled WaitlistStatus = "cancelled"
	WaitlistDeclined  WaitlistStatus = "declined"
)

var waitlistTransitions = map[WaitlistStatus][]WaitlistStatus{
	WaitlistActive: {WaitlistMatched, WaitlistExpired, WaitlistCancelled, WaitlistDeclined},
}

func (s WaitlistStatus) CanTransitionTo(next WaitlistStatus) bool {
	return allowed(waitlistTransitions, s, next)
}

// TimeOfDay is a coarse part of the day a customer is flexible about.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// TimeOfDayOf buckets t: morning before 12:00, afternoon before 17:00, evening after.
func TimeOfDayOf(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h < 12:
		return Morning
	case h < 17:
		return Afternoon
	default:
		return Evening
	}
}

// CustomerStats is a read-only snapshot of a customer's history, maintained elsewhere.
type CustomerStats struct {
	TotalBookings      int        `json:"total_bookings"`
	TotalNoShows       int        `json:"total_no_shows"`
	AvgSpend           float64    `json:"avg_spend"`
	LastBookingAt      *time.Time `json:"last_booking_at,omitempty"`
	AvgResponseMinutes *float64   `json:"avg_response_minutes,omitempty"`
}

type WaitlistPreferences struct {
	PreferredDate *time.Time  `json:"preferred_date,omitempty"`
	FlexibleTimes []TimeOfDay `json:"flexible_times,omitempty"`
}

type WaitlistEntry struct {
	ID               int64               `json:"id"`
	CustomerID       int64               `json:"customer_id"`
	SalonID          int64               `json:"salon_id"`
	ServiceID        int64               `json:"service_id"`
	Recipient        string              `json:"recipient"`
	Preferences      WaitlistPreferences `json:"preferences"`
	Status           WaitlistStatus      `json:"status"`
	PriorityScore    int                 `json:"priority_score"`
	ReliabilityScore float64             `json:"reliability_score"`
	Stats            CustomerStats       `json:"stats"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}
