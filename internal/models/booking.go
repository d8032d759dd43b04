package models

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
	BookingNoShow    BookingStatus = "no_show"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled, BookingNoShow},
	BookingConfirmed: {BookingCompleted, BookingCancelled, BookingNoShow},
}

func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	return allowed(bookingTransitions, s, next)
}

// IsActive reports whether the booking still occupies its time slot.
func (s BookingStatus) IsActive() bool {
	return s == BookingPending || s == BookingConfirmed
}

type Booking struct {
	ID           int64         `json:"id"`
	CustomerID   int64         `json:"customer_id"`
	SalonID      int64         `json:"salon_id"`
	ServiceID    int64         `json:"service_id"`
	StaffID      int64         `json:"staff_id"`
	Recipient    string        `json:"recipient"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Price        float64       `json:"price"`
	Status       BookingStatus `json:"status"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int64         `json:"version"`
}

// FreedSlot describes a time slot released by a cancelled booking.
type FreedSlot struct {
	OriginalBookingID int64     `json:"original_booking_id"`
	SalonID           int64     `json:"salon_id"`
	ServiceID         int64     `json:"service_id"`
	StaffID           int64     `json:"staff_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	Price             float64   `json:"price"`
}

func FreedSlotFromBooking(b *Booking) FreedSlot {
	return FreedSlot{
		OriginalBookingID: b.ID,
		SalonID:           b.SalonID,
		ServiceID:         b.ServiceID,
		StaffID:           b.StaffID,
		Start:             b.StartTime,
		End:               b.EndTime,
		Price:             b.Price,
	}
}
