package models

import "time"

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferNotifying OfferStatus = "notifying"
	OfferFilled    OfferStatus = "filled"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferPending:   {OfferNotifying, OfferExpired, OfferCancelled},
	OfferNotifying: {OfferFilled, OfferExpired, OfferCancelled},
}

func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	return allowed(offerTransitions, s, next)
}

func (s OfferStatus) IsTerminal() bool {
	return s == OfferFilled || s == OfferExpired || s == OfferCancelled
}

type CandidateResponse string

const (
	ResponseNone       CandidateResponse = ""
	ResponsePending    CandidateResponse = "pending"
	ResponseAccepted   CandidateResponse = "accepted"
	ResponseDeclined   CandidateResponse = "declined"
	ResponseExpired    CandidateResponse = "expired"
	ResponseNoResponse CandidateResponse = "no_response"
)

type OfferCandidate struct {
	EntryID     int64             `json:"entry_id"`
	CustomerID  int64             `json:"customer_id"`
	Recipient   string            `json:"recipient"`
	MatchScore  int               `json:"match_score"`
	Rank        int               `json:"rank"`
	NotifiedAt  *time.Time        `json:"notified_at,omitempty"`
	RespondedAt *time.Time        `json:"responded_at,omitempty"`
	Response    CandidateResponse `json:"response"`
}

// ResponseDeadline is the moment an unanswered offer to this candidate lapses.
// A non-positive window falls back to OfferResponseWindow.
func (c *OfferCandidate) ResponseDeadline(slotStart time.Time, window time.Duration) time.Time {
	if c.NotifiedAt == nil {
		return slotStart
	}
	if window <= 0 {
		window = OfferResponseWindow
	}
	deadline := c.NotifiedAt.Add(window)
	if slotStart.Before(deadline) {
		return slotStart
	}
	return deadline
}

type SlotOffer struct {
	ID                string           `json:"id"`
	OriginalBookingID int64            `json:"original_booking_id"`
	SalonID           int64            `json:"salon_id"`
	ServiceID         int64            `json:"service_id"`
	StaffID           int64            `json:"staff_id"`
	SlotStart         time.Time        `json:"slot_start"`
	SlotEnd           time.Time        `json:"slot_end"`
	Status            OfferStatus      `json:"status"`
	Candidates        []OfferCandidate `json:"candidates"`
	Cursor            int              `json:"cursor"`
	ExpiresAt         time.Time        `json:"expires_at"`
	EstimatedRevenue  float64          `json:"estimated_revenue"`
	FilledAt          *time.Time       `json:"filled_at,omitempty"`
	FilledBookingID   int64            `json:"filled_booking_id,omitempty"`
	FilledEntryID     int64            `json:"filled_entry_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Version           int64            `json:"version"`
}

// Candidate returns the candidate for a waitlist entry, or nil.
func (o *SlotOffer) Candidate(entryID int64) *OfferCandidate {
	for i := range o.Candidates {
		if o.Candidates[i].EntryID == entryID {
			return &o.Candidates[i]
		}
	}
	return nil
}

// Current returns the candidate awaiting an answer, or nil.
func (o *SlotOffer) Current() *OfferCandidate {
	if o.Cursor == 0 || o.Cursor > len(o.Candidates) {
		return nil
	}
	c := &o.Candidates[o.Cursor-1]
	if c.Response != ResponsePending {
		return nil
	}
	return c
}

// Accepted returns the accepted candidate, or nil.
func (o *SlotOffer) Accepted() *OfferCandidate {
	for i := range o.Candidates {
		if o.Candidates[i].Response == ResponseAccepted {
			return &o.Candidates[i]
		}
	}
	return nil
}
