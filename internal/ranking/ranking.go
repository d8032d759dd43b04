// Package ranking scores waitlist entries for a freed slot. Everything here is pure and
// deterministic: same inputs, same score, same order.
package ranking

import (
	"math"
	"sort"
	"time"

	"rebook/internal/models"
)

const (
	day = 24 * time.Hour

	maxLoyalty     = 30.0
	maxSpend       = 20.0
	maxWaitDays    = 15.0
	noShowPenalty  = 20.0
	recentBonus    = 15.0
	recentWindow   = 30 * day
	lapsedBonus    = 10.0
	lapsedWindow   = 90 * day
	fastReplyBonus = 10.0
	fastReplyLimit = 60.0
	slowReplyBonus = 5.0
	slowReplyLimit = 180.0
	sameDayBonus   = 20.0
	nearDayBonus   = 10.0
	sameWeekBonus  = 5.0
	timeOfDayBonus = 15.0
	maxScore       = 100.0
)

// Score returns the 0..100 priority of a waitlist entry. slotStart is nil when scoring
// without a concrete slot, which leaves out the slot-fit components.
func Score(
	stats models.CustomerStats,
	prefs models.WaitlistPreferences,
	createdAt time.Time,
	slotStart *time.Time,
	now time.Time,
) int {
	score := math.Min(float64(stats.TotalBookings)*2, maxLoyalty)
	score += math.Min(stats.AvgSpend/10, maxSpend)

	if stats.LastBookingAt != nil {
		switch since := now.Sub(*stats.LastBookingAt); {
		case since < recentWindow:
			score += recentBonus
		case since < lapsedWindow:
			score += lapsedBonus
		}
	}

	if stats.TotalBookings > 0 {
		score -= float64(stats.TotalNoShows) / float64(stats.TotalBookings) * noShowPenalty
	}

	if stats.AvgResponseMinutes != nil {
		switch avg := *stats.AvgResponseMinutes; {
		case avg < fastReplyLimit:
			score += fastReplyBonus
		case avg < slowReplyLimit:
			score += slowReplyBonus
		}
	}

	if waited := now.Sub(createdAt); waited > 0 {
		score += math.Min(math.Floor(waited.Hours()/24), maxWaitDays)
	}

	if slotStart != nil {
		score += slotFit(prefs, *slotStart)
	}

	return int(math.Round(math.Max(0, math.Min(score, maxScore))))
}

func slotFit(prefs models.WaitlistPreferences, slotStart time.Time) float64 {
	var fit float64
	if prefs.PreferredDate != nil {
		switch diff := calendarDaysBetween(*prefs.PreferredDate, slotStart); {
		case diff == 0:
			fit += sameDayBonus
		case diff <= 3:
			fit += nearDayBonus
		case diff <= 7:
			fit += sameWeekBonus
		}
	}

	period := models.TimeOfDayOf(slotStart)
	for _, t := range prefs.FlexibleTimes {
		if t == period {
			fit += timeOfDayBonus
			break
		}
	}
	return fit
}

// calendarDaysBetween counts whole calendar days between the dates of a and b in b's location.
func calendarDaysBetween(a, b time.Time) int {
	a = a.In(b.Location())
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	diff := int(db.Sub(da) / day)
	if diff < 0 {
		diff = -diff
	}
	return diff
}

// BaseScore is the slot-independent score stored as an entry's priority.
func BaseScore(entry *models.WaitlistEntry, now time.Time) int {
	return Score(entry.Stats, entry.Preferences, entry.CreatedAt, nil, now)
}

// Candidate is a ranked waitlist entry.
type Candidate struct {
	Entry *models.WaitlistEntry
	Score int
	Rank  int
}

// Rank orders active entries for the slot's salon and service by score, then by earlier
// createdAt, then by lower id, and keeps the first limit of them. Slot fit is judged on
// the salon wall clock in loc; nil keeps the slot's own location.
func Rank(entries []*models.WaitlistEntry, slot models.FreedSlot, loc *time.Location, limit int, now time.Time) []Candidate {
	if limit <= 0 {
		limit = models.DefaultCandidateLimit
	}

	start := slot.Start
	if loc != nil {
		start = start.In(loc)
	}
	candidates := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if e.Status != models.WaitlistActive || e.SalonID != slot.SalonID || e.ServiceID != slot.ServiceID {
			continue
		}
		candidates = append(candidates, Candidate{
			Entry: e,
			Score: Score(e.Stats, e.Preferences, e.CreatedAt, &start, now),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
			return a.Entry.CreatedAt.Before(b.Entry.CreatedAt)
		}
		return a.Entry.ID < b.Entry.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}

// OfferCandidates converts a ranking into the candidate list of a slot offer.
func OfferCandidates(ranked []Candidate) []models.OfferCandidate {
	out := make([]models.OfferCandidate, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, models.OfferCandidate{
			EntryID:    c.Entry.ID,
			CustomerID: c.Entry.CustomerID,
			Recipient:  c.Entry.Recipient,
			MatchScore: c.Score,
			Rank:       c.Rank,
		})
	}
	return out
}
