package models

import (
	"fmt"
	"time"
)

// Consent is an explicit opt-in (Granted) or opt-out for one message category.
type Consent struct {
	Recipient string          `json:"recipient"`
	Category  MessageCategory `json:"category"`
	Granted   bool            `json:"granted"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// QuietHours is a daily window in the recipient's timezone with HH:MM bounds.
// A window whose end is before its start wraps midnight.
type QuietHours struct {
	Recipient string `json:"recipient"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Timezone  string `json:"timezone,omitempty"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether now falls inside the window.
func (q QuietHours) Contains(now time.Time) (bool, error) {
	start, err := parseClock(q.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false, err
	}
	if start == end {
		return false, nil
	}

	if q.Timezone != "" {
		loc, err := time.LoadLocation(q.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", q.Timezone, err)
		}
		now = now.In(loc)
	}
	minute := now.Hour()*60 + now.Minute()

	if start < end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}
