package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"rebook/internal/domain"
	"rebook/internal/models"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
)

type SeedOptions struct {
	Salons           int
	BookingsPerSalon int
	WaitlistPerSalon int
	// Seed makes the generated data reproducible; 0 picks a random one.
	Seed int64
}

type SeedResult struct {
	Bookings        int
	WaitlistEntries int
	QuietHours      int
}

func (r SeedResult) MarshalZerologObject(e *zerolog.Event) {
	e.Int("bookings", r.Bookings).
		Int("waitlist_entries", r.WaitlistEntries).
		Int("quiet_hours", r.QuietHours)
}

const (
	seedServices = 4
	seedStaff    = 3
)

var seedPrices = []float64{1500, 2200, 3000, 4500}

// Seed fills the database with demo bookings inside the confirmation window and waitlists
// for every salon.
func (a *App) Seed(ctx context.Context, opts SeedOptions) (SeedResult, error) {
	var result SeedResult
	if opts.Salons <= 0 {
		opts.Salons = 1
	}
	if opts.Seed != 0 {
		gofakeit.Seed(opts.Seed)
	}

	now := time.Now().UTC()
	windowStart := now.Add(a.cfg.Confirmation.WindowStart).Truncate(time.Hour).Add(time.Hour)

	for salon := int64(1); salon <= int64(opts.Salons); salon++ {
		for i := 0; i < opts.BookingsPerSalon; i++ {
			serviceID := int64(gofakeit.Number(1, seedServices))
			start := windowStart.Add(time.Duration(i/seedStaff) * time.Hour)
			booking := &models.Booking{
				CustomerID: int64(gofakeit.Number(1000, 999999)),
				SalonID:    salon,
				ServiceID:  serviceID,
				StaffID:    int64(i%seedStaff + 1),
				Recipient:  fakeChatID(),
				StartTime:  start,
				EndTime:    start.Add(time.Duration(gofakeit.Number(1, 3)) * 30 * time.Minute),
				Price:      seedPrices[serviceID-1],
			}
			err := a.db.CreateBookingAtomic(ctx, booking)
			if errors.Is(err, domain.ErrSlotTaken) {
				continue
			}
			if err != nil {
				return result, err
			}
			result.Bookings++
		}

		for i := 0; i < opts.WaitlistPerSalon; i++ {
			entry := fakeEntry(salon, now)
			if err := a.db.CreateWaitlistEntry(ctx, entry); err != nil {
				return result, err
			}
			result.WaitlistEntries++

			// каждому пятому клиенту ночная тишина
			if gofakeit.Number(1, 5) == 1 {
				quiet := &models.QuietHours{Recipient: entry.Recipient, Start: "22:00", End: "08:00", Timezone: "Europe/Moscow"}
				if err := a.db.SetQuietHours(ctx, quiet); err != nil {
					return result, err
				}
				result.QuietHours++
			}
		}
	}

	a.logger.Info().Object("result", result).Msg("Demo data seeded")
	return result, nil
}

func fakeChatID() string {
	return strconv.Itoa(gofakeit.Number(100000000, 999999999))
}

func fakeEntry(salonID int64, now time.Time) *models.WaitlistEntry {
	entry := &models.WaitlistEntry{
		CustomerID:       int64(gofakeit.Number(1000, 999999)),
		SalonID:          salonID,
		ServiceID:        int64(gofakeit.Number(1, seedServices)),
		Recipient:        fakeChatID(),
		ReliabilityScore: gofakeit.Float64Range(0.5, 1),
		Stats: models.CustomerStats{
			TotalBookings: gofakeit.Number(0, 25),
			AvgSpend:      float64(gofakeit.Number(0, 60)) * 100,
		},
		CreatedAt: now.Add(-time.Duration(gofakeit.Number(1, 30*24)) * time.Hour),
	}
	if entry.Stats.TotalBookings > 0 {
		entry.Stats.TotalNoShows = gofakeit.Number(0, entry.Stats.TotalBookings/4)
		last := now.AddDate(0, 0, -gofakeit.Number(3, 120))
		entry.Stats.LastBookingAt = &last
		avg := gofakeit.Float64Range(5, 180)
		entry.Stats.AvgResponseMinutes = &avg
	}
	if gofakeit.Bool() {
		preferred := now.AddDate(0, 0, gofakeit.Number(1, 7))
		entry.Preferences.PreferredDate = &preferred
	}
	for _, tod := range []models.TimeOfDay{models.Morning, models.Afternoon, models.Evening} {
		if gofakeit.Bool() {
			entry.Preferences.FlexibleTimes = append(entry.Preferences.FlexibleTimes, tod)
		}
	}
	return entry
}
