package waterfall

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rebook/internal/config"
	"rebook/internal/database"
	"rebook/internal/domain"
	"rebook/internal/events"
	"rebook/internal/lock"
	"rebook/internal/models"
	"rebook/internal/ranking"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Submit(ctx context.Context, req domain.DispatchRequest) (*models.DispatchJob, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DispatchJob), args.Error(1)
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db         *database.DB
	dispatcher *mockDispatcher
	service    *Service
	clock      time.Time
	mu         sync.Mutex
	entries    []*models.WaitlistEntry
	slot       models.FreedSlot
	loc        *time.Location
}

func (f *fixture) at(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = t
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) newService(locker domain.Locker) *Service {
	logger := zerolog.New(io.Discard)
	cfg := config.WaitlistConfig{CandidateLimit: 5, ResponseWindow: 2 * time.Hour}
	s := NewService(f.db, f.db, f.dispatcher, locker, events.NewEventBus(nil), cfg, "https://rebook.test", f.loc, &logger)
	s.now = f.now
	return s
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "rebook.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, dispatcher: &mockDispatcher{}, clock: baseTime}
	f.dispatcher.On("Submit", mock.Anything, mock.Anything).Return(&models.DispatchJob{ID: "job"}, nil).Maybe()
	f.service = f.newService(lock.NewMemoryLocker())

	f.slot = models.FreedSlot{
		OriginalBookingID: 42,
		SalonID:           1,
		ServiceID:         2,
		StaffID:           3,
		Start:             baseTime.Add(24 * time.Hour),
		End:               baseTime.Add(25 * time.Hour),
		Price:             3000,
	}

	for i, stats := range []models.CustomerStats{
		{TotalBookings: 15, AvgSpend: 200},
		{TotalBookings: 5},
		{},
	} {
		e := &models.WaitlistEntry{
			CustomerID: int64(100 + i),
			SalonID:    1,
			ServiceID:  2,
			Recipient:  "chat-" + string(rune('a'+i)),
			Stats:      stats,
			CreatedAt:  baseTime.Add(-24 * time.Hour),
		}
		require.NoError(t, db.CreateWaitlistEntry(context.Background(), e))
		f.entries = append(f.entries, e)
	}
	return f
}

func (f *fixture) refill(t *testing.T) *models.SlotOffer {
	t.Helper()
	offer, err := f.service.Refill(context.Background(), f.slot)
	require.NoError(t, err)
	require.NotNil(t, offer)
	return offer
}

func (f *fixture) entryStatus(t *testing.T, id int64) models.WaitlistStatus {
	t.Helper()
	e, err := f.db.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e.Status
}

func (f *fixture) confirmedBookings(t *testing.T) int {
	t.Helper()
	var count int
	err := f.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM bookings WHERE salon_id = ? AND status = ?`, 1, models.BookingConfirmed).Scan(&count)
	require.NoError(t, err)
	return count
}

func TestRefill_NotifiesTopCandidate(t *testing.T) {
	f := setup(t)
	w1, w2, w3 := f.entries[0], f.entries[1], f.entries[2]

	offer := f.refill(t)
	assert.Equal(t, models.OfferNotifying, offer.Status)
	assert.Equal(t, 1, offer.Cursor)
	require.Len(t, offer.Candidates, 3)
	assert.Equal(t, []int64{w1.ID, w2.ID, w3.ID},
		[]int64{offer.Candidates[0].EntryID, offer.Candidates[1].EntryID, offer.Candidates[2].EntryID})
	assert.True(t, offer.ExpiresAt.Equal(f.slot.Start))
	assert.Equal(t, 3000.0, offer.EstimatedRevenue)

	cur := offer.Current()
	require.NotNil(t, cur)
	assert.Equal(t, w1.ID, cur.EntryID)
	require.NotNil(t, cur.NotifiedAt)

	f.dispatcher.AssertNumberOfCalls(t, "Submit", 1)
	f.dispatcher.AssertCalled(t, "Submit", mock.Anything, mock.MatchedBy(func(req domain.DispatchRequest) bool {
		return req.Recipient == w1.Recipient &&
			req.TemplateTag == models.TemplateSlotOffer &&
			req.Category == models.CategorySlotOffer &&
			req.CorrelationIDs["offer_id"] == offer.ID &&
			len(req.Actions) == 2 &&
			req.Actions[0].Callback == fmt.Sprintf("a:%s:%d", offer.ID, w1.ID) &&
			req.Actions[1].Callback == fmt.Sprintf("d:%s:%d", offer.ID, w1.ID)
	}))

	// приоритет пересчитан
	stored, err := f.db.GetEntry(context.Background(), w1.ID)
	require.NoError(t, err)
	assert.Equal(t, ranking.BaseScore(w1, baseTime), stored.PriorityScore)

	t.Run("SecondRefillReturnsOpenOffer", func(t *testing.T) {
		again, err := f.service.Refill(context.Background(), f.slot)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		require.NotNil(t, again)
		assert.Equal(t, offer.ID, again.ID)
		f.dispatcher.AssertNumberOfCalls(t, "Submit", 1)
	})
}

func TestRefill_NoCandidates(t *testing.T) {
	f := setup(t)
	f.slot.ServiceID = 99

	offer, err := f.service.Refill(context.Background(), f.slot)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, models.OfferExpired, offer.Status)
	assert.Empty(t, offer.Candidates)
	f.dispatcher.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	stored, err := f.db.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, stored.Status)
	assert.Equal(t, f.slot.OriginalBookingID, stored.OriginalBookingID)
}

func TestRefill_SalonTimeZone(t *testing.T) {
	moscow, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	f := setup(t)
	f.loc = moscow
	f.service = f.newService(lock.NewMemoryLocker())
	ctx := context.Background()

	booking := &models.Booking{
		CustomerID: 500,
		SalonID:    5,
		ServiceID:  6,
		Recipient:  "chat-owner",
		StartTime:  time.Date(2026, 3, 3, 14, 0, 0, 0, moscow),
		EndTime:    time.Date(2026, 3, 3, 15, 0, 0, 0, moscow),
		Price:      2500,
		Status:     models.BookingConfirmed,
	}
	require.NoError(t, f.db.CreateBooking(ctx, booking))
	stored, err := f.db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	require.Equal(t, 11, stored.StartTime.UTC().Hour())

	entry := &models.WaitlistEntry{
		CustomerID:  501,
		SalonID:     5,
		ServiceID:   6,
		Recipient:   "chat-afternoon",
		Preferences: models.WaitlistPreferences{FlexibleTimes: []models.TimeOfDay{models.Afternoon}},
		CreatedAt:   baseTime,
	}
	require.NoError(t, f.db.CreateWaitlistEntry(ctx, entry))

	offer, err := f.service.Refill(ctx, models.FreedSlotFromBooking(stored))
	require.NoError(t, err)
	require.Len(t, offer.Candidates, 1)
	assert.Equal(t, 15, offer.Candidates[0].MatchScore)

	f.dispatcher.AssertCalled(t, "Submit", mock.Anything, mock.MatchedBy(func(req domain.DispatchRequest) bool {
		return req.Recipient == "chat-afternoon" && strings.Contains(req.Body, "03.03 14:00")
	}))
}

// W1 отказывается, W2 принимает, слот занят ровно один раз.
func TestWaterfall_DeclineThenAccept(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w1, w2, w3 := f.entries[0], f.entries[1], f.entries[2]
	offer := f.refill(t)

	_, err := f.service.Respond(ctx, offer.ID, w2.ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, domain.ErrConflict)

	f.at(baseTime.Add(10 * time.Minute))
	offer, err = f.service.Respond(ctx, offer.ID, w1.ID, models.ResponseDeclined)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseDeclined, offer.Candidate(w1.ID).Response)
	assert.Equal(t, 2, offer.Cursor)
	require.NotNil(t, offer.Current())
	assert.Equal(t, w2.ID, offer.Current().EntryID)
	assert.Equal(t, models.WaitlistDeclined, f.entryStatus(t, w1.ID))

	replay, err := f.service.Respond(ctx, offer.ID, w1.ID, models.ResponseDeclined)
	require.NoError(t, err)
	assert.Equal(t, offer.Version, replay.Version)

	f.at(baseTime.Add(30 * time.Minute))
	offer, err = f.service.Respond(ctx, offer.ID, w2.ID, models.ResponseAccepted)
	require.NoError(t, err)
	assert.Equal(t, models.OfferFilled, offer.Status)
	assert.Equal(t, w2.ID, offer.FilledEntryID)
	require.NotNil(t, offer.FilledAt)
	assert.NotZero(t, offer.FilledBookingID)
	assert.Equal(t, models.WaitlistMatched, f.entryStatus(t, w2.ID))

	booking, err := f.db.GetBooking(ctx, offer.FilledBookingID)
	require.NoError(t, err)
	assert.Equal(t, w2.CustomerID, booking.CustomerID)
	assert.Equal(t, models.BookingConfirmed, booking.Status)
	assert.True(t, booking.StartTime.Equal(f.slot.Start))

	_, err = f.service.Respond(ctx, offer.ID, w3.ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, domain.ErrConflict)

	again, err := f.service.Respond(ctx, offer.ID, w2.ID, models.ResponseAccepted)
	require.NoError(t, err)
	assert.Equal(t, models.OfferFilled, again.Status)

	assert.Equal(t, 1, f.confirmedBookings(t))
	// после заполнения никого больше не уведомляем
	f.dispatcher.AssertNumberOfCalls(t, "Submit", 2)
}

func TestRespond_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.refill(t)

	_, err := f.service.Respond(ctx, "missing", f.entries[0].ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.Respond(ctx, offer.ID, 9999, models.ResponseAccepted)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.Respond(ctx, offer.ID, f.entries[0].ID, models.ResponseExpired)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAccept_ConcurrentSingleFill(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.refill(t)
	w1 := f.entries[0]

	// разные блокировки: одну гонку решает только версия предложения
	services := []*Service{f.service, f.newService(lock.NewMemoryLocker())}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			_, err := s.Respond(ctx, offer.ID, w1.ID, models.ResponseAccepted)
			errs <- err
		}(services[i%2])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	stored, err := f.db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferFilled, stored.Status)
	assert.Equal(t, 1, f.confirmedBookings(t))
}

func TestAccept_WindowElapsed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w1, w2 := f.entries[0], f.entries[1]
	offer := f.refill(t)

	f.at(baseTime.Add(2 * time.Hour))
	offer, err := f.service.Respond(ctx, offer.ID, w1.ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, domain.ErrOfferExpired)
	require.NotNil(t, offer)
	assert.Equal(t, models.ResponseExpired, offer.Candidate(w1.ID).Response)
	require.NotNil(t, offer.Current())
	assert.Equal(t, w2.ID, offer.Current().EntryID)
	assert.Equal(t, 0, f.confirmedBookings(t))
	assert.Equal(t, models.WaitlistActive, f.entryStatus(t, w1.ID))
}

func TestAccept_SlotTakenElsewhere(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w1 := f.entries[0]
	offer := f.refill(t)

	walkIn := &models.Booking{
		CustomerID: 500,
		SalonID:    f.slot.SalonID,
		ServiceID:  f.slot.ServiceID,
		StaffID:    f.slot.StaffID,
		StartTime:  f.slot.Start,
		EndTime:    f.slot.End,
		Status:     models.BookingPending,
	}
	require.NoError(t, f.db.CreateBookingAtomic(ctx, walkIn))

	offer, err := f.service.Respond(ctx, offer.ID, w1.ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, domain.ErrSlotTaken)
	require.NotNil(t, offer)
	assert.Equal(t, models.OfferCancelled, offer.Status)
	assert.Equal(t, models.ResponseExpired, offer.Candidate(w1.ID).Response)
	assert.Equal(t, models.WaitlistActive, f.entryStatus(t, w1.ID))
}

func TestNotifyNext_SkipsInactiveEntries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w1, w2, w3 := f.entries[0], f.entries[1], f.entries[2]
	offer := f.refill(t)

	require.NoError(t, f.db.SetEntryStatus(ctx, w2.ID, models.WaitlistCancelled))

	offer, err := f.service.Respond(ctx, offer.ID, w1.ID, models.ResponseDeclined)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseExpired, offer.Candidate(w2.ID).Response)
	require.NotNil(t, offer.Current())
	assert.Equal(t, w3.ID, offer.Current().EntryID)
	assert.Equal(t, 3, offer.Cursor)
}

func TestWaterfall_ExhaustedCandidatesExpire(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.refill(t)

	var err error
	for _, e := range f.entries {
		offer, err = f.service.Respond(ctx, offer.ID, e.ID, models.ResponseDeclined)
		require.NoError(t, err)
	}
	assert.Equal(t, models.OfferExpired, offer.Status)
	assert.Nil(t, offer.Current())

	// предложение закрыто, можно открыть новое на ту же запись
	_, err = f.db.GetOpenOfferByBooking(ctx, f.slot.OriginalBookingID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotifyNext_PastSlotStart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ranked := ranking.Rank(f.entries, f.slot, nil, 5, baseTime)
	offer, err := f.service.Create(ctx, f.slot, ranked, f.slot.Price)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, offer.Status)

	f.at(f.slot.Start)
	offer, err = f.service.NotifyNext(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, offer.Status)
	f.dispatcher.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestAdvance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w1, w2 := f.entries[0], f.entries[1]
	offer := f.refill(t)

	f.at(baseTime.Add(time.Hour))
	result, err := f.service.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdvanceResult{Checked: 1}, result)

	f.at(baseTime.Add(2*time.Hour + time.Minute))
	result, err = f.service.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdvanceResult{Checked: 1, Advanced: 1}, result)

	stored, err := f.db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseNoResponse, stored.Candidate(w1.ID).Response)
	assert.Equal(t, w2.ID, stored.Current().EntryID)
	// таймаут не снимает клиента с листа ожидания
	assert.Equal(t, models.WaitlistActive, f.entryStatus(t, w1.ID))

	f.at(f.slot.Start.Add(time.Minute))
	result, err = f.service.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdvanceResult{Checked: 1, Expired: 1}, result)

	stored, err = f.db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, stored.Status)
	assert.Equal(t, models.ResponseNoResponse, stored.Candidate(w2.ID).Response)

	result, err = f.service.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdvanceResult{}, result)
}

func TestAdvance_NotifiesUnsentOffer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ranked := ranking.Rank(f.entries, f.slot, nil, 5, baseTime)
	offer, err := f.service.Create(ctx, f.slot, ranked, f.slot.Price)
	require.NoError(t, err)

	result, err := f.service.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdvanceResult{Checked: 1, Advanced: 1}, result)

	stored, err := f.db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferNotifying, stored.Status)
	assert.Equal(t, f.entries[0].ID, stored.Current().EntryID)
}

func TestMutate_RejectsIllegalTransition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ranked := ranking.Rank(f.entries, f.slot, nil, 5, baseTime)
	offer, err := f.service.Create(ctx, f.slot, ranked, f.slot.Price)
	require.NoError(t, err)
	require.Equal(t, models.OfferPending, offer.Status)

	_, err = f.service.mutate(ctx, offer.ID, func(o *models.SlotOffer) (*models.Booking, error) {
		o.Status = models.OfferFilled
		return nil, nil
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := f.db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, stored.Status)
	assert.Equal(t, offer.Version, stored.Version)

	t.Run("TerminalStaysTerminal", func(t *testing.T) {
		f.at(f.slot.Start)
		expired, err := f.service.NotifyNext(ctx, offer.ID)
		require.NoError(t, err)
		require.Equal(t, models.OfferExpired, expired.Status)

		_, err = f.service.mutate(ctx, offer.ID, func(o *models.SlotOffer) (*models.Booking, error) {
			o.Status = models.OfferNotifying
			return nil, nil
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}
