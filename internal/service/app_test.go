package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
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
	"rebook/internal/repository"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []domain.SendRequest
}

func (p *recordingProvider) Send(_ context.Context, req domain.SendRequest) (domain.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, req)
	return domain.SendResult{ProviderMessageID: uuid.NewString(), Cost: 0.5}, nil
}

func (p *recordingProvider) messages() []domain.SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SendRequest(nil), p.sent...)
}

// fakeTelegram records outgoing messages and replays queued updates.
type fakeTelegram struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	updates  chan tgbotapi.Update
}

func (f *fakeTelegram) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeTelegram) StopReceivingUpdates() {}

func (f *fakeTelegram) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
app:
  public_url: "https://rebook.test"
database:
  path: "%s"
dispatch:
  requests_per_second: 100
exports:
  path: "%s"
%s`, filepath.Join(dir, "rebook.db"), filepath.Join(dir, "exports"), extra)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	logger := zerolog.New(io.Discard)
	app, err := New(context.Background(), cfg, &logger, opts...)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func startDispatcher(t *testing.T, app *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, app.StartDispatcher(ctx))
	t.Cleanup(func() {
		cancel()
		app.Wait()
	})
}

func drain(t *testing.T, app *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Drain(ctx))
}

func eventTypes(t *testing.T, db *database.DB) []string {
	t.Helper()
	records, err := db.ListEvents(context.Background(), "", 100)
	require.NoError(t, err)
	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.Type)
	}
	return types
}

func TestApp_ConfirmationFlow(t *testing.T) {
	ctx := context.Background()
	provider := &recordingProvider{}
	app := newApp(t, loadConfig(t, ""), WithProvider(provider))
	startDispatcher(t, app)

	start := time.Now().Add(60 * time.Hour).Truncate(time.Minute)
	booking := &models.Booking{
		CustomerID: 1, SalonID: 1, ServiceID: 2, StaffID: 3, Recipient: "555",
		StartTime: start, EndTime: start.Add(time.Hour), Price: 2000,
	}
	require.NoError(t, app.DB().CreateBooking(ctx, booking))

	issued, err := app.RunConfirmationIssuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, issued.Created)

	again, err := app.RunConfirmationIssuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)

	drain(t, app)
	sent := provider.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "555", sent[0].To)
	assert.Contains(t, sent[0].Body, "https://rebook.test/confirm/")

	c, err := app.DB().GetConfirmationByBooking(ctx, booking.ID)
	require.NoError(t, err)

	ts := httptest.NewServer(app.HTTPServer().Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/confirm/"+c.Token, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := app.DB().GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, stored.Status)

	types := eventTypes(t, app.DB())
	assert.Contains(t, types, events.EventConfirmationRequested)
	assert.Contains(t, types, events.EventConfirmationConfirmed)

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestApp_SweepRefillsFreedSlot(t *testing.T) {
	ctx := context.Background()
	provider := &recordingProvider{}
	app := newApp(t, loadConfig(t, ""), WithProvider(provider))
	startDispatcher(t, app)

	start := time.Now().Add(5 * time.Hour).Truncate(time.Minute)
	booking := &models.Booking{
		CustomerID: 1, SalonID: 1, ServiceID: 2, StaffID: 3, Recipient: "555",
		StartTime: start, EndTime: start.Add(time.Hour), Price: 2000,
	}
	require.NoError(t, app.DB().CreateBooking(ctx, booking))
	require.NoError(t, app.DB().CreateConfirmation(ctx, &models.Confirmation{
		BookingID: booking.ID,
		Token:     "expired-token",
		Deadline:  time.Now().Add(-time.Minute),
		Status:    models.ConfirmationPending,
	}))
	entry := &models.WaitlistEntry{CustomerID: 9, SalonID: 1, ServiceID: 2, Recipient: "777"}
	require.NoError(t, app.DB().CreateWaitlistEntry(ctx, entry))

	swept, err := app.RunAutoCancelSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Cancelled)
	assert.Equal(t, 1, swept.RefillAttempted)
	assert.Equal(t, 0, swept.Errors)

	stored, err := app.DB().GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, stored.Status)

	offer, err := app.DB().GetOpenOfferByBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferNotifying, offer.Status)
	require.NotNil(t, offer.Current())
	assert.Equal(t, entry.ID, offer.Current().EntryID)

	drain(t, app)
	sent := provider.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "777", sent[0].To)
	assert.True(t, strings.Contains(sent[0].Body, "/offers/"+offer.ID+"/candidates/"))

	advanced, err := app.RunWaterfallAdvance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.Checked)
	assert.Equal(t, 0, advanced.Advanced)

	reminded, err := app.RunReminderSender(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reminded.Sent)

	assert.Contains(t, eventTypes(t, app.DB()), events.EventOfferNotified)
}

func TestApp_TelegramButtonConfirms(t *testing.T) {
	ctx := context.Background()
	tg := &fakeTelegram{updates: make(chan tgbotapi.Update, 1)}
	app := newApp(t, loadConfig(t, ""), WithTelegramAPI(tg))
	startDispatcher(t, app)

	start := time.Now().Add(60 * time.Hour).Truncate(time.Minute)
	booking := &models.Booking{
		CustomerID: 1, SalonID: 1, ServiceID: 2, StaffID: 3, Recipient: "555",
		StartTime: start, EndTime: start.Add(time.Hour), Price: 2000,
	}
	require.NoError(t, app.DB().CreateBooking(ctx, booking))

	_, err := app.RunConfirmationIssuer(ctx)
	require.NoError(t, err)
	drain(t, app)

	sent := tg.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(555), sent[0].ChatID)
	keyboard, ok := sent[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, keyboard.InlineKeyboard, 1)
	require.NotNil(t, keyboard.InlineKeyboard[0][0].CallbackData)

	tg.updates <- tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: 555},
		Data:    *keyboard.InlineKeyboard[0][0].CallbackData,
		Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 555}},
	}}
	close(tg.updates)

	b := app.TelegramBot()
	require.NotNil(t, b)
	b.Start(ctx)

	stored, err := app.DB().GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, stored.Status)

	c, err := app.DB().GetConfirmationByBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "telegram:555", c.ConfirmedByUserAgent)
}

func TestApp_Workers(t *testing.T) {
	app := newApp(t, loadConfig(t, ""), WithProvider(&recordingProvider{}))

	assert.Equal(t, []string{
		WorkerConfirmationIssuer,
		WorkerAutoCancelSweep,
		WorkerWaterfallAdvance,
		WorkerReminderSender,
	}, app.Workers())

	_, err := app.RunWorker(context.Background(), "nope")
	assert.Error(t, err)
	assert.Nil(t, app.TelegramBot())
}

func TestApp_BackupWorker(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`
backup:
  enabled: true
  path: "%s"
  retention_days: 1
`, dir))
	app := newApp(t, cfg, WithProvider(&recordingProvider{}))
	assert.Contains(t, app.Workers(), WorkerDatabaseBackup)

	stale := filepath.Join(dir, "rebook_20000101_000000.000.db")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))
	longAgo := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, longAgo, longAgo))

	summary, err := app.RunWorker(context.Background(), WorkerDatabaseBackup)
	require.NoError(t, err)
	result, ok := summary.(BackupResult)
	require.True(t, ok)
	assert.FileExists(t, result.Path)
	assert.Equal(t, 1, result.Pruned)
	assert.NoFileExists(t, stale)
}

func TestApp_Backends(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		app := newApp(t, loadConfig(t, ""))
		assert.IsType(t, &repository.MemoryRateLimiter{}, app.limiter)
		assert.IsType(t, &lock.MemoryLocker{}, app.locker)
		assert.NotContains(t, app.healthChecks(), "redis")
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := loadConfig(t, fmt.Sprintf("redis:\n  address: %q\n", mr.Addr()))
		cfg.Dispatch.LimiterStore = config.LimiterStoreRedis

		app := newApp(t, cfg)
		assert.IsType(t, &repository.RedisRateLimiter{}, app.limiter)
		assert.IsType(t, &lock.RedisLocker{}, app.locker)
		require.Contains(t, app.healthChecks(), "redis")
		assert.NoError(t, app.healthChecks()["redis"](context.Background()))
	})

	t.Run("FailoverDefault", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := loadConfig(t, fmt.Sprintf("redis:\n  address: %q\n", mr.Addr()))
		assert.Equal(t, config.LimiterStoreFailover, cfg.Dispatch.LimiterStore)

		app := newApp(t, cfg)
		assert.IsType(t, &repository.FailoverRateLimiter{}, app.limiter)
	})

	t.Run("RedisUnreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := loadConfig(t, fmt.Sprintf("redis:\n  address: %q\n", addr))
		app := newApp(t, cfg)
		assert.IsType(t, &repository.MemoryRateLimiter{}, app.limiter)
		assert.IsType(t, &lock.MemoryLocker{}, app.locker)

		cfg = loadConfig(t, fmt.Sprintf("redis:\n  address: %q\n", addr))
		cfg.Dispatch.LimiterStore = config.LimiterStoreRedis
		logger := zerolog.New(io.Discard)
		_, err := New(context.Background(), cfg, &logger)
		assert.Error(t, err)
	})
}

func TestApp_SeedAndExport(t *testing.T) {
	ctx := context.Background()
	app := newApp(t, loadConfig(t, ""), WithProvider(&recordingProvider{}))
	startDispatcher(t, app)

	result, err := app.Seed(ctx, SeedOptions{Salons: 2, BookingsPerSalon: 6, WaitlistPerSalon: 5, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, 12, result.Bookings)
	assert.Equal(t, 10, result.WaitlistEntries)

	var entries int
	require.NoError(t, app.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM waitlist_entries WHERE status = 'active'`).Scan(&entries))
	assert.Equal(t, 10, entries)

	issued, err := app.RunConfirmationIssuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, issued.Created)
	drain(t, app)

	from := time.Now().Add(-time.Hour)
	path, err := app.ExportCosts(ctx, from, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.FileExists(t, path)
}
