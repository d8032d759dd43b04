package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rebook/internal/config"
	"rebook/internal/confirmation"
	"rebook/internal/domain"
	"rebook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConfirmations struct {
	mock.Mock
}

func (m *mockConfirmations) Lookup(ctx context.Context, token string) (*models.Confirmation, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Confirmation), args.Error(1)
}

func (m *mockConfirmations) Confirm(ctx context.Context, token string, meta confirmation.Meta) (*models.Confirmation, error) {
	args := m.Called(ctx, token, meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Confirmation), args.Error(1)
}

type mockOffers struct {
	mock.Mock
}

func (m *mockOffers) Get(ctx context.Context, offerID string) (*models.SlotOffer, error) {
	args := m.Called(ctx, offerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SlotOffer), args.Error(1)
}

func (m *mockOffers) Respond(ctx context.Context, offerID string, entryID int64, response models.CandidateResponse) (*models.SlotOffer, error) {
	args := m.Called(ctx, offerID, entryID, response)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SlotOffer), args.Error(1)
}

type mockDeliveries struct {
	mock.Mock
}

func (m *mockDeliveries) HandleStatusUpdate(ctx context.Context, providerMessageID, status, detail string) error {
	return m.Called(ctx, providerMessageID, status, detail).Error(0)
}

type testServer struct {
	confirmations *mockConfirmations
	offers        *mockOffers
	deliveries    *mockDeliveries
	ts            *httptest.Server
}

func newTestServer(t *testing.T, cfg config.APIConfig, checks map[string]HealthCheck) *testServer {
	t.Helper()
	s := &testServer{
		confirmations: &mockConfirmations{},
		offers:        &mockOffers{},
		deliveries:    &mockDeliveries{},
	}
	logger := zerolog.Nop()
	srv := NewHTTPServer(cfg, Deps{
		Confirmations: s.confirmations,
		Offers:        s.offers,
		Deliveries:    s.deliveries,
		Checks:        checks,
	}, &logger)
	s.ts = httptest.NewServer(srv.Routes())
	t.Cleanup(s.ts.Close)
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestConfirmEndpoint(t *testing.T) {
	s := newTestServer(t, config.APIConfig{}, nil)
	deadline := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	s.confirmations.On("Confirm", mock.Anything, "good-token", mock.MatchedBy(func(m confirmation.Meta) bool {
		return m.IP == "203.0.113.7" && m.UserAgent == "test-agent"
	})).Return(&models.Confirmation{BookingID: 5, Status: models.ConfirmationConfirmed, Deadline: deadline}, nil)
	s.confirmations.On("Confirm", mock.Anything, "missing", mock.Anything).Return(nil, domain.ErrNotFound)
	s.confirmations.On("Confirm", mock.Anything, "late", mock.Anything).
		Return(&models.Confirmation{Status: models.ConfirmationPending}, domain.ErrConfirmationExpired)
	s.confirmations.On("Confirm", mock.Anything, "cancelled", mock.Anything).
		Return(&models.Confirmation{Status: models.ConfirmationAutoCancelled}, fmt.Errorf("x: %w", domain.ErrAlreadyResolved))

	headers := map[string]string{"User-Agent": "test-agent", "X-Forwarded-For": "203.0.113.7, 10.0.0.1"}

	resp, body := s.do(t, http.MethodPost, "/confirm/good-token", "", headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, float64(5), body["booking_id"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = s.do(t, http.MethodPost, "/confirm/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])

	resp, body = s.do(t, http.MethodPost, "/confirm/late", "", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "confirmation_expired", body["error"])

	resp, body = s.do(t, http.MethodPost, "/confirm/cancelled", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_resolved", body["error"])
}

func TestOfferEndpoints(t *testing.T) {
	s := newTestServer(t, config.APIConfig{}, nil)

	filled := &models.SlotOffer{
		ID:         "offer-1",
		Status:     models.OfferFilled,
		Candidates: []models.OfferCandidate{{EntryID: 7, Response: models.ResponseAccepted}},
	}
	s.offers.On("Respond", mock.Anything, "offer-1", int64(7), models.ResponseAccepted).Return(filled, nil)
	s.offers.On("Respond", mock.Anything, "offer-1", int64(8), models.ResponseAccepted).Return(nil, domain.ErrConflict)
	s.offers.On("Respond", mock.Anything, "offer-1", int64(9), models.ResponseAccepted).Return(filled, domain.ErrSlotTaken)
	s.offers.On("Respond", mock.Anything, "offer-1", int64(10), models.ResponseAccepted).Return(filled, domain.ErrOfferExpired)
	s.offers.On("Respond", mock.Anything, "offer-2", int64(7), models.ResponseDeclined).
		Return(&models.SlotOffer{ID: "offer-2", Status: models.OfferNotifying}, nil)
	s.offers.On("Respond", mock.Anything, "offer-3", int64(7), models.ResponseDeclined).Return(nil, errors.New("disk full"))

	resp, body := s.do(t, http.MethodPost, "/offers/offer-1/candidates/7/accept", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "filled", body["status"])
	assert.Equal(t, "accepted", body["response"])

	resp, body = s.do(t, http.MethodPost, "/offers/offer-1/candidates/8/accept", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["error"])

	resp, body = s.do(t, http.MethodPost, "/offers/offer-1/candidates/9/accept", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "slot_taken", body["error"])

	resp, _ = s.do(t, http.MethodPost, "/offers/offer-1/candidates/10/accept", "", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/offers/offer-2/candidates/7/decline", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "notifying", body["status"])

	resp, body = s.do(t, http.MethodPost, "/offers/offer-3/candidates/7/decline", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal_error", body["error"])

	resp, body = s.do(t, http.MethodPost, "/offers/offer-1/candidates/abc/accept", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_entry_id", body["error"])

	resp, _ = s.do(t, http.MethodPost, "/offers/offer-1/candidates/7/maybe", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLinksGetIsReadOnly(t *testing.T) {
	s := newTestServer(t, config.APIConfig{}, nil)
	deadline := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	s.confirmations.On("Lookup", mock.Anything, "good-token").
		Return(&models.Confirmation{BookingID: 5, Status: models.ConfirmationPending, Deadline: deadline}, nil)
	s.confirmations.On("Lookup", mock.Anything, "missing").Return(nil, domain.ErrNotFound)
	s.offers.On("Get", mock.Anything, "o").Return(&models.SlotOffer{
		ID:         "o",
		Status:     models.OfferNotifying,
		Cursor:     1,
		Candidates: []models.OfferCandidate{{EntryID: 7, Response: models.ResponsePending}},
	}, nil)

	resp, err := http.Get(s.ts.URL + "/offers/o/candidates/7/accept")
	require.NoError(t, err)
	var offer map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&offer))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "notifying", offer["status"])
	assert.Equal(t, "pending", offer["response"])

	resp, _ = s.do(t, http.MethodGet, "/offers/o/candidates/8/decline", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/offers/o/candidates/7/maybe", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/confirm/good-token", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(5), body["booking_id"])

	resp, _ = s.do(t, http.MethodGet, "/confirm/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s.offers.AssertNotCalled(t, "Respond", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.confirmations.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything, mock.Anything)
	s.offers.AssertNumberOfCalls(t, "Get", 2)

	t.Run("PostChangesState", func(t *testing.T) {
		s.offers.On("Respond", mock.Anything, "o", int64(7), models.ResponseAccepted).Return(&models.SlotOffer{
			ID:         "o",
			Status:     models.OfferFilled,
			Candidates: []models.OfferCandidate{{EntryID: 7, Response: models.ResponseAccepted}},
		}, nil).Once()

		resp, body := s.do(t, http.MethodPost, "/offers/o/candidates/7/accept", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "filled", body["status"])
		s.offers.AssertNumberOfCalls(t, "Respond", 1)
	})
}

func TestDeliveryWebhook(t *testing.T) {
	s := newTestServer(t, config.APIConfig{WebhookSecret: "s3cret"}, nil)
	s.deliveries.On("HandleStatusUpdate", mock.Anything, "msg-1", "delivered", "").Return(nil).Once()

	auth := map[string]string{"X-Webhook-Secret": "s3cret"}

	resp, _ := s.do(t, http.MethodPost, "/webhooks/delivery", `{"provider_message_id":"msg-1","status":"delivered"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/webhooks/delivery", `{"provider_message_id":"msg-1","status":"delivered"}`, auth)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = s.do(t, http.MethodPost, "/webhooks/delivery", `{"status":"delivered"}`, auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/webhooks/delivery", `not json`, auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.deliveries.AssertExpectations(t)
}

func TestHealthz(t *testing.T) {
	healthy := newTestServer(t, config.APIConfig{}, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	resp, body := healthy.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	degraded := newTestServer(t, config.APIConfig{}, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body = degraded.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestClientRateLimit(t *testing.T) {
	s := newTestServer(t, config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 2}}, nil)
	s.confirmations.On("Confirm", mock.Anything, mock.Anything, mock.Anything).Return(nil, domain.ErrNotFound)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := s.do(t, http.MethodPost, "/confirm/x", "", map[string]string{"X-Forwarded-For": "198.51.100.1"})
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	// другой клиент не затронут
	resp, _ := s.do(t, http.MethodPost, "/confirm/x", "", map[string]string{"X-Forwarded-For": "198.51.100.2"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
