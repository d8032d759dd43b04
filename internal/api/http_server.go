package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"rebook/internal/config"
	"rebook/internal/confirmation"
	"rebook/internal/metrics"
	"rebook/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ConfirmationService interface {
	Lookup(ctx context.Context, token string) (*models.Confirmation, error)
	Confirm(ctx context.Context, token string, meta confirmation.Meta) (*models.Confirmation, error)
}

type OfferService interface {
	Get(ctx context.Context, offerID string) (*models.SlotOffer, error)
	Respond(ctx context.Context, offerID string, entryID int64, response models.CandidateResponse) (*models.SlotOffer, error)
}

type DeliveryService interface {
	HandleStatusUpdate(ctx context.Context, providerMessageID, status, detail string) error
}

// HealthCheck reports a dependency problem as an error.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Confirmations ConfirmationService
	Offers        OfferService
	Deliveries    DeliveryService
	Checks        map[string]HealthCheck
}

// HTTPServer exposes the public confirm and offer links, the delivery webhook and health.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	limiter *clientLimiter
	server  *http.Server
	logger  *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		limiter: newClientLimiter(cfg.RateLimit),
		logger:  logger,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logging)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		// GET только показывает состояние, меняет его POST
		r.Get("/confirm/{token}", s.handleConfirmStatus)
		r.Post("/confirm/{token}", s.handleConfirm)
		r.Get("/offers/{offerID}/candidates/{entryID}/{action}", s.handleOfferStatus)
		r.Post("/offers/{offerID}/candidates/{entryID}/{action}", s.handleOfferResponse)
	})

	r.Post("/webhooks/delivery", s.handleDelivery)
	return r
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type ctxKey int

const requestIDKey ctxKey = iota

func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *HTTPServer) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		metrics.IncHTTP(endpoint, strconv.Itoa(recorder.status))

		reqID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("endpoint", endpoint).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]string{"error": code, "message": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
