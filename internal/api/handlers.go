package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"rebook/internal/confirmation"
	"rebook/internal/domain"
	"rebook/internal/lock"
	"rebook/internal/models"

	"github.com/go-chi/chi/v5"
)

type ConfirmResponse struct {
	BookingID int64     `json:"booking_id"`
	Status    string    `json:"status"`
	Deadline  time.Time `json:"deadline"`
}

type OfferResponse struct {
	OfferID  string `json:"offer_id"`
	Status   string `json:"status"`
	EntryID  int64  `json:"entry_id"`
	Response string `json:"response"`
}

func offerResponse(offer *models.SlotOffer, entryID int64) OfferResponse {
	resp := OfferResponse{OfferID: offer.ID, Status: string(offer.Status), EntryID: entryID}
	if c := offer.Candidate(entryID); c != nil {
		resp.Response = string(c.Response)
	}
	return resp
}

type DeliveryUpdate struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Detail            string `json:"detail"`
}

func (s *HTTPServer) handleConfirmStatus(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Confirmations.Lookup(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ConfirmResponse{
		BookingID: c.BookingID,
		Status:    string(c.Status),
		Deadline:  c.Deadline,
	})
}

func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	meta := confirmation.Meta{IP: clientIP(r), UserAgent: r.UserAgent()}

	c, err := s.deps.Confirmations.Confirm(r.Context(), token, meta)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ConfirmResponse{
		BookingID: c.BookingID,
		Status:    string(c.Status),
		Deadline:  c.Deadline,
	})
}

// offerParams reads the entry id and action of an offer link. It writes the error itself
// and reports false when the link is malformed.
func offerParams(w http.ResponseWriter, r *http.Request) (int64, models.CandidateResponse, bool) {
	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil || entryID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_entry_id", "entryID must be a positive integer")
		return 0, "", false
	}

	switch chi.URLParam(r, "action") {
	case "accept":
		return entryID, models.ResponseAccepted, true
	case "decline":
		return entryID, models.ResponseDeclined, true
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return 0, "", false
	}
}

func (s *HTTPServer) handleOfferStatus(w http.ResponseWriter, r *http.Request) {
	entryID, _, ok := offerParams(w, r)
	if !ok {
		return
	}

	offer, err := s.deps.Offers.Get(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	if offer.Candidate(entryID) == nil {
		writeError(w, http.StatusNotFound, "not_found", "candidate not found")
		return
	}
	writeJSON(w, http.StatusOK, offerResponse(offer, entryID))
}

func (s *HTTPServer) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	entryID, response, ok := offerParams(w, r)
	if !ok {
		return
	}

	offer, err := s.deps.Offers.Respond(r.Context(), chi.URLParam(r, "offerID"), entryID, response)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse(offer, entryID))
}

func (s *HTTPServer) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
			return
		}
	}

	var body DeliveryUpdate
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if body.ProviderMessageID == "" || body.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "provider_message_id and status are required")
		return
	}

	if err := s.deps.Deliveries.HandleStatusUpdate(r.Context(), body.ProviderMessageID, body.Status, body.Detail); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *HTTPServer) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrConfirmationExpired):
		writeError(w, http.StatusGone, "confirmation_expired", err.Error())
	case errors.Is(err, domain.ErrOfferExpired):
		writeError(w, http.StatusGone, "offer_expired", err.Error())
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, domain.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrConcurrentModification), errors.Is(err, lock.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "busy", "request is being processed, please retry shortly")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
