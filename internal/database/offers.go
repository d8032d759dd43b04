package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rebook/internal/domain"
	"rebook/internal/models"
)

const offerColumns = `id, original_booking_id, salon_id, service_id, staff_id, slot_start, slot_end, status,
	candidates, cursor_pos, expires_at, estimated_revenue, filled_at, filled_booking_id, filled_entry_id,
	created_at, updated_at, version`

func scanOffer(row rowScanner) (*models.SlotOffer, error) {
	o := &models.SlotOffer{}
	var candidates string
	var filledAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.OriginalBookingID, &o.SalonID, &o.ServiceID, &o.StaffID, &o.SlotStart, &o.SlotEnd, &o.Status,
		&candidates, &o.Cursor, &o.ExpiresAt, &o.EstimatedRevenue, &filledAt, &o.FilledBookingID, &o.FilledEntryID,
		&o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candidates), &o.Candidates); err != nil {
		return nil, fmt.Errorf("failed to decode candidates of offer %s: %w", o.ID, err)
	}
	o.FilledAt = timePtr(filledAt)
	return o, nil
}

func encodeCandidates(o *models.SlotOffer) (string, error) {
	if o.Candidates == nil {
		return "[]", nil
	}
	data, err := json.Marshal(o.Candidates)
	if err != nil {
		return "", fmt.Errorf("failed to encode candidates: %w", err)
	}
	return string(data), nil
}

// CreateOffer returns domain.ErrAlreadyExists while another offer for the same booking is open.
func (db *DB) CreateOffer(ctx context.Context, o *models.SlotOffer) error {
	candidates, err := encodeCandidates(o)
	if err != nil {
		return err
	}
	if o.Status == "" {
		o.Status = models.OfferPending
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt, o.Version = now, now, 1

	query := `INSERT INTO slot_offers (
				id, original_booking_id, salon_id, service_id, staff_id, slot_start, slot_end, status,
				candidates, cursor_pos, expires_at, estimated_revenue, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		o.ID, o.OriginalBookingID, o.SalonID, o.ServiceID, o.StaffID, utc(o.SlotStart), utc(o.SlotEnd), o.Status,
		candidates, o.Cursor, utc(o.ExpiresAt), o.EstimatedRevenue, utc(now), utc(now), o.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("offer for booking %d: %w", o.OriginalBookingID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

func (db *DB) GetOffer(ctx context.Context, id string) (*models.SlotOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM slot_offers WHERE id = ?`
	o, err := scanOffer(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, nil
}

func (db *DB) GetOpenOfferByBooking(ctx context.Context, bookingID int64) (*models.SlotOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM slot_offers
              WHERE original_booking_id = ? AND status IN (?, ?)`
	o, err := scanOffer(db.QueryRowContext(ctx, query, bookingID, models.OfferPending, models.OfferNotifying))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open offer for booking %d: %w", bookingID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open offer: %w", err)
	}
	return o, nil
}

func updateOffer(ctx context.Context, ex execer, o *models.SlotOffer, fromVersion int64) error {
	candidates, err := encodeCandidates(o)
	if err != nil {
		return err
	}
	now := time.Now()
	query := `UPDATE slot_offers SET status = ?, candidates = ?, cursor_pos = ?, filled_at = ?, filled_booking_id = ?,
                     filled_entry_id = ?, updated_at = ?, version = version + 1
              WHERE id = ? AND version = ?`
	result, err := ex.ExecContext(ctx, query,
		o.Status, candidates, o.Cursor, utcPtr(o.FilledAt), o.FilledBookingID,
		o.FilledEntryID, utc(now), o.ID, fromVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrConcurrentModification
	}
	o.Version = fromVersion + 1
	o.UpdatedAt = now
	return nil
}

// UpdateOfferWithVersion persists o if its stored version still equals fromVersion.
func (db *DB) UpdateOfferWithVersion(ctx context.Context, o *models.SlotOffer, fromVersion int64) error {
	return updateOffer(ctx, db, o, fromVersion)
}

// FillOffer creates the booking for the accepted candidate, seals the offer and marks the
// waitlist entry matched in one transaction. An occupied slot yields domain.ErrSlotTaken.
func (db *DB) FillOffer(ctx context.Context, o *models.SlotOffer, fromVersion int64, booking *models.Booking) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// сначала версия: проигравший гонку не должен видеть свою же бронь как чужую
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM slot_offers WHERE id = ?`, o.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read offer version: %w", err)
	}
	if current != fromVersion {
		return domain.ErrConcurrentModification
	}

	taken, err := slotOccupied(ctx, tx, booking)
	if err != nil {
		return err
	}
	if taken {
		return domain.ErrSlotTaken
	}
	if err := insertBooking(ctx, tx, booking); err != nil {
		return err
	}

	o.FilledBookingID = booking.ID
	if err := updateOffer(ctx, tx, o, fromVersion); err != nil {
		o.Version = fromVersion
		return err
	}
	if err := setEntryStatus(ctx, tx, o.FilledEntryID, models.WaitlistMatched); err != nil {
		o.Version = fromVersion
		return err
	}

	if err := tx.Commit(); err != nil {
		o.Version = fromVersion
		return fmt.Errorf("failed to commit offer fill: %w", err)
	}
	return nil
}

func (db *DB) ListOpenOffers(ctx context.Context) ([]*models.SlotOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM slot_offers WHERE status IN (?, ?) ORDER BY slot_start ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, models.OfferPending, models.OfferNotifying)
	if err != nil {
		return nil, fmt.Errorf("failed to list open offers: %w", err)
	}
	defer rows.Close()

	var offers []*models.SlotOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}
