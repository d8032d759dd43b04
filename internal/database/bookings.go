package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rebook/internal/domain"
	"rebook/internal/models"
)

const bookingColumns = `id, customer_id, salon_id, service_id, staff_id, recipient, start_time, end_time,
	price, status, cancel_reason, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	b := &models.Booking{}
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.SalonID, &b.ServiceID, &b.StaffID, &b.Recipient,
		&b.StartTime, &b.EndTime, &b.Price, &b.Status, &b.CancelReason,
		&b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertBooking(ctx context.Context, ex execer, booking *models.Booking) error {
	query := `INSERT INTO bookings (
				customer_id, salon_id, service_id, staff_id, recipient, start_time, end_time,
				price, status, cancel_reason, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if booking.Status == "" {
		booking.Status = models.BookingPending
	}
	now := time.Now()
	result, err := ex.ExecContext(ctx, query,
		booking.CustomerID,
		booking.SalonID,
		booking.ServiceID,
		booking.StaffID,
		booking.Recipient,
		utc(booking.StartTime),
		utc(booking.EndTime),
		booking.Price,
		booking.Status,
		booking.CancelReason,
		utc(now),
		utc(now),
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	booking.ID = id
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

// slotOccupied checks for another live booking of the same salon, staff member and start time.
func slotOccupied(ctx context.Context, ex execer, booking *models.Booking) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM bookings
              WHERE salon_id = ? AND staff_id = ? AND start_time = ? AND status IN (?, ?)`
	err := ex.QueryRowContext(ctx, query, booking.SalonID, booking.StaffID, utc(booking.StartTime),
		models.BookingPending, models.BookingConfirmed).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check slot occupancy: %w", err)
	}
	return count > 0, nil
}

func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	return insertBooking(ctx, db, booking)
}

// CreateBookingAtomic inserts the booking unless its slot is already held.
func (db *DB) CreateBookingAtomic(ctx context.Context, booking *models.Booking) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

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
	return tx.Commit()
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// SetBookingStatus moves a booking along a legal transition.
func (db *DB) SetBookingStatus(ctx context.Context, id int64, status models.BookingStatus, reason string) error {
	booking, err := db.GetBooking(ctx, id)
	if err != nil {
		return err
	}
	if booking.Status == status {
		return nil
	}
	if !booking.Status.CanTransitionTo(status) {
		return fmt.Errorf("booking %d %s -> %s: %w", id, booking.Status, status, domain.ErrInvalidTransition)
	}
	return db.SetBookingStatusWithVersion(ctx, id, booking.Version, status, reason)
}

func (db *DB) SetBookingStatusWithVersion(ctx context.Context, id, fromVersion int64, status models.BookingStatus, reason string) error {
	query := `UPDATE bookings SET status = ?, cancel_reason = ?, version = version + 1, updated_at = ?
              WHERE id = ? AND version = ?`
	result, err := db.ExecContext(ctx, query, status, reason, utc(time.Now()), id, fromVersion)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (db *DB) ListPendingStartingBetween(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE status = ? AND start_time >= ? AND start_time <= ?
              ORDER BY start_time ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, models.BookingPending, utc(from), utc(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}
