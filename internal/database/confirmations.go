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

const confirmationColumns = `id, booking_id, token, deadline, status, reminders_sent, last_reminder_at,
	confirmed_at, confirmed_by_ip, confirmed_by_user_agent, resolved_at, created_at, updated_at`

func scanConfirmation(row rowScanner) (*models.Confirmation, error) {
	c := &models.Confirmation{}
	var lastReminder, confirmedAt, resolvedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.BookingID, &c.Token, &c.Deadline, &c.Status, &c.RemindersSent, &lastReminder,
		&confirmedAt, &c.ConfirmedByIP, &c.ConfirmedByUserAgent, &resolvedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LastReminderAt = timePtr(lastReminder)
	c.ConfirmedAt = timePtr(confirmedAt)
	c.ResolvedAt = timePtr(resolvedAt)
	return c, nil
}

// CreateConfirmation returns domain.ErrAlreadyExists when the booking already has one.
func (db *DB) CreateConfirmation(ctx context.Context, c *models.Confirmation) error {
	query := `INSERT INTO confirmations (
				booking_id, token, deadline, status, reminders_sent, last_reminder_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if c.Status == "" {
		c.Status = models.ConfirmationPending
	}
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		c.BookingID, c.Token, utc(c.Deadline), c.Status, c.RemindersSent, utcPtr(c.LastReminderAt), utc(now), utc(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("confirmation for booking %d: %w", c.BookingID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create confirmation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

func (db *DB) getConfirmation(ctx context.Context, where string, arg interface{}) (*models.Confirmation, error) {
	query := `SELECT ` + confirmationColumns + ` FROM confirmations WHERE ` + where
	c, err := scanConfirmation(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("confirmation: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	return c, nil
}

func (db *DB) GetConfirmationByBooking(ctx context.Context, bookingID int64) (*models.Confirmation, error) {
	return db.getConfirmation(ctx, "booking_id = ?", bookingID)
}

func (db *DB) GetConfirmationByToken(ctx context.Context, token string) (*models.Confirmation, error) {
	return db.getConfirmation(ctx, "token = ?", token)
}

// ResolveConfirmation moves a confirmation out of from into c.Status and, when bookingStatus is set,
// moves its still-pending booking in the same transaction. Either step failing its precondition
// yields domain.ErrConcurrentModification and nothing is written.
func (db *DB) ResolveConfirmation(
	ctx context.Context,
	c *models.Confirmation,
	from models.ConfirmationStatus,
	bookingStatus models.BookingStatus,
	reason string,
) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	query := `UPDATE confirmations SET status = ?, confirmed_at = ?, confirmed_by_ip = ?, confirmed_by_user_agent = ?,
                     resolved_at = ?, updated_at = ?
              WHERE id = ? AND status = ?`
	result, err := tx.ExecContext(ctx, query,
		c.Status, utcPtr(c.ConfirmedAt), c.ConfirmedByIP, c.ConfirmedByUserAgent, utcPtr(c.ResolvedAt), utc(now),
		c.ID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve confirmation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrConcurrentModification
	}

	if bookingStatus != "" {
		query = `UPDATE bookings SET status = ?, cancel_reason = ?, version = version + 1, updated_at = ?
                 WHERE id = ? AND status = ?`
		result, err = tx.ExecContext(ctx, query, bookingStatus, reason, utc(now), c.BookingID, models.BookingPending)
		if err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrConcurrentModification
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}
	c.UpdatedAt = now
	return nil
}

func (db *DB) RecordReminder(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE confirmations SET reminders_sent = reminders_sent + 1, last_reminder_at = ?, updated_at = ?
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, utc(at), utc(time.Now()), id, models.ConfirmationPending)
	if err != nil {
		return fmt.Errorf("failed to record reminder: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (db *DB) listConfirmations(ctx context.Context, where string, args ...interface{}) ([]*models.Confirmation, error) {
	query := `SELECT ` + confirmationColumns + ` FROM confirmations WHERE ` + where + ` ORDER BY deadline ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmations: %w", err)
	}
	defer rows.Close()

	var list []*models.Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (db *DB) ListPendingConfirmations(ctx context.Context) ([]*models.Confirmation, error) {
	return db.listConfirmations(ctx, "status = ?", models.ConfirmationPending)
}

func (db *DB) ListExpiredConfirmations(ctx context.Context, now time.Time) ([]*models.Confirmation, error) {
	return db.listConfirmations(ctx, "status = ? AND deadline <= ?", models.ConfirmationPending, utc(now))
}
