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

func (db *DB) SetConsent(ctx context.Context, c *models.Consent) error {
	c.UpdatedAt = time.Now()
	query := `INSERT INTO consents (recipient, category, granted, updated_at) VALUES (?, ?, ?, ?)
              ON CONFLICT(recipient, category) DO UPDATE SET granted = excluded.granted, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, c.Recipient, c.Category, c.Granted, utc(c.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to set consent: %w", err)
	}
	return nil
}

// GetConsent returns domain.ErrNotFound when the recipient never stated a preference for the category.
func (db *DB) GetConsent(ctx context.Context, recipient string, category models.MessageCategory) (*models.Consent, error) {
	c := &models.Consent{}
	query := `SELECT recipient, category, granted, updated_at FROM consents WHERE recipient = ? AND category = ?`
	err := db.QueryRowContext(ctx, query, recipient, category).Scan(&c.Recipient, &c.Category, &c.Granted, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return c, nil
}

func (db *DB) SetQuietHours(ctx context.Context, q *models.QuietHours) error {
	query := `INSERT INTO quiet_hours (recipient, start_at, end_at, timezone) VALUES (?, ?, ?, ?)
              ON CONFLICT(recipient) DO UPDATE SET start_at = excluded.start_at, end_at = excluded.end_at,
                                                   timezone = excluded.timezone`
	if _, err := db.ExecContext(ctx, query, q.Recipient, q.Start, q.End, q.Timezone); err != nil {
		return fmt.Errorf("failed to set quiet hours: %w", err)
	}
	return nil
}

func (db *DB) GetQuietHours(ctx context.Context, recipient string) (*models.QuietHours, error) {
	q := &models.QuietHours{}
	query := `SELECT recipient, start_at, end_at, timezone FROM quiet_hours WHERE recipient = ?`
	err := db.QueryRowContext(ctx, query, recipient).Scan(&q.Recipient, &q.Start, &q.End, &q.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet hours: %w", err)
	}
	return q, nil
}
