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

const waitlistColumns = `id, customer_id, salon_id, service_id, recipient, preferences, status,
	priority_score, reliability_score, stats, created_at, updated_at`

func scanEntry(row rowScanner) (*models.WaitlistEntry, error) {
	e := &models.WaitlistEntry{}
	var prefs, stats string
	err := row.Scan(
		&e.ID, &e.CustomerID, &e.SalonID, &e.ServiceID, &e.Recipient, &prefs, &e.Status,
		&e.PriorityScore, &e.ReliabilityScore, &stats, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(prefs), &e.Preferences); err != nil {
		return nil, fmt.Errorf("failed to decode preferences of entry %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(stats), &e.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats of entry %d: %w", e.ID, err)
	}
	return e, nil
}

func (db *DB) CreateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error {
	prefs, err := json.Marshal(e.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	stats, err := json.Marshal(e.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	if e.Status == "" {
		e.Status = models.WaitlistActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = e.CreatedAt

	query := `INSERT INTO waitlist_entries (
				customer_id, salon_id, service_id, recipient, preferences, status,
				priority_score, reliability_score, stats, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		e.CustomerID, e.SalonID, e.ServiceID, e.Recipient, string(prefs), e.Status,
		e.PriorityScore, e.ReliabilityScore, string(stats), utc(e.CreatedAt), utc(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create waitlist entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return nil
}

func (db *DB) ListActiveEntries(ctx context.Context, salonID, serviceID int64) ([]*models.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries
              WHERE salon_id = ? AND service_id = ? AND status = ?
              ORDER BY created_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, salonID, serviceID, models.WaitlistActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waitlist entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) GetEntry(ctx context.Context, id int64) (*models.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE id = ?`
	e, err := scanEntry(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("waitlist entry %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get waitlist entry: %w", err)
	}
	return e, nil
}

// SetEntryStatus closes an active entry; repeating the current status is a no-op.
func (db *DB) SetEntryStatus(ctx context.Context, id int64, status models.WaitlistStatus) error {
	return setEntryStatus(ctx, db, id, status)
}

func setEntryStatus(ctx context.Context, ex execer, id int64, status models.WaitlistStatus) error {
	var current models.WaitlistStatus
	err := ex.QueryRowContext(ctx, `SELECT status FROM waitlist_entries WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("waitlist entry %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get waitlist entry status: %w", err)
	}
	if current == status {
		return nil
	}
	if !current.CanTransitionTo(status) {
		return fmt.Errorf("waitlist entry %d %s -> %s: %w", id, current, status, domain.ErrInvalidTransition)
	}

	query := `UPDATE waitlist_entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	result, err := ex.ExecContext(ctx, query, status, utc(time.Now()), id, current)
	if err != nil {
		return fmt.Errorf("failed to update waitlist entry status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (db *DB) UpdatePriorityScore(ctx context.Context, id int64, score int) error {
	query := `UPDATE waitlist_entries SET priority_score = ?, updated_at = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query, score, utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update priority score: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("waitlist entry %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
