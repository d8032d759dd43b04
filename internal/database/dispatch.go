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

const dispatchColumns = `id, recipient, body, salon_id, template_tag, category, correlation_ids, actions,
	status, attempt, provider_message_id, cost, last_error, created_at, updated_at`

func scanDispatchJob(row rowScanner) (*models.DispatchJob, error) {
	j := &models.DispatchJob{}
	var correlation, actions string
	err := row.Scan(
		&j.ID, &j.Recipient, &j.Body, &j.SalonID, &j.TemplateTag, &j.Category, &correlation, &actions,
		&j.Status, &j.Attempt, &j.ProviderMessageID, &j.Cost, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(correlation), &j.CorrelationIDs); err != nil {
		return nil, fmt.Errorf("failed to decode correlation ids of job %s: %w", j.ID, err)
	}
	if actions != "[]" {
		if err := json.Unmarshal([]byte(actions), &j.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions of job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func (db *DB) CreateDispatchJob(ctx context.Context, j *models.DispatchJob) error {
	correlation := []byte("{}")
	if len(j.CorrelationIDs) > 0 {
		var err error
		if correlation, err = json.Marshal(j.CorrelationIDs); err != nil {
			return fmt.Errorf("failed to encode correlation ids: %w", err)
		}
	}
	actions := []byte("[]")
	if len(j.Actions) > 0 {
		var err error
		if actions, err = json.Marshal(j.Actions); err != nil {
			return fmt.Errorf("failed to encode actions: %w", err)
		}
	}
	if j.Status == "" {
		j.Status = models.DispatchQueued
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now

	query := `INSERT INTO dispatch_jobs (
				id, recipient, body, salon_id, template_tag, category, correlation_ids, actions, status,
				attempt, provider_message_id, cost, last_error, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		j.ID, j.Recipient, j.Body, j.SalonID, j.TemplateTag, j.Category, string(correlation), string(actions),
		j.Status, j.Attempt, j.ProviderMessageID, j.Cost, j.LastError, utc(now), utc(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create dispatch job: %w", err)
	}
	return nil
}

func (db *DB) getDispatchJob(ctx context.Context, where string, arg interface{}) (*models.DispatchJob, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatch_jobs WHERE ` + where
	j, err := scanDispatchJob(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch job: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch job: %w", err)
	}
	return j, nil
}

func (db *DB) GetDispatchJob(ctx context.Context, id string) (*models.DispatchJob, error) {
	return db.getDispatchJob(ctx, "id = ?", id)
}

func (db *DB) GetDispatchJobByProviderID(ctx context.Context, providerMessageID string) (*models.DispatchJob, error) {
	if providerMessageID == "" {
		return nil, fmt.Errorf("dispatch job: %w", domain.ErrNotFound)
	}
	return db.getDispatchJob(ctx, "provider_message_id = ?", providerMessageID)
}

// UpdateDispatchJob writes the job if it is still in status from.
func (db *DB) UpdateDispatchJob(ctx context.Context, j *models.DispatchJob, from models.DispatchStatus) error {
	now := time.Now()
	query := `UPDATE dispatch_jobs SET status = ?, attempt = ?, provider_message_id = ?, cost = ?, last_error = ?,
                     updated_at = ?
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query,
		j.Status, j.Attempt, j.ProviderMessageID, j.Cost, j.LastError, utc(now), j.ID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispatch job: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrConcurrentModification
	}
	j.UpdatedAt = now
	return nil
}

func (db *DB) RecordDispatchAttempt(ctx context.Context, a *models.DispatchAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	query := `INSERT INTO dispatch_attempts (job_id, attempt, success, provider_message_id, cost, error, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		a.JobID, a.Attempt, a.Success, a.ProviderMessageID, a.Cost, a.Error, utc(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch attempt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id
	return nil
}

func (db *DB) ListDispatchAttempts(ctx context.Context, jobID string) ([]*models.DispatchAttempt, error) {
	query := `SELECT id, job_id, attempt, success, provider_message_id, cost, error, created_at
              FROM dispatch_attempts WHERE job_id = ? ORDER BY attempt ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.DispatchAttempt
	for rows.Next() {
		a := &models.DispatchAttempt{}
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &a.Success, &a.ProviderMessageID, &a.Cost, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListQueuedDispatchJobs returns jobs left queued, oldest first, e.g. after a restart.
func (db *DB) ListQueuedDispatchJobs(ctx context.Context, limit int) ([]*models.DispatchJob, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatch_jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.DispatchQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued dispatch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.DispatchJob
	for rows.Next() {
		j, err := scanDispatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetCostSummaries aggregates jobs created in [from, to) per salon and template.
func (db *DB) GetCostSummaries(ctx context.Context, from, to time.Time) ([]models.CostSummary, error) {
	query := `SELECT j.salon_id, j.template_tag,
                     COUNT(DISTINCT j.id),
                     COUNT(a.id),
                     COUNT(DISTINCT CASE WHEN j.status = 'delivered' THEN j.id END),
                     COUNT(DISTINCT CASE WHEN j.status = 'failed' THEN j.id END),
                     COALESCE(SUM(a.cost), 0)
              FROM dispatch_jobs j
              LEFT JOIN dispatch_attempts a ON a.job_id = j.id
              WHERE j.created_at >= ? AND j.created_at < ?
              GROUP BY j.salon_id, j.template_tag
              ORDER BY j.salon_id ASC, j.template_tag ASC`
	rows, err := db.QueryContext(ctx, query, utc(from), utc(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get cost summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.CostSummary
	for rows.Next() {
		var s models.CostSummary
		if err := rows.Scan(&s.SalonID, &s.TemplateTag, &s.Jobs, &s.Attempts, &s.Delivered, &s.Failed, &s.TotalCost); err != nil {
			return nil, fmt.Errorf("failed to scan cost summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
