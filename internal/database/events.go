package database

import (
	"context"
	"fmt"
	"time"
)

type EventRecord struct {
	ID        int64
	Type      string
	Payload   string
	CreatedAt time.Time
}

func (db *DB) InsertEvent(ctx context.Context, eventType, payload string) error {
	query := `INSERT INTO event_log (event_type, payload, created_at) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, eventType, payload, utc(time.Now())); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns the latest events of a type, newest first; an empty type matches all.
func (db *DB) ListEvents(ctx context.Context, eventType string, limit int) ([]EventRecord, error) {
	query := `SELECT id, event_type, payload, created_at FROM event_log
              WHERE (? = '' OR event_type = ?) ORDER BY id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, eventType, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
