package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		// Создаем директорию для БД, если её нет
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Одно соединение: :memory: живет в пределах соединения, а записи сериализуются
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.ensureColumn("bookings", "cancel_reason", "TEXT NOT NULL DEFAULT ''"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.ensureColumn("dispatch_jobs", "actions", "TEXT NOT NULL DEFAULT '[]'"); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            customer_id INTEGER NOT NULL,
            salon_id INTEGER NOT NULL,
            service_id INTEGER NOT NULL,
            staff_id INTEGER NOT NULL DEFAULT 0,
            recipient TEXT NOT NULL DEFAULT '',
            start_time DATETIME NOT NULL,
            end_time DATETIME NOT NULL,
            price REAL NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS confirmations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL UNIQUE REFERENCES bookings(id),
            token TEXT NOT NULL UNIQUE,
            deadline DATETIME NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            reminders_sent INTEGER NOT NULL DEFAULT 0,
            last_reminder_at DATETIME,
            confirmed_at DATETIME,
            confirmed_by_ip TEXT NOT NULL DEFAULT '',
            confirmed_by_user_agent TEXT NOT NULL DEFAULT '',
            resolved_at DATETIME,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS waitlist_entries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            customer_id INTEGER NOT NULL,
            salon_id INTEGER NOT NULL,
            service_id INTEGER NOT NULL,
            recipient TEXT NOT NULL,
            preferences TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'active',
            priority_score INTEGER NOT NULL DEFAULT 0,
            reliability_score REAL NOT NULL DEFAULT 0,
            stats TEXT NOT NULL DEFAULT '{}',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS slot_offers (
            id TEXT PRIMARY KEY,
            original_booking_id INTEGER NOT NULL,
            salon_id INTEGER NOT NULL,
            service_id INTEGER NOT NULL,
            staff_id INTEGER NOT NULL DEFAULT 0,
            slot_start DATETIME NOT NULL,
            slot_end DATETIME NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            candidates TEXT NOT NULL DEFAULT '[]',
            cursor_pos INTEGER NOT NULL DEFAULT 0,
            expires_at DATETIME NOT NULL,
            estimated_revenue REAL NOT NULL DEFAULT 0,
            filled_at DATETIME,
            filled_booking_id INTEGER NOT NULL DEFAULT 0,
            filled_entry_id INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS dispatch_jobs (
            id TEXT PRIMARY KEY,
            recipient TEXT NOT NULL,
            body TEXT NOT NULL,
            salon_id INTEGER NOT NULL,
            template_tag TEXT NOT NULL,
            category TEXT NOT NULL,
            correlation_ids TEXT NOT NULL DEFAULT '{}',
            actions TEXT NOT NULL DEFAULT '[]',
            status TEXT NOT NULL DEFAULT 'queued',
            attempt INTEGER NOT NULL DEFAULT 0,
            provider_message_id TEXT NOT NULL DEFAULT '',
            cost REAL NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS dispatch_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL REFERENCES dispatch_jobs(id),
            attempt INTEGER NOT NULL,
            success BOOLEAN NOT NULL,
            provider_message_id TEXT NOT NULL DEFAULT '',
            cost REAL NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS consents (
            recipient TEXT NOT NULL,
            category TEXT NOT NULL,
            granted BOOLEAN NOT NULL,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (recipient, category)
        )`,
		`CREATE TABLE IF NOT EXISTS quiet_hours (
            recipient TEXT PRIMARY KEY,
            start_at TEXT NOT NULL,
            end_at TEXT NOT NULL,
            timezone TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS event_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_slot ON bookings(salon_id, staff_id, start_time, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_start ON bookings(status, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_status_deadline ON confirmations(status, deadline)`,
		`CREATE INDEX IF NOT EXISTS idx_waitlist_lookup ON waitlist_entries(salon_id, service_id, status)`,
		// Не больше одного незавершенного предложения на освободившуюся запись
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_slot_offers_open ON slot_offers(original_booking_id)
            WHERE status IN ('pending', 'notifying')`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_status ON dispatch_jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_provider ON dispatch_jobs(provider_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_job ON dispatch_attempts(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ensureColumn adds a column to databases created before it existed.
func (db *DB) ensureColumn(table, column, definition string) error {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// utc normalizes stored timestamps so that text comparisons in SQL order correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
