package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"

	"zapis/internal/booking"
)

// overlapAbort is the message raised by the appointment overlap triggers.
const overlapAbort = "appointment overlap"

// DB is the sqlite storage behind every repository in the service.
type DB struct {
	*sql.DB
	path   string
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures DB.
type Option func(*DB)

// WithLocation sets the location timestamps are returned in.
func WithLocation(loc *time.Location) Option {
	return func(db *DB) {
		if loc != nil {
			db.loc = loc
		}
	}
}

// WithClock replaces time.Now for timestamps the caller leaves unset.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// NewDB opens the database file and creates the schema if it doesn't exist.
func NewDB(path string, logger zerolog.Logger, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// BEGIN IMMEDIATE берёт блокировку записи сразу, проверка и вставка сериализуются
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:     conn,
		path:   path,
		loc:    time.Local,
		now:    time.Now,
		logger: logger.With().Str("component", "db").Logger(),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.createTables(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			full_name TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			promocode TEXT UNIQUE,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS partners (
			partner_id INTEGER PRIMARY KEY,
			partner_name TEXT NOT NULL,
			owner_user_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			duration_min INTEGER NOT NULL CHECK (duration_min > 0),
			price TEXT NOT NULL DEFAULT '0',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			services TEXT NOT NULL DEFAULT '[]',
			total_price TEXT NOT NULL DEFAULT '0',
			comment TEXT NOT NULL DEFAULT '',
			promo_code TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'confirmed' CHECK (status IN ('confirmed', 'cancelled')),
			cancel_reason TEXT NOT NULL DEFAULT '',
			reminder_24_sent INTEGER NOT NULL DEFAULT 0,
			reminder_3_sent INTEGER NOT NULL DEFAULT 0,
			followup_sent INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			CHECK (start_ts < end_ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_status_start ON appointments(status, start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_user_start ON appointments(user_id, start_ts)`,
		`CREATE TRIGGER IF NOT EXISTS appointments_no_overlap_insert
		BEFORE INSERT ON appointments
		WHEN NEW.status = 'confirmed'
		BEGIN
			SELECT RAISE(ABORT, 'appointment overlap')
			WHERE EXISTS (
				SELECT 1 FROM appointments
				WHERE status = 'confirmed' AND start_ts < NEW.end_ts AND end_ts > NEW.start_ts
			);
		END`,
		`CREATE TRIGGER IF NOT EXISTS appointments_no_overlap_update
		BEFORE UPDATE OF start_ts, end_ts, status ON appointments
		WHEN NEW.status = 'confirmed'
		BEGIN
			SELECT RAISE(ABORT, 'appointment overlap')
			WHERE EXISTS (
				SELECT 1 FROM appointments
				WHERE id != NEW.id AND status = 'confirmed' AND start_ts < NEW.end_ts AND end_ts > NEW.start_ts
			);
		END`,
		`CREATE TABLE IF NOT EXISTS availability_overrides (
			service_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			slots TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (service_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS promo_redemptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			promocode TEXT NOT NULL,
			partner_id INTEGER NOT NULL,
			redeemed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_promo_code_partner ON promo_redemptions(promocode, partner_id, redeemed_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("exec migration %q: %w", firstLine(query), err)
		}
	}
	return nil
}

func firstLine(query string) string {
	if i := strings.IndexByte(query, '\n'); i >= 0 {
		return strings.TrimSpace(query[:i])
	}
	return query
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapWriteError turns an overlap trigger abort into booking.ErrSlotBusy.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), overlapAbort) {
		return booking.ErrSlotBusy
	}
	return err
}

func unixTime(ts int64, loc *time.Location) time.Time {
	return time.Unix(ts, 0).In(loc)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
