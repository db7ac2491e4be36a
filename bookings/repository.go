// Package bookings reads booking records owned by the booking service and
// writes back the one flag calendar sync owns.
package bookings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("booking not found")

const StatusCancelled = "cancelled"

// Booking is the slice of a booking record calendar sync needs.
type Booking struct {
	ID                  string    `db:"id" json:"id"`
	CoachID             string    `db:"coach_id" json:"coach_id"`
	CoachName           string    `db:"coach_name" json:"coach_name"`
	StudentName         string    `db:"student_name" json:"student_name"`
	StudentEmail        string    `db:"student_email" json:"student_email"`
	Location            string    `db:"location" json:"location"`
	Notes               string    `db:"notes" json:"notes"`
	Status              string    `db:"status" json:"status"`
	StartsAt            time.Time `db:"starts_at" json:"starts_at"`
	EndsAt              time.Time `db:"ends_at" json:"ends_at"`
	CalendarSyncPending bool      `db:"calendar_sync_pending" json:"calendar_sync_pending"`
}

func (b Booking) Cancelled() bool { return b.Status == StatusCancelled }

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const getBookingQuery = `
SELECT b.id, b.coach_id, COALESCE(c.display_name, '') AS coach_name,
       COALESCE(s.display_name, '') AS student_name, COALESCE(s.email, '') AS student_email,
       COALESCE(b.location, '') AS location, COALESCE(b.notes, '') AS notes,
       b.status, b.starts_at, b.ends_at, b.calendar_sync_pending
FROM bookings b
JOIN coaches c ON c.id = b.coach_id
LEFT JOIN students s ON s.id = b.student_id
WHERE b.id = $1`

func (r *Repository) Get(ctx context.Context, bookingID string) (Booking, error) {
	var b Booking
	err := r.db.GetContext(ctx, &b, getBookingQuery, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("failed to load booking %s: %w", bookingID, err)
	}
	return b, nil
}

// SetCalendarSyncPending flags a booking whose calendar mirror is behind.
func (r *Repository) SetCalendarSyncPending(ctx context.Context, bookingID string, pending bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET calendar_sync_pending = $2, updated_at = NOW() WHERE id = $1`,
		bookingID, pending)
	if err != nil {
		return fmt.Errorf("failed to update booking %s sync flag: %w", bookingID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CoachTimezone returns the coach's IANA timezone name, or "" if unset.
func (r *Repository) CoachTimezone(ctx context.Context, coachID string) (string, error) {
	var tz sql.NullString
	err := r.db.GetContext(ctx, &tz, `SELECT timezone FROM coaches WHERE id = $1`, coachID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load coach %s timezone: %w", coachID, err)
	}
	return tz.String, nil
}
