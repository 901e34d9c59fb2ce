package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends.
// Queries are written with "?" placeholders and rebound per driver.
type sqlStore struct {
	db     *sql.DB
	name   string
	rebind func(string) string
}

// rebindDollar rewrites "?" placeholders into "$1", "$2", ...
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

// SaveBooking inserts the customer and the booking in one transaction.
func (s *sqlStore) SaveBooking(ctx context.Context, data models.BookingData) (int64, error) {
	if !data.Complete() {
		return 0, models.ErrIncompleteBooking
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("sqlStore.SaveBooking: begin transaction failed", "backend", s.name, "error", err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var customerID int64
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO customers (name, email, phone) VALUES (?, ?, ?) RETURNING id`),
		data[models.FieldName], data[models.FieldEmail], data[models.FieldPhone]).Scan(&customerID)
	if err != nil {
		slog.Error("sqlStore.SaveBooking: insert customer failed", "backend", s.name, "error", err)
		return 0, fmt.Errorf("failed to insert customer: %w", err)
	}

	var bookingID int64
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO bookings (customer_id, service_type, date, time, status) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		customerID, data[models.FieldBookingType], data[models.FieldDate], data[models.FieldTime], models.BookingStatusConfirmed).Scan(&bookingID)
	if err != nil {
		slog.Error("sqlStore.SaveBooking: insert booking failed", "backend", s.name, "customerID", customerID, "error", err)
		return 0, fmt.Errorf("failed to insert booking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("sqlStore.SaveBooking: commit failed", "backend", s.name, "error", err)
		return 0, fmt.Errorf("failed to commit booking: %w", err)
	}
	slog.Debug("sqlStore.SaveBooking: booking saved", "backend", s.name, "bookingID", bookingID, "customerID", customerID)
	return bookingID, nil
}

func (s *sqlStore) ListBookings(ctx context.Context) ([]models.BookingSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT b.id, c.name, c.email, c.phone, b.service_type, b.date, b.time, b.status
		FROM bookings b JOIN customers c ON c.id = b.customer_id ORDER BY b.id`)
	if err != nil {
		slog.Error("sqlStore.ListBookings: query failed", "backend", s.name, "error", err)
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	bookings := []models.BookingSummary{}
	for rows.Next() {
		var b models.BookingSummary
		if err := rows.Scan(&b.ID, &b.Name, &b.Email, &b.Phone, &b.ServiceType, &b.Date, &b.Time, &b.Status); err != nil {
			slog.Error("sqlStore.ListBookings: scan failed", "backend", s.name, "error", err)
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		slog.Error("sqlStore.ListBookings: rows iteration failed", "backend", s.name, "error", err)
		return nil, fmt.Errorf("failed to iterate booking rows: %w", err)
	}
	slog.Debug("sqlStore.ListBookings: succeeded", "backend", s.name, "count", len(bookings))
	return bookings, nil
}

// SaveSession stores the session as a JSON document keyed by its id.
func (s *sqlStore) SaveSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptySessionID
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	// UTC keeps SQLite's text timestamps comparable in DeleteSessionsBefore.
	updatedAt = updatedAt.UTC()
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		sess.ID, string(payload), updatedAt)
	if err != nil {
		slog.Error("sqlStore.SaveSession: upsert failed", "backend", s.name, "sessionID", sess.ID, "error", err)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM sessions WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("sqlStore.GetSession: query failed", "backend", s.name, "sessionID", id, "error", err)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		slog.Error("sqlStore.GetSession: unmarshal failed", "backend", s.name, "sessionID", id, "error", err)
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if sess.Booking.Data == nil {
		sess.Booking.Data = models.BookingData{}
	}
	return &sess, nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		slog.Error("sqlStore.DeleteSession: delete failed", "backend", s.name, "sessionID", id, "error", err)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`DELETE FROM sessions WHERE updated_at < ? RETURNING id`), cutoff.UTC())
	if err != nil {
		slog.Error("sqlStore.DeleteSessionsBefore: delete failed", "backend", s.name, "cutoff", cutoff, "error", err)
		return nil, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deleted sessions: %w", err)
	}
	slog.Debug("sqlStore.DeleteSessionsBefore: succeeded", "backend", s.name, "count", len(ids))
	return ids, nil
}

func (s *sqlStore) Close() error {
	slog.Debug("sqlStore.Close: closing database", "backend", s.name)
	return s.db.Close()
}
