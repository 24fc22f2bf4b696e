package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// FindAppointmentByID loads an appointment with its user joined.
// Returns domain.ErrAppointmentNotFound when no row matches.
func (s *Storage) FindAppointmentByID(ctx context.Context, appointmentID string) (*domain.Appointment, error) {
	query := `
		SELECT a.id, a.start_at, a.status,
		       COALESCE(a.service_name, '') AS service_name,
		       COALESCE(u.name, '') AS user_name,
		       COALESCE(u.phone, '') AS user_phone
		FROM appointments a
		JOIN users u ON u.id = a.user_id
		WHERE a.id = $1
	`

	var appointment domain.Appointment
	err := s.db.GetContext(ctx, &appointment, query, appointmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}

	return &appointment, nil
}

// CreateAppointmentEvent appends a delivery record for the appointment
func (s *Storage) CreateAppointmentEvent(ctx context.Context, appointmentID, eventType string) error {
	query := `
		INSERT INTO appointment_events (id, appointment_id, type, created_at)
		VALUES ($1, $2, $3, $4)
	`

	eventID := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, query, eventID, appointmentID, eventType, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to create appointment event: %w", err)
	}

	s.logger.Info("Appointment event recorded",
		slog.String("event_id", eventID),
		slog.String("appointment_id", appointmentID),
		slog.String("type", eventType),
	)

	return nil
}

// EventCursor marks the last event of a page
type EventCursor struct {
	CreatedAt time.Time
	EventID   string
}

// EventFilter narrows ListAppointmentEvents
type EventFilter struct {
	AppointmentID string
	Type          string
	PageSize      int
	Cursor        *EventCursor
}

// ListAppointmentEvents returns events newest first. It fetches one row past
// PageSize so callers can tell whether another page exists.
func (s *Storage) ListAppointmentEvents(ctx context.Context, filter EventFilter) ([]domain.AppointmentEvent, error) {
	query := `
		SELECT id, appointment_id, type, created_at
		FROM appointment_events
		WHERE appointment_id = $1
	`
	args := []interface{}{filter.AppointmentID}
	argIdx := 2

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id < $%d))", argIdx, argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.EventID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var events []domain.AppointmentEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list appointment events: %w", err)
	}

	return events, nil
}
