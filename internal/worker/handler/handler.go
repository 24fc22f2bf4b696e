// Package handler implements the per-kind job handlers.
//
// Handlers return an Outcome for every business result, including malformed
// payloads and failed sends, and reserve errors for infrastructure faults the
// runtime should retry.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yurilozorio/rah-sub001/internal/session"
	"github.com/yurilozorio/rah-sub001/internal/settings"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// Outcome is the terminal result of a handled job.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

const (
	dateLayout = "02/01/2006"
	timeLayout = "15:04"
)

// AppointmentStore reads appointments and appends delivery events.
type AppointmentStore interface {
	FindAppointmentByID(ctx context.Context, appointmentID string) (*domain.Appointment, error)
	CreateAppointmentEvent(ctx context.Context, appointmentID, eventType string) error
}

// SettingsProvider returns the notification settings, or nil when none are configured.
type SettingsProvider interface {
	Get(ctx context.Context) (*settings.NotificationSettings, error)
}

// Sender delivers a message over the messaging session.
type Sender interface {
	Send(ctx context.Context, recipient, text string) session.SendResult
}

// DeliveryGuard remembers per job whether a message went out and whether its
// event was recorded, so redelivered jobs do neither twice.
type DeliveryGuard interface {
	Delivered(ctx context.Context, jobID string) (string, bool, error)
	MarkDelivered(ctx context.Context, jobID, messageID string) error
	Recorded(ctx context.Context, jobID string) (bool, error)
	MarkRecorded(ctx context.Context, jobID string) error
}

// Deps are the collaborators shared by the handlers. Guard is optional.
type Deps struct {
	Store    AppointmentStore
	Settings SettingsProvider
	Sender   Sender
	Guard    DeliveryGuard
	Location *time.Location
	Logger   *slog.Logger
}

type base struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

func newBase(deps Deps, kind string) base {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return base{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   deps.Logger.With(slog.String("kind", kind)),
	}
}

// decode unmarshals and validates a payload. It reports false for malformed jobs.
func (b *base) decode(job domain.Job, payload any) bool {
	if err := json.Unmarshal(job.Body, payload); err != nil {
		b.logger.Info("Malformed job payload, skipping",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := b.validate.Struct(payload); err != nil {
		b.logger.Info("Job payload missing required fields, skipping",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// deliver sends text unless the guard shows the job already produced a message.
func (b *base) deliver(ctx context.Context, job domain.Job, recipient, text string) session.SendResult {
	if b.deps.Guard != nil {
		messageID, delivered, err := b.deps.Guard.Delivered(ctx, job.JobID)
		if err != nil {
			b.logger.Warn("Delivery guard unavailable, sending without it",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		} else if delivered {
			b.logger.Info("Job already delivered, not sending again",
				slog.String("job_id", job.JobID),
				slog.String("message_id", messageID),
			)
			return session.Success(messageID)
		}
	}

	result := b.deps.Sender.Send(ctx, recipient, text)
	if !result.OK() {
		return result
	}

	if b.deps.Guard != nil {
		if err := b.deps.Guard.MarkDelivered(ctx, job.JobID, result.MessageID); err != nil {
			b.logger.Warn("Failed to mark job delivered",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
	return result
}

// record appends the delivery event once per job. Without a guard a store
// failure is logged and swallowed because a retry would send the message again.
func (b *base) record(ctx context.Context, job domain.Job, appointmentID, eventType string) error {
	guard := b.deps.Guard
	if guard != nil {
		recorded, err := guard.Recorded(ctx, job.JobID)
		if err == nil && recorded {
			return nil
		}
	}

	if err := b.deps.Store.CreateAppointmentEvent(ctx, appointmentID, eventType); err != nil {
		if guard == nil {
			b.logger.Error("Failed to record delivery event after send",
				slog.String("job_id", job.JobID),
				slog.String("appointment_id", appointmentID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return domain.NewRetryableError(err)
	}

	if guard != nil {
		if err := guard.MarkRecorded(ctx, job.JobID); err != nil {
			b.logger.Warn("Failed to mark job recorded",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
