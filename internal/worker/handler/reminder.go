package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yurilozorio/rah-sub001/internal/compose"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// Reminder handles appointment-reminder jobs.
type Reminder struct {
	base
}

// NewReminder creates the appointment-reminder handler.
func NewReminder(deps Deps) *Reminder {
	return &Reminder{base: newBase(deps, domain.JobKindReminder)}
}

// Kind returns the job kind handled.
func (h *Reminder) Kind() string {
	return domain.JobKindReminder
}

// Handle sends the reminder for the appointment named in job.
func (h *Reminder) Handle(ctx context.Context, job domain.Job) (Outcome, error) {
	var payload domain.ReminderPayload
	if !h.decode(job, &payload) {
		return OutcomeSkipped, nil
	}

	log := h.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("appointment_id", payload.AppointmentID),
	)

	appointment, err := h.deps.Store.FindAppointmentByID(ctx, payload.AppointmentID)
	if errors.Is(err, domain.ErrAppointmentNotFound) {
		log.Info("Appointment not found, skipping reminder")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", domain.NewRetryableError(err)
	}
	if appointment.IsCancelled() {
		log.Info("Appointment cancelled, skipping reminder")
		return OutcomeSkipped, nil
	}

	notificationSettings, err := h.deps.Settings.Get(ctx)
	if err != nil {
		return "", domain.NewRetryableError(err)
	}
	if !notificationSettings.ReminderEnabled() {
		log.Info("Reminder template not configured, skipping reminder")
		return OutcomeSkipped, nil
	}

	startAt := appointment.StartAt.In(h.deps.Location)
	text := compose.Compose(*notificationSettings.ReminderMessageTemplate, compose.Fields{
		Name:     appointment.UserName,
		Services: appointment.ServiceName,
		Date:     startAt.Format(dateLayout),
		Time:     startAt.Format(timeLayout),
	})

	result := h.deliver(ctx, job, appointment.UserPhone, text)
	if !result.OK() {
		log.Warn("Reminder not delivered", slog.String("reason", result.Reason))
		return OutcomeFailed, nil
	}

	if err := h.record(ctx, job, appointment.ID, domain.EventReminderSent); err != nil {
		return "", err
	}

	log.Info("Reminder sent", slog.String("message_id", result.MessageID))
	return OutcomeSent, nil
}
