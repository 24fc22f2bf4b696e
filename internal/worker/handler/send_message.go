package handler

import (
	"context"
	"log/slog"

	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// SendMessage handles send-whatsapp jobs carrying a pre-rendered message.
type SendMessage struct {
	base
}

// NewSendMessage creates the send-whatsapp handler.
func NewSendMessage(deps Deps) *SendMessage {
	return &SendMessage{base: newBase(deps, domain.JobKindSendMessage)}
}

// Kind returns the job kind handled.
func (h *SendMessage) Kind() string {
	return domain.JobKindSendMessage
}

// Handle sends the message and records an event when the job names one.
func (h *SendMessage) Handle(ctx context.Context, job domain.Job) (Outcome, error) {
	var payload domain.SendMessagePayload
	if !h.decode(job, &payload) {
		return OutcomeSkipped, nil
	}

	log := h.logger.With(slog.String("job_id", job.JobID))

	result := h.deliver(ctx, job, payload.Phone, payload.Message)
	if !result.OK() {
		log.Warn("Message not delivered", slog.String("reason", result.Reason))
		return OutcomeFailed, nil
	}

	if payload.AppointmentID != "" && payload.EventType != "" {
		if err := h.record(ctx, job, payload.AppointmentID, payload.EventType); err != nil {
			return "", err
		}
	}

	log.Info("Message sent",
		slog.String("message_id", result.MessageID),
		slog.String("event_type", payload.EventType),
	)
	return OutcomeSent, nil
}
