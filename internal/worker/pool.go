package worker

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yurilozorio/rah-sub001/internal/metrics"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// settleFailure decides between a delayed retry and the dead-letter queue.
func (w *Worker) settleFailure(ctx context.Context, job domain.Job, delivery amqp.Delivery, err error) {
	if !shouldRetryJob(err) {
		w.deadLetter(job, delivery, "non-retryable error")
		return
	}
	if job.Attempt >= w.maxAttempts {
		w.deadLetter(job, delivery, domain.ErrMaxAttemptsExceeded.Error())
		return
	}

	delay := w.retryPolicy.NextDelay(job.Attempt)
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()

	if retryErr := w.retrier.Retry(publishCtx, job, delay); retryErr != nil {
		// the original delivery goes back to the queue unchanged
		w.logger.Error("Failed to schedule retry, requeueing",
			slog.String("job_id", job.JobID),
			slog.String("error", retryErr.Error()),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", job.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
		metrics.IncRetry(job.Kind, "requeued")
		return
	}

	w.ack(delivery, job.JobID)
	metrics.IncRetry(job.Kind, "republished")
	w.logger.Info("Job will be retried",
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("delay", delay),
	)
}

// postpone parks a job that a delay tier released before its run time.
func (w *Worker) postpone(ctx context.Context, job domain.Job, delivery amqp.Delivery) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()

	if err := w.retrier.Defer(publishCtx, job); err != nil {
		w.logger.Error("Failed to defer early job, requeueing",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", job.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
		metrics.IncRetry(job.Kind, "requeued")
		return
	}

	w.ack(delivery, job.JobID)
	metrics.IncRetry(job.Kind, "deferred")
	w.logger.Debug("Job released early, deferred",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.Time("run_at", job.RunAt),
	)
}

func (w *Worker) deadLetter(job domain.Job, delivery amqp.Delivery, reason string) {
	if nackErr := delivery.Nack(false, false); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", job.JobID),
			slog.String("error", nackErr.Error()),
		)
		return
	}
	metrics.IncRetry(job.Kind, "dead_lettered")
	w.logger.Warn("Job dead-lettered",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempt),
		slog.String("reason", reason),
	)
}

func (w *Worker) ack(delivery amqp.Delivery, jobID string) {
	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", jobID),
			slog.String("error", ackErr.Error()),
		)
	}
}

// shouldRetryJob reports whether err is a transient fault worth another attempt.
func shouldRetryJob(err error) bool {
	if errors.Is(err, domain.ErrInvalidPayload) || errors.Is(err, domain.ErrUnknownJobKind) {
		return false
	}
	return domain.IsRetryable(err)
}
