package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yurilozorio/rah-sub001/internal/dedupe"
	"github.com/yurilozorio/rah-sub001/internal/metrics"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/internal/worker/handler"
)

// processDelivery runs one delivery through its handler and settles it.
func (w *Worker) processDelivery(ctx context.Context, h Handler, delivery amqp.Delivery) {
	kind := h.Kind()
	if delivery.Type != "" && delivery.Type != kind {
		w.logger.Warn("Job kind does not match queue, dropping",
			slog.String("kind", kind),
			slog.String("type", delivery.Type),
			slog.String("message_id", delivery.MessageId),
		)
		w.ack(delivery, delivery.MessageId)
		metrics.ObserveJob(kind, string(handler.OutcomeSkipped), 0)
		return
	}

	job := jobFromDelivery(kind, delivery)
	if !job.RunAt.IsZero() && job.RunAt.Sub(w.now()) > earlyRunTolerance {
		w.postpone(ctx, job, delivery)
		return
	}

	w.logger.Info("Processing job",
		slog.String("job_id", job.JobID),
		slog.String("kind", kind),
		slog.Int("attempt", job.Attempt),
	)

	start := time.Now()
	outcome, err := w.runJob(ctx, h, job)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		w.logger.Error("Job processing failed",
			slog.String("job_id", job.JobID),
			slog.String("kind", kind),
			slog.Int("attempt", job.Attempt),
			slog.String("error", err.Error()),
		)
		w.settleFailure(ctx, job, delivery, err)
		metrics.ObserveJob(kind, "error", elapsed)
		return
	}

	w.ack(delivery, job.JobID)
	metrics.ObserveJob(kind, string(outcome), elapsed)
	w.logger.Info("Job completed",
		slog.String("job_id", job.JobID),
		slog.String("kind", kind),
		slog.String("outcome", string(outcome)),
	)
}

// runJob holds the job lock and runs the handler under the job timeout. The
// handler context survives worker shutdown so in-flight jobs can finish.
func (w *Worker) runJob(ctx context.Context, h Handler, job domain.Job) (outcome handler.Outcome, err error) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	if w.locker != nil {
		release, lockErr := w.locker.Acquire(jobCtx, job.JobID)
		switch {
		case errors.Is(lockErr, dedupe.ErrLocked):
			return "", domain.NewRetryableError(fmt.Errorf("%w: %s", domain.ErrJobInFlight, job.JobID))
		case lockErr != nil:
			w.logger.Warn("Job lock unavailable, processing without it",
				slog.String("job_id", job.JobID),
				slog.String("error", lockErr.Error()),
			)
		default:
			defer release()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return h.Handle(jobCtx, job)
}
