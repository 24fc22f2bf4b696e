// Package jobs publishes work for the notification worker.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/shared/rabbitmq"
)

// Publisher is the subset of the queue client used to publish jobs.
type Publisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// Producer enqueues and re-enqueues jobs.
type Producer struct {
	publisher Publisher
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// NewProducer creates a Producer.
func NewProducer(publisher Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
}

// Enqueue publishes payload as a new job of kind, held back by delay when positive.
// It returns the job id.
func (p *Producer) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error) {
	if !domain.IsKnownJobKind(kind) {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownJobKind, kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}

	jobID := p.newID()
	if err := p.publisher.Publish(ctx, rabbitmq.Message{
		Kind:      kind,
		MessageID: jobID,
		Body:      body,
		Headers:   jobHeaders(1, p.runAt(delay)),
		Delay:     delay,
	}); err != nil {
		return "", err
	}

	p.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("kind", kind),
		slog.Duration("delay", delay),
	)
	return jobID, nil
}

// Retry re-publishes job with its attempt counter incremented, after delay.
func (p *Producer) Retry(ctx context.Context, job domain.Job, delay time.Duration) error {
	next := job.Attempt + 1
	if err := p.publisher.Publish(ctx, rabbitmq.Message{
		Kind:      job.Kind,
		MessageID: job.JobID,
		Body:      job.Body,
		Headers:   jobHeaders(next, p.runAt(delay)),
		Delay:     delay,
	}); err != nil {
		return fmt.Errorf("failed to republish job %s: %w", job.JobID, err)
	}

	p.logger.Info("Job scheduled for retry",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", next),
		slog.Duration("delay", delay),
	)
	return nil
}

// Defer parks job again until job.RunAt without counting an attempt. It is
// used when a delay tier shorter than the remaining delay released the job.
func (p *Producer) Defer(ctx context.Context, job domain.Job) error {
	remaining := job.RunAt.Sub(p.now())
	if err := p.publisher.Publish(ctx, rabbitmq.Message{
		Kind:      job.Kind,
		MessageID: job.JobID,
		Body:      job.Body,
		Headers:   jobHeaders(job.Attempt, job.RunAt),
		Delay:     remaining,
	}); err != nil {
		return fmt.Errorf("failed to defer job %s: %w", job.JobID, err)
	}

	p.logger.Debug("Job deferred",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.Time("run_at", job.RunAt),
		slog.Duration("remaining", remaining),
	)
	return nil
}

func (p *Producer) runAt(delay time.Duration) time.Time {
	if delay <= 0 {
		return time.Time{}
	}
	return p.now().Add(delay)
}

func jobHeaders(attempt int, runAt time.Time) amqp.Table {
	headers := amqp.Table{domain.HeaderAttempt: int32(attempt)}
	if !runAt.IsZero() {
		headers[domain.HeaderRunAt] = runAt.UnixMilli()
	}
	return headers
}
