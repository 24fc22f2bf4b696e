package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// setupConsumer starts consuming the work queue of kind and remembers the tag
// so Stop can cancel it.
func (w *Worker) setupConsumer(kind string) (<-chan amqp.Delivery, error) {
	consumerTag := fmt.Sprintf("%s-%s", w.workerID, kind)

	deliveries, err := w.broker.Consume(kind, consumerTag, prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", kind, err)
	}

	w.mu.Lock()
	w.tags = append(w.tags, consumerTag)
	w.mu.Unlock()

	w.logger.Info("Consumer started",
		slog.String("kind", kind),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetchCount),
	)
	return deliveries, nil
}

// consumeLoop handles the deliveries of one kind strictly one at a time.
func (w *Worker) consumeLoop(ctx context.Context, h Handler, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	kind := h.Kind()
	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Consumer stopping - worker stopped", slog.String("kind", kind))
			return

		case <-ctx.Done():
			w.logger.Info("Consumer stopping - context canceled", slog.String("kind", kind))
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if w.stopping(ctx) {
					return
				}
				w.logger.Error("Delivery channel closed", slog.String("kind", kind))
				select {
				case w.errChan <- fmt.Errorf("%w: %s", ErrConsumerClosed, kind):
				default:
				}
				return
			}

			w.processDelivery(ctx, h, delivery)
		}
	}
}

// jobFromDelivery builds the job handed to a handler. A delivery without a
// message id gets one derived from its body so redeliveries keep the same id.
func jobFromDelivery(kind string, d amqp.Delivery) domain.Job {
	jobID := d.MessageId
	if jobID == "" {
		jobID = uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(kind+":"), d.Body...)).String()
	}

	return domain.Job{
		JobID:   jobID,
		Kind:    kind,
		Body:    d.Body,
		Attempt: attemptFromHeaders(d.Headers),
		RunAt:   runAtFromHeaders(d.Headers),
	}
}

// attemptFromHeaders reads the 1-based attempt counter, defaulting to 1.
func attemptFromHeaders(headers amqp.Table) int {
	attempt, _ := intHeader(headers, domain.HeaderAttempt)
	if attempt < 1 {
		return 1
	}
	return int(attempt)
}

// runAtFromHeaders reads the earliest run time, zero when absent.
func runAtFromHeaders(headers amqp.Table) time.Time {
	ms, ok := intHeader(headers, domain.HeaderRunAt)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func intHeader(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}
