// Package worker binds job kinds to handlers and drives them from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/internal/worker/handler"
)

const (
	// one in-flight job per kind
	prefetchCount = 1

	defaultJobTimeout     = 2 * time.Minute
	defaultPublishTimeout = 10 * time.Second

	// jobs released this close to their run time are handled right away
	earlyRunTolerance = time.Second
)

// ErrConsumerClosed is returned by Start when the broker closes a delivery
// channel the worker did not cancel.
var ErrConsumerClosed = errors.New("delivery channel closed")

// Handler processes jobs of a single kind.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, job domain.Job) (handler.Outcome, error)
}

// Broker is the subset of the queue client used to consume jobs.
type Broker interface {
	Consume(kind, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Retrier re-enqueues a failed job after a delay, and parks again a job that
// came back before its run time.
type Retrier interface {
	Retry(ctx context.Context, job domain.Job, delay time.Duration) error
	Defer(ctx context.Context, job domain.Job) error
}

// Locker serializes handling of the same job id across worker replicas.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (func(), error)
}

// Config holds worker configuration. Locker is optional.
type Config struct {
	Logger      *slog.Logger
	Broker      Broker
	Retrier     Retrier
	Locker      Locker
	Handlers    []Handler
	WorkerID    string
	JobTimeout  time.Duration
	MaxAttempts int
	RetryPolicy RetryPolicy
}

// Worker represents the background job worker
type Worker struct {
	logger      *slog.Logger
	broker      Broker
	retrier     Retrier
	locker      Locker
	handlers    []Handler
	workerID    string
	jobTimeout  time.Duration
	maxAttempts int
	retryPolicy RetryPolicy
	now         func() time.Time

	mu       sync.Mutex
	tags     []string
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	errChan  chan error
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "notify-worker"
	}

	return &Worker{
		logger:      cfg.Logger.With(slog.String("worker_id", workerID)),
		broker:      cfg.Broker,
		retrier:     cfg.Retrier,
		locker:      cfg.Locker,
		handlers:    cfg.Handlers,
		workerID:    workerID,
		jobTimeout:  jobTimeout,
		maxAttempts: maxAttempts,
		retryPolicy: cfg.RetryPolicy,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		errChan:     make(chan error, len(cfg.Handlers)),
	}
}

// Start subscribes one consumer per handler and blocks until ctx is
// cancelled, Stop is called, or a consumer is lost.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("no job handlers registered")
	}

	w.logger.Info("Starting worker",
		slog.Int("kinds", len(w.handlers)),
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	seen := make(map[string]bool, len(w.handlers))
	for _, h := range w.handlers {
		kind := h.Kind()
		if seen[kind] {
			w.cancelConsumers()
			return fmt.Errorf("duplicate handler for job kind %q", kind)
		}
		seen[kind] = true

		deliveries, err := w.setupConsumer(kind)
		if err != nil {
			w.cancelConsumers()
			return err
		}

		w.wg.Add(1)
		go w.consumeLoop(ctx, h, deliveries)
	}

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	case <-w.stopChan:
		return nil
	case err := <-w.errChan:
		return err
	}
}

// Stop cancels the consumers and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.cancelConsumers()
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}

func (w *Worker) cancelConsumers() {
	w.mu.Lock()
	tags := w.tags
	w.tags = nil
	w.mu.Unlock()

	for _, tag := range tags {
		if err := w.broker.Cancel(tag); err != nil {
			w.logger.Warn("Failed to cancel consumer",
				slog.String("consumer_tag", tag),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
