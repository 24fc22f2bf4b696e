package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yurilozorio/rah-sub001/internal/dedupe"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/internal/worker/handler"
)

type settlement struct {
	tag     uint64
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) all() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type fakeHandler struct {
	kind string
	fn   func(ctx context.Context, job domain.Job) (handler.Outcome, error)

	mu   sync.Mutex
	jobs []domain.Job
}

func (h *fakeHandler) Kind() string { return h.kind }

func (h *fakeHandler) Handle(ctx context.Context, job domain.Job) (handler.Outcome, error) {
	h.mu.Lock()
	h.jobs = append(h.jobs, job)
	h.mu.Unlock()
	return h.fn(ctx, job)
}

func (h *fakeHandler) handled() []domain.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Job(nil), h.jobs...)
}

type retryCall struct {
	job   domain.Job
	delay time.Duration
}

type fakeRetrier struct {
	err      error
	calls    []retryCall
	deferred []domain.Job
}

func (r *fakeRetrier) Retry(ctx context.Context, job domain.Job, delay time.Duration) error {
	r.calls = append(r.calls, retryCall{job: job, delay: delay})
	return r.err
}

func (r *fakeRetrier) Defer(ctx context.Context, job domain.Job) error {
	r.deferred = append(r.deferred, job)
	return r.err
}

type fakeLocker struct {
	err      error
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context, jobID string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() { l.released++ }, nil
}

type fakeBroker struct {
	mu         sync.Mutex
	queues     map[string]chan amqp.Delivery
	cancelled  []string
	consumeErr error
}

func newFakeBroker(kinds ...string) *fakeBroker {
	b := &fakeBroker{queues: map[string]chan amqp.Delivery{}}
	for _, k := range kinds {
		b.queues[k] = make(chan amqp.Delivery, 4)
	}
	return b
}

func (b *fakeBroker) Consume(kind, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	return b.queues[kind], nil
}

func (b *fakeBroker) Cancel(consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, consumerTag)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func delivery(ack amqp.Acknowledger, tag uint64, kind string, attempt int32) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    "job-1",
		Type:         kind,
		Body:         []byte(`{"appointmentId":"A1"}`),
		Headers:      amqp.Table{domain.HeaderAttempt: attempt},
	}
}

func outcomeHandler(outcome handler.Outcome, err error) *fakeHandler {
	return &fakeHandler{
		kind: domain.JobKindReminder,
		fn: func(ctx context.Context, job domain.Job) (handler.Outcome, error) {
			return outcome, err
		},
	}
}

func newTestWorker(h Handler, retrier Retrier, locker Locker) *Worker {
	cfg := &Config{
		Logger:      testLogger(),
		Broker:      newFakeBroker(),
		Retrier:     retrier,
		Handlers:    []Handler{h},
		MaxAttempts: 3,
		RetryPolicy: DefaultRetryPolicy(),
	}
	if locker != nil {
		cfg.Locker = locker
	}
	return NewWorker(cfg)
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 5*time.Second, policy.NextDelay(5))
	assert.Equal(t, time.Second, policy.NextDelay(0))
	assert.Equal(t, 5*time.Second, policy.NextDelay(500))

	defaults := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Second, defaults.NextDelay(1))
	assert.Equal(t, 20*time.Second, defaults.NextDelay(3))
	assert.Equal(t, 5*time.Minute, defaults.NextDelay(10))
}

func TestAttemptFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "missing", headers: nil, want: 1},
		{name: "int32", headers: amqp.Table{domain.HeaderAttempt: int32(3)}, want: 3},
		{name: "int64", headers: amqp.Table{domain.HeaderAttempt: int64(4)}, want: 4},
		{name: "int16", headers: amqp.Table{domain.HeaderAttempt: int16(2)}, want: 2},
		{name: "zero", headers: amqp.Table{domain.HeaderAttempt: int32(0)}, want: 1},
		{name: "negative", headers: amqp.Table{domain.HeaderAttempt: int32(-2)}, want: 1},
		{name: "wrong type", headers: amqp.Table{domain.HeaderAttempt: "7"}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptFromHeaders(tt.headers))
		})
	}
}

func TestRunAtFromHeaders(t *testing.T) {
	runAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	assert.True(t, runAtFromHeaders(nil).IsZero())
	assert.True(t, runAtFromHeaders(amqp.Table{domain.HeaderRunAt: "soon"}).IsZero())
	assert.True(t, runAtFromHeaders(amqp.Table{domain.HeaderRunAt: int64(0)}).IsZero())
	assert.True(t, runAtFromHeaders(amqp.Table{domain.HeaderRunAt: runAt.UnixMilli()}).Equal(runAt))
}

func TestJobFromDelivery(t *testing.T) {
	d := amqp.Delivery{MessageId: "job-9", Body: []byte(`{}`), Headers: amqp.Table{domain.HeaderAttempt: int32(2)}}
	job := jobFromDelivery(domain.JobKindSendMessage, d)
	assert.Equal(t, domain.Job{JobID: "job-9", Kind: domain.JobKindSendMessage, Body: []byte(`{}`), Attempt: 2}, job)

	anonymous := amqp.Delivery{Body: []byte(`{"phone":"1","message":"x"}`)}
	first := jobFromDelivery(domain.JobKindSendMessage, anonymous)
	second := jobFromDelivery(domain.JobKindSendMessage, anonymous)
	assert.NotEmpty(t, first.JobID)
	assert.Equal(t, first.JobID, second.JobID, "redeliveries must keep the same job id")
	assert.NotEqual(t, first.JobID, jobFromDelivery(domain.JobKindReminder, anonymous).JobID)

	runAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	delayed := amqp.Delivery{MessageId: "job-9", Headers: amqp.Table{domain.HeaderRunAt: runAt.UnixMilli()}}
	assert.True(t, jobFromDelivery(domain.JobKindReminder, delayed).RunAt.Equal(runAt))
}

func TestProcessDelivery_Outcomes(t *testing.T) {
	for _, outcome := range []handler.Outcome{handler.OutcomeSent, handler.OutcomeSkipped, handler.OutcomeFailed} {
		t.Run(string(outcome), func(t *testing.T) {
			ack := &fakeAcknowledger{}
			retrier := &fakeRetrier{}
			w := newTestWorker(outcomeHandler(outcome, nil), retrier, nil)

			w.processDelivery(context.Background(), w.handlers[0], delivery(ack, 7, domain.JobKindReminder, 1))

			assert.Equal(t, []settlement{{tag: 7, acked: true}}, ack.all())
			assert.Empty(t, retrier.calls)
		})
	}
}

func TestProcessDelivery_RetryableErrorIsRepublished(t *testing.T) {
	ack := &fakeAcknowledger{}
	retrier := &fakeRetrier{}
	h := outcomeHandler("", domain.NewRetryableError(errors.New("db down")))
	w := newTestWorker(h, retrier, nil)

	w.processDelivery(context.Background(), h, delivery(ack, 1, domain.JobKindReminder, 2))

	require.Len(t, retrier.calls, 1)
	assert.Equal(t, "job-1", retrier.calls[0].job.JobID)
	assert.Equal(t, 2, retrier.calls[0].job.Attempt)
	assert.Equal(t, 10*time.Second, retrier.calls[0].delay)
	assert.Equal(t, []settlement{{tag: 1, acked: true}}, ack.all())
}

func TestProcessDelivery_DeadLetters(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		attempt int32
	}{
		{name: "attempts exhausted", err: domain.NewRetryableError(errors.New("db down")), attempt: 3},
		{name: "non-retryable error", err: errors.New("boom"), attempt: 1},
		{name: "invalid payload", err: domain.NewRetryableError(domain.ErrInvalidPayload), attempt: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			retrier := &fakeRetrier{}
			h := outcomeHandler("", tt.err)
			w := newTestWorker(h, retrier, nil)

			w.processDelivery(context.Background(), h, delivery(ack, 3, domain.JobKindReminder, tt.attempt))

			assert.Empty(t, retrier.calls)
			assert.Equal(t, []settlement{{tag: 3, requeue: false}}, ack.all())
		})
	}
}

func TestProcessDelivery_RepublishFailureRequeues(t *testing.T) {
	ack := &fakeAcknowledger{}
	retrier := &fakeRetrier{err: errors.New("channel closed")}
	h := outcomeHandler("", domain.NewRetryableError(errors.New("db down")))
	w := newTestWorker(h, retrier, nil)

	w.processDelivery(context.Background(), h, delivery(ack, 4, domain.JobKindReminder, 1))

	assert.Len(t, retrier.calls, 1)
	assert.Equal(t, []settlement{{tag: 4, requeue: true}}, ack.all())
}

func TestProcessDelivery_EarlyJobIsDeferred(t *testing.T) {
	now := time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)
	early := func(ack amqp.Acknowledger, runAt time.Time) amqp.Delivery {
		d := delivery(ack, 8, domain.JobKindReminder, 1)
		d.Headers[domain.HeaderRunAt] = runAt.UnixMilli()
		return d
	}

	t.Run("released before run time", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		retrier := &fakeRetrier{}
		h := outcomeHandler(handler.OutcomeSent, nil)
		w := newTestWorker(h, retrier, nil)
		w.now = func() time.Time { return now }

		w.processDelivery(context.Background(), h, early(ack, now.Add(17*time.Hour)))

		assert.Empty(t, h.handled())
		assert.Empty(t, retrier.calls)
		require.Len(t, retrier.deferred, 1)
		assert.True(t, retrier.deferred[0].RunAt.Equal(now.Add(17*time.Hour)))
		assert.Equal(t, 1, retrier.deferred[0].Attempt)
		assert.Equal(t, []settlement{{tag: 8, acked: true}}, ack.all())
	})

	t.Run("within tolerance runs now", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		retrier := &fakeRetrier{}
		h := outcomeHandler(handler.OutcomeSent, nil)
		w := newTestWorker(h, retrier, nil)
		w.now = func() time.Time { return now }

		w.processDelivery(context.Background(), h, early(ack, now.Add(500*time.Millisecond)))

		assert.Len(t, h.handled(), 1)
		assert.Empty(t, retrier.deferred)
		assert.Equal(t, []settlement{{tag: 8, acked: true}}, ack.all())
	})

	t.Run("defer failure requeues", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		retrier := &fakeRetrier{err: errors.New("channel closed")}
		h := outcomeHandler(handler.OutcomeSent, nil)
		w := newTestWorker(h, retrier, nil)
		w.now = func() time.Time { return now }

		w.processDelivery(context.Background(), h, early(ack, now.Add(time.Hour)))

		assert.Empty(t, h.handled())
		assert.Len(t, retrier.deferred, 1)
		assert.Equal(t, []settlement{{tag: 8, requeue: true}}, ack.all())
	})
}

func TestProcessDelivery_HandlerPanicIsDeadLettered(t *testing.T) {
	ack := &fakeAcknowledger{}
	retrier := &fakeRetrier{}
	h := &fakeHandler{
		kind: domain.JobKindReminder,
		fn: func(ctx context.Context, job domain.Job) (handler.Outcome, error) {
			panic("nil map")
		},
	}
	w := newTestWorker(h, retrier, nil)

	assert.NotPanics(t, func() {
		w.processDelivery(context.Background(), h, delivery(ack, 5, domain.JobKindReminder, 1))
	})
	assert.Equal(t, []settlement{{tag: 5, requeue: false}}, ack.all())
}

func TestProcessDelivery_KindMismatchIsDropped(t *testing.T) {
	ack := &fakeAcknowledger{}
	h := outcomeHandler(handler.OutcomeSent, nil)
	w := newTestWorker(h, &fakeRetrier{}, nil)

	w.processDelivery(context.Background(), h, delivery(ack, 6, "send-sms", 1))

	assert.Empty(t, h.handled())
	assert.Equal(t, []settlement{{tag: 6, acked: true}}, ack.all())
}

func TestProcessDelivery_Locking(t *testing.T) {
	t.Run("lock released after handling", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		locker := &fakeLocker{}
		h := outcomeHandler(handler.OutcomeSent, nil)
		w := newTestWorker(h, &fakeRetrier{}, locker)

		w.processDelivery(context.Background(), h, delivery(ack, 1, domain.JobKindReminder, 1))

		assert.Equal(t, 1, locker.released)
		assert.Len(t, h.handled(), 1)
	})

	t.Run("job held elsewhere is retried later", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		retrier := &fakeRetrier{}
		h := outcomeHandler(handler.OutcomeSent, nil)
		w := newTestWorker(h, retrier, &fakeLocker{err: dedupe.ErrLocked})

		w.processDelivery(context.Background(), h, delivery(ack, 1, domain.JobKindReminder, 1))

		assert.Empty(t, h.handled())
		assert.Len(t, retrier.calls, 1)
		assert.Equal(t, []settlement{{tag: 1, acked: true}}, ack.all())
	})

	t.Run("lock backend down still processes", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		h := outcomeHandler(handler.OutcomeSent, nil)
		w := newTestWorker(h, &fakeRetrier{}, &fakeLocker{err: errors.New("redis: connection refused")})

		w.processDelivery(context.Background(), h, delivery(ack, 1, domain.JobKindReminder, 1))

		assert.Len(t, h.handled(), 1)
		assert.Equal(t, []settlement{{tag: 1, acked: true}}, ack.all())
	})
}

func TestWorker_StartAndStop(t *testing.T) {
	broker := newFakeBroker(domain.JobKindReminder, domain.JobKindSendMessage)
	reminder := outcomeHandler(handler.OutcomeSent, nil)
	send := &fakeHandler{
		kind: domain.JobKindSendMessage,
		fn: func(ctx context.Context, job domain.Job) (handler.Outcome, error) {
			return handler.OutcomeSent, nil
		},
	}
	w := NewWorker(&Config{
		Logger:   testLogger(),
		Broker:   broker,
		Retrier:  &fakeRetrier{},
		Handlers: []Handler{reminder, send},
		WorkerID: "w1",
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	ack := &fakeAcknowledger{}
	broker.queues[domain.JobKindReminder] <- delivery(ack, 1, domain.JobKindReminder, 1)
	broker.queues[domain.JobKindSendMessage] <- delivery(ack, 2, domain.JobKindSendMessage, 1)

	require.Eventually(t, func() bool { return len(ack.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, reminder.handled(), 1)
	assert.Len(t, send.handled(), 1)

	w.Stop()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []string{"w1-appointment-reminder", "w1-send-whatsapp"}, broker.cancelled)
}

func TestWorker_StopWaitsForInFlightJob(t *testing.T) {
	broker := newFakeBroker(domain.JobKindReminder)
	started := make(chan struct{})
	release := make(chan struct{})
	h := &fakeHandler{
		kind: domain.JobKindReminder,
		fn: func(ctx context.Context, job domain.Job) (handler.Outcome, error) {
			close(started)
			<-release
			return handler.OutcomeSent, nil
		},
	}
	w := NewWorker(&Config{Logger: testLogger(), Broker: broker, Retrier: &fakeRetrier{}, Handlers: []Handler{h}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	ack := &fakeAcknowledger{}
	broker.queues[domain.JobKindReminder] <- delivery(ack, 1, domain.JobKindReminder, 1)
	<-started

	cancel()
	require.NoError(t, <-done)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the job finished")
	}
	assert.Equal(t, []settlement{{tag: 1, acked: true}}, ack.all())
}

func TestWorker_BlockedKindDoesNotStallOtherKinds(t *testing.T) {
	broker := newFakeBroker(domain.JobKindReminder, domain.JobKindSendMessage)
	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	reminder := &fakeHandler{
		kind: domain.JobKindReminder,
		fn: func(ctx context.Context, job domain.Job) (handler.Outcome, error) {
			startOnce.Do(func() { close(started) })
			<-release
			return handler.OutcomeSent, nil
		},
	}
	send := &fakeHandler{
		kind: domain.JobKindSendMessage,
		fn: func(ctx context.Context, job domain.Job) (handler.Outcome, error) {
			return handler.OutcomeSent, nil
		},
	}
	w := NewWorker(&Config{
		Logger:   testLogger(),
		Broker:   broker,
		Retrier:  &fakeRetrier{},
		Handlers: []Handler{reminder, send},
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	ack := &fakeAcknowledger{}
	broker.queues[domain.JobKindReminder] <- delivery(ack, 1, domain.JobKindReminder, 1)
	broker.queues[domain.JobKindReminder] <- delivery(ack, 2, domain.JobKindReminder, 1)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("reminder job never started")
	}

	broker.queues[domain.JobKindSendMessage] <- delivery(ack, 3, domain.JobKindSendMessage, 1)
	require.Eventually(t, func() bool { return len(send.handled()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]settlement{{tag: 3, acked: true}}, ack.all())
	}, time.Second, 5*time.Millisecond, "send job must settle while the reminder is held")

	assert.Never(t, func() bool { return len(reminder.handled()) > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"second reminder must wait for the in-flight one")

	unblock()
	require.Eventually(t, func() bool { return len(ack.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, reminder.handled(), 2)
	assert.Equal(t, []settlement{
		{tag: 3, acked: true},
		{tag: 1, acked: true},
		{tag: 2, acked: true},
	}, ack.all())

	w.Stop()
	require.NoError(t, <-done)
}

func TestWorker_LostConsumerStopsStart(t *testing.T) {
	broker := newFakeBroker(domain.JobKindReminder)
	w := NewWorker(&Config{
		Logger:   testLogger(),
		Broker:   broker,
		Retrier:  &fakeRetrier{},
		Handlers: []Handler{outcomeHandler(handler.OutcomeSent, nil)},
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	close(broker.queues[domain.JobKindReminder])

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConsumerClosed)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after the delivery channel closed")
	}
	w.Stop()
}

func TestWorker_StartErrors(t *testing.T) {
	t.Run("no handlers", func(t *testing.T) {
		w := NewWorker(&Config{Logger: testLogger(), Broker: newFakeBroker()})
		assert.Error(t, w.Start(context.Background()))
	})

	t.Run("duplicate kinds", func(t *testing.T) {
		broker := newFakeBroker(domain.JobKindReminder)
		w := NewWorker(&Config{
			Logger:   testLogger(),
			Broker:   broker,
			Handlers: []Handler{outcomeHandler(handler.OutcomeSent, nil), outcomeHandler(handler.OutcomeSent, nil)},
		})
		err := w.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate handler")
		w.Stop()
		assert.Len(t, broker.cancelled, 1)
	})

	t.Run("consume fails", func(t *testing.T) {
		broker := newFakeBroker(domain.JobKindReminder)
		broker.consumeErr = errors.New("not connected")
		w := NewWorker(&Config{
			Logger:   testLogger(),
			Broker:   broker,
			Handlers: []Handler{outcomeHandler(handler.OutcomeSent, nil)},
		})
		assert.ErrorContains(t, w.Start(context.Background()), "not connected")
	})
}
