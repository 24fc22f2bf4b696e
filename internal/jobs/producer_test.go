package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/shared/rabbitmq"
)

type recordingPublisher struct {
	messages []rabbitmq.Message
	err      error
}

func (r *recordingPublisher) Publish(ctx context.Context, msg rabbitmq.Message) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

var testNow = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

func newTestProducer(pub Publisher) *Producer {
	p := NewProducer(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.newID = func() string { return "job-1" }
	p.now = func() time.Time { return testNow }
	return p
}

func TestProducer_Enqueue(t *testing.T) {
	pub := &recordingPublisher{}
	p := newTestProducer(pub)

	jobID, err := p.Enqueue(context.Background(), domain.JobKindReminder,
		domain.ReminderPayload{AppointmentID: "A1"}, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, domain.JobKindReminder, msg.Kind)
	assert.Equal(t, "job-1", msg.MessageID)
	assert.Equal(t, 2*time.Hour, msg.Delay)
	assert.Equal(t, int32(1), msg.Headers[domain.HeaderAttempt])
	assert.Equal(t, testNow.Add(2*time.Hour).UnixMilli(), msg.Headers[domain.HeaderRunAt])

	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, map[string]string{"appointmentId": "A1"}, body)
}

func TestProducer_EnqueueUnknownKind(t *testing.T) {
	pub := &recordingPublisher{}
	_, err := newTestProducer(pub).Enqueue(context.Background(), "send-sms", map[string]string{}, 0)
	assert.ErrorIs(t, err, domain.ErrUnknownJobKind)
	assert.Empty(t, pub.messages)
}

func TestProducer_EnqueuePublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	_, err := newTestProducer(pub).Enqueue(context.Background(), domain.JobKindSendMessage,
		domain.SendMessagePayload{Phone: "5527999999999", Message: "oi"}, 0)
	assert.EqualError(t, err, "channel closed")
}

func TestProducer_EnqueueImmediateHasNoRunAt(t *testing.T) {
	pub := &recordingPublisher{}
	_, err := newTestProducer(pub).Enqueue(context.Background(), domain.JobKindSendMessage,
		domain.SendMessagePayload{Phone: "5527999999999", Message: "oi"}, 0)
	require.NoError(t, err)

	require.Len(t, pub.messages, 1)
	assert.NotContains(t, pub.messages[0].Headers, domain.HeaderRunAt)
}

func TestProducer_Retry(t *testing.T) {
	pub := &recordingPublisher{}
	p := newTestProducer(pub)

	job := domain.Job{JobID: "orig", Kind: domain.JobKindSendMessage, Body: []byte(`{"phone":"1"}`), Attempt: 2}
	require.NoError(t, p.Retry(context.Background(), job, 20*time.Second))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "orig", msg.MessageID, "retries keep the job id")
	assert.Equal(t, job.Body, msg.Body)
	assert.Equal(t, int32(3), msg.Headers[domain.HeaderAttempt])
	assert.Equal(t, 20*time.Second, msg.Delay)
	assert.Equal(t, testNow.Add(20*time.Second).UnixMilli(), msg.Headers[domain.HeaderRunAt])
}

func TestProducer_Defer(t *testing.T) {
	pub := &recordingPublisher{}
	p := newTestProducer(pub)

	runAt := testNow.Add(17 * time.Hour)
	job := domain.Job{JobID: "orig", Kind: domain.JobKindReminder, Body: []byte(`{"appointmentId":"A1"}`), Attempt: 1, RunAt: runAt}
	require.NoError(t, p.Defer(context.Background(), job))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "orig", msg.MessageID)
	assert.Equal(t, int32(1), msg.Headers[domain.HeaderAttempt], "deferring does not count an attempt")
	assert.Equal(t, runAt.UnixMilli(), msg.Headers[domain.HeaderRunAt], "run time is carried unchanged")
	assert.Equal(t, 17*time.Hour, msg.Delay)
}

func TestProducer_DeferPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	job := domain.Job{JobID: "orig", Kind: domain.JobKindReminder, Attempt: 1, RunAt: testNow.Add(time.Hour)}

	err := newTestProducer(pub).Defer(context.Background(), job)
	assert.ErrorContains(t, err, "failed to defer job orig")
}
