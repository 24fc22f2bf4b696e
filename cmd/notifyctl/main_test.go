package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

type fakeOpsAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response any
}

func (f *fakeOpsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   body,
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_ = json.NewEncoder(w).Encode(f.response)
}

func (f *fakeOpsAPI) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newFakeOpsAPI(t *testing.T, status int, response any) (*fakeOpsAPI, string) {
	t.Helper()
	api := &fakeOpsAPI{status: status, response: response}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv.URL
}

func runCLI(t *testing.T, baseURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--ops-url", baseURL}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestEnqueueReminder(t *testing.T) {
	api, url := newFakeOpsAPI(t, http.StatusAccepted, dto.EnqueueJobResponse{
		JobID: "job-1",
		Kind:  domain.JobKindReminder,
		RunAt: "2026-02-09T14:00:00Z",
	})

	out, err := runCLI(t, url, "enqueue", "reminder", "--appointment-id", "A1", "--at", "2026-02-09T14:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Enqueued appointment-reminder job job-1")

	req := api.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/jobs", req.Path)

	var body dto.EnqueueJobRequest
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, domain.JobKindReminder, body.Kind)
	assert.Equal(t, "2026-02-09T14:00:00Z", body.RunAt)
	assert.JSONEq(t, `{"appointmentId":"A1"}`, string(body.Payload))
}

func TestEnqueueSend_WithDelay(t *testing.T) {
	api, url := newFakeOpsAPI(t, http.StatusAccepted, dto.EnqueueJobResponse{
		JobID: "job-2",
		Kind:  domain.JobKindSendMessage,
	})

	_, err := runCLI(t, url, "enqueue", "send",
		"--phone", "+5511999990000",
		"--message", "Oi",
		"--appointment-id", "A1",
		"--event-type", "CONFIRMATION_SENT",
		"--delay", "90s",
	)
	require.NoError(t, err)

	var body dto.EnqueueJobRequest
	require.NoError(t, json.Unmarshal(api.last(t).Body, &body))
	assert.Equal(t, domain.JobKindSendMessage, body.Kind)
	assert.Equal(t, 90, body.DelaySeconds)
	assert.Empty(t, body.RunAt)

	var payload domain.SendMessagePayload
	require.NoError(t, json.Unmarshal(body.Payload, &payload))
	assert.Equal(t, "+5511999990000", payload.Phone)
	assert.Equal(t, "Oi", payload.Message)
	assert.Equal(t, "A1", payload.AppointmentID)
	assert.Equal(t, "CONFIRMATION_SENT", payload.EventType)
}

func TestEnqueue_FlagErrors(t *testing.T) {
	api, url := newFakeOpsAPI(t, http.StatusAccepted, dto.EnqueueJobResponse{})

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing appointment", args: []string{"enqueue", "reminder"}},
		{name: "at and delay", args: []string{"enqueue", "reminder", "--appointment-id", "A1", "--at", "2026-02-09T14:00:00Z", "--delay", "1m"}},
		{name: "bad at", args: []string{"enqueue", "reminder", "--appointment-id", "A1", "--at", "tomorrow"}},
		{name: "negative delay", args: []string{"enqueue", "reminder", "--appointment-id", "A1", "--delay", "-1m"}},
		{name: "missing message", args: []string{"enqueue", "send", "--phone", "+5511999990000"}},
		{name: "event type without appointment", args: []string{"enqueue", "send", "--phone", "+5511999990000", "--message", "Oi", "--event-type", "X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, url, tt.args...)
			require.Error(t, err)
		})
	}

	assert.Empty(t, api.requests, "invalid flags never reach the api")
}

func TestEnqueue_APIError(t *testing.T) {
	_, url := newFakeOpsAPI(t, http.StatusBadRequest, map[string]string{"error": "unknown job kind"})

	_, err := runCLI(t, url, "enqueue", "reminder", "--appointment-id", "A1")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, err.Error(), "unknown job kind")
}

func TestSession(t *testing.T) {
	api, url := newFakeOpsAPI(t, http.StatusOK, dto.SessionResponse{
		State:  "logged_out",
		Since:  "2026-02-09T12:00:00Z",
		QRCode: "2@abc",
	})

	out, err := runCLI(t, url, "session")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/session", api.last(t).Path)
	assert.Contains(t, out, "State: logged_out (since 2026-02-09T12:00:00Z)")
	assert.Contains(t, out, "QR code: 2@abc")
}

func TestSession_JSON(t *testing.T) {
	_, url := newFakeOpsAPI(t, http.StatusOK, dto.SessionResponse{State: "ready"})

	out, err := runCLI(t, url, "--json", "session")
	require.NoError(t, err)

	var resp dto.SessionResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ready", resp.State)
}

func TestSessionRelink(t *testing.T) {
	api, url := newFakeOpsAPI(t, http.StatusAccepted, dto.SessionResponse{State: "logged_out"})

	out, err := runCLI(t, url, "session", "relink")
	require.NoError(t, err)

	req := api.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/session/relink", req.Path)
	assert.Contains(t, out, "State: logged_out")
}

func TestSessionRelink_Conflict(t *testing.T) {
	_, url := newFakeOpsAPI(t, http.StatusConflict, map[string]string{"error": "relink not allowed"})

	_, err := runCLI(t, url, "session", "relink")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestEvents(t *testing.T) {
	api, url := newFakeOpsAPI(t, http.StatusOK, dto.ListEventsResponse{
		Events: []dto.EventDTO{{
			EventID:       "e1",
			AppointmentID: "A1",
			Type:          "REMINDER_SENT",
			CreatedAt:     "2026-02-09T14:00:00Z",
		}},
		NextCursor: "next",
	})

	out, err := runCLI(t, url, "events", "A1", "--type", "REMINDER_SENT", "--page-size", "5")
	require.NoError(t, err)

	req := api.last(t)
	assert.Equal(t, "/api/v1/appointments/A1/events", req.Path)
	assert.Equal(t, "page_size=5&type=REMINDER_SENT", req.Query)
	assert.Contains(t, out, "REMINDER_SENT")
	assert.Contains(t, out, "Next cursor: next")
}

func TestHealth(t *testing.T) {
	t.Run("degraded", func(t *testing.T) {
		_, url := newFakeOpsAPI(t, http.StatusOK, dto.HealthResponse{
			Status:        "degraded",
			Queue:         "up",
			Database:      "up",
			DeliveryGuard: "down",
		})

		out, err := runCLI(t, url, "health")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: degraded")
		assert.Contains(t, out, "Delivery guard: down")
	})

	t.Run("unhealthy", func(t *testing.T) {
		_, url := newFakeOpsAPI(t, http.StatusServiceUnavailable, dto.HealthResponse{
			Status: "unhealthy",
			Queue:  "down",
		})

		out, err := runCLI(t, url, "health")
		require.Error(t, err)
		assert.Contains(t, out, "Queue: down")
	})
}
