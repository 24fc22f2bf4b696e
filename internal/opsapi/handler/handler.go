package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yurilozorio/rah-sub001/internal/session"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/internal/worker/storage"
)

// SessionService is the part of the session manager exposed to operators.
type SessionService interface {
	Snapshot() session.Snapshot
	Relink(ctx context.Context) error
}

// EventLister reads the appointment audit trail.
type EventLister interface {
	ListAppointmentEvents(ctx context.Context, filter storage.EventFilter) ([]domain.AppointmentEvent, error)
}

// JobEnqueuer publishes new jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error)
}

// QueueStatus reports broker connectivity.
type QueueStatus interface {
	IsConnected() bool
}

// Pinger checks a backing store.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers. Guard is optional.
type Dependencies struct {
	Logger  *slog.Logger
	Service string
	Session SessionService
	Events  EventLister
	Jobs    JobEnqueuer
	Queue   QueueStatus
	DB      Pinger
	Guard   Pinger
	Now     func() time.Time
}

// OpsHandler serves the operations endpoints
type OpsHandler struct {
	logger   *slog.Logger
	service  string
	session  SessionService
	events   EventLister
	jobs     JobEnqueuer
	queue    QueueStatus
	db       Pinger
	guard    Pinger
	validate *validator.Validate
	now      func() time.Time
}

// NewOpsHandler creates a new OpsHandler instance
func NewOpsHandler(deps *Dependencies) *OpsHandler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &OpsHandler{
		logger:   deps.Logger,
		service:  deps.Service,
		session:  deps.Session,
		events:   deps.Events,
		jobs:     deps.Jobs,
		queue:    deps.Queue,
		db:       deps.DB,
		guard:    deps.Guard,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      now,
	}
}
