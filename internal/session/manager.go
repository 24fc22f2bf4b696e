// Package session owns the long-lived connection to the messaging transport.
//
// A Manager drives a small state machine (disconnected, connecting, ready,
// logged out) from transport events, persists pairing credentials, schedules
// reconnects with a fixed delay and exposes Send as the only way to deliver a
// message. Callers never open connections themselves.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/yurilozorio/rah-sub001/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// DefaultReconnectDelay is the fixed wait before a reconnect attempt.
	DefaultReconnectDelay = 3 * time.Second

	credentialsFile = "pairing.json"
	lockFile        = "session.lock"
)

var (
	// ErrStoreLocked is returned when another process holds the credential directory.
	ErrStoreLocked = errors.New("session store is locked by another process")

	// ErrRelinkNotAllowed is returned when Relink is called outside StateLoggedOut.
	ErrRelinkNotAllowed = errors.New("relink is only allowed after logout")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("session manager closed")
)

// Config configures a Manager.
type Config struct {
	// StoreDir holds the credential file and the directory lock. Empty disables both.
	StoreDir       string
	ReconnectDelay time.Duration
	// SendRate limits outbound messages per second. Zero disables throttling.
	SendRate  float64
	SendBurst int
}

// Snapshot is a point-in-time view of the session for operators.
type Snapshot struct {
	State     State        `json:"state"`
	Since     time.Time    `json:"since"`
	QRCode    string       `json:"qr_code,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Device    *Credentials `json:"device,omitempty"`
}

type stopper interface {
	Stop() bool
}

// Manager is the single owner of a Transport.
type Manager struct {
	transport      Transport
	credentials    CredentialStore
	dirLock        *flock.Flock
	storeDir       string
	reconnectDelay time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	state       State
	since       time.Time
	qrCode      string
	lastError   string
	device      *Credentials
	initialized bool
	closed      bool
	reconnect   stopper
}

// NewManager creates a Manager around transport. The Manager does nothing
// until Initialize is called.
func NewManager(cfg Config, transport Transport, logger *slog.Logger) *Manager {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	m := &Manager{
		transport:      transport,
		storeDir:       cfg.StoreDir,
		reconnectDelay: delay,
		logger:         logger.With(slog.String("component", "session")),
		now:            time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		state: StateDisconnected,
	}
	m.since = m.now()

	if cfg.StoreDir != "" {
		m.credentials = NewFileCredentialStore(filepath.Join(cfg.StoreDir, credentialsFile))
		m.dirLock = flock.New(filepath.Join(cfg.StoreDir, lockFile))
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	metrics.SetSessionState(string(StateDisconnected), stateNames())
	return m
}

// Initialize locks the credential directory, loads persisted credentials,
// subscribes to transport events and starts the first connection attempt.
// Calling it again is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}

	if m.dirLock != nil {
		if err := os.MkdirAll(m.storeDir, 0o700); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("ensure session directory: %w", err)
		}
		ok, err := m.dirLock.TryLock()
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("acquire session lock: %w", err)
		}
		if !ok {
			m.mu.Unlock()
			return ErrStoreLocked
		}
	}

	if m.credentials != nil {
		device, err := m.credentials.Load()
		if err != nil {
			m.releaseLock()
			m.mu.Unlock()
			return err
		}
		m.device = device
	}

	m.transport.SetEventHandler(m.handleEvent)
	m.initialized = true
	paired := m.device != nil
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Session manager initialized",
		slog.String("store_dir", m.storeDir),
		slog.Bool("paired", paired),
	)

	m.connect()
	return nil
}

// IsReady reports whether sends can currently be attempted. A ready session
// whose transport is no longer connected is treated as lost: it moves to
// StateDisconnected and a reconnect is scheduled.
func (m *Manager) IsReady() bool {
	if m.State() != StateReady {
		return false
	}
	if m.transport.Connected() {
		return true
	}

	m.transport.Disconnect()
	m.handleEvent(Event{Kind: EventDisconnected, Reason: "transport connection lost"})
	return false
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state with pairing details.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:     m.state,
		Since:     m.since,
		QRCode:    m.qrCode,
		LastError: m.lastError,
	}
	if m.device != nil {
		device := *m.device
		snap.Device = &device
	}
	return snap
}

// Send delivers text to recipient. Outside StateReady it fails with
// ReasonNotConnected without touching the transport. Transport errors and
// panics are reported as failures.
func (m *Manager) Send(ctx context.Context, recipient, text string) (result SendResult) {
	if !m.IsReady() {
		metrics.IncSend(ReasonNotConnected)
		return Failure(ReasonNotConnected)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			metrics.IncSend("failure")
			return Failure(err.Error())
		}
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Transport panicked during send", slog.Any("panic", r))
			metrics.IncSend("failure")
			result = Failure(fmt.Sprint(r))
		}
	}()

	messageID, err := m.transport.Send(ctx, recipient, text)
	if err != nil {
		metrics.IncSend("failure")
		return Failure(err.Error())
	}

	metrics.IncSend("success")
	return Success(messageID)
}

// Relink discards the logged-out device and starts pairing again.
// The new QR code is published through Snapshot.
func (m *Manager) Relink(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateLoggedOut {
		m.mu.Unlock()
		return ErrRelinkNotAllowed
	}
	m.mu.Unlock()

	if err := m.transport.Reset(ctx); err != nil {
		return fmt.Errorf("reset transport: %w", err)
	}

	m.mu.Lock()
	m.lastError = ""
	m.setState(StateDisconnected)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Session relink requested")
	m.connect()
	return nil
}

// Close stops reconnects, disconnects the transport and releases the
// credential directory lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelReconnect()
	m.runCancel()
	initialized := m.initialized
	m.mu.Unlock()

	if initialized {
		m.transport.Disconnect()
	}

	m.mu.Lock()
	m.setState(StateDisconnected)
	err := m.releaseLock()
	m.mu.Unlock()

	m.logger.Info("Session manager closed")
	return err
}

// connect starts an attempt unless one is running or the session cannot connect.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.setState(StateConnecting)
	m.mu.Unlock()

	m.logger.Info("Connecting to messaging transport")
	if err := m.transport.Connect(m.runCtx); err != nil {
		m.handleEvent(Event{Kind: EventConnectFailure, Reason: err.Error()})
	}
}

func (m *Manager) handleEvent(evt Event) {
	switch evt.Kind {
	case EventConnected:
		m.mu.Lock()
		if m.closed || m.state == StateLoggedOut {
			m.mu.Unlock()
			return
		}
		m.cancelReconnect()
		m.qrCode = ""
		m.lastError = ""
		m.setState(StateReady)
		m.mu.Unlock()
		m.logger.Info("Messaging session ready")

	case EventQR:
		m.mu.Lock()
		m.qrCode = evt.QRCode
		m.mu.Unlock()
		m.logger.Info("Scan QR code to link the device", slog.String("qr_code", evt.QRCode))

	case EventPaired:
		m.persistCredentials(evt.Credentials)

	case EventLoggedOut:
		m.loggedOut(evt.Reason)

	case EventDisconnected, EventConnectFailure:
		if evt.LoggedOut {
			m.loggedOut(evt.Reason)
			return
		}
		m.mu.Lock()
		if m.closed || m.state == StateLoggedOut {
			m.mu.Unlock()
			return
		}
		m.lastError = evt.Reason
		m.setState(StateDisconnected)
		m.scheduleReconnect()
		m.mu.Unlock()
		m.logger.Warn("Messaging session lost",
			slog.String("event", evt.Kind.String()),
			slog.String("reason", evt.Reason),
			slog.Duration("retry_in", m.reconnectDelay),
		)
	}
}

// persistCredentials runs inside the event observer so the record is on disk
// before the transport continues.
func (m *Manager) persistCredentials(creds *Credentials) {
	if creds == nil {
		return
	}
	if creds.PairedAt.IsZero() {
		creds.PairedAt = m.now().UTC()
	}
	if m.credentials != nil {
		if err := m.credentials.Save(creds); err != nil {
			m.logger.Error("Failed to persist session credentials", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	m.device = creds
	m.qrCode = ""
	m.mu.Unlock()

	m.logger.Info("Device paired",
		slog.String("device_id", creds.DeviceID),
		slog.String("platform", creds.Platform),
	)
}

func (m *Manager) loggedOut(reason string) {
	m.mu.Lock()
	if m.state == StateLoggedOut {
		m.mu.Unlock()
		return
	}
	m.cancelReconnect()
	m.device = nil
	m.qrCode = ""
	m.lastError = reason
	m.setState(StateLoggedOut)
	m.mu.Unlock()

	if m.credentials != nil {
		if err := m.credentials.Clear(); err != nil {
			m.logger.Error("Failed to clear session credentials", slog.String("error", err.Error()))
		}
	}

	m.logger.Error("Messaging session logged out, relink required", slog.String("reason", reason))
}

// scheduleReconnect arms the reconnect timer. At most one timer is pending.
// Caller holds mu.
func (m *Manager) scheduleReconnect() {
	if m.reconnect != nil || m.closed {
		return
	}
	m.reconnect = m.afterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		m.reconnect = nil
		m.mu.Unlock()
		m.connect()
	})
}

// Caller holds mu.
func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// Caller holds mu.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("Session state changed",
		slog.String("from", string(m.state)),
		slog.String("to", string(s)),
	)
	m.state = s
	m.since = m.now()
	metrics.SetSessionState(string(s), stateNames())
}

// Caller holds mu.
func (m *Manager) releaseLock() error {
	if m.dirLock == nil || !m.dirLock.Locked() {
		return nil
	}
	if err := m.dirLock.Unlock(); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}
