// Package whatsapp implements session.Transport on top of the WhatsApp Web
// multi-device protocol.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/yurilozorio/rah-sub001/internal/session"
)

const deviceStoreFile = "session.db"

// Config configures the transport.
type Config struct {
	StoreDir      string
	DefaultRegion string
}

// Transport owns one whatsmeow client and its SQLite device store.
type Transport struct {
	container *sqlstore.Container
	log       waLog.Logger
	logger    *slog.Logger
	region    string
	now       func() time.Time

	mu      sync.Mutex
	client  *whatsmeow.Client
	handler func(session.Event)
}

// New opens the device store under cfg.StoreDir and prepares a client for
// the first stored device, or a fresh one when the store is empty.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure device store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		filepath.Join(cfg.StoreDir, deviceStoreFile))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	log := NewLogger(logger, "whatsmeow")
	container := sqlstore.NewWithDB(db, "sqlite3", log.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	t := &Transport{
		container: container,
		log:       log,
		logger:    logger.With(slog.String("component", "whatsapp")),
		region:    cfg.DefaultRegion,
		now:       time.Now,
	}
	t.client = t.newClient(device)

	t.logger.Info("Device store opened",
		slog.String("path", filepath.Join(cfg.StoreDir, deviceStoreFile)),
		slog.Bool("paired", device.ID != nil),
	)
	return t, nil
}

func (t *Transport) newClient(device *store.Device) *whatsmeow.Client {
	cli := whatsmeow.NewClient(device, t.log.Sub("Client"))
	// Reconnects are scheduled by the session manager. With auto reconnect off
	// the client no longer drops a dead socket itself, see keepAliveTimeout.
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(t.dispatch)
	return cli
}

// SetEventHandler registers the single receiver of transport events.
func (t *Transport) SetEventHandler(handler func(session.Event)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Connect opens the websocket. An unpaired device starts QR pairing first.
func (t *Transport) Connect(ctx context.Context) error {
	cli := t.current()

	if cli.Store.ID == nil {
		ch, err := cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("start pairing: %w", err)
		}
		go t.forwardQR(ch)
	}

	if err := cli.ConnectContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the websocket without logging out.
func (t *Transport) Disconnect() {
	if cli := t.current(); cli != nil {
		cli.Disconnect()
	}
}

// Connected reports whether the websocket is open and authenticated.
func (t *Transport) Connected() bool {
	cli := t.current()
	return cli != nil && cli.IsConnected() && cli.IsLoggedIn()
}

// Send delivers a plain text message.
func (t *Transport) Send(ctx context.Context, recipient, text string) (string, error) {
	jid, err := RecipientJID(recipient, t.region)
	if err != nil {
		return "", err
	}

	resp, err := t.current().SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// Reset deletes the stored device and swaps in a fresh unpaired client.
func (t *Transport) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.client
	old.Disconnect()
	old.RemoveEventHandlers()
	if old.Store.ID != nil {
		if err := old.Store.Delete(ctx); err != nil {
			t.logger.Warn("Failed to delete stored device", slog.String("error", err.Error()))
		}
	}

	t.client = t.newClient(t.container.NewDevice())
	t.logger.Info("Device identity reset")
	return nil
}

// Close disconnects and closes the device store.
func (t *Transport) Close() error {
	t.Disconnect()
	return t.container.Close()
}

func (t *Transport) current() *whatsmeow.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) emit(evt session.Event) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

func (t *Transport) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			t.emit(session.Event{Kind: session.EventQR, QRCode: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
		case whatsmeow.QRChannelTimeout.Event:
			t.emit(session.Event{Kind: session.EventConnectFailure, Reason: "pairing QR code expired"})
		case whatsmeow.QRChannelEventError:
			reason := "pairing failed"
			if item.Error != nil {
				reason = "pairing failed: " + item.Error.Error()
			}
			t.emit(session.Event{Kind: session.EventConnectFailure, Reason: reason})
		default:
			t.logger.Warn("Unexpected pairing event", slog.String("event", item.Event))
		}
	}
}

func (t *Transport) dispatch(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		t.emit(session.Event{Kind: session.EventConnected})
	case *events.Disconnected:
		t.emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	case *events.StreamReplaced:
		t.emit(session.Event{Kind: session.EventDisconnected, Reason: "stream replaced by another client"})
	case *events.LoggedOut:
		t.emit(session.Event{Kind: session.EventLoggedOut, Reason: e.Reason.String(), LoggedOut: true})
	case *events.ConnectFailure:
		t.emit(session.Event{
			Kind:      session.EventConnectFailure,
			Reason:    fmt.Sprintf("%s: %s", e.Reason.String(), e.Message),
			LoggedOut: e.Reason.IsLoggedOut(),
		})
	case *events.TemporaryBan:
		t.emit(session.Event{Kind: session.EventConnectFailure, Reason: e.String()})
	case *events.ClientOutdated:
		t.emit(session.Event{Kind: session.EventConnectFailure, Reason: "client outdated"})
	case *events.PairSuccess:
		t.emit(session.Event{
			Kind: session.EventPaired,
			Credentials: &session.Credentials{
				DeviceID:     e.ID.String(),
				BusinessName: e.BusinessName,
				Platform:     e.Platform,
			},
		})
	case *events.KeepAliveTimeout:
		t.keepAliveTimeout(e)
	}
}

// keepAliveTimeout closes a socket that has not answered a keepalive for
// longer than whatsmeow.KeepAliveMaxFailTime and reports it as lost.
// A manual Disconnect emits no event of its own.
func (t *Transport) keepAliveTimeout(e *events.KeepAliveTimeout) {
	silent := t.now().Sub(e.LastSuccess)
	if silent <= whatsmeow.KeepAliveMaxFailTime {
		t.logger.Debug("Keepalive timeout",
			slog.Int("error_count", e.ErrorCount),
			slog.Duration("since_last_success", silent),
		)
		return
	}

	t.logger.Warn("Keepalive failing, dropping connection",
		slog.Int("error_count", e.ErrorCount),
		slog.Duration("since_last_success", silent),
	)
	t.Disconnect()
	t.emit(session.Event{Kind: session.EventDisconnected, Reason: "keepalive timeout"})
}
