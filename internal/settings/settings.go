// Package settings fetches notification templates and business metadata from
// the CMS and keeps them in a short-lived in-process cache.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yurilozorio/rah-sub001/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched value is served without I/O.
const DefaultTTL = 5 * time.Minute

const settingsPath = "/api/notification-setting"

// ErrSettingsFetch is wrapped by every FetchError.
var ErrSettingsFetch = errors.New("settings fetch failed")

// FetchError reports a non-success response or transport error from the CMS.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d", ErrSettingsFetch, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", ErrSettingsFetch, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSettingsFetch, e.Err}
	}
	return []error{ErrSettingsFetch}
}

// NotificationSettings holds the templates used to compose messages.
// A nil ReminderMessageTemplate means reminders are disabled.
type NotificationSettings struct {
	ConfirmationMessageTemplate string
	ReminderMessageTemplate     *string
	BusinessName                string
	BusinessLatitude            *float64
	BusinessLongitude           *float64
}

// ReminderEnabled reports whether a non-empty reminder template is configured.
func (s *NotificationSettings) ReminderEnabled() bool {
	return s != nil && s.ReminderMessageTemplate != nil && *s.ReminderMessageTemplate != ""
}

// Config configures the CMS client.
type Config struct {
	BaseURL string
	Token   string
	TTL     time.Duration
	Timeout time.Duration
}

// Cache serves NotificationSettings with a fixed TTL.
type Cache struct {
	baseURL string
	token   string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu        sync.RWMutex
	value     *NotificationSettings
	expiresAt time.Time
}

// Option customises a Cache.
type Option func(*Cache)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cache *Cache) { cache.client = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cache *Cache) { cache.now = now }
}

// NewCache creates a Cache for the CMS at cfg.BaseURL.
func NewCache(cfg Config, logger *slog.Logger, opts ...Option) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Cache{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		ttl:     ttl,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current settings. It returns (nil, nil) when the CMS has
// no settings configured. A fetch failure is returned as *FetchError unless a
// previously fetched value exists, in which case that value is served.
func (c *Cache) Get(ctx context.Context) (*NotificationSettings, error) {
	c.mu.RLock()
	value, expiresAt := c.value, c.expiresAt
	c.mu.RUnlock()

	if value != nil && c.now().Before(expiresAt) {
		metrics.IncSettingsCache("hit")
		return value, nil
	}
	metrics.IncSettingsCache("miss")

	// The fetch is shared by every waiting caller, so it runs detached from
	// the caller that started it and each caller stops waiting on its own ctx.
	ch := c.group.DoChan(settingsPath, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(fetchCtx)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}

	if err := res.Err; err != nil {
		if value != nil {
			metrics.IncSettingsCache("stale")
			c.logger.Warn("Serving stale notification settings",
				slog.String("error", err.Error()),
			)
			return value, nil
		}
		return nil, err
	}

	settings, _ := res.Val.(*NotificationSettings)
	return settings, nil
}

// Invalidate drops the cached value so the next Get fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.value = nil
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) (*NotificationSettings, error) {
	settings, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		// not configured any more, so there is nothing to serve stale either
		c.Invalidate()
		return nil, nil
	}

	c.mu.Lock()
	c.value = settings
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()

	c.logger.Debug("Notification settings refreshed",
		slog.Bool("reminder_enabled", settings.ReminderEnabled()),
	)
	return settings, nil
}

func (c *Cache) fetch(ctx context.Context) (*NotificationSettings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+settingsPath, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Info("Notification settings not configured")
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{StatusCode: resp.StatusCode}
	}

	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("decode response: %w", err)}
	}

	return decodeSettings(envelope.Data), nil
}

func decodeSettings(data map[string]json.RawMessage) *NotificationSettings {
	return &NotificationSettings{
		ConfirmationMessageTemplate: coerceString(data["confirmationMessageTemplate"]),
		ReminderMessageTemplate:     coerceOptionalString(data["reminderMessageTemplate"]),
		BusinessName:                coerceString(data["businessName"]),
		BusinessLatitude:            coerceFloat(data["businessLatitude"]),
		BusinessLongitude:           coerceFloat(data["businessLongitude"]),
	}
}

func isNull(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v == "" || v == "null"
}

func coerceOptionalString(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		s = n.String()
		return &s
	}
	return nil
}

func coerceString(raw json.RawMessage) string {
	if s := coerceOptionalString(raw); s != nil {
		return *s
	}
	return ""
}

func coerceFloat(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &f
		}
	}
	return nil
}
