// Package dedupe keeps at-least-once job delivery from producing a second
// outbound message.
//
// A job's id is locked while a replica handles it, and a marker is written
// once its message has been accepted by the transport. A redelivered job that
// finds the marker skips the send.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMarkerTTL = 7 * 24 * time.Hour
	defaultLockTTL   = 2 * time.Minute
	defaultPrefix    = "notify"
)

// ErrLocked is returned by Acquire when another holder owns the job.
var ErrLocked = errors.New("job is locked by another worker")

// Config configures a Guard.
type Config struct {
	Prefix    string
	MarkerTTL time.Duration
	LockTTL   time.Duration
}

// Guard stores delivery markers and job locks in Redis.
type Guard struct {
	client    *redis.Client
	locker    *redislock.Client
	prefix    string
	markerTTL time.Duration
	lockTTL   time.Duration
	logger    *slog.Logger
}

// NewGuard creates a Guard on client.
func NewGuard(client *redis.Client, cfg Config, logger *slog.Logger) *Guard {
	g := &Guard{
		client:    client,
		locker:    redislock.New(client),
		prefix:    cfg.Prefix,
		markerTTL: cfg.MarkerTTL,
		lockTTL:   cfg.LockTTL,
		logger:    logger,
	}
	if g.prefix == "" {
		g.prefix = defaultPrefix
	}
	if g.markerTTL <= 0 {
		g.markerTTL = defaultMarkerTTL
	}
	if g.lockTTL <= 0 {
		g.lockTTL = defaultLockTTL
	}
	return g
}

// Acquire locks jobID for the lock TTL. The returned func releases it.
func (g *Guard) Acquire(ctx context.Context, jobID string) (func(), error) {
	lock, err := g.locker.Obtain(ctx, g.lockKey(jobID), g.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("obtain job lock: %w", err)
	}

	return func() {
		// the job context may already be cancelled on shutdown
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			g.logger.Warn("Failed to release job lock",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// Delivered reports whether jobID already produced a message and returns its id.
func (g *Guard) Delivered(ctx context.Context, jobID string) (string, bool, error) {
	messageID, err := g.client.Get(ctx, g.markerKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read delivery marker: %w", err)
	}
	return messageID, true, nil
}

// MarkDelivered records that jobID produced messageID. An existing marker is kept.
func (g *Guard) MarkDelivered(ctx context.Context, jobID, messageID string) error {
	if err := g.client.SetNX(ctx, g.markerKey(jobID), messageID, g.markerTTL).Err(); err != nil {
		return fmt.Errorf("write delivery marker: %w", err)
	}
	return nil
}

// Recorded reports whether the delivery of jobID has already been recorded.
func (g *Guard) Recorded(ctx context.Context, jobID string) (bool, error) {
	n, err := g.client.Exists(ctx, g.recordedKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("read recorded marker: %w", err)
	}
	return n > 0, nil
}

// MarkRecorded notes that the delivery of jobID has been recorded.
func (g *Guard) MarkRecorded(ctx context.Context, jobID string) error {
	if err := g.client.Set(ctx, g.recordedKey(jobID), "1", g.markerTTL).Err(); err != nil {
		return fmt.Errorf("write recorded marker: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (g *Guard) HealthCheck(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *Guard) markerKey(jobID string) string {
	return fmt.Sprintf("%s:delivered:%s", g.prefix, jobID)
}

func (g *Guard) recordedKey(jobID string) string {
	return fmt.Sprintf("%s:recorded:%s", g.prefix, jobID)
}

func (g *Guard) lockKey(jobID string) string {
	return fmt.Sprintf("%s:lock:%s", g.prefix, jobID)
}
