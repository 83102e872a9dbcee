package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKey = "lock:settlement"

// unlockLua deletes the lock only if it still holds our token, so a pass
// that outlived its TTL cannot release another instance's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ErrLockHeld is returned by RunOnce when another instance is settling.
var ErrLockHeld = errors.New("settlement: lock held by another instance")

// Scheduler runs settlement passes on an interval. With a Redis client it
// takes a distributed lock first, so only one instance settles at a time.
type Scheduler struct {
	engine   *Engine
	rdb      *redis.Client
	unlock   *redis.Script
	interval time.Duration
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. rdb may be nil for single-instance
// deployments.
func NewScheduler(engine *Engine, rdb *redis.Client, interval, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		rdb:      rdb,
		unlock:   redis.NewScript(unlockLua),
		interval: interval,
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			switch {
			case errors.Is(err, ErrLockHeld):
				s.logger.Debug("settlement pass skipped, lock held elsewhere")
			case err != nil:
				s.logger.Error("settlement pass failed", "err", err)
			default:
				s.logger.Info("settlement pass complete", "resolved", n)
			}
		}
	}
}

// RunOnce performs a single settlement pass under the distributed lock.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if s.rdb != nil {
		release, err := s.acquire(ctx)
		if err != nil {
			return 0, err
		}
		defer release()
	}
	return s.engine.ResolveExpiredMarkets(ctx)
}

func (s *Scheduler) acquire(ctx context.Context) (func(), error) {
	token := uuid.New().String()
	ok, err := s.rdb.SetNX(ctx, lockKey, token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		// The pass's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.unlock.Run(ctx, s.rdb, []string{lockKey}, token).Err(); err != nil {
			s.logger.Warn("release settlement lock", "err", err)
		}
	}, nil
}
