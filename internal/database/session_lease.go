package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-autopilot/internal/logging"
)

// LeaseConfig configures the Redis session lease.
type LeaseConfig struct {
	Enabled   bool          `json:"enabled"`
	Addr      string        `json:"addr"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	TTL       time.Duration `json:"ttl"`
	KeyPrefix string        `json:"key_prefix"`
}

// DefaultLeaseConfig returns lease settings for a local Redis.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		Addr:      "localhost:6379",
		TTL:       30 * time.Second,
		KeyPrefix: "autopilot:session",
	}
}

// NewRedisClient builds a client from cfg, or nil when the lease is
// disabled.
func NewRedisClient(cfg LeaseConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// SessionLease gives one process exclusive ownership of a session. Leases
// live in Redis with a TTL and are renewed on every tick. When Redis is
// unreachable the lease degrades to a process-local table so a single
// instance keeps trading.
type SessionLease struct {
	client    *redis.Client
	owner     string
	ttl       time.Duration
	prefix    string
	available atomic.Bool
	logger    *logging.Logger

	mu    sync.Mutex
	local map[string]time.Time
	now   func() time.Time
}

// NewSessionLease creates a lease manager for owner. A nil client runs in
// local-only mode.
func NewSessionLease(client *redis.Client, owner string, cfg LeaseConfig, logger *logging.Logger) *SessionLease {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseConfig().TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultLeaseConfig().KeyPrefix
	}
	l := &SessionLease{
		client: client,
		owner:  owner,
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		logger: logger.WithComponent("session_lease"),
		local:  make(map[string]time.Time),
		now:    time.Now,
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			l.logger.WithError(err).Warn("Redis unavailable at startup, using local leases")
		} else {
			l.logger.Info("Redis session lease connected", "owner", owner)
			l.available.Store(true)
		}
	} else {
		l.logger.Info("No Redis client provided, using local leases only")
	}
	return l
}

// Distributed reports whether leases are currently held in Redis.
func (l *SessionLease) Distributed() bool {
	return l.client != nil && l.available.Load()
}

func (l *SessionLease) key(sessionID string) string {
	return fmt.Sprintf("%s:%s:lease", l.prefix, sessionID)
}

func (l *SessionLease) degrade(err error) {
	if l.available.Swap(false) {
		l.logger.WithError(err).Warn("Redis lease error, falling back to local leases")
	}
}

// Acquire takes or renews the lease on sessionID. It returns false when
// another owner holds it.
func (l *SessionLease) Acquire(ctx context.Context, sessionID string) (bool, error) {
	if l.Distributed() {
		ok, err := l.client.SetNX(ctx, l.key(sessionID), l.owner, l.ttl).Result()
		if err == nil && !ok {
			// already ours: extend it
			ok, err = l.renewRemote(ctx, sessionID)
		}
		if err == nil {
			if ok {
				l.markLocal(sessionID)
			}
			return ok, nil
		}
		l.degrade(err)
	}
	l.markLocal(sessionID)
	return true, nil
}

func (l *SessionLease) markLocal(sessionID string) {
	l.mu.Lock()
	l.local[sessionID] = l.now().Add(l.ttl)
	l.mu.Unlock()
}

func (l *SessionLease) renewRemote(ctx context.Context, sessionID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(sessionID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Renew extends a lease this owner already holds. It returns false when
// the lease expired and someone else took it.
func (l *SessionLease) Renew(ctx context.Context, sessionID string) (bool, error) {
	if l.Distributed() {
		ok, err := l.renewRemote(ctx, sessionID)
		if err == nil {
			if ok {
				l.markLocal(sessionID)
			} else {
				l.dropLocal(sessionID)
			}
			return ok, nil
		}
		l.degrade(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.local[sessionID]; !held {
		return false, nil
	}
	l.local[sessionID] = l.now().Add(l.ttl)
	return true, nil
}

// Release drops the lease if this owner holds it.
func (l *SessionLease) Release(ctx context.Context, sessionID string) error {
	l.dropLocal(sessionID)
	if !l.Distributed() {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(sessionID)}, l.owner).Err(); err != nil {
		l.degrade(err)
		return fmt.Errorf("release lease %s: %w", sessionID, err)
	}
	return nil
}

func (l *SessionLease) dropLocal(sessionID string) {
	l.mu.Lock()
	delete(l.local, sessionID)
	l.mu.Unlock()
}

// Held reports whether this owner holds a live local lease on sessionID.
func (l *SessionLease) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.local[sessionID]
	return ok && l.now().Before(exp)
}
