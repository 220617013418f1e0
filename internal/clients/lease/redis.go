// Package lease provides a best-effort per-key lease on Redis.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds the Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Lease wraps redis.Client. A nil *Lease grants every request, so callers
// without Redis behave as single-writer.
type Lease struct {
	client *redis.Client
	log    zerolog.Logger
}

// New connects to Redis and verifies the connection
func New(cfg Config, log zerolog.Logger) (*Lease, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	l := &Lease{client: client, log: log.With().Str("client", "lease").Logger()}
	l.log.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	return l, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, log zerolog.Logger) *Lease {
	return &Lease{client: client, log: log.With().Str("client", "lease").Logger()}
}

// Acquire sets key to a fresh token if absent (SET NX PX)
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		l.log.Debug().Str("key", key).Msg("Lease held elsewhere")
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes key if it still carries token. An expired lease taken over
// by another holder is left alone.
func (l *Lease) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection
func (l *Lease) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
