package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the claim only if it still carries our token, so an
// expired claim taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis claims keys with SET NX PX so several API processes share one view of
// in-flight triggers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// RedisOptions tunes a Redis claimer.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a crashed holder keeps the key.
	TTL time.Duration
	// Wait bounds how long Claim retries a busy key before returning ErrBusy.
	Wait time.Duration
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return newRedis(client, opts, logger), nil
}

func newRedis(client *redis.Client, opts RedisOptions, logger *slog.Logger) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	return &Redis{
		client: client,
		logger: logger,
		prefix: "stackpilot:claim:",
		ttl:    opts.TTL,
		wait:   opts.Wait,
		poll:   50 * time.Millisecond,
	}
}

// Claim takes the key, runs fn and releases the key.
func (r *Redis) Claim(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := r.prefix + key
	token := uuid.NewString()

	if err := r.take(ctx, redisKey, token); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Error("releasing claim", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}

func (r *Redis) take(ctx context.Context, redisKey, token string) error {
	deadline := time.Now().Add(r.wait)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("claiming %s: %w", redisKey, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
