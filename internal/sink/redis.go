package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr string
	DB   int
	// Channel receives every update as JSON via PUBLISH.
	Channel string
	// Key is a hash holding the latest value of every field.
	Key string
	// Timeout bounds each command. Default 2s.
	Timeout time.Duration
}

type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis mirrors the live feed into a latest-values hash and a pub/sub channel.
type Redis struct {
	client  redisClient
	channel string
	key     string
	timeout time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping addr=%s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client redisClient, cfg RedisConfig) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = "ggstation:telemetry"
	}
	if cfg.Key == "" {
		cfg.Key = "ggstation:latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Redis{client: client, channel: cfg.Channel, key: cfg.Key, timeout: cfg.Timeout}
}

func (r *Redis) Publish(u Update) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if values := latestValues(u); len(values) > 0 {
		if err := r.client.HSet(ctx, r.key, values...).Err(); err != nil {
			return fmt.Errorf("redis hset %s: %w", r.key, err)
		}
	}
	payload, err := FormatPayload(u)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

// latestValues flattens an update into HSET field/value pairs.
func latestValues(u Update) []interface{} {
	var out []interface{}
	for k, v := range u.Fields {
		out = append(out, k, strconv.FormatFloat(v, 'f', -1, 64))
	}
	if u.Lat != nil && u.Lon != nil {
		out = append(out,
			"Lat", strconv.FormatFloat(*u.Lat, 'f', -1, 64),
			"Lon", strconv.FormatFloat(*u.Lon, 'f', -1, 64))
	}
	if u.Event != "" {
		out = append(out, "event", u.Event)
	}
	if len(out) > 0 {
		out = append(out, "t", strconv.FormatFloat(u.T, 'f', -1, 64), "session", u.Session)
	}
	return out
}

func (r *Redis) Close() error {
	return r.client.Close()
}
