package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisPutScript stores a record only if it is not older than the stored one.
// KEYS[1] = sentinel key
// ARGV[1] = record timestamp (unix milliseconds)
// ARGV[2] = record JSON
var redisPutScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ts")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "record", ARGV[2])
return 1
`)

// RedisSentinels keeps health records in Redis hashes under
// "<prefix><worker>", so remote workers can report into the same store.
type RedisSentinels struct {
	client *redis.Client
	prefix string
}

// NewRedisSentinels wraps an existing client.
func NewRedisSentinels(client *redis.Client, prefix string) *RedisSentinels {
	if prefix == "" {
		prefix = "monolith:sentinel:"
	}
	return &RedisSentinels{client: client, prefix: prefix}
}

// OpenRedisSentinels connects using a redis:// URL.
func OpenRedisSentinels(ctx context.Context, url string) (*RedisSentinels, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSentinels(client, ""), nil
}

func (s *RedisSentinels) key(worker string) string { return s.prefix + worker }

func (s *RedisSentinels) Put(ctx context.Context, rec HealthRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := redisPutScript.Run(ctx, s.client, []string{s.key(rec.Worker)}, rec.Timestamp.UnixMilli(), string(data)).Err(); err != nil {
		return fmt.Errorf("redis sentinel put %s: %w", rec.Worker, err)
	}
	return nil
}

func (s *RedisSentinels) Get(ctx context.Context, worker string) (HealthRecord, error) {
	raw, err := s.client.HGet(ctx, s.key(worker), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrNoRecord, worker)
	}
	if err != nil {
		return HealthRecord{}, fmt.Errorf("redis sentinel get %s: %w", worker, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return HealthRecord{}, &InvalidRecordError{Worker: worker, Err: err}
	}
	return rec, nil
}

func (s *RedisSentinels) Latest(ctx context.Context, workers []string) (map[string]HealthRecord, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(workers))
	for i, w := range workers {
		cmds[i] = pipe.HGet(ctx, s.key(w), "record")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis sentinel latest: %w", err)
	}
	out := make(map[string]HealthRecord, len(workers))
	var errs []error
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("redis sentinel get %s: %w", workers[i], err))
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			errs = append(errs, &InvalidRecordError{Worker: workers[i], Err: err})
			continue
		}
		out[workers[i]] = rec
	}
	return out, errors.Join(errs...)
}

// Close closes the client.
func (s *RedisSentinels) Close() error { return s.client.Close() }
