package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/logger"
)

const keyPrefix = "hwdec:decoders:"

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local id = ARGV[3]
	local ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
	if not ok then
		return 0
	end
	redis.call('SADD', active_key, id)
	return 1
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local to_remove = {}

	for i, id in ipairs(active) do
		local rec = redis.call('GET', prefix .. id)
		if rec then
			table.insert(result, rec)
		else
			table.insert(to_remove, id)
		end
	end

	for i, id in ipairs(to_remove) do
		redis.call('SREM', active_key, id)
	end

	return result
`)

var heartbeatScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local now = ARGV[2]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("decoder not found")
	end
	local rec = cjson.decode(data)
	rec.last_heartbeat = now
	redis.call('SET', key, cjson.encode(rec), 'PX', ttl)
	return "OK"
`)

var statsScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local stats_json = ARGV[2]
	local now = ARGV[3]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("decoder not found")
	end
	local rec = cjson.decode(data)
	rec.stats = cjson.decode(stats_json)
	rec.last_heartbeat = now
	redis.call('SET', key, cjson.encode(rec), 'PX', ttl)
	return "OK"
`)

// RedisRegistry shares decoder records between instances through Redis.
// Records expire unless heartbeated within ttl.
type RedisRegistry struct {
	client redis.UniversalClient
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client redis.UniversalClient, log logger.Logger, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisRegistry{
		client: client,
		logger: log.WithField("component", "registry"),
		prefix: keyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + id
}

func notFound(id string, err error) error {
	if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "decoder not found") {
		return fmt.Errorf("%w: %s", ErrDecoderNotFound, id)
	}
	return err
}

func (r *RedisRegistry) Register(ctx context.Context, d *Decoder) error {
	rec := *d
	rec.CreatedAt = time.Now()
	rec.LastHeartbeat = rec.CreatedAt

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal decoder: %w", err)
	}

	result, err := registerScript.Run(ctx, r.client,
		[]string{r.key(d.ID), r.prefix + "active"},
		data, r.ttl.Milliseconds(), d.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to register decoder: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %s", ErrDecoderExists, d.ID)
	}

	r.logger.WithFields(map[string]interface{}{
		"decoder_id": d.ID,
		"codec":      d.Codec,
		"backend":    d.Stats.Backend,
	}).Info("Decoder registered")
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister decoder: %w", err)
	}
	if err := r.client.SRem(ctx, r.prefix+"active", id).Err(); err != nil {
		r.logger.WithError(err).WithField("decoder_id", id).Warn("Failed to remove decoder from active set")
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrDecoderNotFound, id)
	}

	r.logger.WithField("decoder_id", id).Info("Decoder unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Decoder, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		return nil, notFound(id, err)
	}

	var d Decoder
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decoder: %w", err)
	}
	return &d, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Decoder, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.prefix + "active"}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list decoders: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	out := make([]*Decoder, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in result")
			continue
		}
		var d Decoder
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal decoder")
			continue
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().Format(time.RFC3339Nano)
	if err := heartbeatScript.Run(ctx, r.client, []string{r.key(id)}, r.ttl.Milliseconds(), now).Err(); err != nil {
		return notFound(id, err)
	}
	return nil
}

func (r *RedisRegistry) UpdateStats(ctx context.Context, id string, stats decoder.Stats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	now := time.Now().Format(time.RFC3339Nano)
	if err := statsScript.Run(ctx, r.client, []string{r.key(id)}, r.ttl.Milliseconds(), string(statsJSON), now).Err(); err != nil {
		return notFound(id, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
