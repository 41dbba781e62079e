package kvstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// Prefix is prepended to every key.
	Prefix string

	// OpTimeout bounds each store call.
	OpTimeout time.Duration
}

func (c *RedisConfig) setDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 100 * time.Millisecond
	}
}

type Redis struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

// incrScript increments and starts the expiry only on the first hit, so the
// window is fixed from the first request.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// NewRedis connects and verifies the server with PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cfg.setDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})
	r := &Redis{rdb: rdb, prefix: cfg.Prefix, timeout: cfg.OpTimeout}

	if err := r.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrapf(err, "connect redis %s", cfg.Addr)
	}
	return r, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "redis get %s", key)
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.rdb.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return xerrors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ok, err := r.rdb.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, xerrors.Wrapf(err, "redis setnx %s", key)
	}
	return ok, nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := incrScript.Run(ctx, r.rdb, []string{r.key(key)}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, xerrors.Wrapf(err, "redis incr %s", key)
	}
	if len(res) != 2 {
		return 0, 0, xerrors.Newf("redis incr %s: unexpected reply length %d", key, len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (r *Redis) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	k := r.key(key)
	var (
		getCmd *redis.StringCmd
		ttlCmd *redis.DurationCmd
	)
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		getCmd = p.Get(ctx, k)
		ttlCmd = p.PTTL(ctx, k)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, xerrors.Wrapf(err, "redis count %s", key)
	}

	raw, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, xerrors.Wrapf(err, "redis count %s", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, xerrors.Wrapf(err, "redis count %s: not an integer", key)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return n, ttl, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return xerrors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

func (r *Redis) Close() error {
	if err := r.rdb.Close(); err != nil {
		return xerrors.Wrap(err, "close redis")
	}
	return nil
}
