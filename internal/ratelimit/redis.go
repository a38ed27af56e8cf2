package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript atomically counts a hit and starts the window on the first one.
var incrExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

// Redis is a fixed-window limiter shared by every process using the same
// Redis instance.
type Redis struct {
	rdb    redis.Scripter
	max    int
	period time.Duration
	prefix string
}

// NewRedis builds a limiter over rdb. Keys are namespaced with "rl:".
func NewRedis(rdb redis.Scripter, max int, period time.Duration) *Redis {
	return &Redis{rdb: rdb, max: max, period: period, prefix: "rl:"}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := incrExpireScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.period.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	count, pttl := int(res[0]), res[1]
	d := Decision{Allowed: count <= l.max, Limit: l.max}
	if rem := l.max - count; rem > 0 {
		d.Remaining = rem
	}
	if pttl > 0 {
		d.Reset = time.Duration(pttl) * time.Millisecond
	}
	return d, nil
}
