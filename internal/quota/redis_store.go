package quota

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript はカウンタの増分と有効期限の設定を1回の原子操作で行う。
// 何らかの理由で有効期限が失われたキー（PTTL = -1）は修復する。
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore はRedisを使用したCounterStore。
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWithExpiry はCounterStoreを実装する。
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment quota counter: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected quota script result: %v", res)
	}
	count, ok1 := vals[0].(int64)
	ttlMs, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected quota script result types: %v", vals)
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// compile-time interface check
var _ CounterStore = (*RedisStore)(nil)

// Connect はURL（redis://, rediss://）またはhost:port形式の指定からRedisクライアントを生成する。
// 増分スクリプトは冪等でないため、クライアント側の自動リトライは無効にし、再試行はLedgerに任せる。
func Connect(redisURL string) (*redis.Client, error) {
	var opt *redis.Options
	switch {
	case strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://"):
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opt = parsed
	case redisURL == "":
		return nil, errors.New("redis url is required")
	default:
		opt = &redis.Options{Addr: redisURL}
	}
	opt.MaxRetries = -1
	return redis.NewClient(opt), nil
}

// transientPrefixes はサーバーが一時的に応答できない状態を示すエラープレフィックス。
var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"}

// IsTransient はリトライで回復しうるストアエラーかを判定する。
// 増分スクリプトが実行されていないことが確実なエラーに限る。
// 接続確立の失敗、接続プールの待ち時間切れ、サーバーが実行を拒否した一時的な状態（LOADING等）が対象。
// 送信後の読み取りタイムアウトや接続切断はスクリプトが実行済みの可能性があり、
// 再試行すると二重に消費するため対象外とする。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, redis.ErrPoolTimeout) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range transientPrefixes {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
	}
	return false
}
