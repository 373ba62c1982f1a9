package asset

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// errThrottled はホストごとの待ち時間が期限内に収まらないことを表す。
// rate.Limiter.Waitは期限到達前に拒否するため、タイムアウトとして扱う。
var errThrottled = errors.New("host rate limit wait would exceed deadline")

// hostLimiters はホストごとのリクエスト間隔を制御する。
// Resolveの呼び出しごとに生成し、1つの本文の中でのみ共有する。
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newHostLimiters はホストごとに毎秒perSecond件、バーストburst件を許可するリミッターを生成する。
// perSecondが0以下の場合は制限しない。
func newHostLimiters(perSecond float64, burst int) *hostLimiters {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &hostLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait はhostへのリクエストが許可されるまで待つ。
// ctxが終了した場合はctxのエラー、期限内に許可されない場合はerrThrottledを返す。
func (h *hostLimiters) Wait(ctx context.Context, host string) error {
	if err := h.get(host).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errThrottled
	}
	return nil
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	return l
}
