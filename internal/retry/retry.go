// Package retry は一時的な失敗に対する指数バックオフ付きリトライを提供する。
// 恒久的な失敗（認証拒否、404など）はリトライしない。
package retry

import (
	"context"
	"time"
)

// Backoff は指数バックオフの設定。
type Backoff struct {
	// Initial は初回リトライまでの遅延。
	Initial time.Duration
	// Max は遅延の上限。
	Max time.Duration
}

// Delay はattempt回目（0始まり）のリトライ前に待つ時間を返す。
// Initialから2倍ずつ増加し、Maxで頭打ちになる。
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Do はfnを実行し、transientが真を返すエラーの間だけ最大retries回まで再実行する。
// 最後に得たエラーを返す。ctxがキャンセルされた場合は待機を打ち切り、直前のエラーを返す。
func Do(ctx context.Context, retries int, b Backoff, transient func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !transient(err) || attempt >= retries {
			return err
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
