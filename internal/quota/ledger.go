// Package quota は共有ストア上の固定ウィンドウカウンタによる利用上限管理を提供する。
// カウントはプロセス内にキャッシュせず、増分と判定は常にストアの原子操作で行う。
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/publishgate/internal/model"
	"github.com/hitoshi/publishgate/internal/retry"
)

// ErrStoreUnavailable はリトライ後もカウンタストアに到達できなかったことを表す。
var ErrStoreUnavailable = errors.New("quota store unavailable")

// Key は(identity, operation)ごとのカウンタを識別する。
type Key struct {
	Identity  string
	Operation string
}

// String はストア上のキー名を返す。同じ入力からは常に同じ名前が導出される。
func (k Key) String() string {
	return "quota:" + k.Identity + ":" + k.Operation
}

// CounterStore は原子的なカウンタ増分を提供するストア。
type CounterStore interface {
	// IncrWithExpiry はkeyのカウンタを1増やし、増分後の値とウィンドウ残り時間を返す。
	// カウンタが新規作成された場合はwindowの有効期限を設定する。
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// UtilizationReporter は上限超過時の使用率を受け取る。
type UtilizationReporter interface {
	ObserveQuotaUtilization(identity, operation string, utilization float64)
}

// Ledger はクォータの確認と消費を行う。
type Ledger struct {
	store    CounterStore
	reporter UtilizationReporter
	logger   *slog.Logger
	retries  int
	now      func() time.Time

	// Backoff はストアの一時的な失敗に対するリトライ間隔。
	Backoff retry.Backoff
	// IsTransient はリトライ対象のエラーかを判定する。
	IsTransient func(error) bool
}

// NewLedger はLedgerを生成する。reporterはnilでもよい。
// retriesはストア操作の一時的な失敗に対する再試行回数（初回を含まない）。
func NewLedger(store CounterStore, reporter UtilizationReporter, logger *slog.Logger, retries int) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 0 {
		retries = 0
	}
	return &Ledger{
		store:       store,
		reporter:    reporter,
		logger:      logger,
		retries:     retries,
		now:         time.Now,
		Backoff:     retry.Backoff{Initial: 50 * time.Millisecond, Max: time.Second},
		IsTransient: IsTransient,
	}
}

// CheckAndIncrement はkeyのカウンタを1消費し、上限内かを判定する。
// count <= limit の場合に許可する。拒否の場合もカウンタは増分される。
// ストアに到達できない場合はErrStoreUnavailableをラップしたエラーを返す。
func (l *Ledger) CheckAndIncrement(ctx context.Context, key Key, limit int64, window time.Duration) (model.QuotaDecision, error) {
	if window <= 0 {
		return model.QuotaDecision{}, fmt.Errorf("quota window must be positive: %s", window)
	}

	var count int64
	var ttl time.Duration
	err := retry.Do(ctx, l.retries, l.Backoff, l.IsTransient, func(ctx context.Context) error {
		var incrErr error
		count, ttl, incrErr = l.store.IncrWithExpiry(ctx, key.String(), window)
		return incrErr
	})
	if err != nil {
		l.logger.Error("quota store unavailable",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return model.QuotaDecision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if ttl <= 0 || ttl > window {
		ttl = window
	}

	decision := model.QuotaDecision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   l.now().Add(ttl),
	}
	if !decision.Allowed {
		decision.RetryAfter = ttl
		l.report(key, decision.Utilization())
	}
	return decision, nil
}

// report は使用率を通知する。通知側の失敗は判定に影響させない。
func (l *Ledger) report(key Key, utilization float64) {
	if l.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("quota utilization report panicked",
				slog.Any("panic", r),
			)
		}
	}()
	l.reporter.ObserveQuotaUtilization(key.Identity, key.Operation, utilization)
}
