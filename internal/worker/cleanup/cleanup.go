// Package cleanup は失効トークンの定期削除ジョブを提供する。
// 有効期限を過ぎたトークンは検証段階でexpiredとして拒否されるため、
// 失効レコードを保持し続ける必要はない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RevocationCleanupJob は期限切れ失効レコードの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type RevocationCleanupJob struct {
	db     Executor
	logger *slog.Logger

	// RetentionDays はトークン有効期限後に失効レコードを残す日数（デフォルト: 7）。
	// 検証のleewayより十分長くしておくこと。
	RetentionDays int
}

// NewRevocationCleanupJob は新しいRevocationCleanupJobを生成する。
func NewRevocationCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *RevocationCleanupJob {
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &RevocationCleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はexpires_atが保持期間より前の失効レコードを削除する。
func (j *RevocationCleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		j.logger.Error("失効トークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("失効トークンのクリーンアップに失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("失効トークンのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Loop はintervalごとにRunを実行する。ctxがキャンセルされるまで戻らない。
// 起動直後に1回実行する。個々の実行の失敗はログに記録して継続する。
func (j *RevocationCleanupJob) Loop(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("cleanup run failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("cleanup run failed", slog.String("error", err.Error()))
			}
		}
	}
}
