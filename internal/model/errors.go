package model

import (
	"fmt"
	"math"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, quota, validation, asset, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeQuotaUnavailable = "QUOTA_STORE_UNAVAILABLE"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeAssetsFailed     = "ASSETS_FAILED"
	ErrCodeGateTimeout      = "GATE_TIMEOUT"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
)

// NewAuthFailedError は認証失敗エラーを生成する。
// kindはmalformed, expired, signature_invalid, missing_scope, revokedのいずれか。
func NewAuthFailedError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("認証に失敗しました: %s", kind),
		Category: "auth",
		Action:   "有効なアクセストークンを Authorization: Bearer ヘッダーで指定してください。",
	}
}

// NewQuotaExceededError はクォータ超過エラーを生成する。
func NewQuotaExceededError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("投稿リクエストの上限に達しました。%d秒後に再試行できます。", RetryAfterSeconds(retryAfter)),
		Category: "quota",
		Action:   "時間をおいてから再度お試しください。",
	}
}

// NewQuotaUnavailableError はクォータストア到達不能エラーを生成する。
func NewQuotaUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeQuotaUnavailable,
		Message:  "利用状況を確認できないため、リクエストを受け付けられません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewValidationFailedError はコンテンツ検証失敗エラーを生成する。
func NewValidationFailedError(count int) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("コンテンツの検証で%d件の問題が見つかりました。", count),
		Category: "validation",
		Action:   "violationsの各項目を修正してから再度お試しください。",
	}
}

// NewAssetsFailedError は画像・リンク検証失敗エラーを生成する。
func NewAssetsFailedError(count int) *APIError {
	return &APIError{
		Code:     ErrCodeAssetsFailed,
		Message:  fmt.Sprintf("%d件の画像またはリンクを解決できませんでした。", count),
		Category: "asset",
		Action:   "assetsの各項目のURLやファイルパスを確認してください。",
	}
}

// NewGateTimeoutError は評価期限切れエラーを生成する。
func NewGateTimeoutError(deadline time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeGateTimeout,
		Message:  fmt.Sprintf("投稿前チェックが制限時間（%s）内に完了しませんでした。", deadline),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// RetryAfterSeconds はRetry-Afterヘッダー用に切り上げた秒数を返す。最小1秒。
func RetryAfterSeconds(d time.Duration) int {
	sec := int(math.Ceil(d.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}
