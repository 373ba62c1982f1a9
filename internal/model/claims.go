package model

import "time"

// AuthClaims は検証済みトークンから取り出したクレーム。
// 1リクエストの間のみ有効で、生成後は変更しない。
type AuthClaims struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
}

// HasScope はスコープを保持しているかを返す。
func (c AuthClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RevokedToken は失効済みトークンを表す。
// ExpiresAtを過ぎたレコードはトークン自体が期限切れのため削除してよい。
type RevokedToken struct {
	TokenID   string
	Subject   string
	ExpiresAt time.Time
	RevokedAt time.Time
}

// QuotaDecision はクォータ判定の結果。
type QuotaDecision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Utilization は上限に対する現在の使用率を返す。
func (d QuotaDecision) Utilization() float64 {
	if d.Limit <= 0 {
		return 0
	}
	return float64(d.Count) / float64(d.Limit)
}
