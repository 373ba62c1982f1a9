package model

import "time"

// RejectKind は拒否理由の種別。
type RejectKind string

const (
	RejectAuthFailed       RejectKind = "auth_failed"
	RejectQuotaExceeded    RejectKind = "quota_exceeded"
	RejectQuotaUnavailable RejectKind = "quota_unavailable"
	RejectValidation       RejectKind = "validation_failed"
	RejectAssets           RejectKind = "assets_failed"
	RejectTimeout          RejectKind = "timeout"
)

// RejectReason は構造化された拒否理由。
// 内部エラーをそのまま返さず、種別と詳細のみを保持する。
type RejectReason struct {
	Kind  RejectKind
	Error *APIError

	// AuthKind は認証失敗の詳細種別（malformed, expired, signature_invalid, missing_scope, revoked）。
	AuthKind string
	// RetryAfter はクォータ超過時に次のウィンドウまでの待ち時間。
	RetryAfter time.Duration
	// Violations は検証失敗時の全違反。
	Violations ValidationResult
	// Assets は参照解決失敗時の全レポート。
	Assets AssetReport
}

// GateDecision は1リクエストの最終判定。生成後は変更しない。
type GateDecision struct {
	RequestID   string
	Accepted    bool
	Document    *ParsedDocument
	Reasons     []RejectReason
	Identity    string
	Operation   string
	EvaluatedAt time.Time
	Duration    time.Duration
}

// Rejected は拒否判定かを返す。
func (d GateDecision) Rejected() bool {
	return !d.Accepted
}

// Reason は指定種別の拒否理由を返す。存在しない場合はfalseを返す。
func (d GateDecision) Reason(kind RejectKind) (RejectReason, bool) {
	for _, r := range d.Reasons {
		if r.Kind == kind {
			return r, true
		}
	}
	return RejectReason{}, false
}

// Kinds は拒否理由の種別を順に返す。
func (d GateDecision) Kinds() []RejectKind {
	kinds := make([]RejectKind, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}
