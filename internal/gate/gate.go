// Package gate は投稿前の認証・クォータ・コンテンツ検証を1つの判定にまとめる。
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/publishgate/internal/auth"
	"github.com/hitoshi/publishgate/internal/content"
	"github.com/hitoshi/publishgate/internal/model"
	"github.com/hitoshi/publishgate/internal/quota"
)

// FailMode はクォータストア到達不能時の方針。
type FailMode string

const (
	// FailClosed はストア到達不能時に拒否する。
	FailClosed FailMode = "closed"
	// FailOpen はストア到達不能時に許可して後続の検証へ進む。
	FailOpen FailMode = "open"
)

// ParseFailMode は設定値をFailModeに変換する。
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return "", fmt.Errorf("invalid quota fail mode %q: must be \"open\" or \"closed\"", s)
	}
}

// DefaultOperation はRequest.Operationが空の場合に用いる操作名。
const DefaultOperation = "publish"

// TokenVerifier はトークンを検証する。*auth.Verifierが満たす。
type TokenVerifier interface {
	Verify(token string, now time.Time, requiredScope string) (model.AuthClaims, *auth.Error)
}

// RevocationChecker はトークンの失効を確認する。*auth.Serviceが満たす。
type RevocationChecker interface {
	CheckRevoked(ctx context.Context, claims model.AuthClaims, rawToken string) *auth.Error
}

// QuotaChecker はクォータを消費して判定する。*quota.Ledgerが満たす。
type QuotaChecker interface {
	CheckAndIncrement(ctx context.Context, key quota.Key, limit int64, window time.Duration) (model.QuotaDecision, error)
}

// AssetResolver は本文中の参照を確認する。*asset.Resolverが満たす。
type AssetResolver interface {
	Resolve(ctx context.Context, body string) model.AssetReport
}

// Recorder はGate判定のメトリクスを受け取る。*metrics.Collectorが満たす。
type Recorder interface {
	RecordDecision(outcome, reason string)
	RecordEvaluationLatency(duration time.Duration)
	RecordQuotaStoreUnavailable(failMode string)
}

// Config はGateの設定。
type Config struct {
	RequiredScope string
	QuotaLimit    int64
	QuotaWindow   time.Duration
	FailMode      FailMode
	// Deadline は1リクエストの評価全体の期限。0以下の場合は呼び出し元のctxのみに従う。
	Deadline time.Duration
	Limits   content.Limits
}

// Deps はGateが利用するコンポーネント。Revocations、Metrics、Loggerはnilでもよい。
type Deps struct {
	Verifier    TokenVerifier
	Revocations RevocationChecker
	Quota       QuotaChecker
	Assets      AssetResolver
	Metrics     Recorder
	Logger      *slog.Logger
}

// Request は1件の評価リクエスト。
type Request struct {
	Token     string
	Document  string
	Operation string
}

// Gate は評価リクエストを受け取り、受理または構造化された拒否理由を返す。
// リクエスト間で可変状態を共有しない。共有状態はクォータストアのみ。
type Gate struct {
	cfg         Config
	verifier    TokenVerifier
	revocations RevocationChecker
	quota       QuotaChecker
	assets      AssetResolver
	metrics     Recorder
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// New はGateを生成する。
func New(cfg Config, deps Deps) *Gate {
	if cfg.FailMode == "" {
		cfg.FailMode = FailClosed
	}
	if cfg.RequiredScope == "" {
		cfg.RequiredScope = DefaultOperation
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:         cfg,
		verifier:    deps.Verifier,
		revocations: deps.Revocations,
		quota:       deps.Quota,
		assets:      deps.Assets,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// Evaluate はリクエストを評価する。
// 認証→失効確認→クォータ→パース→（検証∥参照確認）の順に進み、後戻りしない。
// 認証とクォータの失敗はその時点で打ち切り、理由を1件だけ返す。
// 検証と参照確認の問題はまとめて返す。
func (g *Gate) Evaluate(ctx context.Context, req Request) model.GateDecision {
	start := g.now()
	decision := model.GateDecision{
		RequestID:   g.newID(),
		Operation:   req.Operation,
		EvaluatedAt: start.UTC(),
	}
	if decision.Operation == "" {
		decision.Operation = DefaultOperation
	}

	if g.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Deadline)
		defer cancel()
	}

	decision.Reasons = g.evaluate(ctx, req, &decision)
	decision.Accepted = len(decision.Reasons) == 0
	decision.Duration = g.now().Sub(start)

	g.record(decision)
	return decision
}

func (g *Gate) evaluate(ctx context.Context, req Request, decision *model.GateDecision) []model.RejectReason {
	// Authenticating
	claims, authErr := g.verifier.Verify(req.Token, g.now(), g.cfg.RequiredScope)
	if authErr != nil {
		return []model.RejectReason{authRejection(authErr)}
	}
	decision.Identity = claims.Subject

	if g.revocations != nil {
		if authErr := g.revocations.CheckRevoked(ctx, claims, req.Token); authErr != nil {
			if ctx.Err() != nil {
				return []model.RejectReason{timeoutRejection(ctx, g.cfg.Deadline, nil)}
			}
			g.logger.Info("token rejected by revocation check",
				slog.String("identity", claims.Subject),
				slog.String("error", authErr.Error()),
			)
			return []model.RejectReason{authRejection(authErr)}
		}
	}

	// QuotaChecking
	key := quota.Key{Identity: claims.Subject, Operation: decision.Operation}
	q, err := g.quota.CheckAndIncrement(ctx, key, g.cfg.QuotaLimit, g.cfg.QuotaWindow)
	switch {
	case err != nil && ctx.Err() != nil:
		return []model.RejectReason{timeoutRejection(ctx, g.cfg.Deadline, nil)}
	case err != nil:
		g.safeMetrics(func(m Recorder) { m.RecordQuotaStoreUnavailable(string(g.cfg.FailMode)) })
		if g.cfg.FailMode == FailClosed || !errors.Is(err, quota.ErrStoreUnavailable) {
			return []model.RejectReason{{
				Kind:  model.RejectQuotaUnavailable,
				Error: model.NewQuotaUnavailableError(),
			}}
		}
		g.logger.Warn("quota store unavailable, continuing (fail-open)",
			slog.String("request_id", decision.RequestID),
			slog.String("identity", key.Identity),
			slog.String("operation", key.Operation),
		)
	case !q.Allowed:
		return []model.RejectReason{{
			Kind:       model.RejectQuotaExceeded,
			Error:      model.NewQuotaExceededError(q.RetryAfter),
			RetryAfter: q.RetryAfter,
		}}
	}

	// Parsing
	doc := content.Parse(req.Document)
	doc.Metadata.EffectiveLanguage = g.cfg.Limits.EffectiveLanguage(doc.Metadata.Language)
	decision.Document = &doc

	// Validating ∥ ResolvingAssets
	var (
		wg         sync.WaitGroup
		violations model.ValidationResult
		report     model.AssetReport
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		violations = content.Validate(doc, g.cfg.Limits)
	}()
	go func() {
		defer wg.Done()
		report = g.assets.Resolve(ctx, doc.Body)
	}()
	wg.Wait()

	var reasons []model.RejectReason
	if !violations.Valid() {
		reasons = append(reasons, model.RejectReason{
			Kind:       model.RejectValidation,
			Error:      model.NewValidationFailedError(len(violations)),
			Violations: violations,
		})
	}
	if ctx.Err() != nil {
		return append(reasons, timeoutRejection(ctx, g.cfg.Deadline, report))
	}
	if failed := report.Failed(); len(failed) > 0 {
		reasons = append(reasons, model.RejectReason{
			Kind:   model.RejectAssets,
			Error:  model.NewAssetsFailedError(len(failed)),
			Assets: report,
		})
	}
	return reasons
}

func authRejection(err *auth.Error) model.RejectReason {
	return model.RejectReason{
		Kind:     model.RejectAuthFailed,
		Error:    model.NewAuthFailedError(string(err.Kind)),
		AuthKind: string(err.Kind),
	}
}

// timeoutRejection は期限切れの理由を生成する。期限までに得られた参照確認結果を添える。
func timeoutRejection(ctx context.Context, deadline time.Duration, report model.AssetReport) model.RejectReason {
	apiErr := model.NewGateTimeoutError(deadline)
	if errors.Is(ctx.Err(), context.Canceled) {
		apiErr.Message = "リクエストがキャンセルされました。"
	}
	return model.RejectReason{
		Kind:   model.RejectTimeout,
		Error:  apiErr,
		Assets: report,
	}
}

// record は判定をログとメトリクスに出力する。
// 拒否の場合、判定件数は拒否理由の種別ごとに1件ずつ記録する。
func (g *Gate) record(d model.GateDecision) {
	outcome, reasons := "accepted", []string{"none"}
	if !d.Accepted {
		outcome, reasons = "rejected", make([]string, 0, len(d.Reasons))
		for _, kind := range d.Kinds() {
			reasons = append(reasons, string(kind))
		}
	}
	reason := strings.Join(reasons, ",")

	attrs := []any{
		slog.String("request_id", d.RequestID),
		slog.String("identity", d.Identity),
		slog.String("operation", d.Operation),
		slog.String("outcome", outcome),
		slog.String("reason", reason),
		slog.Int64("duration_ms", d.Duration.Milliseconds()),
	}
	if d.Accepted {
		g.logger.Info("publish request accepted", attrs...)
	} else {
		g.logger.Info("publish request rejected", attrs...)
	}

	g.safeMetrics(func(m Recorder) {
		for _, r := range reasons {
			m.RecordDecision(outcome, r)
		}
		m.RecordEvaluationLatency(d.Duration)
	})
}

// safeMetrics はメトリクスを出力する。出力側のpanicは判定に影響させない。
func (g *Gate) safeMetrics(fn func(Recorder)) {
	if g.metrics == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Warn("metrics recorder panicked", slog.Any("panic", rec))
		}
	}()
	fn(g.metrics)
}
