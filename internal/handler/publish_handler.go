package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/publishgate/internal/auth"
	"github.com/hitoshi/publishgate/internal/gate"
	"github.com/hitoshi/publishgate/internal/middleware"
	"github.com/hitoshi/publishgate/internal/model"
)

// maxDocumentBytes はリクエストボディの上限サイズ。
const maxDocumentBytes = 1 << 20

// Evaluator は評価リクエストを判定する。*gate.Gateが満たす。
type Evaluator interface {
	Evaluate(ctx context.Context, req gate.Request) model.GateDecision
}

// PublishHandler は投稿前チェックのHTTPハンドラー。
type PublishHandler struct {
	evaluator Evaluator
}

// NewPublishHandler はPublishHandlerを生成する。
func NewPublishHandler(evaluator Evaluator) *PublishHandler {
	return &PublishHandler{evaluator: evaluator}
}

// evaluateRequest はJSON形式の評価リクエスト。
type evaluateRequest struct {
	Document  *string `json:"document"`
	Operation string  `json:"operation"`
}

// Evaluate は文書を評価し、判定結果を返す。
// POST /api/publish/evaluate
//
// Content-Typeがtext/markdownまたはtext/plainの場合はボディ全体を文書として扱い、
// 操作名はクエリパラメータoperationから取得する。
func (h *PublishHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))

	req, apiErr := decodeEvaluateRequest(w, r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	req.Token = token

	decision := h.evaluator.Evaluate(r.Context(), req)

	middleware.SetRequestID(r.Context(), decision.RequestID)
	if decision.Identity != "" {
		middleware.SetIdentity(r.Context(), decision.Identity)
	}

	w.Header().Set("X-Request-ID", decision.RequestID)
	status := statusForDecision(decision)
	if reason, ok := decision.Reason(model.RejectQuotaExceeded); ok {
		w.Header().Set("Retry-After", strconv.Itoa(model.RetryAfterSeconds(reason.RetryAfter)))
	}
	if reason, ok := decision.Reason(model.RejectAuthFailed); ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+reason.AuthKind+`"`)
	}

	middleware.WriteJSON(w, status, toDecisionResponse(decision))
}

func decodeEvaluateRequest(w http.ResponseWriter, r *http.Request) (gate.Request, *model.APIError) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/markdown" || mediaType == "text/plain" {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return gate.Request{}, bodyReadError(err)
		}
		return gate.Request{Document: string(raw), Operation: r.URL.Query().Get("operation")}, nil
	}

	var body evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return gate.Request{}, bodyReadError(err)
	}
	if body.Document == nil {
		return gate.Request{}, model.NewInvalidRequestError("documentは必須です")
	}
	return gate.Request{Document: *body.Document, Operation: body.Operation}, nil
}

func bodyReadError(err error) *model.APIError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewInvalidRequestError("リクエストボディが大きすぎます")
	}
	return model.NewInvalidRequestError("リクエストボディを読み取れません")
}

// statusForDecision は判定結果をHTTPステータスコードに変換する。
// 期限切れを含む判定は他の理由より優先して504とする。
func statusForDecision(d model.GateDecision) int {
	if d.Accepted {
		return http.StatusOK
	}
	if _, ok := d.Reason(model.RejectTimeout); ok {
		return http.StatusGatewayTimeout
	}
	switch d.Reasons[0].Kind {
	case model.RejectAuthFailed:
		return http.StatusUnauthorized
	case model.RejectQuotaExceeded:
		return http.StatusTooManyRequests
	case model.RejectQuotaUnavailable:
		return http.StatusServiceUnavailable
	case model.RejectValidation, model.RejectAssets:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// --- レスポンス型 ---

type decisionResponse struct {
	RequestID   string            `json:"request_id"`
	Accepted    bool              `json:"accepted"`
	Identity    string            `json:"identity,omitempty"`
	Operation   string            `json:"operation"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
	DurationMs  int64             `json:"duration_ms"`
	Document    *documentResponse `json:"document,omitempty"`
	Reasons     []reasonResponse  `json:"reasons,omitempty"`
}

type reasonResponse struct {
	Kind              string                 `json:"kind"`
	Code              string                 `json:"code"`
	Message           string                 `json:"message"`
	Category          string                 `json:"category"`
	Action            string                 `json:"action"`
	AuthKind          string                 `json:"auth_kind,omitempty"`
	RetryAfterSeconds int                    `json:"retry_after_seconds,omitempty"`
	Violations        model.ValidationResult `json:"violations,omitempty"`
	Assets            model.AssetReport      `json:"assets,omitempty"`
}

type documentResponse struct {
	Metadata metadataResponse `json:"metadata"`
	Body     string           `json:"body"`
}

type metadataResponse struct {
	Title             string         `json:"title,omitempty"`
	Subtitle          string         `json:"subtitle,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Language          string         `json:"language,omitempty"`
	EffectiveLanguage string         `json:"effective_language,omitempty"`
	Draft             bool           `json:"draft,omitempty"`
	PublishedAt       *time.Time     `json:"published_at,omitempty"`
	CanonicalURL      string         `json:"canonical_url,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

func toDecisionResponse(d model.GateDecision) decisionResponse {
	resp := decisionResponse{
		RequestID:   d.RequestID,
		Accepted:    d.Accepted,
		Identity:    d.Identity,
		Operation:   d.Operation,
		EvaluatedAt: d.EvaluatedAt,
		DurationMs:  d.Duration.Milliseconds(),
	}
	// 文書は受理時のみ返す
	if d.Accepted && d.Document != nil {
		m := d.Document.Metadata
		resp.Document = &documentResponse{
			Metadata: metadataResponse{
				Title:             m.Title,
				Subtitle:          m.Subtitle,
				Tags:              m.Tags,
				Language:          m.Language,
				EffectiveLanguage: m.EffectiveLanguage,
				Draft:             m.Draft,
				PublishedAt:       m.PublishedAt,
				CanonicalURL:      m.CanonicalURL,
				Extra:             m.Extra,
			},
			Body: d.Document.Body,
		}
	}
	for _, reason := range d.Reasons {
		rr := reasonResponse{
			Kind:       string(reason.Kind),
			AuthKind:   reason.AuthKind,
			Violations: reason.Violations,
			Assets:     reason.Assets,
		}
		if reason.Error != nil {
			rr.Code = reason.Error.Code
			rr.Message = reason.Error.Message
			rr.Category = reason.Error.Category
			rr.Action = reason.Error.Action
		}
		if reason.Kind == model.RejectQuotaExceeded {
			rr.RetryAfterSeconds = model.RetryAfterSeconds(reason.RetryAfter)
		}
		resp.Reasons = append(resp.Reasons, rr)
	}
	return resp
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// SetupPublishRoutes は投稿前チェックのルーティングを設定したchi.Routerを返す。
func SetupPublishRoutes(evaluator Evaluator) http.Handler {
	r := chi.NewRouter()
	h := NewPublishHandler(evaluator)

	r.Post("/api/publish/evaluate", h.Evaluate)

	return r
}
