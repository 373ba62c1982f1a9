package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/publishgate/internal/gate"
	"github.com/hitoshi/publishgate/internal/model"
)

// --- モック定義 ---

type mockEvaluator struct {
	decision model.GateDecision
	lastReq  gate.Request
	calls    int
}

func (m *mockEvaluator) Evaluate(_ context.Context, req gate.Request) model.GateDecision {
	m.calls++
	m.lastReq = req
	return m.decision
}

func decodeDecision(t *testing.T, resp *http.Response) decisionResponse {
	t.Helper()
	var body decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestPublishHandler_Evaluate_Accepted(t *testing.T) {
	doc := model.ParsedDocument{
		Metadata: model.Metadata{Title: "Hello", Tags: []string{"go"}, Language: "fr", EffectiveLanguage: "en", Extra: map[string]any{"series": "basics"}},
		Body:     "# Heading\n\nbody text\n",
	}
	eval := &mockEvaluator{decision: model.GateDecision{
		RequestID: "req-1",
		Accepted:  true,
		Identity:  "user-1",
		Operation: "publish",
		Document:  &doc,
		Duration:  15 * time.Millisecond,
	}}
	h := NewPublishHandler(eval)

	req := httptest.NewRequest(http.MethodPost, "/api/publish/evaluate",
		strings.NewReader(`{"document":"---\ntitle: Hello\n---\nbody","operation":"publish"}`))
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.Evaluate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
		t.Errorf("X-Request-ID = %q, want %q", got, "req-1")
	}
	if eval.lastReq.Token != "abc.def.ghi" {
		t.Errorf("token = %q, want %q", eval.lastReq.Token, "abc.def.ghi")
	}
	if eval.lastReq.Document != "---\ntitle: Hello\n---\nbody" || eval.lastReq.Operation != "publish" {
		t.Errorf("request = %+v", eval.lastReq)
	}

	body := decodeDecision(t, resp)
	if !body.Accepted || body.RequestID != "req-1" || body.DurationMs != 15 {
		t.Errorf("body = %+v", body)
	}
	if body.Document == nil || body.Document.Body != doc.Body || body.Document.Metadata.Title != "Hello" {
		t.Errorf("document = %+v", body.Document)
	}
	if m := body.Document.Metadata; m.Language != "fr" || m.EffectiveLanguage != "en" {
		t.Errorf("language/effective_language = %q/%q, want fr/en", m.Language, m.EffectiveLanguage)
	}
	if body.Document.Metadata.Extra["series"] != "basics" {
		t.Errorf("extra = %v", body.Document.Metadata.Extra)
	}
}

func TestPublishHandler_Evaluate_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		reasons    []model.RejectReason
		wantStatus int
		wantHeader map[string]string
	}{
		{
			name:       "auth failed",
			reasons:    []model.RejectReason{{Kind: model.RejectAuthFailed, Error: model.NewAuthFailedError("expired"), AuthKind: "expired"}},
			wantStatus: http.StatusUnauthorized,
			wantHeader: map[string]string{"WWW-Authenticate": `Bearer error="invalid_token", error_description="expired"`},
		},
		{
			name:       "quota exceeded",
			reasons:    []model.RejectReason{{Kind: model.RejectQuotaExceeded, Error: model.NewQuotaExceededError(90 * time.Second), RetryAfter: 90 * time.Second}},
			wantStatus: http.StatusTooManyRequests,
			wantHeader: map[string]string{"Retry-After": "90"},
		},
		{
			name:       "quota unavailable",
			reasons:    []model.RejectReason{{Kind: model.RejectQuotaUnavailable, Error: model.NewQuotaUnavailableError()}},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "validation and assets",
			reasons: []model.RejectReason{
				{Kind: model.RejectValidation, Error: model.NewValidationFailedError(1)},
				{Kind: model.RejectAssets, Error: model.NewAssetsFailedError(3)},
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "timeout wins over validation",
			reasons: []model.RejectReason{
				{Kind: model.RejectValidation, Error: model.NewValidationFailedError(1)},
				{Kind: model.RejectTimeout, Error: model.NewGateTimeoutError(20 * time.Second)},
			},
			wantStatus: http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := &mockEvaluator{decision: model.GateDecision{RequestID: "req-x", Reasons: tt.reasons}}
			h := NewPublishHandler(eval)

			req := httptest.NewRequest(http.MethodPost, "/api/publish/evaluate", strings.NewReader(`{"document":"x"}`))
			w := httptest.NewRecorder()

			h.Evaluate(w, req)

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			for k, v := range tt.wantHeader {
				if got := resp.Header.Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}

			body := decodeDecision(t, resp)
			if body.Accepted {
				t.Error("accepted should be false")
			}
			if len(body.Reasons) != len(tt.reasons) {
				t.Fatalf("reasons = %d, want %d", len(body.Reasons), len(tt.reasons))
			}
			for i, r := range body.Reasons {
				if r.Kind != string(tt.reasons[i].Kind) || r.Code != tt.reasons[i].Error.Code {
					t.Errorf("reason %d = %+v", i, r)
				}
			}
			if body.Document != nil {
				t.Error("document should be omitted for rejected decisions")
			}
		})
	}
}

func TestPublishHandler_Evaluate_ReportsViolationsAndAssets(t *testing.T) {
	eval := &mockEvaluator{decision: model.GateDecision{
		RequestID: "req-2",
		Reasons: []model.RejectReason{
			{
				Kind:       model.RejectValidation,
				Error:      model.NewValidationFailedError(1),
				Violations: model.ValidationResult{{Field: "title", Rule: "max_length", Message: "too long"}},
			},
			{
				Kind:  model.RejectAssets,
				Error: model.NewAssetsFailedError(1),
				Assets: model.AssetReport{{
					AssetRef:   model.AssetRef{Source: model.AssetSourceImage, Target: "https://example.com/a.png", Line: 3},
					Status:     model.AssetStatusUnreachable,
					HTTPStatus: 404,
					Detail:     "HTTP 404",
				}},
			},
		},
	}}
	h := NewPublishHandler(eval)

	w := httptest.NewRecorder()
	h.Evaluate(w, httptest.NewRequest(http.MethodPost, "/api/publish/evaluate", strings.NewReader(`{"document":"x"}`)))

	var raw map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	reasons := raw["reasons"].([]any)
	violation := reasons[0].(map[string]any)["violations"].([]any)[0].(map[string]any)
	if violation["field"] != "title" || violation["rule"] != "max_length" {
		t.Errorf("violation = %v", violation)
	}
	entry := reasons[1].(map[string]any)["assets"].([]any)[0].(map[string]any)
	if entry["status"] != "unreachable" || entry["http_status"] != float64(404) || entry["line"] != float64(3) {
		t.Errorf("asset entry = %v", entry)
	}
}

func TestPublishHandler_Evaluate_MarkdownBody(t *testing.T) {
	eval := &mockEvaluator{decision: model.GateDecision{RequestID: "req-3", Accepted: true}}
	h := NewPublishHandler(eval)

	raw := "---\ntitle: Hello\n---\n# Body\n"
	req := httptest.NewRequest(http.MethodPost, "/api/publish/evaluate?operation=update", strings.NewReader(raw))
	req.Header.Set("Content-Type", "text/markdown; charset=utf-8")
	w := httptest.NewRecorder()

	h.Evaluate(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if eval.lastReq.Document != raw || eval.lastReq.Operation != "update" {
		t.Errorf("request = %+v", eval.lastReq)
	}
}

func TestPublishHandler_Evaluate_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{not json`},
		{name: "missing document", body: `{"operation":"publish"}`},
		{name: "too large", body: `{"document":"` + strings.Repeat("a", maxDocumentBytes) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := &mockEvaluator{}
			h := NewPublishHandler(eval)

			w := httptest.NewRecorder()
			h.Evaluate(w, httptest.NewRequest(http.MethodPost, "/api/publish/evaluate", strings.NewReader(tt.body)))

			resp := w.Result()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			if eval.calls != 0 {
				t.Error("evaluator should not be called for invalid requests")
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body["code"] != model.ErrCodeInvalidRequest {
				t.Errorf("code = %v, want %s", body["code"], model.ErrCodeInvalidRequest)
			}
		})
	}
}

func TestSetupPublishRoutes_EvaluateEndpoint(t *testing.T) {
	eval := &mockEvaluator{decision: model.GateDecision{RequestID: "req-4", Accepted: true}}
	router := SetupPublishRoutes(eval)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/publish/evaluate", strings.NewReader(`{"document":"x"}`)))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("POST status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/publish/evaluate", nil))
	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", w.Result().StatusCode, http.StatusMethodNotAllowed)
	}
}
