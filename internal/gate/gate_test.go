package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/publishgate/internal/asset"
	"github.com/hitoshi/publishgate/internal/auth"
	"github.com/hitoshi/publishgate/internal/content"
	"github.com/hitoshi/publishgate/internal/metrics"
	"github.com/hitoshi/publishgate/internal/model"
	"github.com/hitoshi/publishgate/internal/quota"
)

const testSecret = "gate-test-secret-0123456789"

var longText = strings.Repeat("lorem ipsum dolor ", 8)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// --- モック定義 ---

type revokedChecker struct{}

func (revokedChecker) CheckRevoked(context.Context, model.AuthClaims, string) *auth.Error {
	return &auth.Error{Kind: auth.KindRevoked}
}

type failingQuota struct{ calls int }

func (f *failingQuota) CheckAndIncrement(context.Context, quota.Key, int64, time.Duration) (model.QuotaDecision, error) {
	f.calls++
	return model.QuotaDecision{}, fmt.Errorf("%w: connection refused", quota.ErrStoreUnavailable)
}

type panickingRecorder struct{}

func (panickingRecorder) RecordDecision(string, string)         { panic("boom") }
func (panickingRecorder) RecordEvaluationLatency(time.Duration) { panic("boom") }
func (panickingRecorder) RecordQuotaStoreUnavailable(string)    { panic("boom") }

type recordingPublisher struct {
	sub *Submission
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, sub Submission) error {
	p.sub = &sub
	return p.err
}

// --- テスト用Gate ---

type fixture struct {
	gate   *Gate
	mr     *miniredis.Miniredis
	srv    *httptest.Server
	reg    *prometheus.Registry
	issuer *auth.Issuer
}

// newFixture は実際の検証器・台帳・参照確認を組み合わせたGateを生成する。
// 参照先サーバーは /ok で始まるパスに200、/slow に応答遅延、それ以外に404を返す。
func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/ok"):
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/slow"):
			select {
			case <-r.Context().Done():
			case <-time.After(3 * time.Second):
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	logger := newTestLogger()

	verifier, err := auth.NewVerifier(testSecret, 0)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	issuer, err := auth.NewIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	resolver, err := asset.NewResolver(asset.Config{
		ContentRoot:   t.TempDir(),
		CheckTimeout:  2 * time.Second,
		MaxConcurrent: 4,
	}, srv.Client(), nil, collector, logger)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	deps := Deps{
		Verifier: verifier,
		Quota:    quota.NewLedger(quota.NewRedisStore(client), collector, logger, 0),
		Assets:   resolver,
		Metrics:  collector,
		Logger:   logger,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &fixture{
		gate:   New(cfg, deps),
		mr:     mr,
		srv:    srv,
		reg:    reg,
		issuer: issuer,
	}
}

func defaultConfig() Config {
	return Config{
		RequiredScope: "publish",
		QuotaLimit:    100,
		QuotaWindow:   time.Hour,
		FailMode:      FailClosed,
		Deadline:      5 * time.Second,
		Limits:        content.DefaultLimits(),
	}
}

func (f *fixture) token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"publish"}
	}
	token, _, err := f.issuer.Issue(subject, scopes, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func document(title, body string) string {
	return "---\ntitle: " + title + "\ntags: [go, web-dev]\n---\n" + body
}

func kinds(d model.GateDecision) []model.RejectKind {
	if d.Accepted {
		return nil
	}
	return d.Kinds()
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// --- 認証 ---

func TestEvaluate_AuthFailureShortCircuits(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)

	expiredToken, _, err := f.issuer.Issue("user-1", []string{"publish"}, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tokens := []struct {
		name     string
		token    string
		wantKind string
	}{
		{name: "empty", token: "", wantKind: "malformed"},
		{name: "garbage", token: "not-a-token", wantKind: "malformed"},
		{name: "expired", token: expiredToken, wantKind: "expired"},
		{name: "missing scope", token: f.token(t, "user-1", "read"), wantKind: "missing_scope"},
	}
	documents := []struct {
		name string
		doc  string
	}{
		{name: "valid", doc: document("Hello", "# Heading\n\n"+longText)},
		{name: "invalid", doc: document(strings.Repeat("a", 500), "short ![x]("+"http://127.0.0.1:1/x.png)")},
		{name: "no metadata", doc: "plain"},
	}

	for _, tt := range tokens {
		for _, d := range documents {
			t.Run(tt.name+"/"+d.name, func(t *testing.T) {
				decision := f.gate.Evaluate(context.Background(), Request{Token: tt.token, Document: d.doc})

				if got := kinds(decision); !reflect.DeepEqual(got, []model.RejectKind{model.RejectAuthFailed}) {
					t.Fatalf("kinds = %v, want [auth_failed]", got)
				}
				if decision.Reasons[0].AuthKind != tt.wantKind {
					t.Errorf("AuthKind = %q, want %q", decision.Reasons[0].AuthKind, tt.wantKind)
				}
				if decision.Document != nil {
					t.Error("document should not be parsed after auth failure")
				}
			})
		}
	}

	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("quota should not be consumed on auth failure, keys = %v", keys)
	}
}

func TestEvaluate_RevokedToken(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(d *Deps) { d.Revocations = revokedChecker{} })

	decision := f.gate.Evaluate(context.Background(), Request{
		Token:    f.token(t, "user-1"),
		Document: document("Hello", longText),
	})

	if got := kinds(decision); !reflect.DeepEqual(got, []model.RejectKind{model.RejectAuthFailed}) {
		t.Fatalf("kinds = %v, want [auth_failed]", got)
	}
	if decision.Reasons[0].AuthKind != "revoked" {
		t.Errorf("AuthKind = %q, want revoked", decision.Reasons[0].AuthKind)
	}
	if decision.Identity != "user-1" {
		t.Errorf("Identity = %q, want user-1", decision.Identity)
	}
}

// --- クォータ ---

func TestEvaluate_QuotaExceeded(t *testing.T) {
	cfg := defaultConfig()
	cfg.QuotaLimit = 3
	f := newFixture(t, cfg, nil)
	token := f.token(t, "user-1")
	doc := document("Hello", longText)

	for i := range 3 {
		d := f.gate.Evaluate(context.Background(), Request{Token: token, Document: doc})
		if !d.Accepted {
			t.Fatalf("request %d: expected accepted, got %v", i+1, kinds(d))
		}
	}

	d := f.gate.Evaluate(context.Background(), Request{Token: token, Document: doc})
	if got := kinds(d); !reflect.DeepEqual(got, []model.RejectKind{model.RejectQuotaExceeded}) {
		t.Fatalf("kinds = %v, want [quota_exceeded]", got)
	}
	if d.Reasons[0].RetryAfter <= 0 || d.Reasons[0].RetryAfter > time.Hour {
		t.Errorf("RetryAfter = %v, want within (0, 1h]", d.Reasons[0].RetryAfter)
	}
	if d.Document != nil {
		t.Error("document should not be parsed after quota rejection")
	}

	// 別の操作は独立したカウンタを持つ
	other := f.gate.Evaluate(context.Background(), Request{Token: token, Document: doc, Operation: "update"})
	if !other.Accepted {
		t.Errorf("other operation should be accepted, got %v", kinds(other))
	}
}

func TestEvaluate_ConcurrentQuotaAllowsExactlyLimit(t *testing.T) {
	const limit = 5
	cfg := defaultConfig()
	cfg.QuotaLimit = limit
	f := newFixture(t, cfg, nil)
	token := f.token(t, "user-1")
	doc := document("Hello", longText)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		exceeded int
	)
	for range limit + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := f.gate.Evaluate(context.Background(), Request{Token: token, Document: doc})
			mu.Lock()
			defer mu.Unlock()
			if d.Accepted {
				accepted++
			} else if _, ok := d.Reason(model.RejectQuotaExceeded); ok {
				exceeded++
			}
		}()
	}
	wg.Wait()

	if accepted != limit || exceeded != 1 {
		t.Errorf("accepted = %d, exceeded = %d, want %d and 1", accepted, exceeded, limit)
	}
}

func TestEvaluate_QuotaStoreUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		mode     FailMode
		accepted bool
	}{
		{name: "fail closed rejects", mode: FailClosed, accepted: false},
		{name: "fail open continues", mode: FailOpen, accepted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.FailMode = tt.mode
			store := &failingQuota{}
			f := newFixture(t, cfg, func(d *Deps) { d.Quota = store })

			d := f.gate.Evaluate(context.Background(), Request{
				Token:    f.token(t, "user-1"),
				Document: document("Hello", longText),
			})

			if d.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, want %v (kinds %v)", d.Accepted, tt.accepted, kinds(d))
			}
			if !tt.accepted {
				if got := kinds(d); !reflect.DeepEqual(got, []model.RejectKind{model.RejectQuotaUnavailable}) {
					t.Errorf("kinds = %v, want [quota_unavailable]", got)
				}
			}
			if store.calls != 1 {
				t.Errorf("quota calls = %d, want 1", store.calls)
			}
			got := counterValue(t, f.reg, "publishgate_quota_store_unavailable_total", map[string]string{"fail_mode": string(tt.mode)})
			if got != 1 {
				t.Errorf("quota_store_unavailable_total = %v, want 1", got)
			}
		})
	}
}

// --- コンテンツ ---

func TestEvaluate_ValidationAndAssetsReportedTogether(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	body := "# Heading\n\n" + longText + "\n\n" +
		"![one](" + f.srv.URL + "/missing-1.png)\n" +
		"![two](" + f.srv.URL + "/missing-2.png)\n" +
		"![three](" + f.srv.URL + "/missing-3.png)\n"

	d := f.gate.Evaluate(context.Background(), Request{
		Token:    f.token(t, "user-1"),
		Document: document(strings.Repeat("a", 101), body),
	})

	want := []model.RejectKind{model.RejectValidation, model.RejectAssets}
	if got := kinds(d); !reflect.DeepEqual(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}

	validation, _ := d.Reason(model.RejectValidation)
	if len(validation.Violations) != 1 || validation.Violations[0].Field != "title" {
		t.Errorf("violations = %+v, want a single title violation", validation.Violations)
	}

	assets, _ := d.Reason(model.RejectAssets)
	if len(assets.Assets) != 3 {
		t.Fatalf("asset entries = %d, want 3", len(assets.Assets))
	}
	if n := assets.Assets.Count(model.AssetStatusUnreachable); n != 3 {
		t.Errorf("unreachable = %d, want 3", n)
	}
	for i, e := range assets.Assets {
		if !strings.HasSuffix(e.Target, fmt.Sprintf("/missing-%d.png", i+1)) {
			t.Errorf("entry %d target = %q, want first-seen order", i, e.Target)
		}
	}
}

func TestEvaluate_AcceptedRoundTripsDocument(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	body := "# Heading\n\n" + longText + "\n\n![cover](" + f.srv.URL + "/ok/cover.png)\n" +
		"See [the docs](" + f.srv.URL + "/ok/docs).\n"
	raw := "---\ntitle: Hello World\nsubtitle: A short intro\ntags: [go, web-dev]\nlanguage: en-US\nseries: basics\n---\n" + body

	d := f.gate.Evaluate(context.Background(), Request{Token: f.token(t, "user-1"), Document: raw})

	if !d.Accepted {
		t.Fatalf("expected accepted, got %v", kinds(d))
	}
	if d.Document == nil {
		t.Fatal("accepted decision should carry the parsed document")
	}
	meta := d.Document.Metadata
	if meta.Title != "Hello World" || meta.Subtitle != "A short intro" || meta.Language != "en-US" {
		t.Errorf("metadata = %+v", meta)
	}
	if !reflect.DeepEqual(meta.Tags, []string{"go", "web-dev"}) {
		t.Errorf("Tags = %v", meta.Tags)
	}
	if meta.Extra["series"] != "basics" {
		t.Errorf("Extra[series] = %v, want basics", meta.Extra["series"])
	}
	if d.Document.Body != body {
		t.Errorf("Body = %q, want %q", d.Document.Body, body)
	}
	if d.Identity != "user-1" || d.Operation != DefaultOperation {
		t.Errorf("Identity/Operation = %q/%q", d.Identity, d.Operation)
	}
}

func TestEvaluate_AppliesLanguageFallback(t *testing.T) {
	cfg := defaultConfig()
	cfg.Limits.SupportedLanguages = []string{"en", "ja"}
	f := newFixture(t, cfg, nil)

	tests := []struct {
		name         string
		languageLine string
		wantRaw      string
		wantApplied  string
	}{
		{"サポート外はデフォルト", "language: fr\n", "fr", "en"},
		{"未指定はデフォルト", "", "", "en"},
		{"地域付きは正規化", "language: ja-JP\n", "ja-JP", "ja"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "---\ntitle: Hello\n" + tt.languageLine + "---\n" + longText
			d := f.gate.Evaluate(context.Background(), Request{Token: f.token(t, "lang-user"), Document: raw})
			if !d.Accepted {
				t.Fatalf("expected accepted, got %v", kinds(d))
			}
			meta := d.Document.Metadata
			if meta.Language != tt.wantRaw || meta.EffectiveLanguage != tt.wantApplied {
				t.Errorf("Language/EffectiveLanguage = %q/%q, want %q/%q", meta.Language, meta.EffectiveLanguage, tt.wantRaw, tt.wantApplied)
			}

			p := &recordingPublisher{}
			if err := PublishIfAccepted(context.Background(), d, p); err != nil {
				t.Fatalf("PublishIfAccepted: %v", err)
			}
			if got := content.Parse(p.sub.Rendered).Metadata.Language; got != tt.wantApplied {
				t.Errorf("rendered language = %q, want %q", got, tt.wantApplied)
			}
		})
	}
}

func TestEvaluate_DeadlineProducesTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.Deadline = 200 * time.Millisecond
	f := newFixture(t, cfg, nil)
	body := "# Heading\n\n" + longText + "\n\n![slow](" + f.srv.URL + "/slow/a.png)\n"

	start := time.Now()
	d := f.gate.Evaluate(context.Background(), Request{Token: f.token(t, "user-1"), Document: document("Hello", body)})
	elapsed := time.Since(start)

	if got := kinds(d); !reflect.DeepEqual(got, []model.RejectKind{model.RejectTimeout}) {
		t.Fatalf("kinds = %v, want [timeout]", got)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Evaluate took %v, should stop at the deadline", elapsed)
	}
	reason, _ := d.Reason(model.RejectTimeout)
	if len(reason.Assets) != 1 || reason.Assets[0].Detail != model.DetailTimeout {
		t.Errorf("timeout reason assets = %+v, want one timed-out entry", reason.Assets)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	token := f.token(t, "user-1")
	body := "short\n\n![a](" + f.srv.URL + "/ok/a.png) ![b](" + f.srv.URL + "/gone.png) [c](#top)\n"
	req := Request{Token: token, Document: document(strings.Repeat("t", 150), body)}

	first := f.gate.Evaluate(context.Background(), req)
	f.mr.FlushAll()
	second := f.gate.Evaluate(context.Background(), req)

	if first.Accepted != second.Accepted {
		t.Fatalf("Accepted differs: %v vs %v", first.Accepted, second.Accepted)
	}
	if !reflect.DeepEqual(kinds(first), kinds(second)) {
		t.Fatalf("kinds differ: %v vs %v", kinds(first), kinds(second))
	}
	for i := range first.Reasons {
		a, b := first.Reasons[i], second.Reasons[i]
		if !reflect.DeepEqual(a.Violations, b.Violations) {
			t.Errorf("violations differ: %+v vs %+v", a.Violations, b.Violations)
		}
		if !reflect.DeepEqual(a.Assets, b.Assets) {
			t.Errorf("assets differ: %+v vs %+v", a.Assets, b.Assets)
		}
	}
	if first.RequestID == second.RequestID {
		t.Error("each evaluation should have its own request id")
	}
}

// --- メトリクス・ID ---

func TestEvaluate_RecordsMetrics(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)

	f.gate.Evaluate(context.Background(), Request{Token: f.token(t, "user-1"), Document: document("Hello", longText)})
	f.gate.Evaluate(context.Background(), Request{Token: "bad", Document: document("Hello", longText)})

	if got := counterValue(t, f.reg, "publishgate_decisions_total", map[string]string{"outcome": "accepted", "reason": "none"}); got != 1 {
		t.Errorf("accepted/none = %v, want 1", got)
	}
	if got := counterValue(t, f.reg, "publishgate_decisions_total", map[string]string{"outcome": "rejected", "reason": "auth_failed"}); got != 1 {
		t.Errorf("rejected/auth_failed = %v, want 1", got)
	}
}

func TestEvaluate_RecordsEveryRejectionReason(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	body := "# Heading\n\n" + longText + "\n\n![gone](" + f.srv.URL + "/missing.png)\n"

	d := f.gate.Evaluate(context.Background(), Request{
		Token:    f.token(t, "user-1"),
		Document: document(strings.Repeat("a", 101), body),
	})
	if got := kinds(d); !reflect.DeepEqual(got, []model.RejectKind{model.RejectValidation, model.RejectAssets}) {
		t.Fatalf("kinds = %v, want [validation_failed assets_failed]", got)
	}

	for _, reason := range []string{"validation_failed", "assets_failed"} {
		if got := counterValue(t, f.reg, "publishgate_decisions_total", map[string]string{"outcome": "rejected", "reason": reason}); got != 1 {
			t.Errorf("rejected/%s = %v, want 1", reason, got)
		}
	}
}

func TestEvaluate_PanickingRecorderDoesNotAffectDecision(t *testing.T) {
	f := newFixture(t, defaultConfig(), func(d *Deps) { d.Metrics = panickingRecorder{} })

	d := f.gate.Evaluate(context.Background(), Request{Token: f.token(t, "user-1"), Document: document("Hello", longText)})
	if !d.Accepted {
		t.Errorf("expected accepted, got %v", kinds(d))
	}
}

func TestEvaluate_RequestIDIsUUID(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)

	d := f.gate.Evaluate(context.Background(), Request{Token: "bad"})
	if _, err := uuid.Parse(d.RequestID); err != nil {
		t.Errorf("RequestID %q is not a uuid: %v", d.RequestID, err)
	}
	if d.EvaluatedAt.IsZero() {
		t.Error("EvaluatedAt should be set")
	}
}

// --- 設定・投稿 ---

func TestParseFailMode(t *testing.T) {
	tests := []struct {
		in      string
		want    FailMode
		wantErr bool
	}{
		{in: "closed", want: FailClosed},
		{in: "OPEN", want: FailOpen},
		{in: " open ", want: FailOpen},
		{in: "sometimes", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFailMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublishIfAccepted(t *testing.T) {
	doc := content.Parse(document("Hello", longText))

	t.Run("accepted", func(t *testing.T) {
		p := &recordingPublisher{}
		err := PublishIfAccepted(context.Background(), model.GateDecision{RequestID: "r1", Accepted: true, Document: &doc}, p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.sub == nil || p.sub.RequestID != "r1" || p.sub.Document.Body != doc.Body {
			t.Fatalf("publisher received %+v", p.sub)
		}
		reparsed := content.Parse(p.sub.Rendered)
		if reparsed.Body != doc.Body || reparsed.Metadata.Title != "Hello" {
			t.Errorf("rendered document does not round trip: %+v", reparsed)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		p := &recordingPublisher{}
		err := PublishIfAccepted(context.Background(), model.GateDecision{RequestID: "r2", Document: &doc}, p)
		if !errors.Is(err, ErrNotAccepted) {
			t.Fatalf("err = %v, want ErrNotAccepted", err)
		}
		if p.sub != nil {
			t.Error("publisher should not be called for rejected decisions")
		}
	})

	t.Run("publisher error", func(t *testing.T) {
		sentinel := errors.New("platform down")
		p := &recordingPublisher{err: sentinel}
		err := PublishIfAccepted(context.Background(), model.GateDecision{RequestID: "r3", Accepted: true, Document: &doc}, p)
		if !errors.Is(err, sentinel) {
			t.Errorf("err = %v, want wrapped sentinel", err)
		}
	})
}
