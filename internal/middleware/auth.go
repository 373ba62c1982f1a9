// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/publishgate/internal/auth"
	"github.com/hitoshi/publishgate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストに検証済みクレームを格納するためのキー。
var claimsContextKey = contextKey("claims")

// authenticated は検証済みクレームと生トークンの組。
type authenticated struct {
	claims model.AuthClaims
	token  string
}

// TokenVerifier はトークン検証に必要なインターフェース。*auth.Verifierが満たす。
type TokenVerifier interface {
	Verify(token string, now time.Time, requiredScope string) (model.AuthClaims, *auth.Error)
}

// RevocationChecker は失効確認に必要なインターフェース。*auth.Serviceが満たす。
type RevocationChecker interface {
	CheckRevoked(ctx context.Context, claims model.AuthClaims, rawToken string) *auth.Error
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 検証済みクレームをリクエストコンテキストに注入する。
// 未認証・失効済みのリクエストには401 Unauthorizedを返す。revocationsはnilでもよい。
func NewBearerAuthMiddleware(verifier TokenVerifier, revocations RevocationChecker, requiredScope string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _ := auth.BearerToken(r.Header.Get("Authorization"))

			claims, authErr := verifier.Verify(token, time.Now(), requiredScope)
			if authErr == nil && revocations != nil {
				authErr = revocations.CheckRevoked(r.Context(), claims, token)
			}
			if authErr != nil {
				WriteAuthError(w, authErr)
				return
			}

			SetIdentity(r.Context(), claims.Subject)
			ctx := ContextWithClaims(r.Context(), claims, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext はリクエストコンテキストから検証済みクレームと生トークンを取得する。
// Bearer認証ミドルウェアを通過したリクエストでのみ有効。
func ClaimsFromContext(ctx context.Context) (model.AuthClaims, string, bool) {
	a, ok := ctx.Value(claimsContextKey).(authenticated)
	if !ok || a.claims.Subject == "" {
		return model.AuthClaims{}, "", false
	}
	return a.claims, a.token, true
}

// ContextWithClaims はコンテキストに検証済みクレームを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims model.AuthClaims, rawToken string) context.Context {
	return context.WithValue(ctx, claimsContextKey, authenticated{claims: claims, token: rawToken})
}
