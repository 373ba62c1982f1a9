package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/publishgate/internal/auth"
	"github.com/hitoshi/publishgate/internal/middleware"
	"github.com/hitoshi/publishgate/internal/model"
)

// Revoker はトークンを失効させる。*auth.Serviceが満たす。
type Revoker interface {
	Revoke(ctx context.Context, claims model.AuthClaims, rawToken string) error
}

// TokenHandler はトークン管理のHTTPハンドラー。
type TokenHandler struct {
	revoker Revoker
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(revoker Revoker) *TokenHandler {
	return &TokenHandler{revoker: revoker}
}

type revokeResponse struct {
	Revoked bool   `json:"revoked"`
	TokenID string `json:"token_id"`
}

// Revoke はリクエストに提示されたトークン自身を失効させる。
// POST /api/tokens/revoke（Bearer認証ミドルウェアの後に配置）
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, rawToken, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteAuthError(w, &auth.Error{Kind: auth.KindMalformed})
		return
	}

	if err := h.revoker.Revoke(r.Context(), claims, rawToken); err != nil {
		slog.Error("failed to revoke token",
			slog.String("subject", claims.Subject),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, revokeResponse{
		Revoked: true,
		TokenID: auth.TokenKey(claims, rawToken),
	})
}
