package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/publishgate/internal/model"
	"github.com/hitoshi/publishgate/internal/repository"
)

// Service はトークン失効の管理を提供する。
// 失効情報はRevocationRepositoryに永続化し、プロセス再起動後も有効とする。
type Service struct {
	revocations repository.RevocationRepository
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(revocations repository.RevocationRepository) *Service {
	return &Service{
		revocations: revocations,
		now:         time.Now,
	}
}

// TokenKey は失効管理に用いるトークン識別子を返す。
// jtiを持たないトークンは生トークンのSHA-256で識別する。
func TokenKey(claims model.AuthClaims, rawToken string) string {
	if claims.TokenID != "" {
		return claims.TokenID
	}
	sum := sha256.Sum256([]byte(rawToken))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Revoke は検証済みトークンを失効させる。
// 失効レコードはトークンの有効期限まで保持される。
func (s *Service) Revoke(ctx context.Context, claims model.AuthClaims, rawToken string) error {
	token := &model.RevokedToken{
		TokenID:   TokenKey(claims, rawToken),
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt,
		RevokedAt: s.now().UTC(),
	}
	if err := s.revocations.Create(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	slog.Info("token revoked",
		slog.String("subject", claims.Subject),
		slog.String("token_id", token.TokenID),
	)
	return nil
}

// CheckRevoked はトークンが失効済みかを確認する。
// 失効済みの場合はKindRevokedの認証エラーを返す。
// 失効ストアの参照に失敗した場合はフェイルクローズとしてKindRevokedを返す。
func (s *Service) CheckRevoked(ctx context.Context, claims model.AuthClaims, rawToken string) *Error {
	key := TokenKey(claims, rawToken)
	revoked, err := s.revocations.Exists(ctx, key)
	if err != nil {
		slog.Error("failed to look up token revocation",
			slog.String("subject", claims.Subject),
			slog.String("error", err.Error()),
		)
		return newError(KindRevoked, fmt.Errorf("revocation lookup failed: %w", err))
	}
	if revoked {
		return newError(KindRevoked, fmt.Errorf("token %s has been revoked", key))
	}
	return nil
}
