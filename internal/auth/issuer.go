package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/publishgate/internal/model"
)

// Issuer はVerifierが受理する形式のトークンを発行する。
// CLIのtokenサブコマンドとテストで使用する。
type Issuer struct {
	secret []byte
}

// NewIssuer はIssuerを生成する。
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	return &Issuer{secret: []byte(secret)}, nil
}

// Issue はsubject向けのトークンを発行する。jtiには新規UUIDを設定する。
func (i *Issuer) Issue(subject string, scopes []string, ttl time.Duration, now time.Time) (string, model.AuthClaims, error) {
	if subject == "" {
		return "", model.AuthClaims{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", model.AuthClaims{}, fmt.Errorf("ttl must be positive: %s", ttl)
	}

	issued := now.UTC().Truncate(time.Second)
	claims := model.AuthClaims{
		Subject:   subject,
		TokenID:   uuid.New().String(),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
		Scopes:    append([]string(nil), scopes...),
	}

	token := jwt.NewWithClaims(signingMethod, tokenClaims{
		Scope: scopeList(claims.Scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			ID:        claims.TokenID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", model.AuthClaims{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}
