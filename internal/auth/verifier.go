package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/publishgate/internal/model"
)

// signingMethod は発行・検証で許可する唯一の署名アルゴリズム。
var signingMethod = jwt.SigningMethodHS256

// scopeList はスペース区切り文字列とJSON配列の両方を受け付けるスコープ集合。
type scopeList []string

// UnmarshalJSON は "publish read" 形式と ["publish","read"] 形式の両方を解釈する。
func (s *scopeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = strings.Fields(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scope must be a string or an array of strings: %w", err)
	}
	*s = list
	return nil
}

// MarshalJSON はスペース区切り文字列として出力する。
func (s scopeList) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(s, " "))
}

// tokenClaims はトークンのペイロード。
// 旧形式のuser_idクレームもsubの代替として受け付ける。
type tokenClaims struct {
	UserID string    `json:"user_id,omitempty"`
	Scope  scopeList `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Verifier は署名付きベアラートークンを検証する。
// 検証は(トークン, 現在時刻, 鍵)の純粋関数であり、ネットワークやディスクI/Oを行わない。
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier はVerifierを生成する。secretが空の場合はエラーを返す。
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth secret is required")
	}
	return &Verifier{secret: []byte(secret), leeway: leeway}, nil
}

// Verify はトークンを検証してクレームを返す。
// 構造 → 署名 → 有効期限 → スコープの順に検査し、最初の失敗で打ち切る。
// requiredScopeが空の場合はスコープ検査を行わない。
func (v *Verifier) Verify(token string, now time.Time, requiredScope string) (model.AuthClaims, *Error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.AuthClaims{}, newError(KindMalformed, errors.New("empty token"))
	}
	if strings.Count(token, ".") != 2 {
		return model.AuthClaims{}, newError(KindMalformed, errors.New("token must have three segments"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)

	claims := &tokenClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return model.AuthClaims{}, classifyParseError(err)
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return model.AuthClaims{}, newError(KindMalformed, errors.New("token has no subject"))
	}

	result := model.AuthClaims{
		Subject: subject,
		TokenID: claims.ID,
		Scopes:  []string(claims.Scope),
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	if requiredScope != "" && !result.HasScope(requiredScope) {
		return model.AuthClaims{}, newError(KindMissingScope, fmt.Errorf("scope %q is required", requiredScope))
	}

	return result, nil
}

// classifyParseError はjwtライブラリのエラーを認証失敗種別に分類する。
// ライブラリは構造 → 署名 → クレームの順に検査するため、返るエラーは最初の失敗に対応する。
func classifyParseError(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(KindMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(KindSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return newError(KindExpired, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newError(KindMalformed, err)
	default:
		return newError(KindMalformed, err)
	}
}

// BearerToken はAuthorizationヘッダー値からトークンを取り出す。
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
