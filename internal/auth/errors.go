// Package auth はトークン検証、トークン発行、失効管理を提供する。
package auth

import "fmt"

// ErrorKind は認証失敗の種別。
type ErrorKind string

const (
	// KindMalformed はトークンの構造が不正。
	KindMalformed ErrorKind = "malformed"
	// KindExpired は有効期限切れ、または有効期間外。
	KindExpired ErrorKind = "expired"
	// KindSignatureInvalid は署名またはアルゴリズムが不正。
	KindSignatureInvalid ErrorKind = "signature_invalid"
	// KindMissingScope は操作に必要なスコープがない。
	KindMissingScope ErrorKind = "missing_scope"
	// KindRevoked は失効済みトークン。
	KindRevoked ErrorKind = "revoked"
)

// Error は認証失敗を表す。リトライ対象にはならない。
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
