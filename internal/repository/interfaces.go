// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/publishgate/internal/model"
)

// RevocationRepository は失効済みトークンの永続化インターフェース。
type RevocationRepository interface {
	// Create は失効レコードを作成する。同一トークンIDの再失効はエラーにしない。
	Create(ctx context.Context, token *model.RevokedToken) error
	// Exists は指定トークンIDの失効レコードが存在するかを返す。
	Exists(ctx context.Context, tokenID string) (bool, error)
}
