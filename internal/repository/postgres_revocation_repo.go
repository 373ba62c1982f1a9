package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/publishgate/internal/model"
)

// PostgresRevocationRepo はPostgreSQLを使用した失効トークンリポジトリ。
type PostgresRevocationRepo struct {
	db *sql.DB
}

// NewPostgresRevocationRepo はPostgresRevocationRepoを生成する。
func NewPostgresRevocationRepo(db *sql.DB) *PostgresRevocationRepo {
	return &PostgresRevocationRepo{db: db}
}

// Create は失効レコードを作成する。
// 既に失効済みの場合は何もしない（ON CONFLICT DO NOTHING）。
func (r *PostgresRevocationRepo) Create(ctx context.Context, token *model.RevokedToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, subject, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_id) DO NOTHING`,
		token.TokenID, token.Subject, token.ExpiresAt, token.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create revoked token: %w", err)
	}
	return nil
}

// Exists は指定トークンIDの失効レコードが存在するかを返す。
func (r *PostgresRevocationRepo) Exists(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`,
		tokenID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up revoked token: %w", err)
	}
	return exists, nil
}

// compile-time interface check
var _ RevocationRepository = (*PostgresRevocationRepo)(nil)
