package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したOAuth2グラントリポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

const credentialColumns = `discord_user_id, username, discriminator, avatar, is_bot,
	access_token, refresh_token, scopes, expires_at, created_at, updated_at`

// FindByUserID は指定ユーザーのグラントを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM oauth_credentials WHERE discord_user_id = $1`,
		userID,
	)

	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	return cred, nil
}

// ListAll は全グラントを作成日時、ユーザーIDの昇順で返す。
func (r *PostgresCredentialRepo) ListAll(ctx context.Context) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM oauth_credentials ORDER BY created_at ASC, discord_user_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return creds, nil
}

// Upsert はユーザーIDをキーにグラントを作成または上書きする。
// 再認可時はプロフィールとトークンを置き換え、created_atは維持する。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, c *model.Credential) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO oauth_credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		 ON CONFLICT (discord_user_id) DO UPDATE SET
			username = EXCLUDED.username,
			discriminator = EXCLUDED.discriminator,
			avatar = EXCLUDED.avatar,
			is_bot = EXCLUDED.is_bot,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		 RETURNING created_at, updated_at`,
		c.UserID, c.Username, c.DiscriminatorOrDefault(), c.Avatar, c.Bot,
		c.AccessToken, c.RefreshToken, c.Scopes, c.ExpiresAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Delete は指定ユーザーのグラントを削除する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_credentials WHERE discord_user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(s rowScanner) (*model.Credential, error) {
	c := &model.Credential{}
	err := s.Scan(
		&c.UserID, &c.Username, &c.Discriminator, &c.Avatar, &c.Bot,
		&c.AccessToken, &c.RefreshToken, &c.Scopes, &c.ExpiresAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
