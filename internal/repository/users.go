package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/elin-system/internal/model"
)

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, password_hash, email_verified, verify_token, verify_token_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, u.EmailVerified, u.VerifyToken, u.VerifyTokenExpiresAt,
	).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("%w: %s", ErrEmailExists, u.Email)
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetUserByVerifyToken возвращает пользователя по токену подтверждения email.
func (r *PostgresRepository) GetUserByVerifyToken(ctx context.Context, token string) (*model.User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE verify_token = $1`, token)
}

// GetUserByResetToken возвращает пользователя по токену сброса пароля.
func (r *PostgresRepository) GetUserByResetToken(ctx context.Context, token string) (*model.User, error) {
	return r.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE password_reset_token = $1`, token)
}

const userColumns = `id, email, password_hash, email_verified, verify_token, verify_token_expires_at,
	password_reset_token, password_reset_token_expires_at, created_at`

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.VerifyToken, &u.VerifyTokenExpiresAt,
		&u.PasswordResetToken, &u.PasswordResetTokenExpires, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// MarkEmailVerified подтверждает email пользователя и сбрасывает токен подтверждения.
func (r *PostgresRepository) MarkEmailVerified(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, verify_token = NULL, verify_token_expires_at = NULL
		 WHERE id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

// SetPasswordResetToken сохраняет токен сброса пароля.
func (r *PostgresRepository) SetPasswordResetToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET password_reset_token = $2, password_reset_token_expires_at = $3 WHERE id = $1`,
		userID, token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("set password reset token: %w", err)
	}
	return nil
}

// UpdatePassword меняет хэш пароля и сбрасывает токен сброса.
func (r *PostgresRepository) UpdatePassword(ctx context.Context, userID uuid.UUID, passwordHash []byte) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, password_reset_token = NULL, password_reset_token_expires_at = NULL
		 WHERE id = $1`,
		userID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// CreateSession сохраняет запись о выданном access-токене.
func (r *PostgresRepository) CreateSession(ctx context.Context, s model.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, jti, issued_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.JTI, s.IssuedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// IsSessionActive сообщает, действительна ли сессия с указанным jti:
// она существует, не отозвана и не истекла.
func (r *PostgresRepository) IsSessionActive(ctx context.Context, userID uuid.UUID, jti string) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM sessions
		     WHERE jti = $1 AND user_id = $2 AND revoked_at IS NULL AND expires_at > now()
		 )`,
		jti, userID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return active, nil
}

// RevokeSession отзывает сессию по jti. Повторный отзыв ничего не меняет.
func (r *PostgresRepository) RevokeSession(ctx context.Context, userID uuid.UUID, jti string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = now()
		 WHERE jti = $1 AND user_id = $2 AND revoked_at IS NULL`,
		jti, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
