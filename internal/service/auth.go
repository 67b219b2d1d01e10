package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/elin-system/internal/model"
)

const (
	verifyTokenTTL        = 24 * time.Hour
	passwordResetTokenTTL = time.Hour
)

// RegisterUser регистрирует нового пользователя и возвращает его вместе
// с токеном подтверждения email.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (model.User, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, "", fmt.Errorf("hash password: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return model.User{}, "", err
	}
	expiresAt := time.Now().UTC().Add(verifyTokenTTL)

	user, err := s.repo.CreateUser(ctx, model.User{
		ID:                   uuid.New(),
		Email:                email,
		PasswordHash:         hash,
		EmailVerified:        false,
		VerifyToken:          &token,
		VerifyTokenExpiresAt: &expiresAt,
	})
	if err != nil {
		return model.User{}, "", err
	}

	return user, token, nil
}

// VerifyEmail подтверждает email по токену подтверждения.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	user, err := s.repo.GetUserByVerifyToken(ctx, token)
	if err != nil {
		return ErrInvalidToken
	}
	if user.VerifyTokenExpiresAt == nil || user.VerifyTokenExpiresAt.Before(time.Now().UTC()) {
		return ErrInvalidToken
	}

	return s.repo.MarkEmailVerified(ctx, user.ID)
}

// LoginResult содержит выданный access-токен.
type LoginResult struct {
	AccessToken   string
	EmailVerified bool
}

// Login проверяет учётные данные, выпускает access-токен и записывает сессию.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, claims, err := s.tokens.CreateToken(user.ID, user.Email, user.EmailVerified)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create token: %w", err)
	}

	err = s.repo.CreateSession(ctx, model.Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		JTI:       claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	})
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{AccessToken: token, EmailVerified: user.EmailVerified}, nil
}

// Logout отзывает сессию пользователя по jti. Повторный выход безопасен.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID, jti string) error {
	return s.repo.RevokeSession(ctx, userID, jti)
}

// ForgotPassword сохраняет токен сброса пароля и возвращает его.
// Для неизвестного email возвращает пустой токен без ошибки,
// чтобы не раскрывать существование адреса.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	err = s.repo.SetPasswordResetToken(ctx, user.ID, token, time.Now().UTC().Add(passwordResetTokenTTL))
	if err != nil {
		return "", err
	}

	return token, nil
}

// ResetPassword меняет пароль по действующему токену сброса.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	user, err := s.repo.GetUserByResetToken(ctx, token)
	if err != nil {
		return ErrInvalidToken
	}
	if user.PasswordResetTokenExpires == nil || user.PasswordResetTokenExpires.Before(time.Now().UTC()) {
		return ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.repo.UpdatePassword(ctx, user.ID, hash)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
