package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/elin-system/internal/model"
	"github.com/mmeshcher/elin-system/internal/repository"
)

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrEmailExists}
	svc := newTestService(repo, nil)

	_, _, err := svc.RegisterUser(context.Background(), "user@example.com", "password123")
	if !errors.Is(err, repository.ErrEmailExists) {
		t.Fatalf("error = %v, want ErrEmailExists", err)
	}
}

func TestRegisterUser_IssuesVerificationToken(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, nil)

	user, token, err := svc.RegisterUser(context.Background(), "user@example.com", "password123")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty verification token")
	}
	if user.EmailVerified {
		t.Fatal("new user must not be verified")
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte("password123")) != nil {
		t.Fatal("password hash does not match password")
	}
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := &model.User{
		ID:            uuid.New(),
		Email:         "user@example.com",
		PasswordHash:  hash,
		EmailVerified: true,
	}

	tests := []struct {
		name     string
		repo     *stubRepo
		password string
		wantErr  error
	}{
		{
			name:     "unknown user",
			repo:     &stubRepo{userErr: repository.ErrUserNotFound},
			password: "correct-password",
			wantErr:  ErrInvalidCredentials,
		},
		{
			name:     "wrong password",
			repo:     &stubRepo{user: user},
			password: "wrong-password",
			wantErr:  ErrInvalidCredentials,
		},
		{
			name:     "success",
			repo:     &stubRepo{user: user},
			password: "correct-password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(tt.repo, nil)

			result, err := svc.Login(context.Background(), "user@example.com", tt.password)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Login error: %v", err)
			}
			if result.AccessToken == "" {
				t.Fatal("expected non-empty access token")
			}
			if !result.EmailVerified {
				t.Fatal("expected email_verified=true")
			}
		})
	}
}

func TestVerifyEmail(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	tests := []struct {
		name    string
		repo    *stubRepo
		wantErr error
	}{
		{
			name:    "unknown token",
			repo:    &stubRepo{userErr: repository.ErrUserNotFound},
			wantErr: ErrInvalidToken,
		},
		{
			name: "expired token",
			repo: &stubRepo{user: &model.User{
				ID:                   uuid.New(),
				VerifyTokenExpiresAt: &past,
			}},
			wantErr: ErrInvalidToken,
		},
		{
			name: "valid token",
			repo: &stubRepo{user: &model.User{
				ID:                   uuid.New(),
				VerifyTokenExpiresAt: &future,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(tt.repo, nil)

			err := svc.VerifyEmail(context.Background(), "token")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyEmail error: %v", err)
			}
		})
	}
}

func TestForgotPassword_UnknownEmailSilent(t *testing.T) {
	repo := &stubRepo{userErr: repository.ErrUserNotFound}
	svc := newTestService(repo, nil)

	token, err := svc.ForgotPassword(context.Background(), "missing@example.com")
	if err != nil {
		t.Fatalf("ForgotPassword error: %v", err)
	}
	if token != "" {
		t.Fatal("unknown email must not produce a reset token")
	}
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	repo := &stubRepo{user: &model.User{
		ID:                        uuid.New(),
		PasswordResetTokenExpires: &past,
	}}
	svc := newTestService(repo, nil)

	err := svc.ResetPassword(context.Background(), "token", "new-password-1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}
