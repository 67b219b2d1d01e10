package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mmeshcher/elin-system/internal/validation"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID            string  `json:"user_id"`
	Email             string  `json:"email"`
	EmailVerified     bool    `json:"email_verified"`
	VerificationToken *string `json:"verification_token"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	email := validation.NormalizeEmail(req.Email)
	if !validation.IsValidEmail(email) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid email format")
		return
	}
	if !validation.IsValidPassword(req.Password) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "password must be 8..256 characters")
		return
	}

	user, token, err := h.service.RegisterUser(r.Context(), email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := registerResponse{
		UserID:        user.ID.String(),
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	}
	if h.devTokensVisible() {
		resp.VerificationToken = &token
	}

	writeJSON(w, http.StatusCreated, resp)
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

// VerifyEmail подтверждает email пользователя по токену.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "token must not be empty")
		return
	}

	if err := h.service.VerifyEmail(r.Context(), token); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	EmailVerified bool   `json:"email_verified"`
}

// Login выполняет аутентификацию и выдаёт access-токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	email := validation.NormalizeEmail(req.Email)
	if !validation.IsValidEmail(email) || !validation.IsValidPassword(req.Password) {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	}

	result, err := h.service.Login(r.Context(), email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:   result.AccessToken,
		TokenType:     "bearer",
		EmailVerified: result.EmailVerified,
	})
}

// Logout отзывает сессию текущего токена.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), info.UserID, info.JTI); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type forgotPasswordResponse struct {
	Status     string  `json:"status"`
	ResetToken *string `json:"reset_token,omitempty"`
}

// ForgotPassword сохраняет токен сброса пароля. Ответ не раскрывает,
// существует ли указанный email.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	email := validation.NormalizeEmail(req.Email)
	if !validation.IsValidEmail(email) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid email format")
		return
	}

	token, err := h.service.ForgotPassword(r.Context(), email)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := forgotPasswordResponse{Status: "accepted"}
	if h.devTokensVisible() && token != "" {
		resp.ResetToken = &token
	}

	writeJSON(w, http.StatusAccepted, resp)
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ResetPassword меняет пароль по токену сброса.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	token := strings.TrimSpace(req.Token)
	if token == "" || !validation.IsValidPassword(req.NewPassword) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid token or password")
		return
	}

	if err := h.service.ResetPassword(r.Context(), token, req.NewPassword); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}
