// Package handler содержит HTTP-обработчики API сервиса ELIN.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/elin-system/internal/middleware"
	"github.com/mmeshcher/elin-system/internal/model"
	"github.com/mmeshcher/elin-system/internal/repository"
	"github.com/mmeshcher/elin-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password string) (model.User, string, error)
	VerifyEmail(ctx context.Context, token string) error
	Login(ctx context.Context, email, password string) (service.LoginResult, error)
	Logout(ctx context.Context, userID uuid.UUID, jti string) error
	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) error

	Ask(ctx context.Context, userID uuid.UUID, question, lang, mode, idempotencyKey string) ([]byte, error)
	AskFollowup(ctx context.Context, userID, followupID uuid.UUID) ([]byte, error)

	GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error)
	GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.LedgerEntry, int64, error)

	CreateOrder(ctx context.Context, userID uuid.UUID, packageSize int, idempotencyKey string) (model.Order, bool, error)
	SimulateOrderPaid(ctx context.Context, userID, orderID uuid.UUID) (model.Order, int64, error)

	GetHistory(ctx context.Context, userID uuid.UUID, limit, offset int) (service.HistoryPage, error)
	GetHistoryDetail(ctx context.Context, userID, questionID uuid.UUID) (service.HistoryDetail, error)
}

// Handler реализует HTTP-обработчики API сервиса ELIN.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *middleware.HTTPMetrics
	appEnv         string
	corsOrigins    []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics *middleware.HTTPMetrics, appEnv string, corsOrigins []string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
		appEnv:         appEnv,
		corsOrigins:    corsOrigins,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// devTokensVisible сообщает, можно ли возвращать служебные токены
// (подтверждение email, сброс пароля) в теле ответа.
func (h *Handler) devTokensVisible() bool {
	return h.appEnv == "dev" || h.appEnv == "test"
}

// writeServiceError переводит доменные ошибки в HTTP-статусы и коды API.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDIT", "Insufficient credit balance")
	case errors.Is(err, repository.ErrIdempotencyInFlight):
		writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Duplicate request is in progress")
	case errors.Is(err, repository.ErrFollowupNotFound):
		writeError(w, http.StatusNotFound, "FOLLOWUP_NOT_FOUND", "Followup not found")
	case errors.Is(err, repository.ErrFollowupAlreadyUsed):
		writeError(w, http.StatusConflict, "FOLLOWUP_ALREADY_USED", "Followup has already been used")
	case errors.Is(err, service.ErrFollowupOwnerMismatch):
		writeError(w, http.StatusForbidden, "FOLLOWUP_OWNER_MISMATCH", "Followup does not belong to user")
	case errors.Is(err, repository.ErrQuestionNotFound):
		writeError(w, http.StatusNotFound, "QUESTION_NOT_FOUND", "Question not found")
	case errors.Is(err, repository.ErrEmailExists):
		writeError(w, http.StatusConflict, "EMAIL_ALREADY_EXISTS", "Email already exists")
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, service.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "INVALID_OR_EXPIRED_TOKEN", "Invalid or expired token")
	case errors.Is(err, service.ErrSimulatePaidForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN_IN_PRODUCTION", "simulate-paid is disabled in production")
	case errors.Is(err, repository.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "Order not found")
	case errors.Is(err, repository.ErrOrderNotPayable):
		writeError(w, http.StatusConflict, "ORDER_STATUS_INVALID_FOR_PAYMENT", "Order status does not allow payment")
	case errors.Is(err, service.ErrAnswerGeneration):
		writeError(w, http.StatusInternalServerError, "ASK_PROCESSING_FAILED", "Failed to process ask request")
	default:
		h.logger.Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func authInfo(w http.ResponseWriter, r *http.Request) (middleware.AuthInfo, bool) {
	info, ok := middleware.GetAuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
	}
	return info, ok
}
