// Package model содержит доменные сущности сервиса ELIN.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID                        uuid.UUID
	Email                     string
	PasswordHash              []byte
	EmailVerified             bool
	VerifyToken               *string
	VerifyTokenExpiresAt      *time.Time
	PasswordResetToken        *string
	PasswordResetTokenExpires *time.Time
	CreatedAt                 time.Time
}

// Session описывает выданный access-токен. Отозванная сессия имеет RevokedAt.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Balance содержит текущий баланс кошелька пользователя в кредитах.
type Balance struct {
	Balance   int64      `json:"balance"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// LedgerAction описывает тип записи в журнале кредитов.
type LedgerAction string

const (
	ActionReserve  LedgerAction = "reserve"
	ActionCapture  LedgerAction = "capture"
	ActionRefund   LedgerAction = "refund"
	ActionPurchase LedgerAction = "purchase"
	ActionGrant    LedgerAction = "grant"
)

// Коды причин записей журнала. Фиксированный словарь.
const (
	ReasonAskReserved = "ASK_RESERVED"
	ReasonAskCaptured = "ASK_CAPTURED"
	ReasonAskRefunded = "ASK_REFUNDED"
	ReasonOrderPaid   = "ORDER_PAID"
)

// LedgerEntry — одна неизменяемая запись журнала кредитов.
// Баланс кошелька всегда равен сумме amount всех записей пользователя.
type LedgerEntry struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	QuestionID     *uuid.UUID
	OrderID        *uuid.UUID
	Action         LedgerAction
	Amount         int64
	ReasonCode     string
	IdempotencyKey string
	RequestID      string
	CreatedAt      time.Time
}

// IdempotencyStatus описывает состояние записи реестра идемпотентности.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// OrderStatus описывает статус заказа на пополнение кредитов.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// Order описывает заказ на покупку пакета кредитов.
type Order struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	PackageSize    int
	AmountTWD      int64
	Status         OrderStatus
	IdempotencyKey string
	CreatedAt      time.Time
	PaidAt         *time.Time
}

// QuestionStatus описывает статус обработки вопроса.
type QuestionStatus string

const (
	QuestionStatusSubmitted QuestionStatus = "submitted"
	QuestionStatusSucceeded QuestionStatus = "succeeded"
	QuestionStatusFailed    QuestionStatus = "failed"
)

// Question описывает заданный пользователем вопрос.
type Question struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	QuestionText   string
	Lang           string
	Mode           string
	Status         QuestionStatus
	Source         string
	RequestID      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Answer описывает сгенерированный ответ на вопрос.
// Проценты слоёв в сумме всегда дают 100.
type Answer struct {
	ID           uuid.UUID
	QuestionID   uuid.UUID
	AnswerText   string
	MainPct      int
	SecondaryPct int
	ReferencePct int
	CreatedAt    time.Time
}

// FollowupStatus описывает состояние уточняющего вопроса.
type FollowupStatus string

const (
	FollowupStatusPending FollowupStatus = "pending"
	FollowupStatusUsed    FollowupStatus = "used"
)

// Followup — предложенный уточняющий вопрос. Дерево вопросов хранится
// через указатель на родителя: QuestionID — родительский вопрос,
// UsedQuestionID — вопрос, созданный при использовании уточнения.
type Followup struct {
	ID              uuid.UUID
	QuestionID      uuid.UUID
	UserID          uuid.UUID
	Content         string
	Status          FollowupStatus
	OriginRequestID string
	UsedQuestionID  *uuid.UUID
	UsedAt          *time.Time
	CreatedAt       time.Time
}
