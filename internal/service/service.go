// Package service реализует бизнес-логику сервиса ELIN.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/elin-system/internal/answerer"
	"github.com/mmeshcher/elin-system/internal/auth"
	"github.com/mmeshcher/elin-system/internal/model"
	"github.com/mmeshcher/elin-system/internal/repository"
)

// CreditCostPerAsk — стоимость одного вопроса в кредитах.
const CreditCostPerAsk int64 = 1

// FollowupOptionsCount — число уточняющих вопросов, предлагаемых к ответу.
const FollowupOptionsCount = 3

const historyPreviewMaxLength = 160

// PackagePrices задаёт фиксированные цены пакетов кредитов в TWD.
var PackagePrices = map[int]int64{
	1: 168,
	3: 358,
	5: 518,
}

var (
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidToken возвращается для неизвестного или просроченного токена.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrFollowupOwnerMismatch возвращается, если уточнение принадлежит другому пользователю.
	ErrFollowupOwnerMismatch = errors.New("followup does not belong to user")
	// ErrSimulatePaidForbidden возвращается при вызове simulate-paid в production.
	ErrSimulatePaidForbidden = errors.New("simulate-paid is disabled in production")
	// ErrAnswerGeneration возвращается, если генерация ответа не удалась;
	// зарезервированный кредит к этому моменту уже возвращён.
	ErrAnswerGeneration = errors.New("failed to process ask request")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByVerifyToken(ctx context.Context, token string) (*model.User, error)
	GetUserByResetToken(ctx context.Context, token string) (*model.User, error)
	MarkEmailVerified(ctx context.Context, userID uuid.UUID) error
	SetPasswordResetToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error
	UpdatePassword(ctx context.Context, userID uuid.UUID, passwordHash []byte) error
	CreateSession(ctx context.Context, s model.Session) error
	IsSessionActive(ctx context.Context, userID uuid.UUID, jti string) (bool, error)
	RevokeSession(ctx context.Context, userID uuid.UUID, jti string) error

	GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.LedgerEntry, int64, error)
	ReserveAsk(ctx context.Context, p repository.ReserveParams) ([]byte, error)
	CompleteAsk(ctx context.Context, p repository.CompleteAskParams) error
	RefundReservation(ctx context.Context, p repository.RefundParams) error
	ChargedCreditsByQuestion(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID, costPerAsk int64) (map[uuid.UUID]int64, error)
	ListLedgerForQuestions(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID) ([]model.LedgerEntry, error)
	ListExpiredReservations(ctx context.Context, olderThan time.Time, limit int) ([]repository.ExpiredReservation, error)

	CreateOrder(ctx context.Context, o model.Order) (model.Order, bool, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (model.Order, error)
	MarkOrderPaid(ctx context.Context, userID, orderID uuid.UUID, requestID string) (model.Order, int64, error)

	GetQuestionWithAnswer(ctx context.Context, userID, questionID uuid.UUID) (repository.QuestionWithAnswer, error)
	GetQuestionsWithAnswers(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID) ([]repository.QuestionWithAnswer, error)
	ListRootQuestions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]repository.QuestionWithAnswer, int64, error)
	GetFollowup(ctx context.Context, followupID uuid.UUID) (model.Followup, error)
	GetQuestion(ctx context.Context, questionID uuid.UUID) (model.Question, error)
	FindParentOfUsedQuestion(ctx context.Context, userID, questionID uuid.UUID) (uuid.UUID, bool, error)
	ListUsedFollowupsByParents(ctx context.Context, userID uuid.UUID, parentIDs []uuid.UUID) ([]model.Followup, error)
}

// Generator описывает внешнюю систему генерации ответов.
type Generator interface {
	Generate(ctx context.Context, question, lang, mode string) (*answerer.GeneratedAnswer, error)
}

// Service содержит бизнес-логику сервиса ELIN.
type Service struct {
	repo           Repository
	generator      Generator
	tokens         *auth.TokenManager
	logger         *zap.Logger
	appEnv         string
	reserveTimeout time.Duration
}

// NewService создаёт новый сервис. generator может быть nil —
// тогда ответы генерируются встроенной заглушкой (режим разработки).
func NewService(repo Repository, generator Generator, tokens *auth.TokenManager, logger *zap.Logger, appEnv string, reserveTimeout time.Duration) *Service {
	return &Service{
		repo:           repo,
		generator:      generator,
		tokens:         tokens,
		logger:         logger,
		appEnv:         appEnv,
		reserveTimeout: reserveTimeout,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// LayerPercentage описывает долю одного слоя источников в ответе.
type LayerPercentage struct {
	Label string `json:"label"`
	Pct   int    `json:"pct"`
}

// FollowupOption — предложенный уточняющий вопрос в ответе.
type FollowupOption struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// AskResponse — ответ на вопрос пользователя.
type AskResponse struct {
	Answer           string            `json:"answer"`
	Source           string            `json:"source"`
	LayerPercentages []LayerPercentage `json:"layer_percentages"`
	RequestID        string            `json:"request_id"`
	FollowupOptions  []FollowupOption  `json:"followup_options"`
}

// Ask выполняет протокол резервирования кредита для вопроса пользователя:
// reserve -> генерация -> capture либо refund. Возвращает сериализованный
// ответ; повтор с тем же ключом идемпотентности возвращает сохранённый
// ответ байт в байт.
func (s *Service) Ask(ctx context.Context, userID uuid.UUID, question, lang, mode, idempotencyKey string) ([]byte, error) {
	return s.executeAsk(ctx, userID, question, lang, mode, idempotencyKey, nil)
}

// AskFollowup выполняет тот же протокол для уточняющего вопроса. Переход
// уточнения pending -> used выполняется в одной транзакции с резервированием.
func (s *Service) AskFollowup(ctx context.Context, userID, followupID uuid.UUID) ([]byte, error) {
	f, err := s.repo.GetFollowup(ctx, followupID)
	if err != nil {
		return nil, err
	}
	if f.UserID != userID {
		return nil, ErrFollowupOwnerMismatch
	}
	if f.Status != model.FollowupStatusPending {
		return nil, repository.ErrFollowupAlreadyUsed
	}

	parent, err := s.repo.GetQuestion(ctx, f.QuestionID)
	if err != nil {
		return nil, err
	}

	key := "followup:" + f.ID.String()
	return s.executeAsk(ctx, userID, f.Content, parent.Lang, parent.Mode, key, &f.ID)
}

func (s *Service) executeAsk(ctx context.Context, userID uuid.UUID, question, lang, mode, idempotencyKey string, followupID *uuid.UUID) ([]byte, error) {
	requestID := uuid.NewString()

	replay, err := s.repo.ReserveAsk(ctx, repository.ReserveParams{
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		RequestID:      requestID,
		Cost:           CreditCostPerAsk,
		FollowupID:     followupID,
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	generated, err := s.generate(ctx, question, lang, mode)
	if err != nil {
		s.refundReservation(ctx, userID, idempotencyKey, requestID, followupID)
		s.logger.Error("answer generation failed",
			zap.Error(err), zap.String("requestID", requestID))
		return nil, ErrAnswerGeneration
	}

	questionID := uuid.New()
	q := model.Question{
		ID:             questionID,
		UserID:         userID,
		QuestionText:   question,
		Lang:           lang,
		Mode:           mode,
		Status:         model.QuestionStatusSucceeded,
		Source:         generated.Source,
		RequestID:      requestID,
		IdempotencyKey: idempotencyKey,
	}
	a := model.Answer{
		ID:           uuid.New(),
		QuestionID:   questionID,
		AnswerText:   generated.AnswerText,
		MainPct:      generated.MainPct,
		SecondaryPct: generated.SecondaryPct,
		ReferencePct: generated.ReferencePct,
	}

	followups := make([]model.Followup, 0, FollowupOptionsCount)
	for _, content := range buildFollowupContents(question) {
		followups = append(followups, model.Followup{
			ID:              uuid.New(),
			QuestionID:      questionID,
			UserID:          userID,
			Content:         content,
			Status:          model.FollowupStatusPending,
			OriginRequestID: requestID,
		})
	}

	payload, err := json.Marshal(buildAskResponse(q, a, followups))
	if err != nil {
		s.refundReservation(ctx, userID, idempotencyKey, requestID, followupID)
		return nil, fmt.Errorf("marshal ask response: %w", err)
	}

	err = s.repo.CompleteAsk(ctx, repository.CompleteAskParams{
		UserID:          userID,
		IdempotencyKey:  idempotencyKey,
		RequestID:       requestID,
		Question:        q,
		Answer:          a,
		Followups:       followups,
		UsedFollowupID:  followupID,
		ResponsePayload: payload,
	})
	if err != nil {
		s.refundReservation(ctx, userID, idempotencyKey, requestID, followupID)
		s.logger.Error("ask finalization failed",
			zap.Error(err), zap.String("requestID", requestID))
		return nil, ErrAnswerGeneration
	}

	return payload, nil
}

// refundReservation возвращает зарезервированный кредит. Выполняется на
// неотменяемом контексте: возврат обязан завершиться даже после таймаута
// или отмены исходного запроса.
func (s *Service) refundReservation(ctx context.Context, userID uuid.UUID, idempotencyKey, requestID string, followupID *uuid.UUID) {
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := s.repo.RefundReservation(refundCtx, repository.RefundParams{
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		RequestID:      requestID,
		Amount:         CreditCostPerAsk,
		FollowupID:     followupID,
	})
	if err != nil {
		// Невозвращённое резервирование подберёт фоновая сверка.
		s.logger.Error("refund reservation failed",
			zap.Error(err), zap.String("requestID", requestID), zap.String("userID", userID.String()))
	}
}

func (s *Service) generate(ctx context.Context, question, lang, mode string) (*answerer.GeneratedAnswer, error) {
	if s.generator == nil {
		return mockAnswer(question), nil
	}
	return s.generator.Generate(ctx, question, lang, mode)
}

func mockAnswer(question string) *answerer.GeneratedAnswer {
	return &answerer.GeneratedAnswer{
		AnswerText:   fmt.Sprintf("（Mock）已收到你的問題：%s。目前為開發環境回覆。", question),
		Source:       "mock",
		MainPct:      70,
		SecondaryPct: 20,
		ReferencePct: 10,
	}
}

func buildAskResponse(q model.Question, a model.Answer, followups []model.Followup) AskResponse {
	options := make([]FollowupOption, 0, len(followups))
	for _, f := range followups {
		options = append(options, FollowupOption{ID: f.ID.String(), Content: f.Content})
	}

	return AskResponse{
		Answer:           a.AnswerText,
		Source:           q.Source,
		LayerPercentages: layerPercentages(a),
		RequestID:        q.RequestID,
		FollowupOptions:  options,
	}
}

func layerPercentages(a model.Answer) []LayerPercentage {
	return []LayerPercentage{
		{Label: "主層", Pct: a.MainPct},
		{Label: "輔層", Pct: a.SecondaryPct},
		{Label: "參照層", Pct: a.ReferencePct},
	}
}

// buildFollowupContents формирует тексты уточняющих вопросов по теме вопроса.
func buildFollowupContents(question string) []string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(question)), " ")
	subject := normalized
	if runes := []rune(normalized); len(runes) > 40 {
		subject = string(runes[:40])
	}
	if subject == "" {
		subject = "這個主題"
	}

	return []string{
		fmt.Sprintf("若聚焦「%s」，最關鍵的原因是什麼？", subject),
		fmt.Sprintf("延續「%s」，下一步最有效的行動是什麼？", subject),
		fmt.Sprintf("針對「%s」，目前最大的風險與避坑建議是什麼？", subject),
	}
}

// GetBalance возвращает баланс кошелька пользователя.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	return s.repo.GetBalance(ctx, userID)
}

// GetTransactions возвращает страницу журнала кредитов пользователя и общее число записей.
func (s *Service) GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.LedgerEntry, int64, error) {
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

// CreateOrder создаёт заказ на покупку пакета кредитов. Повтор с тем же
// ключом идемпотентности возвращает существующий заказ (created=false).
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, packageSize int, idempotencyKey string) (model.Order, bool, error) {
	price, ok := PackagePrices[packageSize]
	if !ok {
		return model.Order{}, false, fmt.Errorf("unknown package size: %d", packageSize)
	}

	return s.repo.CreateOrder(ctx, model.Order{
		ID:             uuid.New(),
		UserID:         userID,
		PackageSize:    packageSize,
		AmountTWD:      price,
		Status:         model.OrderStatusPending,
		IdempotencyKey: idempotencyKey,
	})
}

// SimulateOrderPaid помечает заказ оплаченным и начисляет кредиты пакета.
// Запрещено в production; идемпотентно для уже оплаченного заказа.
func (s *Service) SimulateOrderPaid(ctx context.Context, userID, orderID uuid.UUID) (model.Order, int64, error) {
	if s.appEnv == "prod" {
		return model.Order{}, 0, ErrSimulatePaidForbidden
	}

	return s.repo.MarkOrderPaid(ctx, userID, orderID, uuid.NewString())
}

// IsSessionActive сообщает, действительна ли сессия пользователя.
// Используется middleware аутентификации.
func (s *Service) IsSessionActive(ctx context.Context, userID uuid.UUID, jti string) (bool, error) {
	return s.repo.IsSessionActive(ctx, userID, jti)
}
