package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/elin-system/internal/repository"
)

const (
	sweepInterval  = time.Minute
	sweepBatchSize = 100
)

// StartReservationSweep запускает фоновую сверку зависших резервирований.
// Резервирование без парного capture или refund старше reserveTimeout
// возвращается на кошелёк. Останавливается по отмене контекста.
func (s *Service) StartReservationSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweep stopped")
			return
		case <-ticker.C:
			s.sweepExpiredReservations(ctx)
		}
	}
}

func (s *Service) sweepExpiredReservations(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-s.reserveTimeout)

	expired, err := s.repo.ListExpiredReservations(ctx, olderThan, sweepBatchSize)
	if err != nil {
		s.logger.Error("list expired reservations failed", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}

	s.logger.Info("sweeping expired reservations", zap.Int("count", len(expired)))

	for _, res := range expired {
		err := s.repo.RefundReservation(ctx, repository.RefundParams{
			UserID:         res.UserID,
			IdempotencyKey: res.IdempotencyKey,
			RequestID:      res.RequestID,
			Amount:         res.Amount,
			FollowupID:     followupIDFromKey(res.IdempotencyKey),
		})
		if err != nil {
			// Запись останется в выборке и будет обработана на следующем тике.
			s.logger.Error("sweep refund failed",
				zap.Error(err),
				zap.String("userID", res.UserID.String()),
				zap.String("requestID", res.RequestID))
		}
	}
}

// followupIDFromKey извлекает идентификатор уточнения из ключа
// идемпотентности вида "followup:<uuid>", чтобы сверка вернула
// уточнение в состояние pending.
func followupIDFromKey(key string) *uuid.UUID {
	raw, ok := strings.CutPrefix(key, "followup:")
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
