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

// GetBalance возвращает баланс кошелька пользователя.
// Для пользователя без кошелька возвращает нулевой баланс без ошибки.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	var b model.Balance
	var updatedAt time.Time

	err := r.pool.QueryRow(ctx,
		`SELECT balance, updated_at FROM credit_wallets WHERE user_id = $1`,
		userID,
	).Scan(&b.Balance, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Balance{}, nil
		}
		return model.Balance{}, fmt.Errorf("select wallet: %w", err)
	}

	b.UpdatedAt = &updatedAt
	return b, nil
}

// ensureWalletLocked создаёт кошелёк при первом обращении и блокирует его строку
// до конца транзакции, сериализуя конкурентные изменения баланса пользователя.
func ensureWalletLocked(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_wallets (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("ensure wallet: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("lock wallet: %w", err)
	}

	return balance, nil
}

func applyWalletDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE credit_wallets SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions
		     (user_id, question_id, order_id, action, amount, reason_code, idempotency_key, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.UserID, e.QuestionID, e.OrderID, string(e.Action), e.Amount, e.ReasonCode, e.IdempotencyKey, e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ReserveParams описывает параметры резервирования кредита под вопрос.
type ReserveParams struct {
	UserID         uuid.UUID
	IdempotencyKey string
	RequestID      string
	Cost           int64
	// FollowupID задан для уточняющих вопросов: переход pending -> used
	// выполняется в той же транзакции, что и резервирование.
	FollowupID *uuid.UUID
}

// ReserveAsk выполняет шаг Reserve протокола резервирования в одной транзакции:
// регистрирует ключ идемпотентности, списывает стоимость с кошелька и пишет
// запись reserve в журнал. Возвращает сохранённый ответ при повторе уже
// завершённого запроса, иначе nil. При нехватке кредитов вся транзакция,
// включая запись реестра, откатывается — ключ остаётся пригодным для повтора.
func (r *PostgresRepository) ReserveAsk(ctx context.Context, p ReserveParams) ([]byte, error) {
	var replay []byte

	err := r.withRetry(ctx, func(ctx context.Context) error {
		replay = nil
		return r.inTx(ctx, func(tx pgx.Tx) error {
			fresh, payload, err := beginIdempotency(ctx, tx, p.UserID, p.IdempotencyKey)
			if err != nil {
				return err
			}
			if !fresh {
				replay = payload
				return nil
			}

			if p.FollowupID != nil {
				cmdTag, err := tx.Exec(ctx,
					`UPDATE followups SET status = 'used', used_at = now()
					 WHERE id = $1 AND user_id = $2 AND status = 'pending'`,
					*p.FollowupID, p.UserID,
				)
				if err != nil {
					return fmt.Errorf("mark followup used: %w", err)
				}
				if cmdTag.RowsAffected() == 0 {
					return ErrFollowupAlreadyUsed
				}
			}

			balance, err := ensureWalletLocked(ctx, tx, p.UserID)
			if err != nil {
				return err
			}
			if balance < p.Cost {
				return ErrInsufficientBalance
			}

			if err := applyWalletDelta(ctx, tx, p.UserID, -p.Cost); err != nil {
				return err
			}

			return insertLedgerEntry(ctx, tx, model.LedgerEntry{
				UserID:         p.UserID,
				Action:         model.ActionReserve,
				Amount:         -p.Cost,
				ReasonCode:     model.ReasonAskReserved,
				IdempotencyKey: p.IdempotencyKey,
				RequestID:      p.RequestID,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	return replay, nil
}

// beginIdempotency регистрирует ключ в реестре идемпотентности через
// уникальное ограничение. Возвращает fresh=false и замороженный ответ,
// если запрос уже был успешно выполнен.
func beginIdempotency(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (bool, []byte, error) {
	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO idempotency_records (user_id, idempotency_key, status)
		 VALUES ($1, $2, 'in_progress')
		 ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		userID, key,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert idempotency record: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return true, nil, nil
	}

	var status string
	var payload []byte
	err = tx.QueryRow(ctx,
		`SELECT status, response_payload FROM idempotency_records
		 WHERE user_id = $1 AND idempotency_key = $2
		 FOR UPDATE`,
		userID, key,
	).Scan(&status, &payload)
	if err != nil {
		return false, nil, fmt.Errorf("select idempotency record: %w", err)
	}

	switch model.IdempotencyStatus(status) {
	case model.IdempotencyCompleted:
		return false, payload, nil
	case model.IdempotencyFailed:
		// Под блокировкой строки ровно один повтор забирает запись себе.
		_, err := tx.Exec(ctx,
			`UPDATE idempotency_records SET status = 'in_progress', created_at = now()
			 WHERE user_id = $1 AND idempotency_key = $2`,
			userID, key,
		)
		if err != nil {
			return false, nil, fmt.Errorf("reclaim idempotency record: %w", err)
		}
		return true, nil, nil
	default:
		return false, nil, ErrIdempotencyInFlight
	}
}

// CompleteAskParams описывает параметры финализации успешного вопроса.
type CompleteAskParams struct {
	UserID          uuid.UUID
	IdempotencyKey  string
	RequestID       string
	Question        model.Question
	Answer          model.Answer
	Followups       []model.Followup
	UsedFollowupID  *uuid.UUID
	ResponsePayload []byte
}

// CompleteAsk выполняет шаг Finalize-success в одной транзакции: сохраняет
// вопрос, ответ и уточняющие вопросы, пишет терминальную запись capture
// (нулевая сумма — списание уже произошло при reserve) и замораживает ответ
// в реестре идемпотентности.
func (r *PostgresRepository) CompleteAsk(ctx context.Context, p CompleteAskParams) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			q := p.Question
			_, err := tx.Exec(ctx,
				`INSERT INTO questions
				     (id, user_id, question_text, lang, mode, status, source, request_id, idempotency_key)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				q.ID, q.UserID, q.QuestionText, q.Lang, q.Mode, string(q.Status), q.Source, q.RequestID, q.IdempotencyKey,
			)
			if err != nil {
				return fmt.Errorf("insert question: %w", err)
			}

			a := p.Answer
			_, err = tx.Exec(ctx,
				`INSERT INTO answers (id, question_id, answer_text, main_pct, secondary_pct, reference_pct)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				a.ID, a.QuestionID, a.AnswerText, a.MainPct, a.SecondaryPct, a.ReferencePct,
			)
			if err != nil {
				return fmt.Errorf("insert answer: %w", err)
			}

			for _, f := range p.Followups {
				_, err = tx.Exec(ctx,
					`INSERT INTO followups (id, question_id, user_id, content, status, origin_request_id)
					 VALUES ($1, $2, $3, $4, 'pending', $5)`,
					f.ID, f.QuestionID, f.UserID, f.Content, f.OriginRequestID,
				)
				if err != nil {
					return fmt.Errorf("insert followup: %w", err)
				}
			}

			if p.UsedFollowupID != nil {
				_, err = tx.Exec(ctx,
					`UPDATE followups SET used_question_id = $2 WHERE id = $1 AND user_id = $3`,
					*p.UsedFollowupID, q.ID, p.UserID,
				)
				if err != nil {
					return fmt.Errorf("link followup question: %w", err)
				}
			}

			err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
				UserID:         p.UserID,
				QuestionID:     &q.ID,
				Action:         model.ActionCapture,
				Amount:         0,
				ReasonCode:     model.ReasonAskCaptured,
				IdempotencyKey: p.IdempotencyKey,
				RequestID:      p.RequestID,
			})
			if err != nil {
				return err
			}

			cmdTag, err := tx.Exec(ctx,
				`UPDATE idempotency_records SET status = 'completed', response_payload = $3
				 WHERE user_id = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
				p.UserID, p.IdempotencyKey, p.ResponsePayload,
			)
			if err != nil {
				return fmt.Errorf("complete idempotency record: %w", err)
			}
			if cmdTag.RowsAffected() == 0 {
				return fmt.Errorf("idempotency record is not in progress for key %q", p.IdempotencyKey)
			}

			return nil
		})
	})
}

// RefundParams описывает параметры возврата зарезервированного кредита.
type RefundParams struct {
	UserID         uuid.UUID
	IdempotencyKey string
	RequestID      string
	Amount         int64
	QuestionID     *uuid.UUID
	// FollowupID возвращается в pending, если уточнение так и не породило вопрос.
	FollowupID *uuid.UUID
}

// RefundReservation выполняет шаг Finalize-failure в одной транзакции:
// возвращает списанную сумму, пишет терминальную запись refund и переводит
// запись реестра идемпотентности в failed — следующий повтор с тем же ключом
// забирает её в beginIdempotency и выполняется заново под новым request_id.
// Повторный вызов для уже завершённого request_id ничего не меняет.
func (r *PostgresRepository) RefundReservation(ctx context.Context, p RefundParams) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var settled bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (
				     SELECT 1 FROM credit_transactions
				     WHERE request_id = $1 AND action IN ('capture', 'refund')
				 )`,
				p.RequestID,
			).Scan(&settled)
			if err != nil {
				return fmt.Errorf("check terminal entry: %w", err)
			}
			if settled {
				return nil
			}

			if _, err := ensureWalletLocked(ctx, tx, p.UserID); err != nil {
				return err
			}
			if err := applyWalletDelta(ctx, tx, p.UserID, p.Amount); err != nil {
				return err
			}

			err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
				UserID:         p.UserID,
				QuestionID:     p.QuestionID,
				Action:         model.ActionRefund,
				Amount:         p.Amount,
				ReasonCode:     model.ReasonAskRefunded,
				IdempotencyKey: p.IdempotencyKey,
				RequestID:      p.RequestID,
			})
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx,
				`UPDATE idempotency_records SET status = 'failed', response_payload = NULL
				 WHERE user_id = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
				p.UserID, p.IdempotencyKey,
			)
			if err != nil {
				return fmt.Errorf("release idempotency record: %w", err)
			}

			if p.FollowupID != nil {
				_, err = tx.Exec(ctx,
					`UPDATE followups SET status = 'pending', used_at = NULL
					 WHERE id = $1 AND user_id = $2 AND used_question_id IS NULL`,
					*p.FollowupID, p.UserID,
				)
				if err != nil {
					return fmt.Errorf("restore followup: %w", err)
				}
			}

			return nil
		})
	})
}

// ListTransactions возвращает записи журнала пользователя от новых к старым
// и общее количество записей.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.LedgerEntry, int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, question_id, order_id, action, amount, reason_code, idempotency_key, request_id, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_transactions WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	return entries, total, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var action string
		err := rows.Scan(&e.ID, &e.UserID, &e.QuestionID, &e.OrderID, &action, &e.Amount,
			&e.ReasonCode, &e.IdempotencyKey, &e.RequestID, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Action = model.LedgerAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

// ChargedCreditsByQuestion возвращает фактическую стоимость вопросов в кредитах,
// выведенную из числа записей capture (сумма capture всегда нулевая).
func (r *PostgresRepository) ChargedCreditsByQuestion(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID, costPerAsk int64) (map[uuid.UUID]int64, error) {
	charged := make(map[uuid.UUID]int64, len(questionIDs))
	if len(questionIDs) == 0 {
		return charged, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT question_id, COUNT(*)
		 FROM credit_transactions
		 WHERE user_id = $1 AND action = 'capture' AND question_id = ANY($2)
		 GROUP BY question_id`,
		userID, questionIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select captures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var questionID uuid.UUID
		var captures int64
		if err := rows.Scan(&questionID, &captures); err != nil {
			return nil, fmt.Errorf("scan capture count: %w", err)
		}
		charged[questionID] = captures * costPerAsk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return charged, nil
}

// ListLedgerForQuestions возвращает записи capture и refund по указанным
// вопросам пользователя от старых к новым.
func (r *PostgresRepository) ListLedgerForQuestions(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID) ([]model.LedgerEntry, error) {
	if len(questionIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, question_id, order_id, action, amount, reason_code, idempotency_key, request_id, created_at
		 FROM credit_transactions
		 WHERE user_id = $1 AND question_id = ANY($2) AND action IN ('capture', 'refund')
		 ORDER BY created_at ASC, id ASC`,
		userID, questionIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select question transactions: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// ExpiredReservation описывает запись reserve без терминальной пары,
// зависшую дольше допустимого времени обработки.
type ExpiredReservation struct {
	UserID         uuid.UUID
	IdempotencyKey string
	RequestID      string
	Amount         int64
}

// ListExpiredReservations возвращает осиротевшие резервирования старше olderThan.
func (r *PostgresRepository) ListExpiredReservations(ctx context.Context, olderThan time.Time, limit int) ([]ExpiredReservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT res.user_id, res.idempotency_key, res.request_id, -res.amount
		 FROM credit_transactions res
		 WHERE res.action = 'reserve'
		   AND res.created_at < $1
		   AND NOT EXISTS (
		       SELECT 1 FROM credit_transactions term
		       WHERE term.request_id = res.request_id AND term.action IN ('capture', 'refund')
		   )
		 ORDER BY res.created_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired reservations: %w", err)
	}
	defer rows.Close()

	var res []ExpiredReservation
	for rows.Next() {
		var er ExpiredReservation
		if err := rows.Scan(&er.UserID, &er.IdempotencyKey, &er.RequestID, &er.Amount); err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		res = append(res, er)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
