package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/elin-system/internal/model"
)

const questionColumns = `q.id, q.user_id, q.question_text, q.lang, q.mode, q.status, q.source,
	q.request_id, q.idempotency_key, q.created_at`

const answerColumns = `a.id, a.question_id, a.answer_text, a.main_pct, a.secondary_pct, a.reference_pct, a.created_at`

// QuestionWithAnswer объединяет вопрос и его ответ.
type QuestionWithAnswer struct {
	Question model.Question
	Answer   model.Answer
}

func scanQuestionWithAnswer(row pgx.Row) (QuestionWithAnswer, error) {
	var qa QuestionWithAnswer
	var qStatus string

	err := row.Scan(
		&qa.Question.ID, &qa.Question.UserID, &qa.Question.QuestionText, &qa.Question.Lang, &qa.Question.Mode,
		&qStatus, &qa.Question.Source, &qa.Question.RequestID, &qa.Question.IdempotencyKey, &qa.Question.CreatedAt,
		&qa.Answer.ID, &qa.Answer.QuestionID, &qa.Answer.AnswerText,
		&qa.Answer.MainPct, &qa.Answer.SecondaryPct, &qa.Answer.ReferencePct, &qa.Answer.CreatedAt,
	)
	if err != nil {
		return QuestionWithAnswer{}, err
	}

	qa.Question.Status = model.QuestionStatus(qStatus)
	return qa, nil
}

// GetQuestionWithAnswer возвращает успешно обработанный вопрос пользователя с ответом.
func (r *PostgresRepository) GetQuestionWithAnswer(ctx context.Context, userID, questionID uuid.UUID) (QuestionWithAnswer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+questionColumns+`, `+answerColumns+`
		 FROM questions q
		 JOIN answers a ON a.question_id = q.id
		 WHERE q.id = $1 AND q.user_id = $2 AND q.status = 'succeeded'`,
		questionID, userID,
	)

	qa, err := scanQuestionWithAnswer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QuestionWithAnswer{}, ErrQuestionNotFound
		}
		return QuestionWithAnswer{}, fmt.Errorf("get question: %w", err)
	}
	return qa, nil
}

// GetQuestionsWithAnswers возвращает указанные вопросы пользователя с ответами.
func (r *PostgresRepository) GetQuestionsWithAnswers(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID) ([]QuestionWithAnswer, error) {
	if len(questionIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+`, `+answerColumns+`
		 FROM questions q
		 JOIN answers a ON a.question_id = q.id
		 WHERE q.user_id = $1 AND q.status = 'succeeded' AND q.id = ANY($2)`,
		userID, questionIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}
	defer rows.Close()

	var res []QuestionWithAnswer
	for rows.Next() {
		qa, err := scanQuestionWithAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		res = append(res, qa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListRootQuestions возвращает корневые вопросы пользователя (не созданные
// через уточнения) от новых к старым и их общее количество.
func (r *PostgresRepository) ListRootQuestions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]QuestionWithAnswer, int64, error) {
	const notUsedChild = `q.id NOT IN (
		SELECT used_question_id FROM followups
		WHERE user_id = $1 AND used_question_id IS NOT NULL
	)`

	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+`, `+answerColumns+`
		 FROM questions q
		 JOIN answers a ON a.question_id = q.id
		 WHERE q.user_id = $1 AND q.status = 'succeeded' AND `+notUsedChild+`
		 ORDER BY q.created_at DESC, q.id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select root questions: %w", err)
	}
	defer rows.Close()

	var res []QuestionWithAnswer
	for rows.Next() {
		qa, err := scanQuestionWithAnswer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan question: %w", err)
		}
		res = append(res, qa)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	var total int64
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM questions q
		 WHERE q.user_id = $1 AND q.status = 'succeeded' AND `+notUsedChild,
		userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count root questions: %w", err)
	}

	return res, total, nil
}

const followupColumns = `id, question_id, user_id, content, status, origin_request_id, used_question_id, used_at, created_at`

func scanFollowup(row pgx.Row) (model.Followup, error) {
	var f model.Followup
	var status string

	err := row.Scan(&f.ID, &f.QuestionID, &f.UserID, &f.Content, &status,
		&f.OriginRequestID, &f.UsedQuestionID, &f.UsedAt, &f.CreatedAt)
	if err != nil {
		return model.Followup{}, err
	}

	f.Status = model.FollowupStatus(status)
	return f, nil
}

// GetFollowup возвращает уточняющий вопрос по идентификатору.
func (r *PostgresRepository) GetFollowup(ctx context.Context, followupID uuid.UUID) (model.Followup, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+followupColumns+` FROM followups WHERE id = $1`,
		followupID,
	)

	f, err := scanFollowup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Followup{}, ErrFollowupNotFound
		}
		return model.Followup{}, fmt.Errorf("get followup: %w", err)
	}
	return f, nil
}

// GetQuestion возвращает вопрос по идентификатору.
func (r *PostgresRepository) GetQuestion(ctx context.Context, questionID uuid.UUID) (model.Question, error) {
	var q model.Question
	var status string

	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, question_text, lang, mode, status, source, request_id, idempotency_key, created_at
		 FROM questions WHERE id = $1`,
		questionID,
	).Scan(&q.ID, &q.UserID, &q.QuestionText, &q.Lang, &q.Mode, &status, &q.Source,
		&q.RequestID, &q.IdempotencyKey, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Question{}, ErrQuestionNotFound
		}
		return model.Question{}, fmt.Errorf("get question: %w", err)
	}

	q.Status = model.QuestionStatus(status)
	return q, nil
}

// FindParentOfUsedQuestion ищет уточнение, породившее указанный вопрос,
// и возвращает идентификатор родительского вопроса.
func (r *PostgresRepository) FindParentOfUsedQuestion(ctx context.Context, userID, questionID uuid.UUID) (uuid.UUID, bool, error) {
	var parentID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT question_id FROM followups
		 WHERE user_id = $1 AND used_question_id = $2
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		userID, questionID,
	).Scan(&parentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("find parent followup: %w", err)
	}
	return parentID, true, nil
}

// ListUsedFollowupsByParents возвращает использованные уточнения указанных
// родительских вопросов от старых к новым.
func (r *PostgresRepository) ListUsedFollowupsByParents(ctx context.Context, userID uuid.UUID, parentIDs []uuid.UUID) ([]model.Followup, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+followupColumns+`
		 FROM followups
		 WHERE user_id = $1 AND question_id = ANY($2) AND used_question_id IS NOT NULL
		 ORDER BY created_at ASC, id ASC`,
		userID, parentIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select used followups: %w", err)
	}
	defer rows.Close()

	var res []model.Followup
	for rows.Next() {
		f, err := scanFollowup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan followup: %w", err)
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
