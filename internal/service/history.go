package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/elin-system/internal/repository"
)

// HistoryItem — одна запись списка истории вопросов.
type HistoryItem struct {
	QuestionID     string    `json:"question_id"`
	QuestionText   string    `json:"question_text"`
	AnswerPreview  string    `json:"answer_preview"`
	Source         string    `json:"source"`
	ChargedCredits int64     `json:"charged_credits"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryPage — страница истории с общим числом корневых вопросов.
type HistoryPage struct {
	Items []HistoryItem `json:"items"`
	Total int64         `json:"total"`
}

// HistoryNode — узел дерева вопросов в детальном представлении.
// Children содержит вопросы, заданные через уточнения к этому узлу.
type HistoryNode struct {
	QuestionID       string            `json:"question_id"`
	QuestionText     string            `json:"question_text"`
	AnswerText       string            `json:"answer_text"`
	Source           string            `json:"source"`
	LayerPercentages []LayerPercentage `json:"layer_percentages"`
	ChargedCredits   int64             `json:"charged_credits"`
	RequestID        string            `json:"request_id"`
	CreatedAt        time.Time         `json:"created_at"`
	Children         []*HistoryNode    `json:"children"`
}

// HistoryTransaction — запись журнала кредитов, относящаяся к дереву вопросов.
type HistoryTransaction struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Amount     int64     `json:"amount"`
	ReasonCode string    `json:"reason_code"`
	QuestionID *string   `json:"question_id"`
	RequestID  string    `json:"request_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryDetail — дерево вопроса со всеми уточнениями и относящимися
// к нему записями журнала кредитов.
type HistoryDetail struct {
	Root         *HistoryNode         `json:"root"`
	Transactions []HistoryTransaction `json:"transactions"`
}

// GetHistory возвращает страницу корневых вопросов пользователя от новых
// к старым с сокращённым ответом и суммой списанных кредитов по каждому.
func (s *Service) GetHistory(ctx context.Context, userID uuid.UUID, limit, offset int) (HistoryPage, error) {
	roots, total, err := s.repo.ListRootQuestions(ctx, userID, limit, offset)
	if err != nil {
		return HistoryPage{}, err
	}

	ids := make([]uuid.UUID, 0, len(roots))
	for _, qa := range roots {
		ids = append(ids, qa.Question.ID)
	}
	charged, err := s.repo.ChargedCreditsByQuestion(ctx, userID, ids, CreditCostPerAsk)
	if err != nil {
		return HistoryPage{}, err
	}

	items := make([]HistoryItem, 0, len(roots))
	for _, qa := range roots {
		items = append(items, HistoryItem{
			QuestionID:     qa.Question.ID.String(),
			QuestionText:   qa.Question.QuestionText,
			AnswerPreview:  truncatePreview(qa.Answer.AnswerText),
			Source:         qa.Question.Source,
			ChargedCredits: charged[qa.Question.ID],
			CreatedAt:      qa.Question.CreatedAt,
		})
	}

	return HistoryPage{Items: items, Total: total}, nil
}

// GetHistoryDetail возвращает дерево вопроса: для любого вопроса дерева
// находит корень и собирает все заданные через уточнения дочерние вопросы
// вместе с относящимися к ним записями журнала кредитов.
func (s *Service) GetHistoryDetail(ctx context.Context, userID, questionID uuid.UUID) (HistoryDetail, error) {
	if _, err := s.repo.GetQuestionWithAnswer(ctx, userID, questionID); err != nil {
		return HistoryDetail{}, err
	}

	rootID, err := s.resolveRoot(ctx, userID, questionID)
	if err != nil {
		return HistoryDetail{}, err
	}

	nodes, parentOf, order, err := s.collectTree(ctx, userID, rootID)
	if err != nil {
		return HistoryDetail{}, err
	}

	for _, id := range order {
		if id == rootID {
			continue
		}
		child, ok := nodes[id]
		if !ok {
			continue
		}
		if parent, ok := nodes[parentOf[id]]; ok {
			parent.Children = append(parent.Children, child)
		}
	}

	charged, err := s.repo.ChargedCreditsByQuestion(ctx, userID, order, CreditCostPerAsk)
	if err != nil {
		return HistoryDetail{}, err
	}
	for id, node := range nodes {
		node.ChargedCredits = charged[id]
	}

	transactions, err := s.treeTransactions(ctx, userID, order)
	if err != nil {
		return HistoryDetail{}, err
	}

	return HistoryDetail{
		Root:         nodes[rootID],
		Transactions: transactions,
	}, nil
}

// resolveRoot поднимается по цепочке уточнений до корневого вопроса.
// Набор посещённых узлов защищает от цикла в повреждённых данных.
func (s *Service) resolveRoot(ctx context.Context, userID, questionID uuid.UUID) (uuid.UUID, error) {
	current := questionID
	visited := map[uuid.UUID]bool{current: true}

	for {
		parent, found, err := s.repo.FindParentOfUsedQuestion(ctx, userID, current)
		if err != nil {
			return uuid.Nil, err
		}
		if !found {
			return current, nil
		}
		if visited[parent] {
			return uuid.Nil, fmt.Errorf("followup cycle detected at question %s", parent)
		}
		visited[parent] = true
		current = parent
	}
}

// collectTree обходит дерево в ширину от корня. Возвращает узлы, связь
// ребёнок -> родитель и порядок обхода (родители раньше детей).
func (s *Service) collectTree(ctx context.Context, userID, rootID uuid.UUID) (map[uuid.UUID]*HistoryNode, map[uuid.UUID]uuid.UUID, []uuid.UUID, error) {
	nodes := make(map[uuid.UUID]*HistoryNode)
	parentOf := make(map[uuid.UUID]uuid.UUID)

	order := []uuid.UUID{rootID}
	frontier := []uuid.UUID{rootID}

	for len(frontier) > 0 {
		qas, err := s.repo.GetQuestionsWithAnswers(ctx, userID, frontier)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, qa := range qas {
			nodes[qa.Question.ID] = historyNode(qa)
		}

		followups, err := s.repo.ListUsedFollowupsByParents(ctx, userID, frontier)
		if err != nil {
			return nil, nil, nil, err
		}

		var next []uuid.UUID
		for _, f := range followups {
			childID := *f.UsedQuestionID
			if _, seen := parentOf[childID]; seen || childID == rootID {
				continue
			}
			parentOf[childID] = f.QuestionID
			order = append(order, childID)
			next = append(next, childID)
		}
		frontier = next
	}

	return nodes, parentOf, order, nil
}

func (s *Service) treeTransactions(ctx context.Context, userID uuid.UUID, questionIDs []uuid.UUID) ([]HistoryTransaction, error) {
	entries, err := s.repo.ListLedgerForQuestions(ctx, userID, questionIDs)
	if err != nil {
		return nil, err
	}

	transactions := make([]HistoryTransaction, 0, len(entries))
	for _, e := range entries {
		tx := HistoryTransaction{
			ID:         e.ID.String(),
			Action:     string(e.Action),
			Amount:     e.Amount,
			ReasonCode: e.ReasonCode,
			RequestID:  e.RequestID,
			CreatedAt:  e.CreatedAt,
		}
		if e.QuestionID != nil {
			id := e.QuestionID.String()
			tx.QuestionID = &id
		}
		transactions = append(transactions, tx)
	}

	return transactions, nil
}

func historyNode(qa repository.QuestionWithAnswer) *HistoryNode {
	return &HistoryNode{
		QuestionID:       qa.Question.ID.String(),
		QuestionText:     qa.Question.QuestionText,
		AnswerText:       qa.Answer.AnswerText,
		Source:           qa.Question.Source,
		LayerPercentages: layerPercentages(qa.Answer),
		RequestID:        qa.Question.RequestID,
		CreatedAt:        qa.Question.CreatedAt,
		Children:         []*HistoryNode{},
	}
}

func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= historyPreviewMaxLength {
		return text
	}
	return string(runes[:historyPreviewMaxLength]) + "..."
}
