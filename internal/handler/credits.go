package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mmeshcher/elin-system/internal/model"
)

// GetBalance возвращает баланс кошелька текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), info.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type transactionItem struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Amount     int64     `json:"amount"`
	ReasonCode string    `json:"reason_code"`
	RequestID  string    `json:"request_id"`
	QuestionID *string   `json:"question_id"`
	OrderID    *string   `json:"order_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type transactionListResponse struct {
	Items []transactionItem `json:"items"`
	Total int64             `json:"total"`
}

// GetTransactions возвращает страницу журнала кредитов текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	limit, offset, ok := paginationParams(w, r, 20, 100)
	if !ok {
		return
	}

	entries, total, err := h.service.GetTransactions(r.Context(), info.UserID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	items := make([]transactionItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, toTransactionItem(e))
	}

	writeJSON(w, http.StatusOK, transactionListResponse{Items: items, Total: total})
}

func toTransactionItem(e model.LedgerEntry) transactionItem {
	item := transactionItem{
		ID:         e.ID.String(),
		Action:     string(e.Action),
		Amount:     e.Amount,
		ReasonCode: e.ReasonCode,
		RequestID:  e.RequestID,
		CreatedAt:  e.CreatedAt,
	}
	if e.QuestionID != nil {
		id := e.QuestionID.String()
		item.QuestionID = &id
	}
	if e.OrderID != nil {
		id := e.OrderID.String()
		item.OrderID = &id
	}
	return item
}

// paginationParams читает limit и offset из query-параметров.
// limit ограничен диапазоном 1..maxLimit.
func paginationParams(w http.ResponseWriter, r *http.Request, defaultLimit, maxLimit int) (int, int, bool) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxLimit {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be in range 1.."+strconv.Itoa(maxLimit))
			return 0, 0, false
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "offset must be non-negative")
			return 0, 0, false
		}
		offset = parsed
	}

	return limit, offset, true
}
